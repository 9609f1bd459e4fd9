package model

import "fmt"

// Stage is one lifecycle state of a task. A task's stage is the directory
// its file currently lives in; there is no other status record.
type Stage string

const (
	StagePending    Stage = "pending"
	StageProcessing Stage = "processing"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
	StageSkipped    Stage = "skipped"
)

// OutputsDir holds agent transcripts, not tasks.
const OutputsDir = "outputs"

// Stages lists every task stage in lifecycle order.
var Stages = []Stage{StagePending, StageProcessing, StageCompleted, StageFailed, StageSkipped}

var terminalStages = map[Stage]bool{
	StageCompleted: true,
	StageFailed:    true,
	StageSkipped:   true,
}

// pending → processing | failed (invalid name) | skipped (unsupported event)
// processing → completed | failed | pending (recovery)
var validStageTransitions = map[Stage]map[Stage]bool{
	StagePending: {
		StageProcessing: true,
		StageFailed:     true,
		StageSkipped:    true,
	},
	StageProcessing: {
		StageCompleted: true,
		StageFailed:    true,
		StagePending:   true,
	},
}

func IsTerminal(s Stage) bool {
	return terminalStages[s]
}

func IsStage(s string) bool {
	for _, st := range Stages {
		if string(st) == s {
			return true
		}
	}
	return false
}

func ValidateStageTransition(from, to Stage) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal stage %q", from)
	}
	allowed, ok := validStageTransitions[from]
	if !ok {
		return fmt.Errorf("unknown stage %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid stage transition: %q → %q", from, to)
	}
	return nil
}
