// Package tasks exposes the task lifecycle as named stage transitions over
// the queue store.
package tasks

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/nergal-perm/github-webhooks-router/internal/events"
	"github.com/nergal-perm/github-webhooks-router/internal/logging"
	"github.com/nergal-perm/github-webhooks-router/internal/model"
	"github.com/nergal-perm/github-webhooks-router/internal/queue"
	"github.com/nergal-perm/github-webhooks-router/internal/task"
	"github.com/nergal-perm/github-webhooks-router/internal/webhook"
)

// Gate reports whether this process is currently working on a repository.
type Gate interface {
	IsTaken(repo string) bool
}

// ProcessableWebhook is a task read back from processing, ready for the agent.
type ProcessableWebhook struct {
	Task        task.Valid
	Content     []byte
	OutputFile  string
	IssueNumber int
	HasIssue    bool
}

type Manager struct {
	store  *queue.Store
	bus    events.Publisher
	logger *logging.Logger
	now    func() time.Time
}

func NewManager(store *queue.Store, bus events.Publisher, logger *logging.Logger) *Manager {
	if bus == nil {
		bus = (*events.Bus)(nil)
	}
	return &Manager{store: store, bus: bus, logger: logger, now: time.Now}
}

func (m *Manager) Store() *queue.Store { return m.store }

func (m *Manager) transition(t task.Task, from, to model.Stage, reason string) error {
	if _, err := m.store.Move(t.Filename(), from, to); err != nil {
		return err
	}
	data := map[string]any{
		"filename": t.Filename(),
		"from":     string(from),
		"to":       string(to),
		"reason":   reason,
	}
	if v, ok := t.(task.Valid); ok {
		data["repo"] = v.RepoName
	}
	m.bus.Publish(events.EventTaskTransitioned, data)
	m.logger.Debug("task moved file=%s from=%s to=%s reason=%s", t.Filename(), from, to, reason)
	return nil
}

// RecoverStuck moves every processing file whose repository is not held by
// gate back to pending. With an empty gate every processing file is orphaned.
func (m *Manager) RecoverStuck(gate Gate) (int, error) {
	names, err := m.store.List(model.StageProcessing)
	if err != nil {
		return 0, fmt.Errorf("recover stuck: %w", err)
	}
	recovered := 0
	for _, name := range names {
		t := task.Decode(name)
		if v, ok := t.(task.Valid); ok && gate.IsTaken(v.RepoName) {
			continue
		}
		if err := m.transition(t, model.StageProcessing, model.StagePending, "recovered"); err != nil {
			m.logger.Error("recover failed file=%s error=%v", name, err)
			continue
		}
		m.logger.Warn("recovered stuck task file=%s", name)
		recovered++
	}
	return recovered, nil
}

// ClearInvalid moves pending files with unparseable names to failed.
func (m *Manager) ClearInvalid() (int, error) {
	names, err := m.store.List(model.StagePending)
	if err != nil {
		return 0, fmt.Errorf("clear invalid: %w", err)
	}
	cleared := 0
	for _, name := range names {
		inv, ok := task.Decode(name).(task.Invalid)
		if !ok {
			continue
		}
		if err := m.transition(inv, model.StagePending, model.StageFailed, inv.Reason); err != nil {
			m.logger.Error("discard invalid failed file=%s error=%v", name, err)
			continue
		}
		m.logger.Warn("discarded invalid task file=%s reason=%q", name, inv.Reason)
		cleared++
	}
	return cleared, nil
}

// SkipUnsupported moves pending tasks whose payload is not an opened issue to skipped.
func (m *Manager) SkipUnsupported() (int, error) {
	names, err := m.store.List(model.StagePending)
	if err != nil {
		return 0, fmt.Errorf("skip unsupported: %w", err)
	}
	skipped := 0
	for _, name := range names {
		v, ok := task.Decode(name).(task.Valid)
		if !ok {
			continue
		}
		content, err := m.store.Read(model.StagePending, name)
		if err != nil {
			m.logger.Error("read pending task failed file=%s error=%v", name, err)
			continue
		}
		eventType := webhook.EventType(content)
		if eventType == webhook.DispatchableEvent {
			continue
		}
		if err := m.transition(v, model.StagePending, model.StageSkipped, eventType); err != nil {
			m.logger.Error("skip failed file=%s error=%v", name, err)
			continue
		}
		m.logger.Info("skipped unsupported event file=%s event=%s", name, eventType)
		skipped++
	}
	return skipped, nil
}

// Pending returns the valid pending tasks in arrival order.
func (m *Manager) Pending() ([]task.Valid, error) {
	names, err := m.store.List(model.StagePending)
	if err != nil {
		return nil, err
	}
	out := make([]task.Valid, 0, len(names))
	for _, name := range names {
		if v, ok := task.Decode(name).(task.Valid); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// StartProcessing moves t to processing. False means the move failed and
// the task should not be dispatched this cycle.
func (m *Manager) StartProcessing(t task.Valid) bool {
	if err := m.transition(t, model.StagePending, model.StageProcessing, "dispatch"); err != nil {
		m.logger.Error("start processing failed file=%s error=%v", t.Filename(), err)
		return false
	}
	return true
}

// PrepareForProcessing reads t from processing and names its output file.
// On false the caller must fail the task.
func (m *Manager) PrepareForProcessing(t task.Valid, outputDir string) (ProcessableWebhook, bool) {
	content, err := m.store.Read(model.StageProcessing, t.Filename())
	if err != nil {
		m.logger.Error("read processing task failed file=%s error=%v", t.Filename(), err)
		return ProcessableWebhook{}, false
	}
	n, hasIssue := webhook.IssueNumber(content)
	return ProcessableWebhook{
		Task:        t,
		Content:     content,
		OutputFile:  filepath.Join(outputDir, task.OutputFilename(t.RepoName, n, hasIssue, m.now())),
		IssueNumber: n,
		HasIssue:    hasIssue,
	}, true
}

func (m *Manager) CompleteTask(t task.Task) bool {
	return m.finish(t, model.StageCompleted, "agent succeeded")
}

func (m *Manager) FailTask(t task.Task, reason string) bool {
	return m.finish(t, model.StageFailed, reason)
}

func (m *Manager) finish(t task.Task, to model.Stage, reason string) bool {
	if err := m.transition(t, model.StageProcessing, to, reason); err != nil {
		m.logger.Error("finish task failed file=%s to=%s error=%v", t.Filename(), to, err)
		return false
	}
	return true
}
