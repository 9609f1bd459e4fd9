package status

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nergal-perm/github-webhooks-router/internal/model"
	"github.com/nergal-perm/github-webhooks-router/internal/queue"
	"github.com/nergal-perm/github-webhooks-router/internal/uds"
)

type RouterStatus struct {
	StorageRoot string        `json:"storage_root"`
	Daemon      DaemonStatus  `json:"daemon"`
	Stages      []StageStatus `json:"stages"`
}

type DaemonStatus struct {
	Running     bool       `json:"running"`
	PID         int        `json:"pid,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	ActiveRepos []string   `json:"active_repos,omitempty"`
	QuietHours  string     `json:"quiet_hours,omitempty"`
	QuietNow    bool       `json:"quiet_now,omitempty"`
}

type StageStatus struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	// Error is set when the stage directory could not be listed.
	Error string `json:"error,omitempty"`
}

// Run collects the router status and writes it to w.
func Run(cfg model.Config, w io.Writer, jsonOutput bool) error {
	status := Collect(cfg)

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	printStatus(w, status)
	return nil
}

// Collect asks a running router for its status. Without one, stage depths
// are counted straight from the storage root.
func Collect(cfg model.Config) RouterStatus {
	status := RouterStatus{StorageRoot: cfg.StorageRoot}

	client := uds.NewClient(cfg.SocketPath())
	client.SetTimeout(3 * time.Second)
	var live uds.StatusData
	if err := client.Call(uds.CmdStatus, nil, &live); err == nil {
		startedAt := live.StartedAt
		status.Daemon = DaemonStatus{
			Running:     true,
			PID:         live.PID,
			StartedAt:   &startedAt,
			ActiveRepos: live.ActiveRepos,
			QuietHours:  live.QuietHours,
			QuietNow:    live.QuietNow,
		}
		for _, s := range model.Stages {
			status.Stages = append(status.Stages, StageStatus{Name: string(s), Count: live.Stages[string(s)]})
		}
		return status
	}

	status.Stages = countStages(queue.NewStore(cfg.StorageRoot))
	return status
}

func countStages(store *queue.Store) []StageStatus {
	stages := make([]StageStatus, 0, len(model.Stages))
	for _, s := range model.Stages {
		st := StageStatus{Name: string(s)}
		n, err := store.Count(s)
		if err != nil {
			st.Error = err.Error()
		}
		st.Count = n
		stages = append(stages, st)
	}
	return stages
}

func printStatus(w io.Writer, s RouterStatus) {
	// Daemon
	if s.Daemon.Running {
		fmt.Fprintf(w, "Router: running (pid %d", s.Daemon.PID)
		if s.Daemon.StartedAt != nil {
			fmt.Fprintf(w, ", since %s", s.Daemon.StartedAt.Local().Format(time.DateTime))
		}
		fmt.Fprintln(w, ")")
		if len(s.Daemon.ActiveRepos) > 0 {
			fmt.Fprintf(w, "Active repositories: %s\n", strings.Join(s.Daemon.ActiveRepos, ", "))
		}
		if s.Daemon.QuietHours != "" && s.Daemon.QuietHours != "none" {
			state := "inactive"
			if s.Daemon.QuietNow {
				state = "active"
			}
			fmt.Fprintf(w, "Quiet hours: %s (%s)\n", s.Daemon.QuietHours, state)
		}
	} else {
		fmt.Fprintln(w, "Router: stopped")
	}

	// Stages
	fmt.Fprintf(w, "\nStorage: %s\n", s.StorageRoot)
	fmt.Fprintf(w, "  %-12s  %7s\n", "STAGE", "FILES")
	for _, st := range s.Stages {
		if st.Error != "" {
			fmt.Fprintf(w, "  %-12s  %7s  (%s)\n", st.Name, "?", st.Error)
			continue
		}
		fmt.Fprintf(w, "  %-12s  %7d\n", st.Name, st.Count)
	}
}
