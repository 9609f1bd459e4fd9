package daemon

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nergal-perm/github-webhooks-router/internal/agent"
	"github.com/nergal-perm/github-webhooks-router/internal/events"
	"github.com/nergal-perm/github-webhooks-router/internal/lock"
	"github.com/nergal-perm/github-webhooks-router/internal/logging"
	"github.com/nergal-perm/github-webhooks-router/internal/task"
	"github.com/nergal-perm/github-webhooks-router/internal/tasks"
)

// DispatchStats summarises one dispatch cycle.
type DispatchStats struct {
	Recovered  int
	Invalid    int
	Skipped    int
	Dispatched int
}

// Dispatcher runs dispatch cycles: recovery, cleanup of invalid and
// unsupported tasks, then one agent run per idle repository.
type Dispatcher struct {
	manager   *tasks.Manager
	gate      *lock.RepoGate
	runner    agent.Runner
	bus       events.Publisher
	logger    *logging.Logger
	outputDir string

	wg sync.WaitGroup
}

func NewDispatcher(manager *tasks.Manager, gate *lock.RepoGate, runner agent.Runner, bus events.Publisher, logger *logging.Logger) *Dispatcher {
	if bus == nil {
		bus = (*events.Bus)(nil)
	}
	return &Dispatcher{
		manager:   manager,
		gate:      gate,
		runner:    runner,
		bus:       bus,
		logger:    logger,
		outputDir: manager.Store().OutputsDir(),
	}
}

// Dispatch runs one cycle and returns once every eligible task has been
// submitted. Agent runs continue in the background; Wait blocks on them.
// An error means a stage could not be listed and the cycle was abandoned.
func (d *Dispatcher) Dispatch(ctx context.Context) (DispatchStats, error) {
	var st DispatchStats
	defer func() {
		d.bus.Publish(events.EventCycleCompleted, map[string]any{
			"kind":       "dispatch",
			"recovered":  st.Recovered,
			"invalid":    st.Invalid,
			"skipped":    st.Skipped,
			"dispatched": st.Dispatched,
		})
	}()

	var err error
	if st.Recovered, err = d.manager.RecoverStuck(d.gate); err != nil {
		return st, err
	}
	if st.Invalid, err = d.manager.ClearInvalid(); err != nil {
		return st, err
	}
	if st.Skipped, err = d.manager.SkipUnsupported(); err != nil {
		return st, err
	}

	pending, err := d.manager.Pending()
	if err != nil {
		return st, fmt.Errorf("list pending: %w", err)
	}

	for _, t := range pending {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if d.gate.IsTaken(t.RepoName) {
			d.logger.Debug("repository busy repo=%s file=%s", t.RepoName, t.Filename())
			continue
		}
		if !d.gate.Take(t.RepoName) {
			continue
		}
		if !d.manager.StartProcessing(t) {
			d.gate.Release(t.RepoName)
			continue
		}
		st.Dispatched++
		d.wg.Add(1)
		// agent runs outlive the triggering cycle; only the runner timeout stops them
		go d.process(context.WithoutCancel(ctx), t)
	}

	if st.Dispatched > 0 || st.Recovered > 0 || st.Invalid > 0 || st.Skipped > 0 {
		d.logger.Info("dispatch cycle recovered=%d invalid=%d skipped=%d dispatched=%d",
			st.Recovered, st.Invalid, st.Skipped, st.Dispatched)
	}
	return st, nil
}

// process is the body of one task: read, run the agent, record the outcome.
// The repository is released however it ends.
func (d *Dispatcher) process(ctx context.Context, t task.Valid) {
	defer d.wg.Done()
	defer d.gate.Release(t.RepoName)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic processing file=%s: %v\n%s", t.Filename(), r, debug.Stack())
			d.manager.FailTask(t, fmt.Sprintf("panic: %v", r))
		}
	}()

	wh, ok := d.manager.PrepareForProcessing(t, d.outputDir)
	if !ok {
		d.manager.FailTask(t, "cannot read task file")
		return
	}

	d.logger.Info("dispatching repo=%s file=%s issue=%d", t.RepoName, t.Filename(), wh.IssueNumber)
	res := d.runner.Execute(ctx, t.RepoName, wh.Content, wh.OutputFile)
	d.bus.Publish(events.EventAgentFinished, map[string]any{
		"repo":             t.RepoName,
		"filename":         t.Filename(),
		"output":           wh.OutputFile,
		"success":          res.Success,
		"duration_seconds": res.Duration.Seconds(),
		"error":            res.ErrorMessage,
	})

	if res.Success {
		d.manager.CompleteTask(t)
		return
	}
	d.manager.FailTask(t, res.ErrorMessage)
}

// Wait blocks until every submitted agent run has finished or timeout
// elapses. It reports whether the runs drained.
func (d *Dispatcher) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
