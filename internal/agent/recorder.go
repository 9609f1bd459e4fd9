package agent

import (
	"context"
	"sync"
)

// Call is one recorded Execute invocation.
type Call struct {
	RepoName   string
	Content    string
	OutputFile string
}

// Recorder is a Runner that records calls instead of spawning a process.
// OnExecute, when set, decides the Result; otherwise every call succeeds.
type Recorder struct {
	OnExecute func(ctx context.Context, call Call) Result

	mu    sync.Mutex
	calls []Call
}

func (r *Recorder) Execute(ctx context.Context, repoName string, content []byte, outputFile string) Result {
	call := Call{RepoName: repoName, Content: string(content), OutputFile: outputFile}
	r.mu.Lock()
	r.calls = append(r.calls, call)
	hook := r.OnExecute
	r.mu.Unlock()

	if hook != nil {
		return hook(ctx, call)
	}
	return Result{Success: true}
}

func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}
