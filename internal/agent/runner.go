// Package agent runs the external coding agent for one task.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nergal-perm/github-webhooks-router/internal/logging"
)

const DefaultTimeout = 5 * time.Minute

var (
	ErrRepoNotFound = errors.New("repository directory not found")
	ErrTimeout      = errors.New("agent process timed out")
)

// Result is the outcome of one agent run. ErrorMessage is empty on success.
type Result struct {
	Success      bool
	ErrorMessage string
	ExitCode     int
	Err          error
	Duration     time.Duration
}

func failure(err error, msg string) Result {
	return Result{ErrorMessage: msg, Err: err, ExitCode: -1}
}

// Runner executes the agent for a repository with the raw webhook JSON.
type Runner interface {
	Execute(ctx context.Context, repoName string, content []byte, outputFile string) Result
}

type Options struct {
	RepoBaseDir string
	Command     string
	Args        []string
	Timeout     time.Duration
	Logger      *logging.Logger
}

// Executor spawns `<command> <args...> <webhook-json>` in <RepoBaseDir>/<repo>
// with stdout and stderr going to the output file.
type Executor struct {
	repoBaseDir string
	command     string
	args        []string
	timeout     time.Duration
	logger      *logging.Logger
}

func NewExecutor(opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Executor{
		repoBaseDir: opts.RepoBaseDir,
		command:     opts.Command,
		args:        append([]string(nil), opts.Args...),
		timeout:     opts.Timeout,
		logger:      opts.Logger,
	}
}

func (e *Executor) RepoDir(repoName string) string {
	return filepath.Join(e.repoBaseDir, repoName)
}

func (e *Executor) Execute(ctx context.Context, repoName string, content []byte, outputFile string) Result {
	start := time.Now()
	res := e.execute(ctx, repoName, content, outputFile)
	res.Duration = time.Since(start)
	if res.Success {
		e.logger.Info("agent finished repo=%s output=%s duration=%s", repoName, outputFile, res.Duration.Round(time.Millisecond))
	} else {
		e.logger.Warn("agent failed repo=%s output=%s error=%q", repoName, outputFile, res.ErrorMessage)
	}
	return res
}

func (e *Executor) execute(ctx context.Context, repoName string, content []byte, outputFile string) Result {
	dir := e.RepoDir(repoName)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return failure(ErrRepoNotFound, "Repository directory not found: "+dir)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return failure(err, "Failed to launch agent: "+err.Error())
	}
	out, err := os.Create(outputFile)
	if err != nil {
		return failure(err, "Failed to launch agent: "+err.Error())
	}
	defer out.Close()

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := append(append([]string(nil), e.args...), string(content))
	cmd := exec.CommandContext(runCtx, e.command, args...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	// Own process group so the kill reaches anything the agent spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	e.logger.Debug("agent starting repo=%s dir=%s command=%s", repoName, dir, e.command)
	if err := cmd.Start(); err != nil {
		return failure(err, "Failed to launch agent: "+err.Error())
	}
	waitErr := cmd.Wait()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return failure(ErrTimeout, "Agent process timed out")
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if exitErr.ExitCode() < 0 {
				return failure(waitErr, "Agent process terminated: "+waitErr.Error())
			}
			return Result{
				ErrorMessage: fmt.Sprintf("Agent process exited with code: %d", exitErr.ExitCode()),
				ExitCode:     exitErr.ExitCode(),
				Err:          waitErr,
			}
		}
		return failure(waitErr, "Failed to launch agent: "+waitErr.Error())
	}
	return Result{Success: true}
}
