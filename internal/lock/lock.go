// Package lock provides the in-process repository gate and the single-instance
// daemon file lock.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
)

// RepoGate is the set of repositories with a task currently in flight in
// this process. It is advisory: the processing directory stays the authority.
type RepoGate struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewRepoGate() *RepoGate {
	return &RepoGate{active: make(map[string]struct{})}
}

func (g *RepoGate) IsTaken(repo string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[repo]
	return ok
}

// Take claims repo and reports whether this caller won it.
func (g *RepoGate) Take(repo string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.active[repo]; ok {
		return false
	}
	g.active[repo] = struct{}{}
	return true
}

// Release is a no-op for repositories that are not held.
func (g *RepoGate) Release(repo string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, repo)
}

func (g *RepoGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Active returns the held repositories in sorted order.
func (g *RepoGate) Active() []string {
	g.mu.Lock()
	repos := make([]string, 0, len(g.active))
	for r := range g.active {
		repos = append(repos, r)
	}
	g.mu.Unlock()
	sort.Strings(repos)
	return repos
}

// FileLock keeps a second router from running against the same storage root.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) Path() string { return fl.path }

func (fl *FileLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another router may be running): %w", err)
	}

	if err := writePID(f); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return err
	}

	fl.file = f
	return nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}

	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}
