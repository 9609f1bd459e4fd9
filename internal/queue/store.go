// Package queue stores tasks as files, one directory per stage. Moving a task
// between stages is a single rename on one filesystem.
package queue

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/nergal-perm/github-webhooks-router/internal/fsutil"
	"github.com/nergal-perm/github-webhooks-router/internal/model"
)

// ErrNotFound is returned by Move and Read when the source file is missing.
// errors.Is(err, fs.ErrNotExist) holds for it as well.
var ErrNotFound = fmt.Errorf("task file not found: %w", fs.ErrNotExist)

// WriteError reports a failed Create.
type WriteError struct {
	Stage    model.Stage
	Filename string
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s/%s: %v", e.Stage, e.Filename, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string { return s.root }

func (s *Store) Dir(stage model.Stage) string {
	return filepath.Join(s.root, string(stage))
}

func (s *Store) OutputsDir() string {
	return filepath.Join(s.root, model.OutputsDir)
}

func (s *Store) Path(stage model.Stage, filename string) string {
	return filepath.Join(s.Dir(stage), filename)
}

// EnsureAll creates every stage directory and the outputs directory.
func (s *Store) EnsureAll() error {
	dirs := []string{s.OutputsDir()}
	for _, st := range model.Stages {
		dirs = append(dirs, s.Dir(st))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// List returns the regular files of a stage in filename order, which for
// task files is arrival order. A stage that does not exist yet is empty.
func (s *Store) List(stage model.Stage) ([]string, error) {
	entries, err := os.ReadDir(s.Dir(stage))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", stage, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || fsutil.IsTemp(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) Count(stage model.Stage) (int, error) {
	names, err := s.List(stage)
	return len(names), err
}

// Create writes a task file into stage. The file appears complete or not at all.
func (s *Store) Create(stage model.Stage, filename string, content []byte) error {
	if err := fsutil.WriteAtomic(s.Path(stage, filename), content); err != nil {
		return &WriteError{Stage: stage, Filename: filename, Err: err}
	}
	return nil
}

func (s *Store) Read(stage model.Stage, filename string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(stage, filename))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", stage, filename, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", stage, filename, err)
	}
	return data, nil
}

// Move renames filename from one stage to another and returns the new path.
// Illegal lifecycle transitions are rejected before touching the filesystem.
func (s *Store) Move(filename string, from, to model.Stage) (string, error) {
	if err := model.ValidateStageTransition(from, to); err != nil {
		return "", err
	}
	src := s.Path(from, filename)
	if _, err := os.Lstat(src); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s/%s: %w", from, filename, ErrNotFound)
	}
	if err := os.MkdirAll(s.Dir(to), 0755); err != nil {
		return "", fmt.Errorf("create %s: %w", to, err)
	}
	dst := s.Path(to, filename)
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s/%s: %w", from, filename, ErrNotFound)
		}
		return "", fmt.Errorf("move %s %s → %s: %w", filename, from, to, err)
	}
	return dst, nil
}
