package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxJournalSize = 50 * 1024 * 1024
	ArchiveDir            = "archive"
)

// JournalEntry is one line of the task journal.
type JournalEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Filename  string         `json:"filename,omitempty"`
	Repo      string         `json:"repo,omitempty"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Journal is an append-only JSONL record of everything that happened to
// tasks. The file is rotated into archive/ when it passes maxSize.
type Journal struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	path        string
	rotations   int
}

func OpenJournal(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	j := &Journal{path: path, maxSize: maxSize}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.currentSize = stat.Size()
	return nil
}

// Attach subscribes the journal to every event type on bus.
func (j *Journal) Attach(bus *Bus) func() {
	return bus.SubscribeAll(func(e Event) {
		_ = j.Record(e)
	})
}

// Record converts a bus event into a journal line. The well-known keys
// filename, repo, from and to are lifted out of Data.
func (j *Journal) Record(e Event) error {
	entry := JournalEntry{
		Timestamp: e.Timestamp,
		Event:     string(e.Type),
		Filename:  e.String("filename"),
		Repo:      e.String("repo"),
		From:      e.String("from"),
		To:        e.String("to"),
	}
	for k, v := range e.Data {
		switch k {
		case "filename", "repo", "from", "to":
			continue
		}
		if entry.Details == nil {
			entry.Details = make(map[string]any)
		}
		entry.Details[k] = v
	}
	return j.Write(&entry)
}

func (j *Journal) Write(entry *JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal closed")
	}
	if j.currentSize > 0 && j.currentSize+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}

	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	j.currentSize += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	archiveDir := filepath.Join(filepath.Dir(j.path), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	j.rotations++
	base := strings.TrimSuffix(filepath.Base(j.path), filepath.Ext(j.path))
	archived := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), j.rotations, filepath.Ext(j.path))
	if err := os.Rename(j.path, filepath.Join(archiveDir, archived)); err != nil {
		return fmt.Errorf("archive journal: %w", err)
	}
	return j.open()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
