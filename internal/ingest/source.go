// Package ingest pulls webhook records from the remote store into the
// pending stage.
package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/nergal-perm/github-webhooks-router/internal/logging"
	"github.com/nergal-perm/github-webhooks-router/internal/model"
	"github.com/nergal-perm/github-webhooks-router/internal/webhook"
)

// Record is one webhook delivery waiting in the remote store. A nil Payload
// means the record carried none.
type Record struct {
	DeliveryID string
	Payload    []byte
}

func (r Record) RepoFullName() (string, bool) {
	if r.Payload == nil {
		return "", false
	}
	return webhook.RepoFullName(r.Payload)
}

// Source is the remote store: scan everything, delete by delivery id.
type Source interface {
	FetchAll(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, deliveryID string) error
	Close() error
}

// NewSource builds the Source selected by cfg.Backend.
func NewSource(ctx context.Context, cfg model.RemoteConfig, logger *logging.Logger) (Source, error) {
	switch cfg.Backend {
	case model.BackendDynamoDB:
		return NewDynamoSource(ctx, cfg, logger)
	case model.BackendRedis:
		return NewRedisSource(cfg, logger), nil
	case model.BackendNone:
		return &MemorySource{}, nil
	default:
		return nil, fmt.Errorf("unknown remote backend %q", cfg.Backend)
	}
}

// LazySource defers building the real Source until the first call, and
// keeps retrying on later calls while construction fails.
type LazySource struct {
	build func(ctx context.Context) (Source, error)

	mu  sync.Mutex
	src Source
}

func NewLazySource(build func(ctx context.Context) (Source, error)) *LazySource {
	return &LazySource{build: build}
}

func (l *LazySource) get(ctx context.Context) (Source, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.src != nil {
		return l.src, nil
	}
	src, err := l.build(ctx)
	if err != nil {
		return nil, fmt.Errorf("create remote source: %w", err)
	}
	l.src = src
	return src, nil
}

func (l *LazySource) FetchAll(ctx context.Context) ([]Record, error) {
	src, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return src.FetchAll(ctx)
}

func (l *LazySource) Delete(ctx context.Context, deliveryID string) error {
	src, err := l.get(ctx)
	if err != nil {
		return err
	}
	return src.Delete(ctx, deliveryID)
}

func (l *LazySource) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.src == nil {
		return nil
	}
	err := l.src.Close()
	l.src = nil
	return err
}

// MemorySource serves a fixed record list and records what happened to it.
// Deleted records are still returned by FetchAll, like a store whose delete
// has not propagated yet.
type MemorySource struct {
	Records   []Record
	FetchErr  error
	DeleteErr error

	mu      sync.Mutex
	deleted []string
	closed  int
}

func (m *MemorySource) FetchAll(context.Context) ([]Record, error) {
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	return append([]Record(nil), m.Records...), nil
}

func (m *MemorySource) Delete(_ context.Context, deliveryID string) error {
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, deliveryID)
	return nil
}

func (m *MemorySource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *MemorySource) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

func (m *MemorySource) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed > 0
}
