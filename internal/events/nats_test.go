package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nergal-perm/github-webhooks-router/internal/logging"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs map[string][][]byte
	err  error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.msgs == nil {
		c.msgs = make(map[string][][]byte)
	}
	c.msgs[subject] = append(c.msgs[subject], data)
	return nil
}

func (c *fakeConn) count(subject string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs[subject])
}

func TestForwarder_Forward(t *testing.T) {
	conn := &fakeConn{}
	f := NewForwarder(conn, "webhooks.router", nil)

	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.Forward(Event{
		Type:      EventTaskTransitioned,
		Timestamp: ts,
		Data:      map[string]any{"filename": "f.json", "to": "completed"},
	}))

	msgs := conn.msgs["webhooks.router.task_transitioned"]
	require.Len(t, msgs, 1)

	var got wireEvent
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, "task_transitioned", got.Type)
	assert.True(t, ts.Equal(got.Timestamp))
	assert.Equal(t, "completed", got.Data["to"])
}

func TestForwarder_AttachLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	w := writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	})
	conn := &fakeConn{err: errors.New("no responders")}
	f := NewForwarder(conn, "wr", logging.NewWriter(w, logging.LevelInfo, "nats"))

	bus := NewBus(10)
	defer bus.Close()
	defer f.Attach(bus)()

	bus.Publish(EventCycleCompleted, nil)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return bytes.Contains(buf.Bytes(), []byte("nats forward failed event=cycle_completed"))
	}, time.Second, 5*time.Millisecond)
}

func TestForwarder_AttachForwardsAllTypes(t *testing.T) {
	conn := &fakeConn{}
	f := NewForwarder(conn, "wr", nil)
	bus := NewBus(10)
	defer bus.Close()
	defer f.Attach(bus)()

	bus.Publish(EventRecordIngested, map[string]any{"repo": "o/r"})
	bus.Publish(EventAgentFinished, map[string]any{"success": false})

	assert.Eventually(t, func() bool {
		return conn.count("wr.record_ingested") == 1 && conn.count("wr.agent_finished") == 1
	}, time.Second, 5*time.Millisecond)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
