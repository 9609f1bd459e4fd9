package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nergal-perm/github-webhooks-router/internal/logging"
)

// MessagePublisher is the part of *nats.Conn the forwarder uses.
type MessagePublisher interface {
	Publish(subject string, data []byte) error
}

// wireEvent is the JSON body published on NATS.
type wireEvent struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Forwarder republishes bus events on NATS subjects "<prefix>.<event type>".
type Forwarder struct {
	conn   MessagePublisher
	prefix string
	logger *logging.Logger
}

func NewForwarder(conn MessagePublisher, prefix string, logger *logging.Logger) *Forwarder {
	return &Forwarder{conn: conn, prefix: prefix, logger: logger}
}

func (f *Forwarder) Subject(t EventType) string {
	return f.prefix + "." + string(t)
}

func (f *Forwarder) Forward(e Event) error {
	body, err := json.Marshal(wireEvent{Type: string(e.Type), Timestamp: e.Timestamp, Data: e.Data})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := f.conn.Publish(f.Subject(e.Type), body); err != nil {
		return fmt.Errorf("publish %s: %w", f.Subject(e.Type), err)
	}
	return nil
}

// Attach forwards every bus event until the returned function is called.
func (f *Forwarder) Attach(bus *Bus) func() {
	return bus.SubscribeAll(func(e Event) {
		if err := f.Forward(e); err != nil {
			f.logger.Warn("nats forward failed event=%s error=%v", e.Type, err)
		}
	})
}

// DialNATS connects with the reconnect settings the router uses.
func DialNATS(url string, logger *logging.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("github-webhooks-router"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected error=%v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected url=%s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", url, err)
	}
	return conn, nil
}
