// Package webhook inspects raw GitHub webhook JSON without binding it to a
// full schema.
package webhook

import (
	"bytes"
	"encoding/json"
)

const (
	EventPush    = "push"
	EventUnknown = "unknown"

	// DispatchableEvent is the only event type that reaches the agent.
	DispatchableEvent = "issues.opened"
)

type payload map[string]json.RawMessage

func parse(body []byte) payload {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil
	}
	return p
}

func (p payload) has(key string) bool {
	raw, ok := p[key]
	return ok && !isNull(raw)
}

func (p payload) str(key string) (string, bool) {
	raw, ok := p[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (p payload) object(key string) payload {
	raw, ok := p[key]
	if !ok || isNull(raw) {
		return nil
	}
	var obj payload
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// EventType classifies a payload as "issues.<action>", "pull_request.<action>",
// "push" or "unknown".
func EventType(body []byte) string {
	p := parse(body)
	if p == nil {
		return EventUnknown
	}
	action, hasAction := p.str("action")
	switch {
	case p.has("issue") && hasAction:
		return "issues." + action
	case p.has("pull_request") && hasAction:
		return "pull_request." + action
	case p.has("ref") && p.has("commits"):
		return EventPush
	default:
		return EventUnknown
	}
}

func IsDispatchable(body []byte) bool {
	return EventType(body) == DispatchableEvent
}

// IssueNumber returns issue.number, falling back to pull_request.number.
func IssueNumber(body []byte) (int, bool) {
	p := parse(body)
	for _, key := range []string{"issue", "pull_request"} {
		obj := p.object(key)
		if obj == nil {
			continue
		}
		raw, ok := obj["number"]
		if !ok {
			continue
		}
		var n int
		if err := json.Unmarshal(raw, &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

// RepoFullName returns repository.full_name. An absent or null value is reported as missing.
func RepoFullName(body []byte) (string, bool) {
	repo := parse(body).object("repository")
	if repo == nil {
		return "", false
	}
	name, ok := repo.str("full_name")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}
