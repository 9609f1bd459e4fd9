// Package notify raises desktop notifications for agent outcomes.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/nergal-perm/github-webhooks-router/internal/events"
	"github.com/nergal-perm/github-webhooks-router/internal/logging"
)

// SendFunc delivers one notification.
type SendFunc func(title, message string) error

// Notifier turns agent_finished events into desktop notifications. Failures
// always notify; successes only when onSuccess is set.
type Notifier struct {
	send      SendFunc
	onSuccess bool
	logger    *logging.Logger
}

// New returns a Notifier using osascript, or nil when the platform has no
// supported notification mechanism.
func New(onSuccess bool, logger *logging.Logger) *Notifier {
	if runtime.GOOS != "darwin" {
		return nil
	}
	return NewWithSender(Send, onSuccess, logger)
}

func NewWithSender(send SendFunc, onSuccess bool, logger *logging.Logger) *Notifier {
	return &Notifier{send: send, onSuccess: onSuccess, logger: logger}
}

// Observe handles one bus event.
func (n *Notifier) Observe(e events.Event) {
	if e.Type != events.EventAgentFinished {
		return
	}
	repo := e.String("repo")
	var title, message string
	if ok, _ := e.Data["success"].(bool); ok {
		if !n.onSuccess {
			return
		}
		title = "Agent finished: " + repo
		message = e.String("filename")
	} else {
		title = "Agent failed: " + repo
		message = e.String("error")
	}
	if err := n.send(title, message); err != nil {
		n.logger.Warn("desktop notification failed repo=%s error=%v", repo, err)
	}
}

func (n *Notifier) Attach(bus *events.Bus) func() {
	return bus.Subscribe(events.EventAgentFinished, n.Observe)
}

// Send sends a macOS notification via osascript with sound.
func Send(title, message string) error {
	script := fmt.Sprintf(
		`display notification "%s" with title "%s" sound name "default"`,
		escapeAppleScript(message), escapeAppleScript(title),
	)

	cmd := exec.Command("osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
