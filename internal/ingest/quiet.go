package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/nergal-perm/github-webhooks-router/internal/model"
)

// QuietHours is a [start, end) window of local wall-clock time during which
// ingestion is suppressed. A window whose start is not before its end spans
// midnight. The zero value is never active.
type QuietHours struct {
	start, end time.Duration
	enabled    bool
}

func NoQuietHours() QuietHours { return QuietHours{} }

// NewQuietHours takes offsets from local midnight.
func NewQuietHours(start, end time.Duration) QuietHours {
	return QuietHours{start: start, end: end, enabled: true}
}

// ParseQuietHours accepts "HH:MM-HH:MM". Empty and "none" disable the window.
func ParseQuietHours(s string) (QuietHours, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return NoQuietHours(), nil
	}
	start, end, err := model.ParseQuietWindow(s)
	if err != nil {
		return QuietHours{}, err
	}
	return NewQuietHours(start, end), nil
}

func (q QuietHours) IsActive(now time.Time) bool {
	if !q.enabled {
		return false
	}
	t := sinceMidnight(now)
	if q.start < q.end {
		return t >= q.start && t < q.end
	}
	return t >= q.start || t < q.end
}

func (q QuietHours) String() string {
	if !q.enabled {
		return "none"
	}
	return fmt.Sprintf("%s-%s", clock(q.start), clock(q.end))
}

func sinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}
