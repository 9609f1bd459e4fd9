// Package task encodes and decodes task filenames. A task filename is the
// task's identity, its FIFO sort key and its location inside a stage:
//
//	2024-05-01T12:00:00.000Z_owner-repo_72d3162e.json
package task

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is yyyy-MM-ddTHH:mm:ss.SSSZ in UTC.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

const (
	UniqueIDLen = 8
	extension   = ".json"
)

// The repo segment is greedy: everything between the timestamp and the last
// "_<8 hex>.json" belongs to the repository name.
var filenamePattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z)_(.+)_([a-f0-9]{8})\.json$`)

var unsafeRepoChars = regexp.MustCompile(`[^a-zA-Z0-9-]`)

// Task is either Valid or Invalid.
type Task interface {
	Filename() string
	isTask()
}

type Valid struct {
	RepoName  string
	Timestamp time.Time
	UniqueID  string

	// raw is the name Decode parsed; files keep that name across stages.
	raw string
}

func (v Valid) Filename() string {
	if v.raw != "" {
		return v.raw
	}
	return Encode(v.RepoName, v.Timestamp, v.UniqueID)
}

func (Valid) isTask()            {}

// Invalid is a pending file whose name cannot be parsed. It is never dispatched.
type Invalid struct {
	RawFilename string
	Reason      string
}

func (i Invalid) Filename() string { return i.RawFilename }
func (Invalid) isTask()            {}

// Sanitize replaces every character outside [A-Za-z0-9-] with '-'.
func Sanitize(repoName string) string {
	return unsafeRepoChars.ReplaceAllString(repoName, "-")
}

func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(TimestampLayout)
}

func Encode(repoName string, ts time.Time, uniqueID string) string {
	return fmt.Sprintf("%s_%s_%s%s", FormatTimestamp(ts), Sanitize(repoName), uniqueID, extension)
}

// Decode never fails: names that do not parse come back as Invalid.
func Decode(filename string) Task {
	m := filenamePattern.FindStringSubmatch(filename)
	if m == nil {
		return Invalid{
			RawFilename: filename,
			Reason:      "Filename does not match expected pattern: " + filename,
		}
	}
	ts, err := time.Parse(TimestampLayout, m[1])
	if err != nil {
		return Invalid{
			RawFilename: filename,
			Reason:      "Invalid timestamp format in filename: " + filename,
		}
	}
	return Valid{RepoName: m[2], Timestamp: ts, UniqueID: m[3], raw: filename}
}

// UniqueIDFromDelivery derives the 8-hex dedup token from a delivery id.
func UniqueIDFromDelivery(deliveryID string) string {
	id := strings.ReplaceAll(deliveryID, "-", "")
	if len(id) > UniqueIDLen {
		id = id[:UniqueIDLen]
	}
	return id
}

// NewUniqueID returns a random 8-hex token for tasks enqueued locally.
func NewUniqueID() string {
	return UniqueIDFromDelivery(uuid.NewString())
}

// HasUniqueID reports whether filename carries the given dedup suffix.
func HasUniqueID(filename, uniqueID string) bool {
	return strings.HasSuffix(filename, "_"+uniqueID+extension)
}

// OutputFilename names the transcript file for one agent run.
func OutputFilename(repoName string, issueNumber int, hasIssue bool, now time.Time) string {
	if hasIssue {
		return fmt.Sprintf("%s_issue-%d_%s.txt", repoName, issueNumber, FormatTimestamp(now))
	}
	return fmt.Sprintf("%s_%s.txt", repoName, FormatTimestamp(now))
}
