package logsink

import (
	"strings"
	"time"
)

const (
	DefaultLevel  = "INFO"
	DefaultSource = "system"
)

// Entry is a log line added by something other than the running command,
// such as a deploy hook reporting progress.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
}

// Normalize fills defaults and upper-cases the level.
func (e *Entry) Normalize(now time.Time) {
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Level = strings.ToUpper(strings.TrimSpace(e.Level))
	if e.Level == "" {
		e.Level = DefaultLevel
	}
	e.Source = strings.TrimSpace(e.Source)
	if e.Source == "" {
		e.Source = DefaultSource
	}
}

// Line renders the entry as one line of attempt output.
func (e Entry) Line() string {
	msg := strings.TrimRight(e.Message, "\n")
	return e.Timestamp.UTC().Format(time.RFC3339) + " [" + e.Level + "] " + e.Source + ": " + msg + "\n"
}
