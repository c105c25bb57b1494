// FilePath: server/ingest/internal/models/models.log.go
package models

import (
	"fmt"
	"strings"
	"time"
)

type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityInfo  Severity = "info"
	SeverityError Severity = "error"
	SeverityFatal Severity = "fatal"
)

// ParseSeverity maps a log tag onto a severity. Unknown tags are an error,
// never a default.
func ParseSeverity(tag string) (Severity, error) {
	switch s := Severity(strings.ToLower(strings.TrimSpace(tag))); s {
	case SeverityWarn, SeverityInfo, SeverityError, SeverityFatal:
		return s, nil
	}
	return "", fmt.Errorf("unmapped log tag: %q", tag)
}

// LogRecord represents one accepted device log line
type LogRecord struct {
	ID        int64     `json:"id" db:"id"`
	Severity  Severity  `json:"log_severity" db:"log_severity"`
	Message   string    `json:"event_message" db:"event_message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
