// FilePath: server/ingest/internal/models/models.system.go
package models

import (
	"fmt"
	"strings"
	"time"
)

type ActivityMode string

const (
	ModeIdle    ActivityMode = "idle"
	ModeFeeding ActivityMode = "feeding"
	ModeActive  ActivityMode = "active"
)

// ParseActivityMode normalizes case and whitespace before matching.
func ParseActivityMode(raw string) (ActivityMode, error) {
	switch m := ActivityMode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeIdle, ModeFeeding, ModeActive:
		return m, nil
	}
	return "", fmt.Errorf("unknown status: %q", raw)
}

// Modes lists every recognised activity mode.
func Modes() []ActivityMode {
	return []ActivityMode{ModeIdle, ModeFeeding, ModeActive}
}

// DefaultCycleID is the cycle assumed until an operator publishes one.
const DefaultCycleID int64 = 1

// SystemSnapshot is an immutable view of the process-wide operational state.
type SystemSnapshot struct {
	Mode      ActivityMode `json:"mode"`
	CycleID   int64        `json:"cycle_id"`
	Connected bool         `json:"connected"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// SystemSettings is the JSON control message published on system/settings.
type SystemSettings struct {
	ID              int64  `json:"id"`
	Status          string `json:"status"`
	ReadingInterval int64  `json:"reading_interval"`
	RefreshRate     int64  `json:"refresh_rate"`
}

// Stream identifies a throttled telemetry stream: one per layer plus worms.
type Stream string

const StreamWorms Stream = "worms"

// LayerStream returns the throttle stream of a layer.
func LayerStream(l Layer) Stream {
	return Stream(l)
}
