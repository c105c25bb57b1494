// FilePath: server/ingest/internal/state/state.go

// Package state holds the process-wide operational state of the ingestion
// engine: the activity mode, the active compost cycle and broker connectivity.
//
// Readers get immutable snapshots swapped in atomically, so a data handler
// never observes a torn mode/cycle pair. Writers are serialized.
package state

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsatony/vermihub/server/ingest/internal/models"
	nuts "github.com/vaudience/go-nuts"
)

const EventChanged = "state.changed"

// Store is the single owner of SystemState.
type Store struct {
	mu        sync.Mutex
	current   atomic.Pointer[models.SystemSnapshot]
	recording map[models.ActivityMode]bool
	now       func() time.Time
	events    *nuts.EventEmitter
}

// New creates a Store in idle mode on the given cycle. recordingModes lists the
// modes that permit persistence; an empty list means only active.
func New(defaultCycle int64, recordingModes []models.ActivityMode) *Store {
	if defaultCycle <= 0 {
		defaultCycle = models.DefaultCycleID
	}
	if len(recordingModes) == 0 {
		recordingModes = []models.ActivityMode{models.ModeActive}
	}
	s := &Store{
		recording: make(map[models.ActivityMode]bool, len(recordingModes)),
		now:       time.Now,
		events:    nuts.NewEventEmitter(),
	}
	for _, m := range recordingModes {
		s.recording[m] = true
	}
	s.current.Store(&models.SystemSnapshot{
		Mode:      models.ModeIdle,
		CycleID:   defaultCycle,
		UpdatedAt: s.now().UTC(),
	})
	return s
}

// Snapshot returns the current state.
func (s *Store) Snapshot() models.SystemSnapshot {
	return *s.current.Load()
}

// Recording reports whether data-bearing messages may be persisted right now.
func (s *Store) Recording() bool {
	return s.Permits(s.Snapshot())
}

// Permits reports whether a snapshot allows persisting data-bearing messages.
func (s *Store) Permits(snap models.SystemSnapshot) bool {
	return snap.Connected && s.recording[snap.Mode]
}

// OnChange registers a callback fired after every state transition. The
// emitter checks listener arguments by reflection, so the listener takes the
// snapshot type itself.
func (s *Store) OnChange(handlerID string, fn func(models.SystemSnapshot)) {
	s.events.On(EventChanged, handlerID, func(snap models.SystemSnapshot) {
		fn(snap)
	})
}

func (s *Store) update(mutate func(next *models.SystemSnapshot) bool) models.SystemSnapshot {
	s.mu.Lock()
	next := *s.current.Load()
	if !mutate(&next) {
		s.mu.Unlock()
		return next
	}
	next.UpdatedAt = s.now().UTC()
	s.current.Store(&next)
	s.mu.Unlock()

	if err := s.events.Emit(EventChanged, next); err != nil {
		nuts.L.Errorf("[State] Failed to notify state change listeners: %v", err)
	}
	return next
}

// SetActivityMode applies a status control message. Unknown values are logged
// and leave the mode unchanged.
func (s *Store) SetActivityMode(raw string) (models.SystemSnapshot, error) {
	mode, err := models.ParseActivityMode(raw)
	if err != nil {
		nuts.L.Warnf("[State] Unknown status %q, keeping %s", raw, s.Snapshot().Mode)
		return s.Snapshot(), err
	}
	snap := s.update(func(next *models.SystemSnapshot) bool {
		if next.Mode == mode {
			return false
		}
		next.Mode = mode
		return true
	})
	nuts.L.Infof("[State] Activity mode is %s (recording=%t)", snap.Mode, s.recording[snap.Mode])
	return snap, nil
}

// SetActiveCycle applies a cycle control message. raw may be any JSON-decoded
// number or numeric string; only strictly positive integers are accepted.
func (s *Store) SetActiveCycle(raw interface{}) (models.SystemSnapshot, error) {
	cycle, err := coerceCycleID(raw)
	if err != nil {
		nuts.L.Warnf("[State] Rejected cycle id %v: %v, keeping %d", raw, err, s.Snapshot().CycleID)
		return s.Snapshot(), err
	}
	snap := s.update(func(next *models.SystemSnapshot) bool {
		if next.CycleID == cycle {
			return false
		}
		next.CycleID = cycle
		return true
	})
	nuts.L.Infof("[State] Active cycle is %d", snap.CycleID)
	return snap, nil
}

// SetConnected records broker connectivity. Losing the connection forces idle
// so nothing is persisted while connectivity is unconfirmed.
func (s *Store) SetConnected(connected bool) models.SystemSnapshot {
	return s.update(func(next *models.SystemSnapshot) bool {
		changed := next.Connected != connected
		next.Connected = connected
		if !connected && next.Mode != models.ModeIdle {
			next.Mode = models.ModeIdle
			changed = true
		}
		return changed
	})
}

func coerceCycleID(raw interface{}) (int64, error) {
	var f float64
	switch v := raw.(type) {
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case float64:
		f = v
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", v.String())
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", v)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported cycle id type %T", raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("not an integer: %v", f)
	}
	if f <= 0 || f > math.MaxInt64/2 {
		return 0, fmt.Errorf("out of range: %v", f)
	}
	return int64(f), nil
}
