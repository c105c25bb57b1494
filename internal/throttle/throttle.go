// FilePath: server/ingest/internal/throttle/throttle.go

// Package throttle limits how often a telemetry stream is persisted. The last
// persisted timestamp is always read back from the store, so the window holds
// across restarts.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/itsatony/vermihub/server/ingest/internal/models"
	nuts "github.com/vaudience/go-nuts"
)

const operatorTimeLayout = "02 Jan 2006 - 15:04"

// Decision is the outcome of a gate check.
type Decision int

const (
	Persisted Decision = iota
	Throttled
	Failed
)

func (d Decision) String() string {
	switch d {
	case Persisted:
		return "persisted"
	case Throttled:
		return "throttled"
	}
	return "failed"
}

// LastRecordedFunc returns the newest stored timestamp of a stream, or the
// zero time when the stream has no rows.
type LastRecordedFunc func(ctx context.Context) (time.Time, error)

// PersistFunc writes the record that passed the gate.
type PersistFunc func(ctx context.Context) error

type Config struct {
	MinInterval time.Duration
	// StreamIntervals overrides MinInterval per stream.
	StreamIntervals map[models.Stream]time.Duration
	Location        *time.Location
	Now             func() time.Time
}

// Gate serializes check-and-persist per stream, so the window is an upper
// bound even when messages of one stream arrive concurrently.
type Gate struct {
	cfg   Config
	mu    sync.Mutex
	slots map[models.Stream]chan struct{}
}

func New(cfg Config) *Gate {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{cfg: cfg, slots: make(map[models.Stream]chan struct{})}
}

// Interval returns the throttle window of a stream.
func (g *Gate) Interval(stream models.Stream) time.Duration {
	if d, ok := g.cfg.StreamIntervals[stream]; ok && d > 0 {
		return d
	}
	return g.cfg.MinInterval
}

func (g *Gate) slot(stream models.Stream) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[stream]
	if !ok {
		s = make(chan struct{}, 1)
		g.slots[stream] = s
	}
	return s
}

// Admit checks the stream's window and, when open, runs persist while still
// holding the stream. A store error yields Failed and nothing is written.
func (g *Gate) Admit(ctx context.Context, stream models.Stream, last LastRecordedFunc, persist PersistFunc) (Decision, error) {
	slot := g.slot(stream)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return Failed, ctx.Err()
	}
	defer func() { <-slot }()

	lastAt, err := last(ctx)
	if err != nil {
		return Failed, err
	}

	interval := g.Interval(stream)
	if !lastAt.IsZero() {
		elapsed := g.cfg.Now().Sub(lastAt)
		if elapsed < interval {
			nuts.L.Infof("[Throttle] Skipping %s, last stored %s (less than %s ago)",
				stream, lastAt.In(g.cfg.Location).Format(operatorTimeLayout), interval)
			return Throttled, nil
		}
	}

	if err := persist(ctx); err != nil {
		return Failed, err
	}
	return Persisted, nil
}
