// FilePath: server/ingest/internal/ingest/engine.go

// Package ingest routes broker messages to the parsers, the throttle gate and
// the persistence gateway.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/itsatony/vermihub/server/ingest/internal/models"
	"github.com/itsatony/vermihub/server/ingest/internal/monitoring"
	"github.com/itsatony/vermihub/server/ingest/internal/parser"
	"github.com/itsatony/vermihub/server/ingest/internal/relay"
	"github.com/itsatony/vermihub/server/ingest/internal/repository"
	"github.com/itsatony/vermihub/server/ingest/internal/state"
	"github.com/itsatony/vermihub/server/ingest/internal/throttle"
	nuts "github.com/vaudience/go-nuts"
)

const defaultQueryTimeout = 10 * time.Second

// errStoppedRecording aborts a persist that waited on its stream while the
// system left a recording mode.
var errStoppedRecording = errors.New("recording stopped while waiting for stream")

// Deps are the collaborators of an Engine. Metrics and Mirror are optional.
type Deps struct {
	State        *state.Store
	Gate         *throttle.Gate
	Readings     repository.SensorReadingRepository
	Worms        repository.WormActivityRepository
	Logs         repository.ReadingLogRepository
	Relay        *relay.Extractor
	Metrics      *monitoring.Service
	Mirror       repository.StateMirror
	QueryTimeout time.Duration
	Now          func() time.Time
}

// Engine handles one inbound message at a time per call; it is safe for
// concurrent use across topics.
type Engine struct {
	state        *state.Store
	gate         *throttle.Gate
	readings     repository.SensorReadingRepository
	worms        repository.WormActivityRepository
	logs         repository.ReadingLogRepository
	relay        *relay.Extractor
	metrics      *monitoring.Service
	mirror       repository.StateMirror
	queryTimeout time.Duration
	now          func() time.Time
}

func NewEngine(d Deps) *Engine {
	e := &Engine{
		state:        d.State,
		gate:         d.Gate,
		readings:     d.Readings,
		worms:        d.Worms,
		logs:         d.Logs,
		relay:        d.Relay,
		metrics:      d.Metrics,
		mirror:       d.Mirror,
		queryTimeout: d.QueryTimeout,
		now:          d.Now,
	}
	if e.queryTimeout <= 0 {
		e.queryTimeout = defaultQueryTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.state.OnChange(nuts.NID("ingest", 8), func(models.SystemSnapshot) {
		e.publishState()
	})
	e.publishState()
	return e
}

// OnConnect marks the session live. Subscriptions are owned by the broker.
func (e *Engine) OnConnect() {
	e.state.SetConnected(true)
	nuts.L.Infof("[Ingest] Broker session established, mode %s", e.state.Snapshot().Mode)
}

// OnDisconnect forces idle until the session is back.
func (e *Engine) OnDisconnect(err error) {
	snap := e.state.SetConnected(false)
	nuts.L.Warnf("[Ingest] Broker session lost (%v), mode forced to %s", err, snap.Mode)
}

// Handle processes one message and reports what happened to it. It never
// panics on bad input and never returns an error; failures are outcomes.
func (e *Engine) Handle(ctx context.Context, topicName string, payload []byte) Outcome {
	topic := ParseTopic(topicName)
	outcome := e.handle(ctx, topic, topicName, payload)
	if e.metrics != nil {
		e.metrics.RecordMessage(topic.String(), string(outcome))
	}
	return outcome
}

func (e *Engine) handle(ctx context.Context, topic Topic, topicName string, payload []byte) Outcome {
	if topic == TopicUnknown {
		nuts.L.Warnf("[Ingest] Dropping message on unknown topic %q", topicName)
		return OutcomeUnknownTopic
	}
	if !e.state.Snapshot().Connected {
		nuts.L.Warnf("[Ingest] Dropping %s message received while disconnected", topic)
		return OutcomeDisconnected
	}
	if !topic.plainText() && !json.Valid(payload) {
		nuts.L.Warnf("[Ingest] Dropping %s message: payload is not valid JSON", topic)
		return OutcomeMalformed
	}

	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	switch topic {
	case TopicStatus, TopicSettings:
		return e.handleStatus(topic, payload)
	case TopicCurrentCycle:
		return e.handleCycle(payload)
	case TopicLog:
		return e.handleLog(ctx, payload)
	case TopicBedding, TopicCompost, TopicFluid:
		layer, _ := topic.Layer()
		return e.handleLayer(ctx, layer, payload)
	case TopicWorms:
		return e.handleWorms(ctx, payload)
	}
	return OutcomeUnknownTopic
}

func (e *Engine) handleStatus(topic Topic, payload []byte) Outcome {
	raw, err := parser.ParseStatus(payload)
	if err != nil {
		nuts.L.Warnf("[Ingest] Dropping %s message: %v", topic, err)
		return OutcomeMalformed
	}
	if _, err := e.state.SetActivityMode(raw); err != nil {
		return OutcomeInvalidControl
	}
	return OutcomeApplied
}

func (e *Engine) handleCycle(payload []byte) Outcome {
	raw, err := parser.ParseCycleID(payload)
	if err != nil {
		nuts.L.Warnf("[Ingest] Dropping %s message: %v", TopicCurrentCycle, err)
		return OutcomeMalformed
	}
	if _, err := e.state.SetActiveCycle(raw); err != nil {
		return OutcomeInvalidControl
	}
	return OutcomeApplied
}

// handleLog persists logs in every mode. Relay feedback is extracted even when
// the severity tag is unmapped.
func (e *Engine) handleLog(ctx context.Context, payload []byte) Outcome {
	record, content, err := parser.ParseLogRecord(string(payload))
	if content != "" && e.relay != nil {
		if _, ok := e.relay.Handle(ctx, content); ok && e.metrics != nil {
			e.metrics.RecordRelayFeedback()
		}
	}
	if err != nil {
		nuts.L.Warnf("[Ingest] Dropping log line %q: %v", string(payload), err)
		return OutcomeMalformed
	}

	record.CreatedAt = e.now().UTC()
	if err := e.logs.Insert(ctx, record); err != nil {
		nuts.L.Errorf("[Ingest] Failed to store %s log: %v", record.Severity, err)
		return OutcomeStoreFailed
	}
	return OutcomePersisted
}

func (e *Engine) handleLayer(ctx context.Context, layer models.Layer, payload []byte) Outcome {
	snap := e.state.Snapshot()
	if !e.state.Permits(snap) {
		nuts.L.Infof("[Ingest] Not recording %s layer in %s mode", layer, snap.Mode)
		return OutcomeInactive
	}

	readings, err := parser.ParseSensorPayload(payload)
	if err != nil {
		nuts.L.Warnf("[Ingest] Dropping %s layer message: %v", layer, err)
		return OutcomeMalformed
	}

	decision, err := e.gate.Admit(ctx, models.LayerStream(layer),
		func(ctx context.Context) (time.Time, error) {
			return e.readings.LatestCreatedAt(ctx, layer)
		},
		func(ctx context.Context) error {
			if !e.state.Recording() {
				return errStoppedRecording
			}
			return e.readings.Insert(ctx, &models.SensorReading{
				Layer:     layer,
				Readings:  readings,
				CycleID:   snap.CycleID,
				CreatedAt: e.now().UTC(),
			})
		})
	return e.outcomeOf(decision, err, string(layer))
}

func (e *Engine) handleWorms(ctx context.Context, payload []byte) Outcome {
	snap := e.state.Snapshot()
	if !e.state.Permits(snap) {
		nuts.L.Infof("[Ingest] Not recording worm activity in %s mode", snap.Mode)
		return OutcomeInactive
	}

	activity, err := parser.ParseWormActivity(payload)
	if err != nil {
		nuts.L.Warnf("[Ingest] Dropping worm activity message: %v", err)
		return OutcomeMalformed
	}
	activity.CycleID = snap.CycleID

	decision, err := e.gate.Admit(ctx, models.StreamWorms, e.worms.LatestCreatedAt,
		func(ctx context.Context) error {
			if !e.state.Recording() {
				return errStoppedRecording
			}
			activity.CreatedAt = e.now().UTC()
			return e.worms.Insert(ctx, activity)
		})
	return e.outcomeOf(decision, err, string(models.StreamWorms))
}

func (e *Engine) outcomeOf(decision throttle.Decision, err error, stream string) Outcome {
	switch decision {
	case throttle.Persisted:
		nuts.L.Infof("[Ingest] Stored %s sample", stream)
		return OutcomePersisted
	case throttle.Throttled:
		return OutcomeThrottled
	}
	if errors.Is(err, errStoppedRecording) {
		nuts.L.Infof("[Ingest] Not recording %s sample, recording stopped", stream)
		return OutcomeInactive
	}
	nuts.L.Errorf("[Ingest] Failed to store %s sample: %v", stream, err)
	return OutcomeStoreFailed
}

func (e *Engine) publishState() {
	snap := e.state.Snapshot()
	if e.metrics != nil {
		e.metrics.RecordState(snap)
	}
	if e.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.queryTimeout)
	defer cancel()
	if err := e.mirror.Publish(ctx, snap); err != nil {
		nuts.L.Errorf("[Ingest] Failed to mirror state: %v", err)
	}
}
