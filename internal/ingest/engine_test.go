// FilePath: server/ingest/internal/ingest/engine_test.go
package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/itsatony/vermihub/server/ingest/internal/models"
	"github.com/itsatony/vermihub/server/ingest/internal/monitoring"
	"github.com/itsatony/vermihub/server/ingest/internal/relay"
	"github.com/itsatony/vermihub/server/ingest/internal/state"
	"github.com/itsatony/vermihub/server/ingest/internal/throttle"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeStore struct {
	mu       sync.Mutex
	readings []models.SensorReading
	worms    []models.WormActivity
	logs     []models.LogRecord
	failWith error
	// beforeLatest runs inside the gate, after the stream slot is taken.
	beforeLatest func()
}

type readingRepo struct{ s *fakeStore }

func (r readingRepo) Insert(_ context.Context, reading *models.SensorReading) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failWith != nil {
		return r.s.failWith
	}
	reading.ID = int64(len(r.s.readings) + 1)
	r.s.readings = append(r.s.readings, *reading)
	return nil
}

func (r readingRepo) LatestCreatedAt(_ context.Context, layer models.Layer) (time.Time, error) {
	if r.s.beforeLatest != nil {
		r.s.beforeLatest()
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var latest time.Time
	for _, rd := range r.s.readings {
		if rd.Layer == layer && rd.CreatedAt.After(latest) {
			latest = rd.CreatedAt
		}
	}
	return latest, nil
}

type wormRepo struct{ s *fakeStore }

func (r wormRepo) Insert(_ context.Context, a *models.WormActivity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failWith != nil {
		return r.s.failWith
	}
	r.s.worms = append(r.s.worms, *a)
	return nil
}

func (r wormRepo) LatestCreatedAt(_ context.Context) (time.Time, error) {
	if r.s.beforeLatest != nil {
		r.s.beforeLatest()
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var latest time.Time
	for _, a := range r.s.worms {
		if a.CreatedAt.After(latest) {
			latest = a.CreatedAt
		}
	}
	return latest, nil
}

type logRepo struct{ s *fakeStore }

func (r logRepo) Insert(_ context.Context, rec *models.LogRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failWith != nil {
		return r.s.failWith
	}
	r.s.logs = append(r.s.logs, *rec)
	return nil
}

func (s *fakeStore) counts() (readings, worms, logs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings), len(s.worms), len(s.logs)
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  string
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *fakePublisher) Publish(_ context.Context, topic string, qos byte, retained bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{topic, qos, retained, string(payload)})
	return nil
}

type harness struct {
	engine  *Engine
	state   *state.Store
	store   *fakeStore
	pub     *fakePublisher
	clock   *fakeClock
	metrics *monitoring.Service
}

func newHarness(t *testing.T, minInterval time.Duration) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
	st := state.New(models.DefaultCycleID, nil)
	store := &fakeStore{}
	pub := &fakePublisher{}
	metrics := monitoring.NewService()
	engine := NewEngine(Deps{
		State:    st,
		Gate:     throttle.New(throttle.Config{MinInterval: minInterval, Now: clock.Now}),
		Readings: readingRepo{store},
		Worms:    wormRepo{store},
		Logs:     logRepo{store},
		Relay:    relay.NewExtractor(pub),
		Metrics:  metrics,
		Now:      clock.Now,
	})
	return &harness{engine: engine, state: st, store: store, pub: pub, clock: clock, metrics: metrics}
}

// activate connects the session and switches to active mode.
func (h *harness) activate(t *testing.T) {
	t.Helper()
	h.engine.OnConnect()
	if got := h.engine.Handle(context.Background(), "system/status", []byte("active")); got != OutcomeApplied {
		t.Fatalf("expected status to apply, got %s", got)
	}
}

const wormPayload = `{"avg_temp":24.1,"min_temp":21.0,"max_temp":27.5,"thermal_spread":6.5,` +
	`"activity_level":"moderate","hotspot":%s,"zones":{"nw":1}}`

func TestUnknownTopicIsDropped(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.activate(t)

	for _, topic := range []string{"layer/unknown", "system/reboot", "", "layer/bedding/extra"} {
		if got := h.engine.Handle(context.Background(), topic, []byte(`{"t":1}`)); got != OutcomeUnknownTopic {
			t.Errorf("topic %q: expected %s, got %s", topic, OutcomeUnknownTopic, got)
		}
	}
	if r, w, l := h.store.counts(); r+w+l != 0 {
		t.Errorf("expected nothing persisted, got %d/%d/%d", r, w, l)
	}
	if got := testutil.ToFloat64(h.metrics.Messages("unknown", string(OutcomeUnknownTopic))); got != 4 {
		t.Errorf("expected 4 unknown-topic messages counted, got %v", got)
	}
}

func TestLayerNotPersistedUnlessActive(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.engine.OnConnect()

	for _, mode := range []string{"idle", "feeding"} {
		if got := h.engine.Handle(context.Background(), "system/status", []byte(mode)); got != OutcomeApplied {
			t.Fatalf("status %s: expected applied, got %s", mode, got)
		}
		for _, topic := range []string{"layer/bedding", "layer/compost", "layer/fluid"} {
			if got := h.engine.Handle(context.Background(), topic, []byte(`{"temp":21}`)); got != OutcomeInactive {
				t.Errorf("%s in %s: expected inactive, got %s", topic, mode, got)
			}
		}
		if got := h.engine.Handle(context.Background(), "layer/worms", []byte(fmt.Sprintf(wormPayload, "[1,2]"))); got != OutcomeInactive {
			t.Errorf("worms in %s: expected inactive, got %s", mode, got)
		}
	}
	if r, w, _ := h.store.counts(); r+w != 0 {
		t.Errorf("expected no samples, got %d readings and %d worm rows", r, w)
	}
}

func TestLayerThrottleWindow(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.activate(t)
	ctx := context.Background()

	if got := h.engine.Handle(ctx, "layer/bedding", []byte(`{"temp":21}`)); got != OutcomePersisted {
		t.Fatalf("first sample: expected persisted, got %s", got)
	}
	h.clock.Advance(10 * time.Second)
	if got := h.engine.Handle(ctx, "layer/bedding", []byte(`{"temp":22}`)); got != OutcomeThrottled {
		t.Fatalf("second sample: expected throttled, got %s", got)
	}
	// other layers have their own window
	if got := h.engine.Handle(ctx, "layer/fluid", []byte(`{"ph":7}`)); got != OutcomePersisted {
		t.Fatalf("fluid sample: expected persisted, got %s", got)
	}
	h.clock.Advance(20 * time.Second)
	if got := h.engine.Handle(ctx, "layer/bedding", []byte(`{"temp":23}`)); got != OutcomePersisted {
		t.Fatalf("third sample: expected persisted, got %s", got)
	}

	r, _, _ := h.store.counts()
	if r != 3 {
		t.Fatalf("expected 3 readings, got %d", r)
	}
	first := h.store.readings[0]
	if first.Layer != models.LayerBedding || string(first.Readings) != `{"temp":21}` {
		t.Errorf("unexpected first reading %+v", first)
	}
	if first.CycleID != models.DefaultCycleID {
		t.Errorf("expected default cycle, got %d", first.CycleID)
	}
}

func TestSamplesTaggedWithActiveCycle(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.activate(t)
	ctx := context.Background()

	if got := h.engine.Handle(ctx, "system/current_cycle", []byte(`7`)); got != OutcomeApplied {
		t.Fatalf("expected cycle to apply, got %s", got)
	}
	if got := h.engine.Handle(ctx, "system/current_cycle", []byte(`-2`)); got != OutcomeInvalidControl {
		t.Fatalf("expected invalid cycle rejected, got %s", got)
	}
	h.engine.Handle(ctx, "layer/compost", []byte(`{"moisture":55}`))
	h.engine.Handle(ctx, "layer/worms", []byte(fmt.Sprintf(wormPayload, "[1,2]")))

	if got := h.store.readings[0].CycleID; got != 7 {
		t.Errorf("expected reading on cycle 7, got %d", got)
	}
	if got := h.store.worms[0].CycleID; got != 7 {
		t.Errorf("expected worm activity on cycle 7, got %d", got)
	}
}

func TestLayerMalformedPayload(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.activate(t)

	for _, payload := range []string{`{"temp":`, `not json`, ``} {
		if got := h.engine.Handle(context.Background(), "layer/bedding", []byte(payload)); got != OutcomeMalformed {
			t.Errorf("payload %q: expected malformed, got %s", payload, got)
		}
	}
	if r, _, _ := h.store.counts(); r != 0 {
		t.Errorf("expected no readings, got %d", r)
	}
}

func TestWormHotspotValidation(t *testing.T) {
	tests := []struct {
		hotspot string
		want    Outcome
	}{
		{`[12.5, -3.2]`, OutcomePersisted},
		{`[1]`, OutcomeMalformed},
		{`["a","b"]`, OutcomeMalformed},
		{`[1,2,3]`, OutcomeMalformed},
		{`null`, OutcomeMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.hotspot, func(t *testing.T) {
			h := newHarness(t, 30*time.Second)
			h.activate(t)
			got := h.engine.Handle(context.Background(), "layer/worms", []byte(fmt.Sprintf(wormPayload, tt.hotspot)))
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestWormActivityPersisted(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.activate(t)
	ctx := context.Background()

	if got := h.engine.Handle(ctx, "layer/worms", []byte(fmt.Sprintf(wormPayload, "[12.5, -3.2]"))); got != OutcomePersisted {
		t.Fatalf("expected persisted, got %s", got)
	}
	h.clock.Advance(30 * time.Second)
	if got := h.engine.Handle(ctx, "layer/worms", []byte(fmt.Sprintf(wormPayload, "[1,1]"))); got != OutcomeThrottled {
		t.Fatalf("expected throttled, got %s", got)
	}

	a := h.store.worms[0]
	if a.Hotspot != (models.Point{X: 12.5, Y: -3.2}) {
		t.Errorf("unexpected hotspot %+v", a.Hotspot)
	}
	if a.ActivityLevel != models.ActivityModerate {
		t.Errorf("unexpected activity level %s", a.ActivityLevel)
	}
	if !a.CreatedAt.Equal(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("expected engine clock timestamp, got %s", a.CreatedAt)
	}
}

func TestLogLines(t *testing.T) {
	tests := []struct {
		line     string
		want     Outcome
		severity models.Severity
		message  string
	}{
		{"ERROR: pump failure", OutcomePersisted, models.SeverityError, "pump failure"},
		{"<WARN: sensor drift>", OutcomePersisted, models.SeverityWarn, "sensor drift"},
		{"info: valve: open", OutcomePersisted, models.SeverityInfo, "valve: open"},
		{"notatag message", OutcomeMalformed, "", ""},
		{"debug: too chatty", OutcomeMalformed, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			// logs are kept in every mode
			h := newHarness(t, 30*time.Second)
			h.engine.OnConnect()

			if got := h.engine.Handle(context.Background(), "system/log", []byte(tt.line)); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
			_, _, l := h.store.counts()
			if tt.want != OutcomePersisted {
				if l != 0 {
					t.Fatalf("expected no log rows, got %d", l)
				}
				return
			}
			if l != 1 {
				t.Fatalf("expected 1 log row, got %d", l)
			}
			rec := h.store.logs[0]
			if rec.Severity != tt.severity || rec.Message != tt.message {
				t.Errorf("expected %s %q, got %s %q", tt.severity, tt.message, rec.Severity, rec.Message)
			}
		})
	}
}

func TestRelayFeedbackFromLog(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.engine.OnConnect()
	ctx := context.Background()

	h.engine.Handle(ctx, "system/log", []byte("INFO: Relay FB:2:5:1"))
	h.engine.Handle(ctx, "system/log", []byte("INFO: Relay FB:x:5:1"))

	if len(h.pub.sent) != 1 {
		t.Fatalf("expected exactly one publish, got %d", len(h.pub.sent))
	}
	got := h.pub.sent[0]
	if got.topic != "feedback/relay/2/5" || got.payload != "1" || got.qos != 1 || !got.retained {
		t.Errorf("unexpected publish %+v", got)
	}
	if n := testutil.ToFloat64(h.metrics.RelayFeedback()); n != 1 {
		t.Errorf("expected relay counter 1, got %v", n)
	}
}

func TestRelayFeedbackWithUnmappedTag(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.engine.OnConnect()

	if got := h.engine.Handle(context.Background(), "system/log", []byte("RELAY: Relay FB:1:3:0")); got != OutcomeMalformed {
		t.Fatalf("expected unmapped tag to be dropped, got %s", got)
	}
	if len(h.pub.sent) != 1 || h.pub.sent[0].topic != "feedback/relay/1/3" {
		t.Fatalf("expected feedback published despite unmapped tag, got %+v", h.pub.sent)
	}
}

func TestDisconnectForcesIdle(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.activate(t)
	ctx := context.Background()

	h.engine.OnDisconnect(fmt.Errorf("EOF"))
	if snap := h.state.Snapshot(); snap.Mode != models.ModeIdle || snap.Connected {
		t.Fatalf("expected idle and disconnected, got %+v", snap)
	}
	if got := h.engine.Handle(ctx, "layer/bedding", []byte(`{"temp":21}`)); got != OutcomeDisconnected {
		t.Fatalf("expected disconnected drop, got %s", got)
	}

	h.engine.OnConnect()
	if got := h.engine.Handle(ctx, "layer/bedding", []byte(`{"temp":21}`)); got != OutcomeInactive {
		t.Fatalf("expected inactive after reconnect without status, got %s", got)
	}
	if r, _, _ := h.store.counts(); r != 0 {
		t.Errorf("expected no readings, got %d", r)
	}
}

func TestStatusControlMessages(t *testing.T) {
	tests := []struct {
		topic   string
		payload string
		want    Outcome
		mode    models.ActivityMode
	}{
		{"system/status", " ACTIVE ", OutcomeApplied, models.ModeActive},
		{"system/status", `"feeding"`, OutcomeApplied, models.ModeFeeding},
		{"system/settings", `{"status":"active","reading_interval":30}`, OutcomeApplied, models.ModeActive},
		{"system/settings", `{"reading_interval":30}`, OutcomeMalformed, models.ModeIdle},
		{"system/settings", `{"status":`, OutcomeMalformed, models.ModeIdle},
		{"system/status", "sleeping", OutcomeInvalidControl, models.ModeIdle},
	}
	for _, tt := range tests {
		t.Run(tt.topic+" "+tt.payload, func(t *testing.T) {
			h := newHarness(t, 30*time.Second)
			h.engine.OnConnect()
			if got := h.engine.Handle(context.Background(), tt.topic, []byte(tt.payload)); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
			if got := h.state.Snapshot().Mode; got != tt.mode {
				t.Errorf("expected mode %s, got %s", tt.mode, got)
			}
		})
	}
}

func TestStoreFailureIsAnOutcome(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.activate(t)
	h.store.failWith = fmt.Errorf("connection refused")

	if got := h.engine.Handle(context.Background(), "layer/bedding", []byte(`{"temp":21}`)); got != OutcomeStoreFailed {
		t.Fatalf("expected store failure, got %s", got)
	}
	if got := h.engine.Handle(context.Background(), "system/log", []byte("ERROR: pump failure")); got != OutcomeStoreFailed {
		t.Fatalf("expected store failure, got %s", got)
	}

	h.store.failWith = nil
	if got := h.engine.Handle(context.Background(), "layer/bedding", []byte(`{"temp":21}`)); got != OutcomePersisted {
		t.Fatalf("expected engine to keep going, got %s", got)
	}
}

type fakeMirror struct {
	mu    sync.Mutex
	snaps []models.SystemSnapshot
}

func (m *fakeMirror) Publish(_ context.Context, s models.SystemSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, s)
	return nil
}

func (m *fakeMirror) last() (models.SystemSnapshot, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snaps) == 0 {
		return models.SystemSnapshot{}, 0
	}
	return m.snaps[len(m.snaps)-1], len(m.snaps)
}

func TestStateMirroredOnChange(t *testing.T) {
	mirror := &fakeMirror{}
	st := state.New(3, nil)
	engine := NewEngine(Deps{
		State:  st,
		Gate:   throttle.New(throttle.Config{MinInterval: time.Second}),
		Mirror: mirror,
	})

	if snap, n := mirror.last(); n != 1 || snap.CycleID != 3 {
		t.Fatalf("expected initial state mirrored, got %d snapshots (%+v)", n, snap)
	}

	engine.OnConnect()
	engine.Handle(context.Background(), "system/status", []byte("active"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if snap, _ := mirror.last(); snap.Mode == models.ModeActive && snap.Connected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := mirror.last()
	t.Fatalf("expected active state mirrored, got %+v", snap)
}

func TestDisconnectWhileWaitingOnStream(t *testing.T) {
	for _, topic := range []string{"layer/bedding", "layer/worms"} {
		t.Run(topic, func(t *testing.T) {
			h := newHarness(t, 30*time.Second)
			h.activate(t)
			h.store.beforeLatest = func() { h.engine.OnDisconnect(fmt.Errorf("EOF")) }

			payload := `{"temp":21}`
			if topic == "layer/worms" {
				payload = fmt.Sprintf(wormPayload, "[1,2]")
			}
			if got := h.engine.Handle(context.Background(), topic, []byte(payload)); got != OutcomeInactive {
				t.Fatalf("expected inactive, got %s", got)
			}
			if r, w, _ := h.store.counts(); r+w != 0 {
				t.Errorf("expected nothing persisted, got %d readings and %d worm rows", r, w)
			}
		})
	}
}

// gaugeValue reads a gauge from the exported registry, the way a scrape sees it.
func gaugeValue(t *testing.T, m *monitoring.Service, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return metric.GetGauge().GetValue(), true
		}
	}
	return 0, false
}

func TestStateGaugesFollowControlMessages(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	ctx := context.Background()

	h.engine.OnConnect()
	if got := h.engine.Handle(ctx, "system/status", []byte("active")); got != OutcomeApplied {
		t.Fatalf("expected status to apply, got %s", got)
	}
	if got := h.engine.Handle(ctx, "system/current_cycle", []byte(`9`)); got != OutcomeApplied {
		t.Fatalf("expected cycle to apply, got %s", got)
	}

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"vermi_ingest_broker_connected", nil, 1},
		{"vermi_ingest_active_cycle", nil, 9},
		{"vermi_ingest_activity_mode", map[string]string{"mode": "active"}, 1},
		{"vermi_ingest_activity_mode", map[string]string{"mode": "idle"}, 0},
	}
	deadline := time.Now().Add(time.Second)
	for _, c := range checks {
		for {
			got, ok := gaugeValue(t, h.metrics, c.name, c.labels)
			if ok && got == c.want {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("%s%v: expected %v, got %v (found=%t)", c.name, c.labels, c.want, got, ok)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	h.engine.OnDisconnect(fmt.Errorf("EOF"))
	deadline = time.Now().Add(time.Second)
	for {
		connected, _ := gaugeValue(t, h.metrics, "vermi_ingest_broker_connected", nil)
		idle, _ := gaugeValue(t, h.metrics, "vermi_ingest_activity_mode", map[string]string{"mode": "idle"})
		if connected == 0 && idle == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected disconnected idle gauges, got connected=%v idle=%v", connected, idle)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
