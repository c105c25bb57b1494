// FilePath: server/ingest/internal/monitoring/monitoring.go
package monitoring

import (
	"net/http"

	"github.com/itsatony/vermihub/server/ingest/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vermi_ingest"

// Service provides monitoring functionality
type Service struct {
	registry        *prometheus.Registry
	messages        *prometheus.CounterVec
	relayFeedback   prometheus.Counter
	brokerConnected prometheus.Gauge
	activityMode    *prometheus.GaugeVec
	activeCycle     prometheus.Gauge
}

// NewService creates a new monitoring service with its own registry
func NewService() *Service {
	s := &Service{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Broker messages handled, by topic and outcome.",
		}, []string{"topic", "outcome"}),
		relayFeedback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_feedback_total",
			Help:      "Relay feedback states republished to the broker.",
		}),
		brokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 while the broker session is up.",
		}),
		activityMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "activity_mode",
			Help:      "1 for the current system activity mode.",
		}, []string{"mode"}),
		activeCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_cycle",
			Help:      "Compost cycle new records are tagged with.",
		}),
	}
	s.registry.MustRegister(
		s.messages,
		s.relayFeedback,
		s.brokerConnected,
		s.activityMode,
		s.activeCycle,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// RecordMessage counts one handled message
func (s *Service) RecordMessage(topic, outcome string) {
	s.messages.WithLabelValues(topic, outcome).Inc()
}

// RecordRelayFeedback counts one republished relay state
func (s *Service) RecordRelayFeedback() {
	s.relayFeedback.Inc()
}

// RecordState mirrors the system state into gauges
func (s *Service) RecordState(snap models.SystemSnapshot) {
	if snap.Connected {
		s.brokerConnected.Set(1)
	} else {
		s.brokerConnected.Set(0)
	}
	for _, m := range models.Modes() {
		v := 0.0
		if m == snap.Mode {
			v = 1
		}
		s.activityMode.WithLabelValues(string(m)).Set(v)
	}
	s.activeCycle.Set(float64(snap.CycleID))
}

// Registry exposes the collectors for tests and custom exporters
func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the Prometheus exposition format
func (s *Service) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Messages returns the counter of one topic/outcome pair.
func (s *Service) Messages(topic, outcome string) prometheus.Counter {
	return s.messages.WithLabelValues(topic, outcome)
}

func (s *Service) RelayFeedback() prometheus.Counter {
	return s.relayFeedback
}
