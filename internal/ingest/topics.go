// FilePath: server/ingest/internal/ingest/topics.go
package ingest

import "github.com/itsatony/vermihub/server/ingest/internal/models"

// Topic is the closed set of broker topics the engine understands.
type Topic int

const (
	TopicUnknown Topic = iota
	TopicStatus
	TopicSettings
	TopicCurrentCycle
	TopicLog
	TopicBedding
	TopicCompost
	TopicFluid
	TopicWorms
)

var topicNames = map[Topic]string{
	TopicStatus:       "system/status",
	TopicSettings:     "system/settings",
	TopicCurrentCycle: "system/current_cycle",
	TopicLog:          "system/log",
	TopicBedding:      "layer/bedding",
	TopicCompost:      "layer/compost",
	TopicFluid:        "layer/fluid",
	TopicWorms:        "layer/worms",
}

var topicsByName = func() map[string]Topic {
	m := make(map[string]Topic, len(topicNames))
	for t, name := range topicNames {
		m[name] = t
	}
	return m
}()

func (t Topic) String() string {
	if name, ok := topicNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseTopic returns TopicUnknown for anything outside the subscription set.
func ParseTopic(name string) Topic {
	return topicsByName[name]
}

// Topics is the fixed subscription set, in a stable order.
func Topics() []Topic {
	return []Topic{
		TopicStatus, TopicSettings, TopicCurrentCycle, TopicLog,
		TopicBedding, TopicCompost, TopicFluid, TopicWorms,
	}
}

// TopicNames returns the subscription set as broker topic strings.
func TopicNames() []string {
	topics := Topics()
	names := make([]string, len(topics))
	for i, t := range topics {
		names[i] = t.String()
	}
	return names
}

// Layer maps a layer topic onto its layer.
func (t Topic) Layer() (models.Layer, bool) {
	switch t {
	case TopicBedding:
		return models.LayerBedding, true
	case TopicCompost:
		return models.LayerCompost, true
	case TopicFluid:
		return models.LayerFluid, true
	}
	return "", false
}

// plainText topics carry free text and skip the JSON pre-parse.
func (t Topic) plainText() bool {
	return t == TopicStatus || t == TopicLog
}

// Outcome is what happened to one inbound message.
type Outcome string

const (
	OutcomePersisted      Outcome = "persisted"
	OutcomeApplied        Outcome = "applied"
	OutcomeThrottled      Outcome = "throttled"
	OutcomeInactive       Outcome = "inactive"
	OutcomeMalformed      Outcome = "malformed"
	OutcomeInvalidControl Outcome = "invalid_control"
	OutcomeUnknownTopic   Outcome = "unknown_topic"
	OutcomeStoreFailed    Outcome = "store_failed"
	OutcomeDisconnected   Outcome = "disconnected"
	OutcomeQueueFull      Outcome = "queue_full"
)
