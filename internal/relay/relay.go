// FilePath: server/ingest/internal/relay/relay.go

// Package relay turns actuator feedback embedded in device log lines into
// retained per-pin state topics.
package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/itsatony/vermihub/server/ingest/internal/models"
	nuts "github.com/vaudience/go-nuts"
)

const (
	feedbackPrefix = "Relay FB:"
	// QoS 1, retained: late subscribers observe the last known relay state.
	feedbackQoS      byte = 1
	feedbackRetained      = true
)

// Publisher is the outbound side of the broker session.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

// ParseFeedback reads "Relay FB:<board>:<pin>:<state>". ok is false when the
// content is not relay feedback or any field is not a non-negative integer.
func ParseFeedback(content string) (cmd models.RelayCommand, ok bool) {
	rest, found := strings.CutPrefix(content, feedbackPrefix)
	if !found {
		return models.RelayCommand{}, false
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return models.RelayCommand{}, false
	}
	values := make([]int, 3)
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return models.RelayCommand{}, false
		}
		values[i] = n
	}
	return models.RelayCommand{Board: values[0], Pin: values[1], State: values[2]}, true
}

// Topic is the retained state topic of one relay pin.
func Topic(cmd models.RelayCommand) string {
	return fmt.Sprintf("feedback/relay/%d/%d", cmd.Board, cmd.Pin)
}

// Extractor republishes relay feedback found in log content.
type Extractor struct {
	publisher Publisher
}

func NewExtractor(publisher Publisher) *Extractor {
	return &Extractor{publisher: publisher}
}

// Handle inspects decoded log content. It returns the published command, or
// false when the content carried no valid feedback or the publish failed.
func (e *Extractor) Handle(ctx context.Context, content string) (models.RelayCommand, bool) {
	cmd, ok := ParseFeedback(content)
	if !ok {
		return models.RelayCommand{}, false
	}
	topic := Topic(cmd)
	payload := []byte(strconv.Itoa(cmd.State))
	if err := e.publisher.Publish(ctx, topic, feedbackQoS, feedbackRetained, payload); err != nil {
		nuts.L.Errorf("[Relay] Failed to publish feedback to %s: %v", topic, err)
		return cmd, false
	}
	nuts.L.Infof("[Relay] Published relay state %d to %s", cmd.State, topic)
	return cmd, true
}
