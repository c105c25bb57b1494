// FilePath: server/ingest/internal/broker/broker.go
package broker

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/itsatony/vermihub/server/ingest/internal/config"
	"github.com/itsatony/vermihub/server/ingest/internal/errors"
	nuts "github.com/vaudience/go-nuts"
)

const (
	subscribeQoS      byte = 1
	subscribeTimeout       = 10 * time.Second
	disconnectQuiesce      = 250
)

// Lifecycle reacts to session state changes.
type Lifecycle interface {
	OnConnect()
	OnDisconnect(err error)
}

// DispatchFunc hands an inbound message off. It must not block.
type DispatchFunc func(topic string, payload []byte) bool

// Client owns the single broker session. Reconnects are left to paho.
type Client struct {
	cfg config.BrokerConfig

	mu        sync.RWMutex
	client    mqtt.Client
	topics    []string
	lifecycle Lifecycle
	dispatch  DispatchFunc
}

func New(cfg config.BrokerConfig) *Client {
	return &Client{cfg: cfg}
}

// Start opens the session in the background and returns immediately. The
// lifecycle is notified on every connect and connection loss.
func (c *Client) Start(ctx context.Context, topics []string, lifecycle Lifecycle, dispatch DispatchFunc) error {
	c.mu.Lock()
	if c.client != nil {
		c.mu.Unlock()
		return errors.NewInternalError("broker session already started", nil)
	}
	c.topics = append([]string(nil), topics...)
	c.lifecycle = lifecycle
	c.dispatch = dispatch
	opts := c.options()
	client := mqtt.NewClient(opts)
	c.client = client
	c.mu.Unlock()

	nuts.L.Infof("[Broker] Connecting to %s as %s", c.cfg.URL, opts.ClientID)
	token := client.Connect()
	go func() {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				nuts.L.Errorf("[Broker] Initial connect failed: %v", err)
			}
		case <-ctx.Done():
		}
	}()
	return nil
}

func (c *Client) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.URL).
		SetClientID(nuts.NID(c.cfg.ClientIDPrefix, 8)).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetCleanSession(c.cfg.CleanSession).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(c.cfg.ReconnectPeriod).
		SetMaxReconnectInterval(c.cfg.MaxReconnectInterval).
		SetResumeSubs(true).
		// callbacks run in arrival order and only enqueue
		SetOrderMatters(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(c.onReconnecting).
		SetDefaultPublishHandler(c.onMessage)
	return opts
}

func (c *Client) onConnect(client mqtt.Client) {
	c.mu.RLock()
	lifecycle, topics := c.lifecycle, c.topics
	c.mu.RUnlock()

	nuts.L.Infof("[Broker] Connected to %s", c.cfg.URL)
	if lifecycle != nil {
		lifecycle.OnConnect()
	}

	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = subscribeQoS
	}
	token := client.SubscribeMultiple(filters, c.onMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		nuts.L.Errorf("[Broker] Subscription to %d topics timed out", len(filters))
		return
	}
	if err := token.Error(); err != nil {
		nuts.L.Errorf("[Broker] Subscription error: %v", err)
		return
	}
	nuts.L.Infof("[Broker] Subscribed to topics: %v", topics)
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	nuts.L.Warnf("[Broker] Connection lost: %v", err)
	c.mu.RLock()
	lifecycle := c.lifecycle
	c.mu.RUnlock()
	if lifecycle != nil {
		lifecycle.OnDisconnect(err)
	}
}

func (c *Client) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	nuts.L.Infof("[Broker] Reconnecting to %s", c.cfg.URL)
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.mu.RLock()
	dispatch := c.dispatch
	c.mu.RUnlock()
	if dispatch == nil {
		return
	}
	dispatch(msg.Topic(), msg.Payload())
}

// Publish sends one message and waits for the broker to confirm it, bounded by
// the configured publish timeout and ctx.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return errors.NewTransportError("broker session not started", nil)
	}

	timeout := c.cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	token := client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return errors.NewTransportError("publish to "+topic+" failed", err)
		}
		return nil
	case <-timer.C:
		return errors.NewTransportError("publish to "+topic+" timed out", nil)
	case <-ctx.Done():
		return errors.NewTransportError("publish to "+topic+" cancelled", ctx.Err())
	}
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	return client != nil && client.IsConnectionOpen()
}

// Close ends the session, letting in-flight work settle for a short quiesce.
func (c *Client) Close() {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return
	}
	client.Disconnect(disconnectQuiesce)
	nuts.L.Infof("[Broker] Disconnected from %s", c.cfg.URL)
}
