// FilePath: server/ingest/internal/ingest/dispatch.go
package ingest

import (
	"context"
	"sync"

	nuts "github.com/vaudience/go-nuts"
)

const defaultQueueSize = 64

// Handler is the per-message entry point a Dispatcher feeds.
type Handler interface {
	Handle(ctx context.Context, topic string, payload []byte) Outcome
}

type message struct {
	topic   string
	payload []byte
}

// Dispatcher runs one worker per known topic, so messages are handled in
// arrival order within a topic and concurrently across topics. Each queue is
// bounded; a full queue drops the message instead of blocking the transport.
type Dispatcher struct {
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	queues  map[Topic]chan message
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	// onDrop is called for messages rejected at enqueue time.
	onDrop func(topic string, outcome Outcome)
}

func NewDispatcher(handler Handler, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[Topic]chan message, len(Topics())),
	}
	for _, t := range Topics() {
		q := make(chan message, queueSize)
		d.queues[t] = q
		d.wg.Add(1)
		go d.run(t, q)
	}
	return d
}

// OnDrop registers a callback for messages dropped before reaching a worker.
func (d *Dispatcher) OnDrop(fn func(topic string, outcome Outcome)) {
	d.onDrop = fn
}

func (d *Dispatcher) run(topic Topic, q <-chan message) {
	defer d.wg.Done()
	for msg := range q {
		d.handler.Handle(d.ctx, msg.topic, msg.payload)
	}
	nuts.L.Infof("[Dispatch] Worker for %s stopped", topic)
}

// Dispatch enqueues a message. The payload is copied since transports may
// reuse their buffers. It returns false when the message was not queued.
func (d *Dispatcher) Dispatch(topic string, payload []byte) bool {
	t := ParseTopic(topic)
	if t == TopicUnknown {
		// Unknown topics never reach storage, handle inline.
		d.handler.Handle(d.ctx, topic, payload)
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		nuts.L.Warnf("[Dispatch] Dropping %s message, dispatcher is closed", topic)
		return false
	}

	msg := message{topic: topic, payload: append([]byte(nil), payload...)}
	select {
	case d.queues[t] <- msg:
		return true
	default:
		nuts.L.Warnf("[Dispatch] Queue for %s is full, dropping message", topic)
		if d.onDrop != nil {
			d.onDrop(topic, OutcomeQueueFull)
		}
		return false
	}
}

// Close stops accepting messages and waits for queued ones to finish, or for
// ctx to expire, in which case in-flight handlers are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
