package pubsub

import (
	"context"
	"encoding/json"
	"sync"
)

// Handler consumes one event delivered on a subscribed topic. Handlers
// bound to the same subscription are invoked sequentially, never
// concurrently with each other.
type Handler func(event string, payload []byte)

// Broker is the pub/sub transport the sync core runs on. A topic is an
// addressable channel: one per user (personal events), one per conversation
// (broadcast), plus the well-known presence topic.
type Broker interface {
	Publish(ctx context.Context, topic, event string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription is a live attachment to one topic. Callers must Unsubscribe
// when the owning view or session closes; stale handlers keep consuming
// events otherwise.
type Subscription interface {
	Bind(event string, h Handler)
	Unbind(event string)
	Unsubscribe()
	// Done is closed when the subscription stops delivering events, whether
	// by Unsubscribe or by transport loss. After Done, no handler runs.
	Done() <-chan struct{}
}

// envelope is the wire format carried on every topic.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func encodeEnvelope(event string, payload []byte) ([]byte, error) {
	return json.Marshal(envelope{Event: event, Payload: payload})
}

// dispatcher routes decoded envelopes to bound handlers. It is shared by
// the broker implementations; dispatch runs handlers inline on the caller's
// goroutine, which for each subscription is a single reader loop.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	inflight sync.WaitGroup
	closed   bool
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string][]Handler)}
}

func (d *dispatcher) bind(event string, h Handler) {
	d.mu.Lock()
	d.handlers[event] = append(d.handlers[event], h)
	d.mu.Unlock()
}

func (d *dispatcher) unbind(event string) {
	d.mu.Lock()
	delete(d.handlers, event)
	d.mu.Unlock()
}

// close stops dispatching and waits for handlers that are already running.
// Once it returns, no handler runs again; that is what lets Done honor its
// "after Done, no handler runs" contract.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.handlers = make(map[string][]Handler)
	d.mu.Unlock()
	d.inflight.Wait()
}

func (d *dispatcher) dispatch(event string, payload []byte) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return
	}
	d.inflight.Add(1)
	hs := append([]Handler(nil), d.handlers[event]...)
	d.mu.RUnlock()
	defer d.inflight.Done()

	for _, h := range hs {
		h(event, payload)
	}
}
