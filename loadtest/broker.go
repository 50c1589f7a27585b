package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"messenger/internal/pubsub"
)

// frame mirrors what the gateway writes: the topic an event arrived on plus
// the envelope contents. The gateway batches frames into one websocket
// message separated by newlines.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// wsBroker adapts the gateway's frame stream to the broker surface, so the
// session and the presence tracker run unchanged against a live server.
// Receive-only: messages go out through the REST API.
type wsBroker struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*wsSub
}

func newWSBroker(conn *websocket.Conn) *wsBroker {
	b := &wsBroker{conn: conn, subs: make(map[string]*wsSub)}
	go b.readLoop()
	return b
}

func (b *wsBroker) readLoop() {
	defer b.closeAll()
	for {
		_, raw, err := b.conn.ReadMessage()
		if err != nil {
			return
		}
		for _, line := range bytes.Split(raw, []byte{'\n'}) {
			var f frame
			if json.Unmarshal(line, &f) != nil {
				continue
			}
			b.mu.Lock()
			sub := b.subs[f.Topic]
			b.mu.Unlock()
			if sub != nil {
				sub.dispatch(f.Event, f.Payload)
			}
		}
	}
}

func (b *wsBroker) Publish(context.Context, string, string, []byte) error {
	return errors.New("client connection is receive-only")
}

func (b *wsBroker) Subscribe(_ context.Context, topic string) (pubsub.Subscription, error) {
	s := &wsSub{
		broker:   b,
		topic:    topic,
		handlers: make(map[string]pubsub.Handler),
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[topic] = s
	b.mu.Unlock()

	if err := b.writeJSON(map[string]string{"action": "watch", "topic": topic}); err != nil {
		b.remove(topic)
		return nil, err
	}
	return s, nil
}

func (b *wsBroker) remove(topic string) {
	b.mu.Lock()
	delete(b.subs, topic)
	b.mu.Unlock()
	// On a dead connection the unwatch is moot anyway.
	b.writeJSON(map[string]string{"action": "unwatch", "topic": topic})
}

func (b *wsBroker) writeJSON(v any) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteJSON(v)
}

// closeAll marks every subscription done when the connection drops; the
// tracker demotes itself and the session stops merging.
func (b *wsBroker) closeAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*wsSub)
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

type wsSub struct {
	broker *wsBroker
	topic  string

	mu       sync.Mutex
	handlers map[string]pubsub.Handler

	done chan struct{}
	once sync.Once
}

func (s *wsSub) Bind(event string, h pubsub.Handler) {
	s.mu.Lock()
	s.handlers[event] = h
	s.mu.Unlock()
}

func (s *wsSub) Unbind(event string) {
	s.mu.Lock()
	delete(s.handlers, event)
	s.mu.Unlock()
}

func (s *wsSub) Done() <-chan struct{} { return s.done }

func (s *wsSub) Unsubscribe() {
	s.broker.remove(s.topic)
	s.close()
}

func (s *wsSub) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *wsSub) dispatch(event string, payload []byte) {
	s.mu.Lock()
	h := s.handlers[event]
	s.mu.Unlock()
	if h != nil {
		h(event, payload)
	}
}
