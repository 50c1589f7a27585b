package pubsub

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process Broker for tests and single-node runs.
// Publish dispatches synchronously, so by the time it returns every live
// subscriber has observed the event.
type MemoryBroker struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySub]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string]map[*memorySub]struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, topic, event string, payload []byte) error {
	b.mu.RLock()
	subs := make([]*memorySub, 0, len(b.topics[topic]))
	for s := range b.topics[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.dispatcher.dispatch(event, payload)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, topic string) (Subscription, error) {
	s := &memorySub{broker: b, topic: topic, dispatcher: newDispatcher(), done: make(chan struct{})}
	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memorySub]struct{})
	}
	b.topics[topic][s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

type memorySub struct {
	broker     *MemoryBroker
	topic      string
	dispatcher *dispatcher
	done       chan struct{}
	closeOnce  sync.Once
}

func (s *memorySub) Bind(event string, h Handler) { s.dispatcher.bind(event, h) }
func (s *memorySub) Unbind(event string)          { s.dispatcher.unbind(event) }
func (s *memorySub) Done() <-chan struct{}        { return s.done }

func (s *memorySub) Unsubscribe() {
	s.broker.mu.Lock()
	if set := s.broker.topics[s.topic]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(s.broker.topics, s.topic)
		}
	}
	s.broker.mu.Unlock()

	// A Publish in flight may have copied this subscription before the
	// delete above; wait it out so Done never closes under a running
	// handler.
	s.dispatcher.close()
	s.closeOnce.Do(func() { close(s.done) })
}
