package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBroker carries topics on redis pub/sub channels. Redis preserves
// publish order per channel, which gives the FIFO-per-topic guarantee the
// fan-out layer relies on. Delivery is fire-and-forget: a subscriber that
// is disconnected when an event is published never sees it.
type RedisBroker struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisBroker(rdb *redis.Client, log *slog.Logger) *RedisBroker {
	return &RedisBroker{rdb: rdb, log: log}
}

func (b *RedisBroker) Publish(ctx context.Context, topic, event string, payload []byte) error {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, topic, data).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, topic)
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &redisSub{
		topic:      topic,
		ps:         ps,
		dispatcher: newDispatcher(),
		done:       make(chan struct{}),
		log:        b.log,
	}
	go sub.readLoop()
	return sub, nil
}

type redisSub struct {
	topic      string
	ps         *redis.PubSub
	dispatcher *dispatcher
	done       chan struct{}
	log        *slog.Logger
}

func (s *redisSub) readLoop() {
	defer close(s.done)
	for msg := range s.ps.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			s.log.Warn("dropping malformed envelope", "topic", s.topic, "err", err)
			continue
		}
		s.dispatcher.dispatch(env.Event, env.Payload)
	}
}

func (s *redisSub) Bind(event string, h Handler) { s.dispatcher.bind(event, h) }
func (s *redisSub) Unbind(event string)          { s.dispatcher.unbind(event) }
func (s *redisSub) Done() <-chan struct{}        { return s.done }

func (s *redisSub) Unsubscribe() {
	if err := s.ps.Close(); err != nil {
		s.log.Warn("closing subscription", "topic", s.topic, "err", err)
	}
	// Waits out any dispatch still running, so no handler outlives the
	// subscription.
	s.dispatcher.close()
}
