package gateway

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"messenger/internal/fanout"
	"messenger/internal/pubsub"
)

func newTestClient(hub *Hub, buffer int) *Client {
	return &Client{
		hub:    hub,
		log:    slog.Default(),
		UserID: uuid.New(),
		Email:  "alice@test",
		send:   make(chan []byte, buffer),
		quit:   make(chan struct{}),
		subs:   make(map[string]pubsub.Subscription),
	}
}

func TestDisconnectRacingPublishDoesNotPanic(t *testing.T) {
	req := require.New(t)
	broker := pubsub.NewMemoryBroker()
	hub := NewHub(broker, nil, slog.Default())
	client := newTestClient(hub, 4)

	req.NoError(client.watch(context.Background(), "room-1", fanout.EventMessageNew))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			broker.Publish(context.Background(), "room-1", fanout.EventMessageNew, []byte(`{}`))
		}
	}()

	// The hub's disconnect sequence, racing the publisher.
	client.teardown()
	client.shutdown()
	wg.Wait()

	// Once teardown has returned, nothing is delivered anymore.
	for len(client.send) > 0 {
		<-client.send
	}
	broker.Publish(context.Background(), "room-1", fanout.EventMessageNew, []byte(`{}`))
	req.Empty(client.send)
}

func TestForwardDropsFrameWhenClientIsGone(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	hub := NewHub(broker, nil, slog.Default())
	client := newTestClient(hub, 1)

	h := client.forward("room-1")
	h(fanout.EventMessageNew, []byte(`{"a":1}`))
	require.Len(t, client.send, 1)

	client.shutdown()

	// The buffer stays full and the client is quitting; the handler must
	// return without blocking or panicking.
	done := make(chan struct{})
	go func() {
		h(fanout.EventMessageNew, []byte(`{"a":2}`))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forward blocked on a quitting client")
	}
}

func TestFullBufferShutsClientDown(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	hub := NewHub(broker, nil, slog.Default())
	client := newTestClient(hub, 1)

	h := client.forward("room-1")
	h(fanout.EventMessageNew, []byte(`{}`))
	h(fanout.EventMessageNew, []byte(`{}`)) // overflows the buffer of one

	select {
	case <-client.quit:
	default:
		t.Fatal("overflowing client was not shut down")
	}
}
