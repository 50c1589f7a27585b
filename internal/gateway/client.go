package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"messenger/internal/fanout"
	"messenger/internal/models"
	"messenger/internal/presence"
	"messenger/internal/pubsub"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
)

// Frame is what the gateway writes to the browser: the topic an event
// arrived on plus the envelope contents.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// command is what the browser sends: watch/unwatch a conversation topic
// while its view is open.
type command struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// Client is a middleman between one websocket connection and the broker.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	log  *slog.Logger

	UserID uuid.UUID
	Email  string

	// Buffered channel of outbound frames. Never closed: broker handlers
	// may still fire while a disconnect is in progress, and a send on a
	// buffered channel nobody drains is harmless where a send on a closed
	// one would panic the dispatch goroutine.
	send chan []byte

	// Closed exactly once to stop writePump and silence forward.
	quit     chan struct{}
	quitOnce sync.Once

	mu   sync.Mutex
	subs map[string]pubsub.Subscription
}

// shutdown signals both pumps to stop. Safe from any goroutine, any number
// of times.
func (c *Client) shutdown() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// forward turns broker deliveries on a topic into outbound frames. A client
// that cannot keep up is dropped; it reconciles with a full reload on
// reconnect.
func (c *Client) forward(topic string) pubsub.Handler {
	return func(event string, payload []byte) {
		frame, err := json.Marshal(Frame{Topic: topic, Event: event, Payload: payload})
		if err != nil {
			return
		}
		select {
		case c.send <- frame:
		case <-c.quit:
		default:
			c.log.Warn("client send buffer full, disconnecting", "user", c.UserID)
			c.shutdown()
		}
	}
}

// attach subscribes the client to its personal topic. Personal topics carry
// conversation lifecycle events and message echoes for closed views.
func (c *Client) attach(ctx context.Context) error {
	return c.watch(ctx, c.Email,
		fanout.EventConversationNew,
		fanout.EventConversationRemove,
		fanout.EventMessageNew,
	)
}

func (c *Client) watch(ctx context.Context, topic string, events ...string) error {
	c.mu.Lock()
	_, exists := c.subs[topic]
	c.mu.Unlock()
	if exists {
		return nil
	}

	sub, err := c.hub.broker.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	h := c.forward(topic)
	for _, ev := range events {
		sub.Bind(ev, h)
	}

	c.mu.Lock()
	c.subs[topic] = sub
	c.mu.Unlock()
	return nil
}

func (c *Client) unwatch(topic string) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
}

// teardown unsubscribes everything; stale handlers must not outlive the
// connection.
func (c *Client) teardown() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]pubsub.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// readPump pumps commands from the websocket connection to the hub.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read", "user", c.UserID, "err", err)
			}
			break
		}

		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		switch cmd.Action {
		case "watch":
			events := []string{fanout.EventMessageNew, fanout.EventMessageUpdate}
			if cmd.Topic == models.PresenceTopic {
				events = []string{presence.EventMemberJoined, presence.EventMemberLeft}
			}
			if err := c.watch(ctx, cmd.Topic, events...); err != nil {
				c.log.Warn("watch topic", "user", c.UserID, "topic", cmd.Topic, "err", err)
			}
		case "unwatch":
			c.unwatch(cmd.Topic)
		}
	}
}

// writePump pumps frames from the broker to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(frame)

			// Flush any queued frames in the same write to cut syscalls.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
