package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"messenger/internal/middleware"
	"messenger/internal/pubsub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // TODO: restrict origins once the web client has a fixed host
	},
}

// Hub routes websocket clients. It owns the client set exclusively; the
// run loop is the only goroutine that touches it, so no lock is needed.
type Hub struct {
	broker   pubsub.Broker
	presence *PresenceRegistry
	log      *slog.Logger

	Register   chan *Client
	Unregister chan *Client

	clients map[*Client]bool
}

func NewHub(broker pubsub.Broker, presence *PresenceRegistry, log *slog.Logger) *Hub {
	return &Hub{
		broker:     broker,
		presence:   presence,
		log:        log,
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.Register:
			h.clients[client] = true
			if err := client.attach(ctx); err != nil {
				h.log.Warn("attaching personal topic", "user", client.UserID, "err", err)
			}
			h.presence.Connected(ctx, client.UserID.String())

		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.teardown()
				client.shutdown()
				h.presence.Disconnected(ctx, client.UserID.String())
			}

		case <-ctx.Done():
			for client := range h.clients {
				client.teardown()
				client.shutdown()
			}
			h.clients = make(map[*Client]bool)
			return
		}
	}
}

// ServeWs upgrades an authenticated request and registers the client.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	ident, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade", "err", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		log:    h.log,
		UserID: ident.ID,
		Email:  ident.Email,
		send:   make(chan []byte, 256),
		quit:   make(chan struct{}),
		subs:   make(map[string]pubsub.Subscription),
	}
	h.Register <- client

	// The pumps run in their own goroutines; ServeWs returns immediately.
	go client.writePump()
	go client.readPump(context.Background())
}
