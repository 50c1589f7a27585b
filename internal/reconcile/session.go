package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"messenger/internal/fanout"
	"messenger/internal/models"
	"messenger/internal/pubsub"
)

// eventBuffer is the per-conversation channel capacity. A full buffer means
// the consumer is badly behind; further events are dropped and the view is
// repaired by the next full history load.
const eventBuffer = 64

type viewEvent struct {
	update bool
	msg    *models.Message
}

// Session owns the reconciliation state of one connected client. Each open
// conversation gets its own View, its own bounded event channel and its own
// consumer goroutine, so handlers for different conversations never share
// mutable state.
type Session struct {
	broker pubsub.Broker
	log    *slog.Logger

	mu    sync.Mutex
	views map[uuid.UUID]*openView
}

type openView struct {
	view   *View
	sub    pubsub.Subscription
	events chan viewEvent
}

func NewSession(broker pubsub.Broker, log *slog.Logger) *Session {
	return &Session{
		broker: broker,
		log:    log,
		views:  make(map[uuid.UUID]*openView),
	}
}

// Open subscribes to the conversation's topic and seeds the view with the
// loaded history. Opening an already-open conversation replaces its state
// with the fresh history.
func (s *Session) Open(ctx context.Context, conversationID uuid.UUID, initial []*models.Message) (*View, error) {
	s.Close(conversationID)

	sub, err := s.broker.Subscribe(ctx, conversationID.String())
	if err != nil {
		return nil, err
	}

	ov := &openView{
		view:   NewView(),
		sub:    sub,
		events: make(chan viewEvent, eventBuffer),
	}
	ov.view.ApplyInitial(initial)

	sub.Bind(fanout.EventMessageNew, func(_ string, payload []byte) {
		s.enqueue(ov, conversationID, payload, false)
	})
	sub.Bind(fanout.EventMessageUpdate, func(_ string, payload []byte) {
		s.enqueue(ov, conversationID, payload, true)
	})

	s.mu.Lock()
	s.views[conversationID] = ov
	s.mu.Unlock()

	go s.consume(ov)
	return ov.view, nil
}

func (s *Session) enqueue(ov *openView, conversationID uuid.UUID, payload []byte, update bool) {
	var msg models.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.log.Warn("dropping malformed message event", "conversation", conversationID, "err", err)
		return
	}
	select {
	case ov.events <- viewEvent{update: update, msg: &msg}:
	default:
		s.log.Warn("view consumer behind, dropping event", "conversation", conversationID, "message", msg.ID)
	}
}

// consume is the single merger task for one view. Events arrive in topic
// order and are applied in that order.
func (s *Session) consume(ov *openView) {
	for {
		select {
		case ev := <-ov.events:
			if ev.update {
				ov.view.ApplyUpdate(ev.msg)
			} else {
				ov.view.ApplyNew(ev.msg)
			}
		case <-ov.sub.Done():
			// Drain what was delivered before the subscription ended.
			for {
				select {
				case ev := <-ov.events:
					if ev.update {
						ov.view.ApplyUpdate(ev.msg)
					} else {
						ov.view.ApplyNew(ev.msg)
					}
				default:
					return
				}
			}
		}
	}
}

// View returns the live view for an open conversation.
func (s *Session) View(conversationID uuid.UUID) (*View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ov, ok := s.views[conversationID]
	if !ok {
		return nil, false
	}
	return ov.view, true
}

// Close unbinds and unsubscribes the conversation's view. Events arriving
// for a closed conversation change nothing.
func (s *Session) Close(conversationID uuid.UUID) {
	s.mu.Lock()
	ov, ok := s.views[conversationID]
	delete(s.views, conversationID)
	s.mu.Unlock()
	if ok {
		ov.sub.Unsubscribe()
	}
}

// CloseAll tears down every open view; called on disconnect.
func (s *Session) CloseAll() {
	s.mu.Lock()
	views := s.views
	s.views = make(map[uuid.UUID]*openView)
	s.mu.Unlock()
	for _, ov := range views {
		ov.sub.Unsubscribe()
	}
}
