package fanout

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/samber/lo"

	"messenger/internal/models"
	"messenger/internal/pubsub"
)

// Event names carried on the transport. Fixed set; this is not a
// general-purpose broker.
const (
	EventConversationNew    = "conversation:new"
	EventConversationRemove = "conversation:remove"
	EventMessageNew         = "message:new"
	EventMessageUpdate      = "message:update"
)

// Publisher pushes domain events to their addressee topics. Publish failure
// is logged and swallowed: durability has already been secured by the store
// before any fan-out starts, so a lost push only delays real-time
// visibility until the peer's next full reload.
type Publisher struct {
	broker pubsub.Broker
	log    *slog.Logger
}

func NewPublisher(broker pubsub.Broker, log *slog.Logger) *Publisher {
	return &Publisher{broker: broker, log: log}
}

// Publish marshals payload once and publishes it to every distinct topic in
// order. Duplicate addressees collapse to one delivery.
func (p *Publisher) Publish(ctx context.Context, event string, payload any, topics ...string) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("fanout: marshal payload", "event", event, "err", err)
		return
	}
	for _, topic := range lo.Uniq(topics) {
		if topic == "" {
			continue
		}
		if err := p.broker.Publish(ctx, topic, event, data); err != nil {
			p.log.Warn("fanout: publish failed", "event", event, "topic", topic, "err", err)
		}
	}
}

// ConversationNew notifies every member's personal topic that a
// conversation now exists. Not re-sent when an existing direct conversation
// is resolved.
func (p *Publisher) ConversationNew(ctx context.Context, conv *models.Conversation, memberTopics []string) {
	p.Publish(ctx, EventConversationNew, conv, memberTopics...)
}

// ConversationRemove notifies each member's personal topic that the
// conversation was deleted or left.
func (p *Publisher) ConversationRemove(ctx context.Context, conv *models.Conversation, memberTopics []string) {
	p.Publish(ctx, EventConversationRemove, conv, memberTopics...)
}

// MessageNew broadcasts on the conversation topic for open views and on
// each member's personal topic so conversation lists update even when the
// view is closed.
func (p *Publisher) MessageNew(ctx context.Context, msg *models.Message, conv *models.Conversation, memberTopics []string) {
	p.Publish(ctx, EventMessageNew, msg, append([]string{conv.Topic()}, memberTopics...)...)
}

// MessageUpdate broadcasts a mutated message (seen-receipt growth) on the
// conversation topic.
func (p *Publisher) MessageUpdate(ctx context.Context, msg *models.Message, conv *models.Conversation) {
	p.Publish(ctx, EventMessageUpdate, msg, conv.Topic())
}
