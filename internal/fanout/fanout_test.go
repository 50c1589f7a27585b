package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messenger/internal/models"
	"messenger/internal/pubsub"
)

type captureBroker struct {
	err       error
	published []struct {
		topic, event string
		payload      []byte
	}
}

func (b *captureBroker) Publish(_ context.Context, topic, event string, payload []byte) error {
	b.published = append(b.published, struct {
		topic, event string
		payload      []byte
	}{topic, event, payload})
	return b.err
}

func (b *captureBroker) Subscribe(context.Context, string) (pubsub.Subscription, error) {
	panic("not used")
}

func TestPublishCollapsesDuplicateAddressees(t *testing.T) {
	broker := &captureBroker{}
	pub := NewPublisher(broker, slog.Default())

	pub.Publish(context.Background(), EventConversationNew, "x",
		"alice@test", "bob@test", "alice@test", "", "bob@test")

	require.Len(t, broker.published, 2)
	assert.Equal(t, "alice@test", broker.published[0].topic)
	assert.Equal(t, "bob@test", broker.published[1].topic)
}

func TestPublishContinuesPastBrokerErrors(t *testing.T) {
	broker := &captureBroker{err: errors.New("redis down")}
	pub := NewPublisher(broker, slog.Default())

	// Must not panic or stop early; failure is logged, not propagated.
	pub.Publish(context.Background(), EventMessageNew, "x", "a", "b", "c")
	require.Len(t, broker.published, 3)
}

func TestMessageNewAddressesConversationAndMembers(t *testing.T) {
	req := require.New(t)
	broker := &captureBroker{}
	pub := NewPublisher(broker, slog.Default())

	conv := &models.Conversation{ID: uuid.New(), UserIDs: []uuid.UUID{uuid.New(), uuid.New()}}
	msg := &models.Message{ID: uuid.New(), ConversationID: conv.ID, Body: "hi", SeenBy: []uuid.UUID{}}

	pub.MessageNew(context.Background(), msg, conv, []string{"alice@test", "bob@test"})

	req.Len(broker.published, 3)
	req.Equal(conv.Topic(), broker.published[0].topic, "conversation topic comes first")

	var decoded models.Message
	req.NoError(json.Unmarshal(broker.published[0].payload, &decoded))
	req.Equal(msg.ID, decoded.ID)
	req.Empty(decoded.SeenBy)
}

func TestMessageUpdateStaysOnConversationTopic(t *testing.T) {
	broker := &captureBroker{}
	pub := NewPublisher(broker, slog.Default())

	conv := &models.Conversation{ID: uuid.New()}
	msg := &models.Message{ID: uuid.New(), ConversationID: conv.ID}

	pub.MessageUpdate(context.Background(), msg, conv)

	require.Len(t, broker.published, 1)
	assert.Equal(t, conv.Topic(), broker.published[0].topic)
	assert.Equal(t, EventMessageUpdate, broker.published[0].event)
}
