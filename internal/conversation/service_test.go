package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"messenger/internal/apperr"
	"messenger/internal/fanout"
	"messenger/internal/models"
	"messenger/internal/pubsub"
	"messenger/internal/store"
)

// recordBroker captures everything the publisher pushes so tests can assert
// on addressing without a live transport.
type recordBroker struct {
	mu        sync.Mutex
	published []published
}

type published struct {
	topic   string
	event   string
	payload []byte
}

func (b *recordBroker) Publish(_ context.Context, topic, event string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{topic: topic, event: event, payload: payload})
	return nil
}

func (b *recordBroker) Subscribe(context.Context, string) (pubsub.Subscription, error) {
	panic("not used")
}

func (b *recordBroker) events(event string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, p := range b.published {
		if p.event == event {
			out = append(out, p)
		}
	}
	return out
}

func (b *recordBroker) topics(event string) []string {
	var out []string
	for _, p := range b.events(event) {
		out = append(out, p.topic)
	}
	return out
}

// fakeStore is an in-memory Storage good enough for resolver semantics.
type fakeStore struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*models.Conversation
	messages      map[uuid.UUID][]*models.Message

	// findMisses makes FindConversationByMemberSet report "absent" that
	// many times before answering truthfully, to stage the create race.
	findMisses int
	createErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[uuid.UUID]*models.Conversation),
		messages:      make(map[uuid.UUID][]*models.Message),
	}
}

func (f *fakeStore) CreateConversation(_ context.Context, spec store.ConversationSpec) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return nil, err
	}
	conv := &models.Conversation{
		ID:            uuid.New(),
		Name:          spec.Name,
		IsGroup:       spec.IsGroup,
		UserIDs:       append([]uuid.UUID(nil), spec.Members...),
		CreatedAt:     time.Now(),
		LastMessageAt: time.Now(),
	}
	f.conversations[conv.ID] = conv
	return conv, nil
}

func (f *fakeStore) FindConversationByMemberSet(_ context.Context, a, b uuid.UUID) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findMisses > 0 {
		f.findMisses--
		return nil, nil
	}
	for _, c := range f.conversations {
		if !c.IsGroup && c.SameMembers([]uuid.UUID{a, b}) {
			return c, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindConversationsByMember(_ context.Context, userID uuid.UUID) ([]*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Conversation
	for _, c := range f.conversations {
		if c.HasMember(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) GetConversation(_ context.Context, id uuid.UUID) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	if !ok {
		return nil, apperr.NotFound("conversation not found")
	}
	return c, nil
}

func (f *fakeStore) DeleteConversation(_ context.Context, id, requesterID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	if !ok || !c.HasMember(requesterID) {
		return 0, nil
	}
	delete(f.conversations, id)
	return 1, nil
}

func (f *fakeStore) CreateMessage(_ context.Context, conversationID, senderID uuid.UUID, body, image string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		Image:          image,
		CreatedAt:      time.Now(),
		SeenBy:         []uuid.UUID{},
	}
	f.messages[conversationID] = append(f.messages[conversationID], m)
	return m, nil
}

func (f *fakeStore) ListMessages(_ context.Context, conversationID uuid.UUID) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Message(nil), f.messages[conversationID]...), nil
}

func (f *fakeStore) LatestMessage(_ context.Context, conversationID uuid.UUID) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[conversationID]
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[len(msgs)-1], nil
}

func (f *fakeStore) AddSeenReceipt(_ context.Context, messageID, userID uuid.UUID) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msgs := range f.messages {
		for _, m := range msgs {
			if m.ID != messageID {
				continue
			}
			if !m.SeenByUser(userID) {
				m.SeenBy = append(m.SeenBy, userID)
			}
			return m, nil
		}
	}
	return nil, apperr.NotFound("message not found")
}

func (f *fakeStore) UpdateConversationLastMessageAt(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.conversations[id]; ok {
		c.LastMessageAt = at
	}
	return nil
}

// fakeDirectory maps user ids to "<id>@test" topics.
type fakeDirectory struct{}

func (fakeDirectory) TopicsByIDs(_ context.Context, ids []uuid.UUID) ([]string, error) {
	return lo.Map(ids, func(id uuid.UUID, _ int) string { return id.String() + "@test" }), nil
}

func topicFor(id uuid.UUID) string { return id.String() + "@test" }

func newTestService() (*Service, *fakeStore, *recordBroker) {
	st := newFakeStore()
	broker := &recordBroker{}
	pub := fanout.NewPublisher(broker, slog.Default())
	return NewService(st, fakeDirectory{}, pub, slog.Default()), st, broker
}

func TestResolveDirectCreatesOnce(t *testing.T) {
	req := require.New(t)
	svc, _, broker := newTestService()
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	conv, created, err := svc.ResolveDirect(ctx, alice, bob)
	req.NoError(err)
	req.True(created)
	req.False(conv.IsGroup)
	req.ElementsMatch([]uuid.UUID{alice, bob}, conv.UserIDs)

	// Resolving again, from either side, yields the same conversation and
	// announces nothing new.
	again, created, err := svc.ResolveDirect(ctx, bob, alice)
	req.NoError(err)
	req.False(created)
	req.Equal(conv.ID, again.ID)

	news := broker.events(fanout.EventConversationNew)
	req.Len(news, 2, "one conversation:new per member, sent exactly once")
	req.ElementsMatch([]string{topicFor(alice), topicFor(bob)}, broker.topics(fanout.EventConversationNew))
}

func TestResolveDirectRejectsSelf(t *testing.T) {
	svc, _, _ := newTestService()
	me := uuid.New()
	_, _, err := svc.ResolveDirect(context.Background(), me, me)
	require.Equal(t, apperr.CodeInvalid, apperr.CodeOf(err))
}

func TestResolveDirectRaceReadsBackWinner(t *testing.T) {
	req := require.New(t)
	svc, st, broker := newTestService()
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	// The peer's insert wins between our existence check and our insert.
	winner, _, err := svc.ResolveDirect(ctx, bob, alice)
	req.NoError(err)
	broker.mu.Lock()
	broker.published = nil
	broker.mu.Unlock()

	st.findMisses = 1
	st.createErr = store.ErrDuplicatePair

	conv, created, err := svc.ResolveDirect(ctx, alice, bob)
	req.NoError(err)
	req.False(created, "losing the race resolves, it does not create")
	req.Equal(winner.ID, conv.ID)
	req.Empty(broker.events(fanout.EventConversationNew), "the loser announces nothing")
}

func TestCreateGroupValidatesBeforeStorage(t *testing.T) {
	req := require.New(t)
	svc, st, _ := newTestService()
	ctx := context.Background()
	me := uuid.New()
	members := []uuid.UUID{uuid.New(), uuid.New()}

	_, err := svc.CreateGroup(ctx, me, members[:1], "lunch")
	req.Equal(apperr.CodeInvalid, apperr.CodeOf(err))

	_, err = svc.CreateGroup(ctx, me, members, "")
	req.Equal(apperr.CodeInvalid, apperr.CodeOf(err))

	req.Empty(st.conversations, "rejected input writes nothing")
}

func TestCreateGroupAddsRequesterAndDeduplicates(t *testing.T) {
	req := require.New(t)
	svc, _, broker := newTestService()
	me := uuid.New()
	a, b := uuid.New(), uuid.New()

	conv, err := svc.CreateGroup(context.Background(), me, []uuid.UUID{a, b, a}, "lunch")
	req.NoError(err)
	req.True(conv.IsGroup)
	req.Equal("lunch", conv.Name)
	req.ElementsMatch([]uuid.UUID{me, a, b}, conv.UserIDs)

	req.ElementsMatch(
		[]string{topicFor(me), topicFor(a), topicFor(b)},
		broker.topics(fanout.EventConversationNew),
	)
}

func TestSendFansOutToConversationAndMembers(t *testing.T) {
	req := require.New(t)
	svc, _, broker := newTestService()
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	conv, _, err := svc.ResolveDirect(ctx, alice, bob)
	req.NoError(err)

	msg, err := svc.Send(ctx, alice, conv.ID, "hello", "")
	req.NoError(err)
	req.Empty(msg.SeenBy, "a fresh message has been seen by nobody")

	got := broker.topics(fanout.EventMessageNew)
	req.ElementsMatch([]string{conv.Topic(), topicFor(alice), topicFor(bob)}, got)

	// Every copy carries the same persisted message.
	for _, p := range broker.events(fanout.EventMessageNew) {
		var m models.Message
		req.NoError(json.Unmarshal(p.payload, &m))
		req.Equal(msg.ID, m.ID)
	}
}

func TestSendValidatesBodyXorImage(t *testing.T) {
	req := require.New(t)
	svc, _, _ := newTestService()
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, _, err := svc.ResolveDirect(ctx, alice, bob)
	req.NoError(err)

	_, err = svc.Send(ctx, alice, conv.ID, "", "")
	req.Equal(apperr.CodeInvalid, apperr.CodeOf(err))

	_, err = svc.Send(ctx, alice, conv.ID, "hi", "cat.png")
	req.Equal(apperr.CodeInvalid, apperr.CodeOf(err))

	_, err = svc.Send(ctx, alice, conv.ID, "", "cat.png")
	req.NoError(err, "image-only messages are allowed")
}

func TestSendByOutsiderLooksLikeMissingConversation(t *testing.T) {
	req := require.New(t)
	svc, _, _ := newTestService()
	ctx := context.Background()
	conv, _, err := svc.ResolveDirect(ctx, uuid.New(), uuid.New())
	req.NoError(err)

	_, err = svc.Send(ctx, uuid.New(), conv.ID, "hi", "")
	req.Equal(apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestMarkSeenIsIdempotent(t *testing.T) {
	req := require.New(t)
	svc, _, broker := newTestService()
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, _, err := svc.ResolveDirect(ctx, alice, bob)
	req.NoError(err)

	// Nothing to see yet.
	msg, err := svc.MarkSeen(ctx, bob, conv.ID)
	req.NoError(err)
	req.Nil(msg)

	_, err = svc.Send(ctx, alice, conv.ID, "hello", "")
	req.NoError(err)

	msg, err = svc.MarkSeen(ctx, bob, conv.ID)
	req.NoError(err)
	req.True(msg.SeenByUser(bob))
	req.Len(broker.events(fanout.EventMessageUpdate), 1)

	// A repeat receipt grows nothing and re-publishes nothing.
	msg, err = svc.MarkSeen(ctx, bob, conv.ID)
	req.NoError(err)
	req.Len(msg.SeenBy, 1)
	req.Len(broker.events(fanout.EventMessageUpdate), 1)
}

func TestDeleteRequiresMembership(t *testing.T) {
	req := require.New(t)
	svc, _, broker := newTestService()
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, _, err := svc.ResolveDirect(ctx, alice, bob)
	req.NoError(err)

	_, err = svc.Delete(ctx, uuid.New(), conv.ID)
	req.Equal(apperr.CodeNotFound, apperr.CodeOf(err))

	deleted, err := svc.Delete(ctx, alice, conv.ID)
	req.NoError(err)
	req.Equal(conv.ID, deleted.ID)
	req.ElementsMatch(
		[]string{topicFor(alice), topicFor(bob)},
		broker.topics(fanout.EventConversationRemove),
	)

	_, err = svc.Delete(ctx, alice, conv.ID)
	req.Equal(apperr.CodeNotFound, apperr.CodeOf(err))
}
