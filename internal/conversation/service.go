package conversation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"messenger/internal/apperr"
	"messenger/internal/fanout"
	"messenger/internal/models"
	"messenger/internal/store"
)

// Storage is what the resolver needs from the persistent store. Kept as a
// consumer-side interface so tests can swap in an in-memory fake.
type Storage interface {
	CreateConversation(ctx context.Context, spec store.ConversationSpec) (*models.Conversation, error)
	FindConversationByMemberSet(ctx context.Context, a, b uuid.UUID) (*models.Conversation, error)
	FindConversationsByMember(ctx context.Context, userID uuid.UUID) ([]*models.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, id, requesterID uuid.UUID) (int64, error)
	CreateMessage(ctx context.Context, conversationID, senderID uuid.UUID, body, image string) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error)
	LatestMessage(ctx context.Context, conversationID uuid.UUID) (*models.Message, error)
	AddSeenReceipt(ctx context.Context, messageID, userID uuid.UUID) (*models.Message, error)
	UpdateConversationLastMessageAt(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Directory resolves user ids to their personal topic names.
type Directory interface {
	TopicsByIDs(ctx context.Context, ids []uuid.UUID) ([]string, error)
}

type Service struct {
	store  Storage
	users  Directory
	fanout *fanout.Publisher
	log    *slog.Logger
}

func NewService(st Storage, users Directory, pub *fanout.Publisher, log *slog.Logger) *Service {
	return &Service{store: st, users: users, fanout: pub, log: log}
}

// ResolveDirect returns the direct conversation between requester and
// target, creating it when none exists. The created flag tells the caller
// whether a conversation:new event went out; resolving an existing
// conversation re-sends nothing.
func (s *Service) ResolveDirect(ctx context.Context, requester, target uuid.UUID) (*models.Conversation, bool, error) {
	if requester == target {
		return nil, false, apperr.Invalid("cannot start a conversation with yourself")
	}

	existing, err := s.store.FindConversationByMemberSet(ctx, requester, target)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	conv, err := s.store.CreateConversation(ctx, store.ConversationSpec{
		Members: []uuid.UUID{requester, target},
	})
	if errors.Is(err, store.ErrDuplicatePair) {
		// Both members raced to start the same conversation; the storage
		// uniqueness index elected a winner. Read it back.
		conv, err = s.store.FindConversationByMemberSet(ctx, requester, target)
		if err != nil {
			return nil, false, err
		}
		if conv == nil {
			return nil, false, apperr.Internal("direct conversation vanished after duplicate insert")
		}
		return conv, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.notifyMembers(ctx, conv, func(topics []string) {
		s.fanout.ConversationNew(ctx, conv, topics)
	})
	return conv, true, nil
}

// CreateGroup always creates a new conversation. The requester is added to
// the member set implicitly.
func (s *Service) CreateGroup(ctx context.Context, requester uuid.UUID, memberIDs []uuid.UUID, name string) (*models.Conversation, error) {
	if len(memberIDs) < 2 {
		return nil, apperr.Invalid("a group needs at least 2 other members")
	}
	if name == "" {
		return nil, apperr.Invalid("a group needs a name")
	}

	members := lo.Uniq(append(memberIDs, requester))
	conv, err := s.store.CreateConversation(ctx, store.ConversationSpec{
		Name:    name,
		IsGroup: true,
		Members: members,
	})
	if err != nil {
		return nil, err
	}

	s.notifyMembers(ctx, conv, func(topics []string) {
		s.fanout.ConversationNew(ctx, conv, topics)
	})
	return conv, nil
}

// ListForUser returns the requester's conversations newest-activity first.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Conversation, error) {
	return s.store.FindConversationsByMember(ctx, userID)
}

// Delete removes a conversation on behalf of a member. Non-members get
// NotFound; the conversation's existence is not revealed to outsiders.
func (s *Service) Delete(ctx context.Context, requester, conversationID uuid.UUID) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	n, err := s.store.DeleteConversation(ctx, conversationID, requester)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, apperr.NotFound("conversation not found")
	}

	s.notifyMembers(ctx, conv, func(topics []string) {
		s.fanout.ConversationRemove(ctx, conv, topics)
	})
	return conv, nil
}

// notifyMembers resolves member topics and hands them to the fan-out step.
// A directory failure is logged, not surfaced: the durable write already
// succeeded and peers reconcile on their next full reload.
func (s *Service) notifyMembers(ctx context.Context, conv *models.Conversation, publish func(topics []string)) {
	topics, err := s.users.TopicsByIDs(ctx, conv.UserIDs)
	if err != nil {
		s.log.Warn("resolving member topics for fan-out", "conversation", conv.ID, "err", err)
		return
	}
	publish(topics)
}
