package conversation

import (
	"context"

	"github.com/google/uuid"

	"messenger/internal/apperr"
	"messenger/internal/models"
)

// Send persists a message and fans it out. The durable write always
// completes before any publish is attempted, so a message can never be seen
// live without being on disk.
func (s *Service) Send(ctx context.Context, sender, conversationID uuid.UUID, body, image string) (*models.Message, error) {
	if body == "" && image == "" {
		return nil, apperr.Invalid("a message needs a body or an image")
	}
	if body != "" && image != "" {
		return nil, apperr.Invalid("a message carries a body or an image, not both")
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(sender) {
		return nil, apperr.NotFound("conversation not found")
	}

	msg, err := s.store.CreateMessage(ctx, conversationID, sender, body, image)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateConversationLastMessageAt(ctx, conversationID, msg.CreatedAt); err != nil {
		return nil, err
	}

	s.notifyMembers(ctx, conv, func(topics []string) {
		s.fanout.MessageNew(ctx, msg, conv, topics)
	})
	return msg, nil
}

// History loads the full ordered message log of a conversation for one of
// its members.
func (s *Service) History(ctx context.Context, requester, conversationID uuid.UUID) ([]*models.Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(requester) {
		return nil, apperr.NotFound("conversation not found")
	}
	return s.store.ListMessages(ctx, conversationID)
}

// MarkSeen records that the user has seen the newest message of the
// conversation. Idempotent: a receipt that already exists changes nothing
// and triggers no fan-out. Returns nil for an empty conversation.
func (s *Service) MarkSeen(ctx context.Context, userID, conversationID uuid.UUID) (*models.Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(userID) {
		return nil, apperr.NotFound("conversation not found")
	}

	latest, err := s.store.LatestMessage(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}
	if latest.SeenByUser(userID) {
		return latest, nil
	}

	msg, err := s.store.AddSeenReceipt(ctx, latest.ID, userID)
	if err != nil {
		return nil, err
	}

	s.fanout.MessageUpdate(ctx, msg, conv)
	return msg, nil
}
