package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"messenger/internal/apperr"
	"messenger/internal/models"
)

// Store is the durable record-keeper for conversations, messages and seen
// receipts. It owns no business logic beyond referential integrity; the
// resolver and message service sit on top of it.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ConversationSpec describes a conversation to create. For a direct
// conversation MemberIDs has exactly two entries.
type ConversationSpec struct {
	Name    string
	IsGroup bool
	Members []uuid.UUID
}

// orderPair returns the two ids in a stable order so the direct-pair
// uniqueness index is insensitive to who initiated the conversation.
func orderPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() > b.String() {
		return b, a
	}
	return a, b
}

// ErrDuplicatePair is returned when a concurrent CreateConversation won the
// race for the same direct pair.
var ErrDuplicatePair = errors.New("direct conversation for pair already exists")

func (s *Store) CreateConversation(ctx context.Context, spec ConversationSpec) (*models.Conversation, error) {
	conv := &models.Conversation{
		ID:            uuid.New(),
		Name:          spec.Name,
		IsGroup:       spec.IsGroup,
		UserIDs:       spec.Members,
		CreatedAt:     time.Now().UTC(),
		LastMessageAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Storage("begin create conversation", err)
	}
	defer tx.Rollback()

	var least, greatest any
	if !spec.IsGroup && len(spec.Members) == 2 {
		l, g := orderPair(spec.Members[0], spec.Members[1])
		least, greatest = l, g
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, name, is_group, least_member, greatest_member, created_at, last_message_at)
         VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $6)`,
		conv.ID, conv.Name, conv.IsGroup, least, greatest, conv.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicatePair
		}
		return nil, apperr.Storage("insert conversation", err)
	}

	for _, id := range spec.Members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id) VALUES ($1, $2)
             ON CONFLICT DO NOTHING`, conv.ID, id); err != nil {
			return nil, apperr.Storage("insert member", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Storage("commit create conversation", err)
	}
	return conv, nil
}

// FindConversationByMemberSet returns the direct conversation whose member
// set is exactly {a, b}, or nil when none exists.
func (s *Store) FindConversationByMemberSet(ctx context.Context, a, b uuid.UUID) (*models.Conversation, error) {
	l, g := orderPair(a, b)
	conv := &models.Conversation{}
	var name sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, is_group, created_at, last_message_at
         FROM conversations
         WHERE is_group = FALSE AND least_member = $1 AND greatest_member = $2
         ORDER BY created_at ASC
         LIMIT 1`, l, g).
		Scan(&conv.ID, &name, &conv.IsGroup, &conv.CreatedAt, &conv.LastMessageAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage("find conversation by pair", err)
	}
	conv.Name = name.String
	conv.UserIDs = []uuid.UUID{a, b}
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var name sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, is_group, created_at, last_message_at
         FROM conversations WHERE id = $1`, id).
		Scan(&conv.ID, &name, &conv.IsGroup, &conv.CreatedAt, &conv.LastMessageAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("conversation not found")
		}
		return nil, apperr.Storage("get conversation", err)
	}
	conv.Name = name.String

	members, err := s.memberIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.UserIDs = members
	return conv, nil
}

func (s *Store) memberIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, apperr.Storage("list members", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Storage("scan member", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) FindConversationsByMember(ctx context.Context, userID uuid.UUID) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.name, c.is_group, c.created_at, c.last_message_at
         FROM conversations c
         JOIN conversation_members m ON m.conversation_id = c.id
         WHERE m.user_id = $1
         ORDER BY c.last_message_at DESC`, userID)
	if err != nil {
		return nil, apperr.Storage("list conversations", err)
	}
	defer rows.Close()

	var convs []*models.Conversation
	for rows.Next() {
		conv := &models.Conversation{}
		var name sql.NullString
		if err := rows.Scan(&conv.ID, &name, &conv.IsGroup, &conv.CreatedAt, &conv.LastMessageAt); err != nil {
			return nil, apperr.Storage("scan conversation", err)
		}
		conv.Name = name.String
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list conversations", err)
	}

	for _, conv := range convs {
		members, err := s.memberIDs(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		conv.UserIDs = members
	}
	return convs, nil
}

// DeleteConversation removes the conversation, but only when the requester
// is a member. Returns the number of conversations removed (0 or 1).
func (s *Store) DeleteConversation(ctx context.Context, id, requesterID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations c
         USING conversation_members m
         WHERE c.id = $1 AND m.conversation_id = c.id AND m.user_id = $2`,
		id, requesterID)
	if err != nil {
		return 0, apperr.Storage("delete conversation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Storage("delete conversation", err)
	}
	return n, nil
}

func (s *Store) CreateMessage(ctx context.Context, conversationID, senderID uuid.UUID, body, image string) (*models.Message, error) {
	msg := &models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		Image:          image,
		CreatedAt:      time.Now().UTC(),
		SeenBy:         []uuid.UUID{},
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, body, image, created_at)
         VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Body, msg.Image, msg.CreatedAt)
	if err != nil {
		return nil, apperr.Storage("insert message", err)
	}
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id,
                COALESCE(m.body, ''), COALESCE(m.image, ''), m.created_at
         FROM messages m
         WHERE m.conversation_id = $1
         ORDER BY m.created_at ASC`, conversationID)
	if err != nil {
		return nil, apperr.Storage("list messages", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg := &models.Message{SeenBy: []uuid.UUID{}}
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID,
			&msg.Body, &msg.Image, &msg.CreatedAt); err != nil {
			return nil, apperr.Storage("scan message", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list messages", err)
	}

	for _, msg := range msgs {
		seen, err := s.seenBy(ctx, msg.ID)
		if err != nil {
			return nil, err
		}
		msg.SeenBy = seen
	}
	return msgs, nil
}

// LatestMessage returns the newest message of the conversation, or nil when
// the conversation is empty.
func (s *Store) LatestMessage(ctx context.Context, conversationID uuid.UUID) (*models.Message, error) {
	msg := &models.Message{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, sender_id, COALESCE(body, ''), COALESCE(image, ''), created_at
         FROM messages
         WHERE conversation_id = $1
         ORDER BY created_at DESC
         LIMIT 1`, conversationID).
		Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Body, &msg.Image, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage("latest message", err)
	}
	seen, err := s.seenBy(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	msg.SeenBy = seen
	return msg, nil
}

func (s *Store) seenBy(ctx context.Context, messageID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM message_seen WHERE message_id = $1 ORDER BY seen_at ASC`, messageID)
	if err != nil {
		return nil, apperr.Storage("list seen", err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Storage("scan seen", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddSeenReceipt marks the message seen by the user. Idempotent: marking a
// message seen twice is a no-op. Returns the message with its full SeenBy
// set.
func (s *Store) AddSeenReceipt(ctx context.Context, messageID, userID uuid.UUID) (*models.Message, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_seen (message_id, user_id) VALUES ($1, $2)
         ON CONFLICT DO NOTHING`, messageID, userID)
	if err != nil {
		return nil, apperr.Storage("insert seen receipt", err)
	}

	msg := &models.Message{}
	err = s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, sender_id, COALESCE(body, ''), COALESCE(image, ''), created_at
         FROM messages WHERE id = $1`, messageID).
		Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Body, &msg.Image, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("message not found")
		}
		return nil, apperr.Storage("get message", err)
	}
	seen, err := s.seenBy(ctx, messageID)
	if err != nil {
		return nil, err
	}
	msg.SeenBy = seen
	return msg, nil
}

func (s *Store) UpdateConversationLastMessageAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return apperr.Storage("update last_message_at", err)
	}
	return nil
}

// isUniqueViolation detects postgres error 23505 without importing pgconn
// into every caller.
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var c coder
	return errors.As(err, &c) && c.SQLState() == "23505"
}
