package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// PresenceTopic is the single well-known channel carrying presence
// membership events for every connected client.
const PresenceTopic = "presence-messenger"

type User struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Topic returns the user's personal topic name. Personal events
// (conversation:new, conversation:remove, message:new echoes) are addressed
// to the user's email.
func (u User) Topic() string { return u.Email }

type Conversation struct {
	ID            uuid.UUID   `json:"id"`
	Name          string      `json:"name,omitempty"`
	IsGroup       bool        `json:"is_group"`
	UserIDs       []uuid.UUID `json:"user_ids"`
	CreatedAt     time.Time   `json:"created_at"`
	LastMessageAt time.Time   `json:"last_message_at"`
}

// Topic returns the conversation's broadcast topic name.
func (c Conversation) Topic() string { return c.ID.String() }

// HasMember reports whether id belongs to the conversation.
func (c Conversation) HasMember(id uuid.UUID) bool {
	return lo.Contains(c.UserIDs, id)
}

// SameMembers compares member sets order-independently.
func (c Conversation) SameMembers(ids []uuid.UUID) bool {
	if len(c.UserIDs) != len(ids) {
		return false
	}
	missing, extra := lo.Difference(c.UserIDs, ids)
	return len(missing) == 0 && len(extra) == 0
}

type Message struct {
	ID             uuid.UUID   `json:"id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	SenderID       uuid.UUID   `json:"sender_id"`
	Body           string      `json:"body,omitempty"`
	Image          string      `json:"image,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	SeenBy         []uuid.UUID `json:"seen_by"`
}

// SeenByUser reports whether id has already marked the message seen.
func (m Message) SeenByUser(id uuid.UUID) bool {
	return lo.Contains(m.SeenBy, id)
}
