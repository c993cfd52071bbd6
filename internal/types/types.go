package types

import (
	"fmt"
	"time"
)

type IdentityKind string

const (
	KindUser     IdentityKind = "user"
	KindOperator IdentityKind = "operator"
)

// Identity is an authenticated participant in the marketplace chat.
type Identity struct {
	Id       int          `json:"id"`
	Kind     IdentityKind `json:"kind"`
	Username string       `json:"username,omitempty"`
}

// ConversationKey identifies a chat thread: the counterpart identity and
// the event listing the thread is scoped to. The derivation must match the
// server's partitioning exactly or entries silently duplicate.
type ConversationKey struct {
	UserId  int `json:"user_id"`
	EventId int `json:"event_id"`
}

func (k ConversationKey) String() string {
	return fmt.Sprintf("%d/%d", k.UserId, k.EventId)
}

// Conversation is a directory entry: the summary of one thread.
type Conversation struct {
	Key               ConversationKey `json:"key"`
	Username          string          `json:"username"`
	LastMessage       string          `json:"last_message"`
	LastMessageUserId int             `json:"last_message_user_id"`
	UpdatedAt         time.Time       `json:"updated_at"`
	UnreadCount       int             `json:"unread_count"`
}

type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateConfirmed DeliveryState = "confirmed"
	StateFailed    DeliveryState = "failed"
)

// Message is a single chat message. TempId is the client-generated
// correlation id for optimistic sends; the server echoes it back on the
// confirmed copy so the pending entry can be replaced in place.
type Message struct {
	SeqId       int           `json:"seq_id,omitempty"`
	TempId      string        `json:"temp_id,omitempty"`
	UserId      int           `json:"user_id"`
	RecipientId int           `json:"recipient_id"`
	EventId     int           `json:"event_id"`
	Content     string        `json:"content"`
	Timestamp   time.Time     `json:"timestamp"`
	State       DeliveryState `json:"state,omitempty"`
}

// Key returns the conversation key owning this message from the point of
// view of the local identity selfId.
func (m Message) Key(selfId int) ConversationKey {
	other := m.UserId
	if other == selfId {
		other = m.RecipientId
	}
	return ConversationKey{UserId: other, EventId: m.EventId}
}
