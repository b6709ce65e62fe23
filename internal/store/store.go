// Package store holds the persistence collaborators of the real-time layer:
// conversation membership, message persistence and user lookup.
package store

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/juju/errors"
)

// MaxContentLength is the longest message body accepted, in characters.
const MaxContentLength = 5000

// User is the public snapshot of an account.
type User struct {
	ID              string
	Username        string
	FullName        *string
	ProfileImageURL *string
}

// DisplayName is the name shown in typing indicators.
func (u User) DisplayName() string {
	if u.FullName != nil && *u.FullName != "" {
		return *u.FullName
	}
	return u.Username
}

// MessageRecord is a durably persisted chat message.
type MessageRecord struct {
	ID             string
	ConversationID string
	Sender         User
	Content        string
	MessageType    string
	CreatedAt      time.Time
}

// NewMessage describes a message to persist.
type NewMessage struct {
	ConversationID string
	SenderID       string
	Content        string
	MessageType    string
}

var messageTypes = map[string]bool{
	"text":  true,
	"image": true,
	"video": true,
	"audio": true,
	"file":  true,
}

// Validate checks the message against the accepted content rules. An empty
// message type defaults to text.
func (m *NewMessage) Validate() error {
	if m.ConversationID == "" {
		return errors.NotValidf("empty conversation id")
	}
	if m.SenderID == "" {
		return errors.NotValidf("empty sender id")
	}
	if n := utf8.RuneCountInString(m.Content); n == 0 || n > MaxContentLength {
		return errors.NotValidf("content length %d", n)
	}
	if m.MessageType == "" {
		m.MessageType = "text"
	}
	if !messageTypes[m.MessageType] {
		return errors.NotValidf("message type %q", m.MessageType)
	}
	return nil
}

// MembershipOracle confirms conversation participation.
type MembershipOracle interface {
	// IsParticipant reports whether the user currently participates in the
	// conversation. It returns a NotFound error for unknown conversations.
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	PersistMessage(ctx context.Context, msg NewMessage) (MessageRecord, error)
}

// UserLookup resolves user snapshots.
type UserLookup interface {
	LookupUser(ctx context.Context, userID string) (User, error)
}

// ConversationStore manages conversations and their participants.
type ConversationStore interface {
	// CreateConversation inserts a conversation with the given
	// participants and returns its id.
	CreateConversation(ctx context.Context, isGroup bool, participants ...string) (string, error)
	// LeaveConversation marks the user as having left. It returns a
	// NotFound error unless the user is an active participant.
	LeaveConversation(ctx context.Context, userID, conversationID string) error
	// MarkRead resets the participant's unread counter.
	MarkRead(ctx context.Context, userID, conversationID string) error
	// UnreadCount returns the participant's unread counter.
	UnreadCount(ctx context.Context, userID, conversationID string) (int, error)
}
