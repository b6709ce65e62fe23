package wire

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
)

// Outbound is a server to client frame.
type Outbound struct {
	Event          string `json:"event"`
	Message        string `json:"message,omitempty"`
	ConnectionID   string `json:"connection_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	OriginalEvent  string `json:"original_event,omitempty"`
	Data           any    `json:"data,omitempty"`
}

// Encode renders the frame as JSON.
func (o Outbound) Encode() ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, errors.Annotatef(err, "encoding %q event", o.Event)
	}
	return data, nil
}

// Sender is the author snapshot embedded in a message.new event.
type Sender struct {
	ID              string  `json:"id"`
	Username        string  `json:"username"`
	FullName        *string `json:"full_name"`
	ProfileImageURL *string `json:"profile_image_url"`
}

// Message is the data of a message.new event.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         Sender    `json:"sender"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type"`
	CreatedAt      time.Time `json:"created_at"`
}

// TypingData is the data of a typing event.
type TypingData struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	IsTyping bool   `json:"is_typing"`
}

// PresenceData is the data of a presence event.
type PresenceData struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// Connected confirms an admitted connection.
func Connected(connectionID string) Outbound {
	return Outbound{
		Event:        EventConnected,
		Message:      "WebSocket connection established",
		ConnectionID: connectionID,
	}
}

// Subscribed acknowledges a subscription.
func Subscribed(conversationID string) Outbound {
	return Outbound{Event: EventSubscribed, ConversationID: conversationID}
}

// Unsubscribed acknowledges an unsubscribe.
func Unsubscribed(conversationID string) Outbound {
	return Outbound{Event: EventUnsubscribed, ConversationID: conversationID}
}

// Error reports a recoverable problem to the sender. original is the event
// tag of the offending frame, if known.
func Error(message, original string) Outbound {
	return Outbound{Event: EventError, Message: message, OriginalEvent: original}
}

// MessageNew announces a persisted chat message.
func MessageNew(msg Message) Outbound {
	return Outbound{Event: EventMessageNew, ConversationID: msg.ConversationID, Data: msg}
}

// Typing announces a typing indicator change.
func Typing(conversationID string, data TypingData) Outbound {
	return Outbound{Event: EventTyping, ConversationID: conversationID, Data: data}
}

// Presence announces a presence change within a conversation.
func Presence(conversationID string, data PresenceData) Outbound {
	return Outbound{Event: EventPresence, ConversationID: conversationID, Data: data}
}

// PongFrame is the pre-encoded heartbeat reply.
var PongFrame = []byte(`{"event":"pong"}`)
