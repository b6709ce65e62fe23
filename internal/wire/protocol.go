// Package wire defines the JSON frames exchanged over the real-time
// WebSocket channel.
package wire

import (
	"encoding/json"
	"strings"

	"github.com/juju/errors"
)

// Inbound event tags.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventTyping      = "typing"
	EventPresence    = "presence"
	EventPing        = "ping"
)

// Outbound event tags. Typing and presence share their tag with the
// inbound variant.
const (
	EventConnected    = "connected"
	EventMessageNew   = "message.new"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventPong         = "pong"
	EventError        = "error"
)

// ChannelConversation is the only subscription channel currently served.
const ChannelConversation = "conversation"

// DefaultPresenceStatus is used when a presence frame omits its status.
const DefaultPresenceStatus = "online"

const (
	// ErrMalformedFrame is returned for frames that cannot be decoded or
	// lack a required field.
	ErrMalformedFrame = errors.ConstError("malformed frame")

	// ErrUnknownEvent is returned for well formed frames carrying an
	// event tag the server does not handle.
	ErrUnknownEvent = errors.ConstError("unknown event")
)

// Inbound is a decoded client frame.
type Inbound struct {
	Event          string `json:"event"`
	Channel        string `json:"channel,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	IsTyping       *bool  `json:"is_typing,omitempty"`
	Status         string `json:"status,omitempty"`
}

// Typing reports the typing flag, false when absent.
func (in Inbound) Typing() bool {
	return in.IsTyping != nil && *in.IsTyping
}

// Decode parses and validates a client frame. When the frame is valid JSON
// the returned Inbound carries the event tag even if validation fails, so
// the caller can echo it back in an error event.
func Decode(frame []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		return Inbound{}, errors.Annotate(ErrMalformedFrame, "invalid JSON")
	}
	in.Event = strings.TrimSpace(in.Event)
	if in.Event == "" {
		return in, errors.Annotate(ErrMalformedFrame, "missing event")
	}

	switch in.Event {
	case EventSubscribe:
		if in.Channel != "" && in.Channel != ChannelConversation {
			return in, errors.Annotatef(ErrMalformedFrame, "unsupported channel %q", in.Channel)
		}
		in.Channel = ChannelConversation
		if in.ConversationID == "" {
			return in, errors.Annotate(ErrMalformedFrame, "missing conversation_id")
		}
	case EventUnsubscribe:
		if in.ConversationID == "" {
			return in, errors.Annotate(ErrMalformedFrame, "missing conversation_id")
		}
	case EventTyping:
		if in.ConversationID == "" {
			return in, errors.Annotate(ErrMalformedFrame, "missing conversation_id")
		}
		if in.IsTyping == nil {
			return in, errors.Annotate(ErrMalformedFrame, "missing is_typing")
		}
	case EventPresence:
		if in.Status == "" {
			in.Status = DefaultPresenceStatus
		}
	case EventPing:
	default:
		return in, errors.Annotatef(ErrUnknownEvent, "%q", in.Event)
	}
	return in, nil
}
