package realtime

import (
	"github.com/juju/errors"

	"github.com/tribe-app/realtime/internal/store"
	"github.com/tribe-app/realtime/internal/wire"
)

// MessageData renders a persisted message the way clients see it.
func MessageData(rec store.MessageRecord) wire.Message {
	return wire.Message{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		Sender: wire.Sender{
			ID:              rec.Sender.ID,
			Username:        rec.Sender.Username,
			FullName:        rec.Sender.FullName,
			ProfileImageURL: rec.Sender.ProfileImageURL,
		},
		Content:     rec.Content,
		MessageType: rec.MessageType,
		CreatedAt:   rec.CreatedAt,
	}
}

// OnMessagePersisted announces a durably stored message to the subscribers
// of its conversation. excludeConnectionID names the socket of the author,
// which already has the message; it may be empty or no longer live.
func (m *Manager) OnMessagePersisted(rec store.MessageRecord, excludeConnectionID string) (Report, error) {
	report, err := m.broadcaster.Broadcast(rec.ConversationID, wire.MessageNew(MessageData(rec)), excludeConnectionID)
	if err != nil {
		return Report{}, errors.Annotatef(err, "announcing message %q", rec.ID)
	}
	logger.Tracef("message %q delivered to %d connections", rec.ID, report.Delivered)
	return report, nil
}
