package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"

	"github.com/tribe-app/realtime/internal/auth"
	"github.com/tribe-app/realtime/internal/registry"
	"github.com/tribe-app/realtime/internal/store"
	"github.com/tribe-app/realtime/internal/wire"
)

// ErrRateLimited marks frames dropped by the per-connection limiter.
const ErrRateLimited = errors.ConstError("rate limit exceeded")

const internalErrorMessage = "internal server error"

// Session is the connection a frame arrived on, as seen by the router.
type Session interface {
	ID() string
	Identity() auth.Identity
	// Reply queues an event for this connection only.
	Reply(event wire.Outbound)
	// Pong answers a heartbeat on the priority path.
	Pong()
}

// Router validates decoded inbound events and applies their effects.
type Router struct {
	registry          Registry
	broadcaster       *Broadcaster
	oracle            store.MembershipOracle
	membershipTimeout time.Duration
}

// NewRouter returns a Router.
func NewRouter(reg Registry, b *Broadcaster, oracle store.MembershipOracle, membershipTimeout time.Duration) *Router {
	return &Router{
		registry:          reg,
		broadcaster:       b,
		oracle:            oracle,
		membershipTimeout: membershipTimeout,
	}
}

// Handle processes one inbound frame. decodeErr is the error returned by
// wire.Decode, or any error that caused the frame to be rejected before
// routing; such frames only produce an error event for the sender.
func (r *Router) Handle(ctx context.Context, s Session, in wire.Inbound, decodeErr error) {
	if decodeErr != nil {
		r.reject(s, in, decodeErr)
		return
	}
	switch in.Event {
	case wire.EventPing:
		s.Pong()
	case wire.EventSubscribe:
		r.subscribe(ctx, s, in)
	case wire.EventUnsubscribe:
		r.unsubscribe(s, in)
	case wire.EventTyping:
		r.typing(s, in)
	case wire.EventPresence:
		r.presence(s, in)
	default:
		r.reject(s, in, errors.Annotatef(wire.ErrUnknownEvent, "%q", in.Event))
	}
}

func (r *Router) reject(s Session, in wire.Inbound, err error) {
	var message string
	switch {
	case errors.Is(err, wire.ErrUnknownEvent):
		message = fmt.Sprintf("unknown event %q", in.Event)
	case errors.Is(err, wire.ErrMalformedFrame), errors.Is(err, ErrRateLimited):
		message = err.Error()
	default:
		logger.Errorf("connection %q: %v", s.ID(), err)
		message = internalErrorMessage
	}
	s.Reply(wire.Error(message, in.Event))
}

func (r *Router) subscribe(ctx context.Context, s Session, in wire.Inbound) {
	conversationID := in.ConversationID
	userID := s.Identity().UserID

	ctx, cancel := context.WithTimeout(ctx, r.membershipTimeout)
	defer cancel()
	ok, err := r.oracle.IsParticipant(ctx, userID, conversationID)
	if errors.IsNotFound(err) {
		ok, err = false, nil
	}
	if err != nil {
		logger.Errorf("checking membership of %q in %q: %v", userID, conversationID, err)
		s.Reply(wire.Error(internalErrorMessage, in.Event))
		return
	}
	if !ok {
		s.Reply(wire.Error(fmt.Sprintf("not a participant of conversation %q", conversationID), in.Event))
		return
	}

	if err := r.registry.Subscribe(s.ID(), conversationID); errors.Is(err, registry.ErrNotRegistered) {
		logger.Debugf("subscribe raced with teardown: %v", err)
		return
	} else if err != nil {
		logger.Errorf("subscribing %q to %q: %v", s.ID(), conversationID, err)
		s.Reply(wire.Error(internalErrorMessage, in.Event))
		return
	}
	s.Reply(wire.Subscribed(conversationID))
}

func (r *Router) unsubscribe(s Session, in wire.Inbound) {
	if r.registry.Unsubscribe(s.ID(), in.ConversationID) {
		r.stopTyping(s.ID(), s.Identity(), in.ConversationID)
	}
	s.Reply(wire.Unsubscribed(in.ConversationID))
}

// stopTyping tells the remaining subscribers of conversationID that the
// user stopped typing there.
func (r *Router) stopTyping(id string, identity auth.Identity, conversationID string) {
	event := wire.Typing(conversationID, wire.TypingData{
		UserID:   identity.UserID,
		UserName: identity.DisplayName,
		IsTyping: false,
	})
	if _, err := r.broadcaster.Broadcast(conversationID, event, id); err != nil {
		logger.Errorf("broadcasting typing in %q: %v", conversationID, err)
	}
}

// typing trusts the sender: membership was checked when it subscribed and
// is not re-checked per keystroke.
func (r *Router) typing(s Session, in wire.Inbound) {
	if err := r.registry.SetTyping(s.ID(), in.ConversationID, in.Typing()); err != nil {
		logger.Debugf("typing on released connection: %v", err)
		return
	}
	identity := s.Identity()
	event := wire.Typing(in.ConversationID, wire.TypingData{
		UserID:   identity.UserID,
		UserName: identity.DisplayName,
		IsTyping: in.Typing(),
	})
	if _, err := r.broadcaster.Broadcast(in.ConversationID, event, s.ID()); err != nil {
		logger.Errorf("broadcasting typing in %q: %v", in.ConversationID, err)
	}
}

// presence relays the status to every conversation the connection follows
// and to the user's other connections.
func (r *Router) presence(s Session, in wire.Inbound) {
	subs, err := r.registry.Subscriptions(s.ID())
	if err != nil {
		logger.Debugf("presence on released connection: %v", err)
		return
	}
	userID := s.Identity().UserID
	data := wire.PresenceData{UserID: userID, Status: in.Status}
	for _, conversationID := range subs.SortedValues() {
		event := wire.Presence(conversationID, data)
		if _, err := r.broadcaster.Broadcast(conversationID, event, s.ID()); err != nil {
			logger.Errorf("broadcasting presence in %q: %v", conversationID, err)
		}
	}
	// The user's other devices follow their own status too.
	if _, err := r.broadcaster.SendToUser(userID, wire.Presence("", data), s.ID()); err != nil {
		logger.Errorf("sending presence to %q: %v", userID, err)
	}
}
