package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/tribe-app/realtime/internal/realtime"
)

const (
	conversationDirect = "direct"
	conversationGroup  = "group"
)

type createConversationRequest struct {
	ConversationType string   `json:"conversation_type"`
	ParticipantIDs   []string `json:"participant_ids"`
}

type conversationResponse struct {
	ID               string   `json:"id"`
	ConversationType string   `json:"conversation_type"`
	IsGroup          bool     `json:"is_group"`
	ParticipantIDs   []string `json:"participant_ids"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type unreadResponse struct {
	UnreadCount int `json:"unread_count"`
}

func (r *createConversationRequest) validate() error {
	if r.ConversationType == "" {
		r.ConversationType = conversationDirect
	}
	if r.ConversationType != conversationDirect && r.ConversationType != conversationGroup {
		return errors.NotValidf("conversation type %q", r.ConversationType)
	}
	if len(r.ParticipantIDs) == 0 {
		return errors.NotValidf("empty participant_ids")
	}
	return nil
}

// createConversation adds the caller to the requested participants.
func (h *handlers) createConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, err := h.cfg.Verifier.VerifyToken(ctx, realtime.BearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Debugf("decoding conversation body: %v", err)
		writeError(w, errors.NotValidf("request body"))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	participants := set.NewStrings(req.ParticipantIDs...)
	participants.Add(identity.UserID)
	isGroup := req.ConversationType == conversationGroup
	ids := participants.SortedValues()
	id, err := h.cfg.Conversations.CreateConversation(ctx, isGroup, ids...)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Debugf("user %q created conversation %q with %d participants", identity.UserID, id, len(ids))
	writeJSON(w, http.StatusCreated, conversationResponse{
		ID:               id,
		ConversationType: req.ConversationType,
		IsGroup:          isGroup,
		ParticipantIDs:   ids,
	})
}

func (h *handlers) markRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, err := h.cfg.Verifier.VerifyToken(ctx, realtime.BearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.cfg.Conversations.MarkRead(ctx, identity.UserID, mux.Vars(r)["conversation_id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Conversation marked as read"})
}

// leave ends the caller's participation. Sockets already subscribed keep
// receiving events until they unsubscribe or reconnect; only new
// subscriptions see the change.
func (h *handlers) leave(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, err := h.cfg.Verifier.VerifyToken(ctx, realtime.BearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.cfg.Conversations.LeaveConversation(ctx, identity.UserID, mux.Vars(r)["conversation_id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Left conversation"})
}

func (h *handlers) unread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, err := h.cfg.Verifier.VerifyToken(ctx, realtime.BearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := h.cfg.Conversations.UnreadCount(ctx, identity.UserID, mux.Vars(r)["conversation_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{UnreadCount: n})
}
