// Package api exposes the HTTP surface of the server: the WebSocket
// endpoint, the conversation routes that feed it, and operational routes.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tribe-app/realtime/internal/auth"
	"github.com/tribe-app/realtime/internal/realtime"
	"github.com/tribe-app/realtime/internal/registry"
	"github.com/tribe-app/realtime/internal/store"
)

var logger = loggo.GetLogger("tribe.api")

// ConnectionIDHeader names the sender's own socket, which is left out of
// the message.new fan-out.
const ConnectionIDHeader = "X-Connection-ID"

// Notifier announces persisted messages to live connections.
type Notifier interface {
	OnMessagePersisted(rec store.MessageRecord, excludeConnectionID string) (realtime.Report, error)
}

// StatsSource reports the size of the connection registry.
type StatsSource interface {
	Stats() registry.Stats
}

// Config holds the collaborators of the router.
type Config struct {
	WebSocket     http.Handler
	Verifier      auth.TokenVerifier
	Oracle        store.MembershipOracle
	Messages      store.MessageStore
	Conversations store.ConversationStore
	Notifier      Notifier
	Stats         StatsSource
	Gatherer      prometheus.Gatherer
}

// Validate returns an error if the config cannot be used.
func (cfg Config) Validate() error {
	switch {
	case cfg.WebSocket == nil:
		return errors.NotValidf("nil WebSocket")
	case cfg.Verifier == nil:
		return errors.NotValidf("nil Verifier")
	case cfg.Oracle == nil:
		return errors.NotValidf("nil Oracle")
	case cfg.Messages == nil:
		return errors.NotValidf("nil Messages")
	case cfg.Conversations == nil:
		return errors.NotValidf("nil Conversations")
	case cfg.Notifier == nil:
		return errors.NotValidf("nil Notifier")
	case cfg.Stats == nil:
		return errors.NotValidf("nil Stats")
	case cfg.Gatherer == nil:
		return errors.NotValidf("nil Gatherer")
	}
	return nil
}

type handlers struct {
	cfg Config
}

// NewRouter returns the HTTP routes of the server.
func NewRouter(cfg Config) (*mux.Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	h := &handlers{cfg: cfg}

	r := mux.NewRouter()
	r.Use(logRequests)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Handle("/ws", cfg.WebSocket).Methods(http.MethodGet)
	v1.HandleFunc("/ws/stats", h.stats).Methods(http.MethodGet)
	v1.HandleFunc("/conversations", h.createConversation).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{conversation_id}/messages", h.sendMessage).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{conversation_id}/read", h.markRead).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{conversation_id}/leave", h.leave).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{conversation_id}/unread", h.unread).Methods(http.MethodGet)
	return r, nil
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Tracef("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.Stats.Stats())
}

type sendMessageRequest struct {
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}

func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, err := h.cfg.Verifier.VerifyToken(ctx, realtime.BearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Debugf("decoding message body: %v", err)
		writeError(w, errors.NotValidf("request body"))
		return
	}

	rec, err := h.persist(ctx, identity, mux.Vars(r)["conversation_id"], req)
	if err != nil {
		writeError(w, err)
		return
	}

	// The message is durable; a failed announcement does not fail the send.
	if _, err := h.cfg.Notifier.OnMessagePersisted(rec, r.Header.Get(ConnectionIDHeader)); err != nil {
		logger.Errorf("%v", err)
	}
	writeJSON(w, http.StatusCreated, realtime.MessageData(rec))
}

func (h *handlers) persist(ctx context.Context, identity auth.Identity, conversationID string, req sendMessageRequest) (store.MessageRecord, error) {
	ok, err := h.cfg.Oracle.IsParticipant(ctx, identity.UserID, conversationID)
	if err != nil {
		return store.MessageRecord{}, errors.Trace(err)
	}
	if !ok {
		return store.MessageRecord{}, errAccessDenied
	}
	rec, err := h.cfg.Messages.PersistMessage(ctx, store.NewMessage{
		ConversationID: conversationID,
		SenderID:       identity.UserID,
		Content:        req.Content,
		MessageType:    req.MessageType,
	})
	return rec, errors.Trace(err)
}
