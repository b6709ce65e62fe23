package realtime

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/tribe-app/realtime/internal/wire"
)

// BearerToken extracts the credential of a request: the "token" query
// parameter, or an Authorization bearer header.
func BearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// ServeHTTP admits a WebSocket connection and serves it until it closes.
// Unauthenticated requests are refused with 401 before the upgrade.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := m.verifier.VerifyToken(r.Context(), BearerToken(r))
	if errors.IsUnauthorized(err) {
		logger.Debugf("refusing handshake from %s: %v", r.RemoteAddr, err)
		m.metrics.handshake("unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	} else if err != nil {
		logger.Errorf("verifying handshake token: %v", err)
		m.metrics.handshake("error")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if !m.enter() {
		m.metrics.handshake("shutting_down")
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	socket, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		logger.Debugf("upgrade failed: %v", err)
		m.metrics.handshake("upgrade_failed")
		m.active.Done()
		return
	}

	defer m.active.Done()

	client := newClient(uuid.NewString(), identity, socket, m)
	if _, err := m.registry.Register(client); err != nil {
		logger.Errorf("registering connection of %q: %v", identity.UserID, err)
		m.metrics.handshake("error")
		_ = socket.Close()
		return
	}
	m.metrics.handshake("accepted")
	logger.Debugf("connection %q opened by user %q", client.ID(), identity.UserID)
	if m.isClosing() {
		// Admitted after Shutdown took its snapshot.
		_ = client.Close()
	}

	// Broadcasts that reach the client from here on wait in its queue
	// until the greeting has been written.
	client.start(wire.Connected(client.ID()))
	if err := client.Wait(); err != nil {
		logger.Debugf("connection %q: %v", client.ID(), err)
	}
	m.release(client)
}
