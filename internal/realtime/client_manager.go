// Package realtime is the WebSocket messaging layer: it admits
// authenticated connections, routes their events and fans chat events out
// to conversation subscribers.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/tribe-app/realtime/internal/auth"
	"github.com/tribe-app/realtime/internal/registry"
	"github.com/tribe-app/realtime/internal/store"
)

var logger = loggo.GetLogger("tribe.realtime")

// Registry is the part of the connection registry the layer drives.
type Registry interface {
	Register(conn registry.Conn) (string, error)
	Unregister(id string) (registry.Removed, bool)
	Subscribe(id, conversationID string) error
	Unsubscribe(id, conversationID string) bool
	SetTyping(id, conversationID string, typing bool) error
	Subscriptions(id string) (set.Strings, error)
	Targets(conversationID, excludeID string) []registry.Conn
	UserTargets(userID, excludeID string) []registry.Conn
	All() []registry.Conn
	Stats() registry.Stats
}

// Options tune per-connection behaviour.
type Options struct {
	// IdleTimeout closes connections that neither sent nor received an
	// application frame for this long. Zero disables it.
	IdleTimeout time.Duration
	// WriteWait bounds a single socket write.
	WriteWait time.Duration
	// PongWait is how long the peer may stay silent, protocol pongs
	// included, before the read fails.
	PongWait time.Duration
	// PingPeriod is the protocol-level ping interval. Zero disables pings.
	PingPeriod time.Duration
	// MaxMessageSize is the largest inbound frame accepted.
	MaxMessageSize int64
	// SendQueueSize bounds the outbound queue of each connection.
	SendQueueSize int
	// ControlQueueSize bounds the heartbeat reply queue.
	ControlQueueSize int
	// InboundRate and InboundBurst limit non-heartbeat frames per
	// connection. A zero rate disables limiting.
	InboundRate  float64
	InboundBurst int
	// MembershipTimeout bounds a single membership check.
	MembershipTimeout time.Duration
	// AllowedOrigins restricts the Origin header of the handshake. Empty
	// allows every origin.
	AllowedOrigins []string
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	pongWait := 60 * time.Second
	return Options{
		IdleTimeout:       10 * time.Minute,
		WriteWait:         10 * time.Second,
		PongWait:          pongWait,
		PingPeriod:        (pongWait * 9) / 10,
		MaxMessageSize:    4096,
		SendQueueSize:     256,
		ControlQueueSize:  16,
		InboundRate:       20,
		InboundBurst:      40,
		MembershipTimeout: 5 * time.Second,
	}
}

// Validate returns an error if the options cannot be used.
func (o Options) Validate() error {
	if o.WriteWait <= 0 {
		return errors.NotValidf("write wait %v", o.WriteWait)
	}
	if o.PongWait < 0 || o.PingPeriod < 0 || o.IdleTimeout < 0 {
		return errors.NotValidf("negative timeout")
	}
	if o.PongWait > 0 && o.PingPeriod >= o.PongWait {
		return errors.NotValidf("ping period %v not below pong wait %v", o.PingPeriod, o.PongWait)
	}
	if o.MaxMessageSize <= 0 {
		return errors.NotValidf("max message size %d", o.MaxMessageSize)
	}
	if o.SendQueueSize < 1 || o.ControlQueueSize < 1 {
		return errors.NotValidf("queue sizes %d/%d", o.SendQueueSize, o.ControlQueueSize)
	}
	if o.InboundRate < 0 || (o.InboundRate > 0 && o.InboundBurst < 1) {
		return errors.NotValidf("inbound rate %v burst %d", o.InboundRate, o.InboundBurst)
	}
	if o.MembershipTimeout <= 0 {
		return errors.NotValidf("membership timeout %v", o.MembershipTimeout)
	}
	return nil
}

// Config holds the collaborators of a Manager.
type Config struct {
	Registry Registry
	Verifier auth.TokenVerifier
	Oracle   store.MembershipOracle
	Clock    clock.Clock
	Metrics  *Metrics
	Options  Options
}

// Validate returns an error if the config cannot be used.
func (cfg Config) Validate() error {
	if cfg.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if cfg.Verifier == nil {
		return errors.NotValidf("nil Verifier")
	}
	if cfg.Oracle == nil {
		return errors.NotValidf("nil Oracle")
	}
	if cfg.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return errors.Trace(cfg.Options.Validate())
}

// Manager ties the registry, the router and the broadcast engine to the
// WebSocket endpoint. It is an http.Handler.
type Manager struct {
	registry    Registry
	verifier    auth.TokenVerifier
	router      *Router
	broadcaster *Broadcaster
	clock       clock.Clock
	metrics     *Metrics
	opts        Options
	upgrader    websocket.Upgrader
	origins     set.Strings

	// mu guards closing and orders active.Add before Shutdown's Wait.
	mu      sync.Mutex
	closing bool
	// active counts connection handlers still running.
	active sync.WaitGroup
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(cfg.Registry.Stats)
	}
	broadcaster := NewBroadcaster(cfg.Registry, metrics)
	m := &Manager{
		registry:    cfg.Registry,
		verifier:    cfg.Verifier,
		broadcaster: broadcaster,
		router:      NewRouter(cfg.Registry, broadcaster, cfg.Oracle, cfg.Options.MembershipTimeout),
		clock:       cfg.Clock,
		metrics:     metrics,
		opts:        cfg.Options,
		origins:     set.NewStrings(cfg.Options.AllowedOrigins...),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     m.checkOrigin,
	}
	return m, nil
}

// Broadcaster returns the broadcast engine.
func (m *Manager) Broadcaster() *Broadcaster {
	return m.broadcaster
}

// Metrics returns the layer's prometheus collector.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// Stats returns a snapshot of the registry size.
func (m *Manager) Stats() registry.Stats {
	return m.registry.Stats()
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	if m.origins.IsEmpty() {
		return true
	}
	origin := r.Header.Get("Origin")
	if m.origins.Contains(origin) {
		return true
	}
	logger.Warningf("rejecting WebSocket origin %q", origin)
	return false
}

// release is the single teardown path of a connection.
func (m *Manager) release(c *Client) {
	removed, ok := m.registry.Unregister(c.ID())
	if !ok {
		return
	}
	m.metrics.connectionClosed()
	logger.Debugf("connection %q of user %q released (%d subscriptions)",
		removed.ConnectionID, removed.UserID, len(removed.Subscriptions))

	for _, conversationID := range removed.Typing {
		m.router.stopTyping(c.ID(), c.Identity(), conversationID)
	}
}

// enter counts a new connection handler in, unless Shutdown has begun.
func (m *Manager) enter() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	m.active.Add(1)
	return true
}

func (m *Manager) isClosing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}

// Shutdown refuses new handshakes, closes every live connection and waits
// for their handlers to finish, or for ctx to expire. A handshake that
// registers after the snapshot below sees the closing flag and closes
// itself.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	conns := m.registry.All()
	logger.Infof("closing %d connections", len(conns))
	for _, conn := range conns {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		m.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Annotate(ctx.Err(), "waiting for connections to close")
	}
}
