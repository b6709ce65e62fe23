package realtime

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"

	"github.com/tribe-app/realtime/internal/auth"
	"github.com/tribe-app/realtime/internal/wire"
)

const (
	// ErrClosed is returned by Send once the connection is shutting down.
	ErrClosed = errors.ConstError("connection closed")
	// ErrQueueFull is returned by Send when the outbound queue is full.
	ErrQueueFull = errors.ConstError("send queue full")
)

type inboundFrame struct {
	in  wire.Inbound
	err error
}

// Client is one admitted WebSocket connection.
//
// The reader goroutine decodes frames and answers heartbeats; everything
// else goes to the dispatcher so events are handled in arrival order. Once
// the greeting is out, the writer is the only goroutine that writes to the
// socket.
type Client struct {
	tomb     tomb.Tomb
	id       string
	identity auth.Identity
	socket   *websocket.Conn
	router   *Router
	metrics  *Metrics
	clock    clock.Clock
	opts     Options
	limiter  *rate.Limiter

	send    chan []byte
	control chan []byte
	inbound chan inboundFrame

	// lastActive is the clock time, in nanoseconds, of the last
	// application frame read or written.
	lastActive atomic.Int64
}

func newClient(id string, identity auth.Identity, socket *websocket.Conn, m *Manager) *Client {
	c := &Client{
		id:       id,
		identity: identity,
		socket:   socket,
		router:   m.router,
		metrics:  m.metrics,
		clock:    m.clock,
		opts:     m.opts,
		send:     make(chan []byte, m.opts.SendQueueSize),
		control:  make(chan []byte, m.opts.ControlQueueSize),
		inbound:  make(chan inboundFrame, m.opts.SendQueueSize),
	}
	if m.opts.InboundRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(m.opts.InboundRate), m.opts.InboundBurst)
	}
	c.touch()
	return c
}

// ID implements registry.Conn.
func (c *Client) ID() string {
	return c.id
}

// UserID implements registry.Conn.
func (c *Client) UserID() string {
	return c.identity.UserID
}

// Identity returns the verified identity of the connection's user.
func (c *Client) Identity() auth.Identity {
	return c.identity
}

// Send enqueues an encoded frame without blocking.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.tomb.Dying():
		return errors.Annotatef(ErrClosed, "connection %q", c.id)
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errors.Annotatef(ErrQueueFull, "connection %q", c.id)
	}
}

// Close starts the teardown of the connection. It does not wait.
func (c *Client) Close() error {
	c.tomb.Kill(nil)
	return nil
}

// Reply implements Session. A client whose queue is full is closed.
func (c *Client) Reply(event wire.Outbound) {
	frame, err := event.Encode()
	if err != nil {
		logger.Errorf("connection %q: %v", c.id, err)
		return
	}
	err = c.Send(frame)
	if errors.Is(err, ErrQueueFull) {
		logger.Warningf("closing connection %q: %v", c.id, err)
		_ = c.Close()
	}
}

// Pong implements Session. A client that cannot take another heartbeat
// reply is closed, so it reconnects instead of waiting on a lost pong.
func (c *Client) Pong() {
	select {
	case c.control <- wire.PongFrame:
	default:
		logger.Warningf("closing connection %q: control queue full", c.id)
		_ = c.Close()
	}
}

// Wait blocks until every goroutine of the client has stopped.
func (c *Client) Wait() error {
	return c.tomb.Wait()
}

// start writes greeting, then starts the goroutines. Nothing else can
// reach the socket before the greeting, heartbeat replies included.
func (c *Client) start(greeting wire.Outbound) {
	frame, err := greeting.Encode()
	if err == nil {
		err = c.write(websocket.TextMessage, frame)
	}
	if err != nil {
		logger.Debugf("connection %q greeting: %v", c.id, err)
		c.tomb.Kill(nil)
	}
	c.touch()
	c.tomb.Go(c.readLoop)
	c.tomb.Go(c.dispatchLoop)
	c.tomb.Go(c.writeLoop)
}

func (c *Client) touch() {
	c.lastActive.Store(c.clock.Now().UnixNano())
}

func (c *Client) idleFor() time.Duration {
	return c.clock.Now().Sub(time.Unix(0, c.lastActive.Load()))
}

func (c *Client) extendReadDeadline() {
	if c.opts.PongWait > 0 {
		_ = c.socket.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	}
}

func (c *Client) readLoop() error {
	c.socket.SetReadLimit(c.opts.MaxMessageSize)
	c.extendReadDeadline()
	c.socket.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		_, frame, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugf("connection %q read: %v", c.id, err)
			}
			c.tomb.Kill(nil)
			return nil
		}
		c.extendReadDeadline()
		c.touch()

		in, err := wire.Decode(frame)
		c.metrics.frame(in.Event, err)
		if err == nil && in.Event == wire.EventPing {
			c.Pong()
			continue
		}
		if err == nil && c.limiter != nil && !c.limiter.Allow() {
			err = ErrRateLimited
		}

		select {
		case c.inbound <- inboundFrame{in: in, err: err}:
		case <-c.tomb.Dying():
			return nil
		}
	}
}

func (c *Client) dispatchLoop() error {
	ctx := c.tomb.Context(context.Background())
	for {
		select {
		case <-c.tomb.Dying():
			return nil
		case f := <-c.inbound:
			c.router.Handle(ctx, c, f.in, f.err)
		}
	}
}

func (c *Client) writeLoop() error {
	defer c.socket.Close()

	var pingC, idleC <-chan time.Time
	var ping, idle clock.Timer
	if c.opts.PingPeriod > 0 {
		ping = c.clock.NewTimer(c.opts.PingPeriod)
		defer ping.Stop()
		pingC = ping.Chan()
	}
	if c.opts.IdleTimeout > 0 {
		idle = c.clock.NewTimer(c.opts.IdleTimeout)
		defer idle.Stop()
		idleC = idle.Chan()
	}

	for {
		// Heartbeat replies jump the outbound queue.
		select {
		case frame := <-c.control:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return c.writeFailed(err)
			}
			continue
		default:
		}

		select {
		case <-c.tomb.Dying():
			c.writeClose(websocket.CloseNormalClosure, "")
			return nil
		case frame := <-c.control:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return c.writeFailed(err)
			}
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return c.writeFailed(err)
			}
			c.touch()
		case <-pingC:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return c.writeFailed(err)
			}
			ping.Reset(c.opts.PingPeriod)
		case <-idleC:
			if idleFor := c.idleFor(); idleFor < c.opts.IdleTimeout {
				idle.Reset(c.opts.IdleTimeout - idleFor)
				continue
			}
			logger.Debugf("closing connection %q after %v idle", c.id, c.opts.IdleTimeout)
			c.writeClose(websocket.CloseNormalClosure, "idle timeout")
			c.tomb.Kill(nil)
			return nil
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	_ = c.socket.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return c.socket.WriteMessage(messageType, data)
}

func (c *Client) writeClose(code int, text string) {
	_ = c.socket.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	_ = c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}

func (c *Client) writeFailed(err error) error {
	logger.Debugf("connection %q write: %v", c.id, err)
	c.tomb.Kill(nil)
	return nil
}
