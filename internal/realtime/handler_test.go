package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock/testclock"
	"github.com/juju/collections/set"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4"
	gc "gopkg.in/check.v1"

	"github.com/tribe-app/realtime/internal/auth"
	"github.com/tribe-app/realtime/internal/registry"
	"github.com/tribe-app/realtime/internal/store"
	"github.com/tribe-app/realtime/internal/wire"
)

type handlerSuite struct {
	testing.IsolationSuite

	clock    *testclock.Clock
	registry *registry.Registry
	manager  *Manager
	server   *httptest.Server
	opts     Options
}

var _ = gc.Suite(&handlerSuite{})

func (s *handlerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	s.opts = DefaultOptions()
	// Only the idle timer may run on the test clock.
	s.opts.PingPeriod = 0
	s.opts.IdleTimeout = 0
	s.opts.InboundRate = 0
}

func (s *handlerSuite) TearDownTest(c *gc.C) {
	if s.manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), longWait)
		c.Check(s.manager.Shutdown(ctx), jc.ErrorIsNil)
		cancel()
	}
	if s.server != nil {
		s.server.Close()
	}
	if s.registry != nil {
		c.Check(worker.Stop(s.registry), jc.ErrorIsNil)
	}
	s.manager, s.server, s.registry = nil, nil, nil
	s.IsolationSuite.TearDownTest(c)
}

func (s *handlerSuite) start(c *gc.C) {
	s.registry = registry.New(s.clock)
	m, err := NewManager(Config{
		Registry: s.registry,
		Verifier: fakeVerifier{
			"tok-u1": {UserID: "u1", Username: "ada", DisplayName: "Ada Lovelace"},
			"tok-u2": {UserID: "u2", Username: "bob", DisplayName: "bob"},
			"tok-u3": {UserID: "u3", Username: "eve", DisplayName: "eve"},
		},
		Oracle:  fakeOracle{"c1": set.NewStrings("u1", "u2")},
		Clock:   s.clock,
		Options: s.opts,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.manager = m
	s.server = httptest.NewServer(m)
}

type testClient struct {
	c    *gc.C
	conn *websocket.Conn
	id   string
}

func (s *handlerSuite) dial(c *gc.C, token string) *testClient {
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	c.Assert(err, jc.ErrorIsNil)
	client := &testClient{c: c, conn: conn}
	s.AddCleanup(func(*gc.C) { _ = conn.Close() })

	connected := client.next()
	c.Assert(connected.Event, gc.Equals, wire.EventConnected)
	c.Assert(connected.Message, gc.Equals, "WebSocket connection established")
	c.Assert(connected.ConnectionID, gc.Not(gc.Equals), "")
	client.id = connected.ConnectionID
	return client
}

func (t *testClient) send(frame string) {
	t.c.Assert(t.conn.WriteMessage(websocket.TextMessage, []byte(frame)), jc.ErrorIsNil)
}

func (t *testClient) next() testFrame {
	t.c.Assert(t.conn.SetReadDeadline(time.Now().Add(longWait)), jc.ErrorIsNil)
	_, data, err := t.conn.ReadMessage()
	t.c.Assert(err, jc.ErrorIsNil)
	return decodeFrame(t.c, data)
}

func (t *testClient) subscribe(conversationID string) {
	t.send(`{"event":"subscribe","channel":"conversation","conversation_id":"` + conversationID + `"}`)
	f := t.next()
	t.c.Assert(f.Event, gc.Equals, wire.EventSubscribed)
	t.c.Assert(f.ConversationID, gc.Equals, conversationID)
}

// assertQuiet round-trips a reply through the outbound queue, proving
// nothing else was queued for this connection.
func (t *testClient) assertQuiet() {
	t.send(`{"event":"unsubscribe","conversation_id":"quiet"}`)
	f := t.next()
	t.c.Assert(f.Event, gc.Equals, wire.EventUnsubscribed)
	t.c.Assert(f.ConversationID, gc.Equals, "quiet")
}

func (t *testClient) ping() {
	t.send(`{"event":"ping"}`)
	t.c.Assert(t.next().Event, gc.Equals, wire.EventPong)
}

func (s *handlerSuite) waitForConnections(c *gc.C, n int) {
	deadline := time.Now().Add(longWait)
	for s.registry.Stats().Connections != n {
		if time.Now().After(deadline) {
			c.Fatalf("still %d connections, want %d", s.registry.Stats().Connections, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *handlerSuite) waitForAtLeast(c *gc.C, n int) {
	deadline := time.Now().Add(longWait)
	for s.registry.Stats().Connections < n {
		if time.Now().After(deadline) {
			c.Fatalf("still %d connections, want at least %d", s.registry.Stats().Connections, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *handlerSuite) persisted(id, content string) store.MessageRecord {
	return store.MessageRecord{
		ID:             id,
		ConversationID: "c1",
		Sender:         store.User{ID: "u1", Username: "ada"},
		Content:        content,
		MessageType:    "text",
		CreatedAt:      s.clock.Now(),
	}
}

func (s *handlerSuite) TestHandshakeRequiresToken(c *gc.C) {
	s.start(c)

	for _, token := range []string{"", "bogus"} {
		url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "?token=" + token
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		c.Assert(err, gc.Equals, websocket.ErrBadHandshake)
		c.Assert(resp.StatusCode, gc.Equals, http.StatusUnauthorized)
	}
	c.Assert(s.registry.Stats().Connections, gc.Equals, 0)
}

func (s *handlerSuite) TestHandshakeBearerHeader(c *gc.C) {
	s.start(c)

	url := "ws" + strings.TrimPrefix(s.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer tok-u2"}})
	c.Assert(err, jc.ErrorIsNil)
	defer conn.Close()
	s.waitForConnections(c, 1)
}

func (s *handlerSuite) TestConnectedIsFirstFrame(c *gc.C) {
	s.start(c)
	a := s.dial(c, "tok-u1")

	since, err := s.registry.ConnectedSince(a.id)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(since, gc.Equals, s.clock.Now())
}

func (s *handlerSuite) TestConnectedPrecedesPipelinedPing(c *gc.C) {
	s.start(c)
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "?token=tok-u1"

	for i := 0; i < 200; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		c.Assert(err, jc.ErrorIsNil)
		client := &testClient{c: c, conn: conn}
		client.send(`{"event":"ping"}`)

		f := client.next()
		if f.Event != wire.EventConnected {
			conn.Close()
			c.Fatalf("handshake %d: first frame was %q", i, f.Event)
		}
		c.Assert(client.next().Event, gc.Equals, wire.EventPong)
		conn.Close()
	}
}

func (s *handlerSuite) TestMessageExcludesAuthor(c *gc.C) {
	s.start(c)
	a := s.dial(c, "tok-u1")
	b := s.dial(c, "tok-u2")
	a.subscribe("c1")
	b.subscribe("c1")

	report, err := s.manager.OnMessagePersisted(s.persisted("m1", "hi"), a.id)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(report, gc.Equals, Report{Delivered: 1})

	f := b.next()
	c.Assert(f.Event, gc.Equals, wire.EventMessageNew)
	var msg wire.Message
	c.Assert(json.Unmarshal(f.Data, &msg), jc.ErrorIsNil)
	c.Assert(msg.ID, gc.Equals, "m1")
	c.Assert(msg.Content, gc.Equals, "hi")
	c.Assert(msg.Sender.Username, gc.Equals, "ada")
	a.assertQuiet()
}

func (s *handlerSuite) TestTypingExcludesSender(c *gc.C) {
	s.start(c)
	a := s.dial(c, "tok-u1")
	b := s.dial(c, "tok-u2")
	a.subscribe("c1")
	b.subscribe("c1")

	b.send(`{"event":"typing","conversation_id":"c1","is_typing":true}`)
	f := a.next()
	c.Assert(f.Event, gc.Equals, wire.EventTyping)
	var data wire.TypingData
	c.Assert(json.Unmarshal(f.Data, &data), jc.ErrorIsNil)
	c.Assert(data, jc.DeepEquals, wire.TypingData{UserID: "u2", UserName: "bob", IsTyping: true})
	b.assertQuiet()
}

func (s *handlerSuite) TestDisconnectShrinksTargets(c *gc.C) {
	s.start(c)
	a := s.dial(c, "tok-u1")
	b := s.dial(c, "tok-u2")
	a.subscribe("c1")
	b.subscribe("c1")

	c.Assert(a.conn.UnderlyingConn().Close(), jc.ErrorIsNil)
	s.waitForConnections(c, 1)

	report, err := s.manager.OnMessagePersisted(s.persisted("m1", "still here"), "")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(report, gc.Equals, Report{Delivered: 1})
	c.Assert(b.next().Event, gc.Equals, wire.EventMessageNew)
	c.Assert(s.registry.ConnectionsFor("c1").SortedValues(), jc.DeepEquals, []string{b.id})
}

func (s *handlerSuite) TestTypingClearedOnDisconnect(c *gc.C) {
	s.start(c)
	a := s.dial(c, "tok-u1")
	b := s.dial(c, "tok-u2")
	a.subscribe("c1")
	b.subscribe("c1")

	a.send(`{"event":"typing","conversation_id":"c1","is_typing":true}`)
	c.Assert(b.next().Event, gc.Equals, wire.EventTyping)

	c.Assert(a.conn.Close(), jc.ErrorIsNil)
	f := b.next()
	c.Assert(f.Event, gc.Equals, wire.EventTyping)
	var data wire.TypingData
	c.Assert(json.Unmarshal(f.Data, &data), jc.ErrorIsNil)
	c.Assert(data, jc.DeepEquals, wire.TypingData{UserID: "u1", UserName: "Ada Lovelace", IsTyping: false})
}

func (s *handlerSuite) TestUnknownEventKeepsConnection(c *gc.C) {
	s.start(c)
	a := s.dial(c, "tok-u1")

	a.send(`{"event":"bogus"}`)
	f := a.next()
	c.Assert(f.Event, gc.Equals, wire.EventError)
	c.Assert(f.OriginalEvent, gc.Equals, "bogus")
	a.ping()

	a.send(`not json`)
	c.Assert(a.next().Event, gc.Equals, wire.EventError)
	a.assertQuiet()
}

func (s *handlerSuite) TestSubscribeNotParticipant(c *gc.C) {
	s.start(c)
	eve := s.dial(c, "tok-u3")

	eve.send(`{"event":"subscribe","conversation_id":"c1"}`)
	f := eve.next()
	c.Assert(f.Event, gc.Equals, wire.EventError)
	c.Assert(f.Message, gc.Equals, `not a participant of conversation "c1"`)
	c.Assert(s.registry.ConnectionsFor("c1").IsEmpty(), jc.IsTrue)
}

func (s *handlerSuite) TestUnsubscribeStopsDelivery(c *gc.C) {
	s.start(c)
	a := s.dial(c, "tok-u1")
	b := s.dial(c, "tok-u2")
	a.subscribe("c1")
	b.subscribe("c1")

	b.send(`{"event":"unsubscribe","conversation_id":"c1"}`)
	c.Assert(b.next().Event, gc.Equals, wire.EventUnsubscribed)

	report, err := s.manager.OnMessagePersisted(s.persisted("m1", "hi"), a.id)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(report, gc.Equals, Report{})
	b.assertQuiet()
}

func (s *handlerSuite) TestPresence(c *gc.C) {
	s.start(c)
	a := s.dial(c, "tok-u1")
	b := s.dial(c, "tok-u2")
	a.subscribe("c1")
	b.subscribe("c1")

	a.send(`{"event":"presence"}`)
	f := b.next()
	c.Assert(f.Event, gc.Equals, wire.EventPresence)
	c.Assert(f.ConversationID, gc.Equals, "c1")
	var data wire.PresenceData
	c.Assert(json.Unmarshal(f.Data, &data), jc.ErrorIsNil)
	c.Assert(data, jc.DeepEquals, wire.PresenceData{UserID: "u1", Status: wire.DefaultPresenceStatus})
	a.assertQuiet()
}

func (s *handlerSuite) TestPongDuringBroadcastFlood(c *gc.C) {
	s.start(c)
	a := s.dial(c, "tok-u1")
	b := s.dial(c, "tok-u2")
	a.subscribe("c1")
	b.subscribe("c1")

	const flood = 50
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < flood; i++ {
			_, _ = s.manager.OnMessagePersisted(s.persisted("m", "spam"), b.id)
		}
	}()
	a.send(`{"event":"ping"}`)

	var pongs, messages int
	for pongs == 0 || messages < flood {
		switch f := a.next(); f.Event {
		case wire.EventPong:
			pongs++
		case wire.EventMessageNew:
			messages++
		default:
			c.Fatalf("unexpected %q frame", f.Event)
		}
	}
	<-done
	c.Assert(pongs, gc.Equals, 1)
}

func (s *handlerSuite) TestRateLimit(c *gc.C) {
	s.opts.InboundRate = 0.01
	s.opts.InboundBurst = 1
	s.start(c)
	a := s.dial(c, "tok-u1")

	a.send(`{"event":"presence"}`)
	a.send(`{"event":"presence"}`)
	f := a.next()
	c.Assert(f.Event, gc.Equals, wire.EventError)
	c.Assert(f.Message, gc.Equals, "rate limit exceeded")
	c.Assert(f.OriginalEvent, gc.Equals, wire.EventPresence)
	a.ping()
}

func (s *handlerSuite) TestIdleTimeout(c *gc.C) {
	s.opts.IdleTimeout = time.Minute
	s.start(c)
	a := s.dial(c, "tok-u1")

	c.Assert(s.clock.WaitAdvance(time.Minute, longWait, 1), jc.ErrorIsNil)

	c.Assert(a.conn.SetReadDeadline(time.Now().Add(longWait)), jc.ErrorIsNil)
	_, _, err := a.conn.ReadMessage()
	c.Assert(websocket.IsCloseError(err, websocket.CloseNormalClosure), jc.IsTrue)
	s.waitForConnections(c, 0)
}

func (s *handlerSuite) TestShutdownClosesConnections(c *gc.C) {
	s.start(c)
	a := s.dial(c, "tok-u1")
	s.dial(c, "tok-u2")

	ctx, cancel := context.WithTimeout(context.Background(), longWait)
	defer cancel()
	c.Assert(s.manager.Shutdown(ctx), jc.ErrorIsNil)
	c.Assert(s.registry.Stats().Connections, gc.Equals, 0)

	c.Assert(a.conn.SetReadDeadline(time.Now().Add(longWait)), jc.ErrorIsNil)
	_, _, err := a.conn.ReadMessage()
	c.Assert(err, gc.NotNil)
}

func (s *handlerSuite) TestShutdownRefusesHandshakes(c *gc.C) {
	s.start(c)
	ctx, cancel := context.WithTimeout(context.Background(), longWait)
	defer cancel()
	c.Assert(s.manager.Shutdown(ctx), jc.ErrorIsNil)

	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "?token=tok-u1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	c.Assert(err, gc.Equals, websocket.ErrBadHandshake)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusServiceUnavailable)
	c.Assert(s.registry.Stats().Connections, gc.Equals, 0)
}

func (s *handlerSuite) TestShutdownDuringHandshakes(c *gc.C) {
	s.start(c)
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "?token=tok-u1"

	const dialers = 4
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns []*websocket.Conn
	)
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()
	for i := 0; i < dialers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				conn, _, err := websocket.DefaultDialer.Dial(url, nil)
				if err != nil {
					return
				}
				mu.Lock()
				conns = append(conns, conn)
				mu.Unlock()
			}
		}()
	}
	s.waitForAtLeast(c, 1)

	ctx, cancel := context.WithTimeout(context.Background(), longWait)
	defer cancel()
	c.Assert(s.manager.Shutdown(ctx), jc.ErrorIsNil)
	wg.Wait()
	c.Assert(s.registry.Stats().Connections, gc.Equals, 0)
}

func (s *handlerSuite) TestBearerToken(c *gc.C) {
	tests := []struct {
		url    string
		header string
		want   string
	}{
		{url: "/ws?token=abc", want: "abc"},
		{url: "/ws", header: "Bearer xyz", want: "xyz"},
		{url: "/ws", header: "bearer  xyz ", want: "xyz"},
		{url: "/ws", header: "Basic xyz", want: ""},
		{url: "/ws", want: ""},
	}
	for i, test := range tests {
		c.Logf("test %d: %s %q", i, test.url, test.header)
		r := httptest.NewRequest(http.MethodGet, test.url, nil)
		if test.header != "" {
			r.Header.Set("Authorization", test.header)
		}
		c.Check(BearerToken(r), gc.Equals, test.want)
	}
}

func (s *handlerSuite) TestOriginCheck(c *gc.C) {
	s.opts.AllowedOrigins = []string{"https://app.tribe.test"}
	s.start(c)

	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "?token=tok-u1"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.test"}})
	c.Assert(err, gc.Equals, websocket.ErrBadHandshake)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusForbidden)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://app.tribe.test"}})
	c.Assert(err, jc.ErrorIsNil)
	conn.Close()
}

var _ Session = (*Client)(nil)
var _ auth.TokenVerifier = fakeVerifier(nil)
