// Package registry tracks every live real-time connection, the user that
// owns it and the conversations it is subscribed to.
//
// All state is owned by a single goroutine; every operation is a request
// handed to that goroutine, so readers always observe a connection either
// fully registered or fully gone.
package registry

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/tomb.v2"
)

var logger = loggo.GetLogger("tribe.realtime.registry")

// ErrNotRegistered is returned when an operation names a connection the
// registry does not know, typically because it raced with teardown.
const ErrNotRegistered = errors.ConstError("connection not registered")

// Conn is the handle the registry keeps for a live connection.
type Conn interface {
	// ID is the unique connection identifier.
	ID() string
	// UserID is the identity of the owning user.
	UserID() string
	// Send enqueues an encoded frame without blocking.
	Send(frame []byte) error
	// Close tears the connection down.
	Close() error
}

// Removed describes a connection that Unregister took out of the registry.
type Removed struct {
	ConnectionID  string
	UserID        string
	Subscriptions []string
	Typing        []string
}

// Stats summarises the registry contents.
type Stats struct {
	Connections   int `json:"connections"`
	Users         int `json:"users"`
	Conversations int `json:"conversations"`
	Subscriptions int `json:"subscriptions"`
}

type entry struct {
	conn          Conn
	createdAt     time.Time
	subscriptions set.Strings
	typing        set.Strings
}

type registration struct {
	conn  Conn
	reply chan error
}

type unregistration struct {
	id    string
	reply chan unregisterResult
}

type unregisterResult struct {
	removed Removed
	ok      bool
}

type request struct {
	fn   func()
	done chan struct{}
}

// Registry is the connection registry. It is a worker: Kill stops it and
// every subsequent operation fails with tomb.ErrDying or reports nothing.
type Registry struct {
	tomb  tomb.Tomb
	clock clock.Clock

	register   chan registration
	unregister chan unregistration
	requests   chan request

	// Owned by the loop goroutine.
	conns         map[string]*entry
	users         map[string]set.Strings
	conversations map[string]set.Strings
}

// New starts a registry.
func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.WallClock
	}
	r := &Registry{
		clock:         clk,
		register:      make(chan registration),
		unregister:    make(chan unregistration),
		requests:      make(chan request),
		conns:         make(map[string]*entry),
		users:         make(map[string]set.Strings),
		conversations: make(map[string]set.Strings),
	}
	r.tomb.Go(r.loop)
	return r
}

// Kill implements worker.Worker.
func (r *Registry) Kill() {
	r.tomb.Kill(nil)
}

// Wait implements worker.Worker.
func (r *Registry) Wait() error {
	return r.tomb.Wait()
}

func (r *Registry) loop() error {
	for {
		select {
		case <-r.tomb.Dying():
			logger.Debugf("registry stopping with %d connections", len(r.conns))
			return tomb.ErrDying

		case reg := <-r.register:
			reg.reply <- r.add(reg.conn)

		case unreg := <-r.unregister:
			removed, ok := r.remove(unreg.id)
			unreg.reply <- unregisterResult{removed: removed, ok: ok}

		case req := <-r.requests:
			req.fn()
			close(req.done)
		}
	}
}

// do runs fn on the loop goroutine and waits for it to finish.
func (r *Registry) do(fn func()) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case <-r.tomb.Dying():
		return tomb.ErrDying
	case r.requests <- req:
	}
	<-req.done
	return nil
}

// Register admits a connection and returns its id.
func (r *Registry) Register(conn Conn) (string, error) {
	reg := registration{conn: conn, reply: make(chan error, 1)}
	select {
	case <-r.tomb.Dying():
		return "", tomb.ErrDying
	case r.register <- reg:
	}
	if err := <-reg.reply; err != nil {
		return "", errors.Trace(err)
	}
	return conn.ID(), nil
}

// Unregister removes the connection and all of its subscriptions. It is
// idempotent: only the first call for an id reports ok.
func (r *Registry) Unregister(id string) (Removed, bool) {
	unreg := unregistration{id: id, reply: make(chan unregisterResult, 1)}
	select {
	case <-r.tomb.Dying():
		return Removed{}, false
	case r.unregister <- unreg:
	}
	res := <-unreg.reply
	return res.removed, res.ok
}

// Subscribe adds conversationID to the connection's subscriptions.
func (r *Registry) Subscribe(id, conversationID string) error {
	var err error
	if doErr := r.do(func() {
		e, ok := r.conns[id]
		if !ok {
			err = errors.Annotatef(ErrNotRegistered, "subscribing %q to %q", id, conversationID)
			return
		}
		e.subscriptions.Add(conversationID)
		addTo(r.conversations, conversationID, id)
	}); doErr != nil {
		return errors.Trace(doErr)
	}
	return err
}

// Unsubscribe removes conversationID from the connection's subscriptions,
// along with any typing flag for it. It reports whether a typing flag was
// cleared. Unknown connections and missing subscriptions are ignored.
func (r *Registry) Unsubscribe(id, conversationID string) bool {
	var wasTyping bool
	_ = r.do(func() {
		if e, ok := r.conns[id]; ok {
			e.subscriptions.Remove(conversationID)
			wasTyping = e.typing.Contains(conversationID)
			e.typing.Remove(conversationID)
		}
		removeFrom(r.conversations, conversationID, id)
	})
	return wasTyping
}

// SetTyping records whether the connection is typing in conversationID.
func (r *Registry) SetTyping(id, conversationID string, typing bool) error {
	var err error
	if doErr := r.do(func() {
		e, ok := r.conns[id]
		if !ok {
			err = errors.Annotatef(ErrNotRegistered, "typing on %q", id)
			return
		}
		if typing {
			e.typing.Add(conversationID)
		} else {
			e.typing.Remove(conversationID)
		}
	}); doErr != nil {
		return errors.Trace(doErr)
	}
	return err
}

// ConnectionsFor returns the ids of the connections subscribed to
// conversationID.
func (r *Registry) ConnectionsFor(conversationID string) set.Strings {
	ids := set.NewStrings()
	_ = r.do(func() {
		ids = copySet(r.conversations[conversationID])
	})
	return ids
}

// UserConnections returns the ids of the connections owned by userID.
func (r *Registry) UserConnections(userID string) set.Strings {
	ids := set.NewStrings()
	_ = r.do(func() {
		ids = copySet(r.users[userID])
	})
	return ids
}

// Subscriptions returns the conversations the connection is subscribed to.
func (r *Registry) Subscriptions(id string) (set.Strings, error) {
	var (
		subs set.Strings
		err  error
	)
	if doErr := r.do(func() {
		e, ok := r.conns[id]
		if !ok {
			err = errors.Annotatef(ErrNotRegistered, "subscriptions of %q", id)
			return
		}
		subs = copySet(e.subscriptions)
	}); doErr != nil {
		return nil, errors.Trace(doErr)
	}
	return subs, err
}

// Targets returns the live handles subscribed to conversationID, leaving
// out excludeID.
func (r *Registry) Targets(conversationID, excludeID string) []Conn {
	var targets []Conn
	_ = r.do(func() {
		for _, id := range r.conversations[conversationID].SortedValues() {
			if id == excludeID {
				continue
			}
			targets = append(targets, r.conns[id].conn)
		}
	})
	return targets
}

// UserTargets returns the live handles owned by userID, leaving out
// excludeID.
func (r *Registry) UserTargets(userID, excludeID string) []Conn {
	var targets []Conn
	_ = r.do(func() {
		for _, id := range r.users[userID].SortedValues() {
			if id == excludeID {
				continue
			}
			targets = append(targets, r.conns[id].conn)
		}
	})
	return targets
}

// All returns every registered handle.
func (r *Registry) All() []Conn {
	var conns []Conn
	_ = r.do(func() {
		for _, e := range r.conns {
			conns = append(conns, e.conn)
		}
	})
	return conns
}

// ConnectedSince reports when the connection was admitted.
func (r *Registry) ConnectedSince(id string) (time.Time, error) {
	var (
		since time.Time
		err   error
	)
	if doErr := r.do(func() {
		e, ok := r.conns[id]
		if !ok {
			err = errors.Annotatef(ErrNotRegistered, "connection %q", id)
			return
		}
		since = e.createdAt
	}); doErr != nil {
		return time.Time{}, errors.Trace(doErr)
	}
	return since, err
}

// Stats returns a snapshot of the registry size.
func (r *Registry) Stats() Stats {
	var st Stats
	_ = r.do(func() {
		st.Connections = len(r.conns)
		st.Users = len(r.users)
		st.Conversations = len(r.conversations)
		for _, ids := range r.conversations {
			st.Subscriptions += ids.Size()
		}
	})
	return st
}

func (r *Registry) add(conn Conn) error {
	id := conn.ID()
	if id == "" {
		return errors.NotValidf("empty connection id")
	}
	if _, exists := r.conns[id]; exists {
		return errors.AlreadyExistsf("connection %q", id)
	}
	r.conns[id] = &entry{
		conn:          conn,
		createdAt:     r.clock.Now(),
		subscriptions: set.NewStrings(),
		typing:        set.NewStrings(),
	}
	addTo(r.users, conn.UserID(), id)
	logger.Tracef("registered %q for user %q (%d connections)", id, conn.UserID(), len(r.conns))
	return nil
}

func (r *Registry) remove(id string) (Removed, bool) {
	e, ok := r.conns[id]
	if !ok {
		return Removed{}, false
	}
	delete(r.conns, id)
	userID := e.conn.UserID()
	removeFrom(r.users, userID, id)
	for _, conversationID := range e.subscriptions.Values() {
		removeFrom(r.conversations, conversationID, id)
	}
	logger.Tracef("unregistered %q for user %q (%d connections)", id, userID, len(r.conns))
	return Removed{
		ConnectionID:  id,
		UserID:        userID,
		Subscriptions: e.subscriptions.SortedValues(),
		Typing:        e.typing.SortedValues(),
	}, true
}

func addTo(index map[string]set.Strings, key, id string) {
	ids, ok := index[key]
	if !ok {
		ids = set.NewStrings()
		index[key] = ids
	}
	ids.Add(id)
}

func removeFrom(index map[string]set.Strings, key, id string) {
	ids, ok := index[key]
	if !ok {
		return
	}
	ids.Remove(id)
	if ids.IsEmpty() {
		delete(index, key)
	}
}

func copySet(s set.Strings) set.Strings {
	return set.NewStrings(s.Values()...)
}
