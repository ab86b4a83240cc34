package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tergene/wagate/internal/credstore"
)

// FakeConn is an in-memory Conn driven by test code (and by the server's
// dev mode). Emit* methods feed the event stream; Sent, Deleted and
// ParticipantOps record what the gateway did with the handle.
type FakeConn struct {
	mu sync.Mutex

	events chan Event
	closed bool

	identity  string
	loggedOut bool

	sendErr error

	sent    []SentMessage
	deleted []MessageRef
	ops     []ParticipantOp

	groups map[string]*GroupMetadata
}

// SentMessage is one recorded Send call.
type SentMessage struct {
	Conversation string
	Out          Outbound
}

// ParticipantOp is one recorded UpdateParticipants call.
type ParticipantOp struct {
	Conversation string
	IDs          []string
	Action       ParticipantAction
}

// NewFakeConn creates a FakeConn with a buffered event stream.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		events: make(chan Event, 64),
		groups: make(map[string]*GroupMetadata),
	}
}

func (c *FakeConn) Events() <-chan Event {
	return c.events
}

func (c *FakeConn) Send(ctx context.Context, conversation string, out Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, SentMessage{Conversation: conversation, Out: out})
	return nil
}

func (c *FakeConn) GroupMetadata(ctx context.Context, conversation string) (*GroupMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if g, ok := c.groups[conversation]; ok {
		return g, nil
	}
	return &GroupMetadata{ID: conversation}, nil
}

func (c *FakeConn) UpdateParticipants(ctx context.Context, conversation string, ids []string, action ParticipantAction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.ops = append(c.ops, ParticipantOp{Conversation: conversation, IDs: ids, Action: action})
	return nil
}

func (c *FakeConn) DeleteMessage(ctx context.Context, ref MessageRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.deleted = append(c.deleted, ref)
	return nil
}

func (c *FakeConn) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *FakeConn) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// SetIdentity sets the connection's own address, as pairing would.
func (c *FakeConn) SetIdentity(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = addr
}

// SetGroup installs group metadata returned by GroupMetadata.
func (c *FakeConn) SetGroup(g *GroupMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[g.ID] = g
}

// SetSendError forces subsequent Send calls to fail.
func (c *FakeConn) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// EmitState feeds a StateChanged event.
func (c *FakeConn) EmitState(ev StateChanged) {
	c.events <- ev
}

// EmitCreds feeds a CredsUpdated event.
func (c *FakeConn) EmitCreds(state json.RawMessage) {
	c.events <- CredsUpdated{State: state}
}

// EmitMessage feeds a MessageReceived event.
func (c *FakeConn) EmitMessage(msg Message) {
	c.events <- MessageReceived{Message: msg}
}

// EmitRoster feeds a RosterChanged event.
func (c *FakeConn) EmitRoster(up RosterUpdate) {
	c.events <- RosterChanged{Roster: up}
}

// Sent returns a copy of the recorded Send calls.
func (c *FakeConn) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// Deleted returns a copy of the recorded DeleteMessage calls.
func (c *FakeConn) Deleted() []MessageRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MessageRef, len(c.deleted))
	copy(out, c.deleted)
	return out
}

// ParticipantOps returns a copy of the recorded UpdateParticipants calls.
func (c *FakeConn) ParticipantOps() []ParticipantOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ParticipantOp, len(c.ops))
	copy(out, c.ops)
	return out
}

// LoggedOut reports whether Logout was called.
func (c *FakeConn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FakeDialer hands out queued FakeConns and records each dial. When the
// queue is empty it constructs a fresh conn so callers always get one.
type FakeDialer struct {
	mu sync.Mutex

	queue []*FakeConn
	conns []*FakeConn
	dials []string

	DialErr error
}

// NewFakeDialer creates an empty FakeDialer.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{}
}

// Queue enqueues a conn to be returned by the next Dial.
func (d *FakeDialer) Queue(conn *FakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, conn)
}

func (d *FakeDialer) Dial(ctx context.Context, creds *credstore.Credentials) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.DialErr != nil {
		return nil, d.DialErr
	}

	d.dials = append(d.dials, creds.Folder)

	var conn *FakeConn
	if len(d.queue) > 0 {
		conn = d.queue[0]
		d.queue = d.queue[1:]
	} else {
		conn = NewFakeConn()
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

// Dials returns the credential folders passed to Dial, in order.
func (d *FakeDialer) Dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.dials))
	copy(out, d.dials)
	return out
}

// Conns returns every conn handed out, in dial order.
func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*FakeConn, len(d.conns))
	copy(out, d.conns)
	return out
}
