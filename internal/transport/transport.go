// Package transport defines the boundary to the external messaging-network
// protocol library: the connection capability set the gateway depends on,
// the typed event stream a connection emits, and the disconnect-reason
// classification that drives recovery policy. The concrete protocol
// implementation is supplied from outside; this package only fixes its
// lifecycle contract.
package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tergene/wagate/internal/credstore"
)

var (
	// ErrConstruct marks a failure to construct a connection. Fatal for
	// one session-creation attempt, never for the process.
	ErrConstruct = errors.New("transport construction failed")

	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("connection closed")
)

// ConnState is a connection lifecycle state.
type ConnState int

const (
	StateInitializing ConnState = iota
	StateAwaitingPairing
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAwaitingPairing:
		return "awaitingPairing"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// DisconnectReason classifies why a connection closed.
type DisconnectReason int

const (
	// ReasonUnknown covers disconnect codes the gateway does not
	// recognize; treated as transient.
	ReasonUnknown DisconnectReason = iota
	// ReasonLoggedOut is terminal: the device link was revoked.
	ReasonLoggedOut
	// ReasonRestartRequired is a transport-internal renegotiation signal;
	// immediately retryable on the same credentials.
	ReasonRestartRequired
	// ReasonConnectionLost is a plain network drop.
	ReasonConnectionLost
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "loggedOut"
	case ReasonRestartRequired:
		return "restartRequired"
	case ReasonConnectionLost:
		return "connectionLost"
	}
	return "unknown"
}

// Terminal reports whether the reason forbids recreating the session.
func (r DisconnectReason) Terminal() bool {
	return r == ReasonLoggedOut
}

// Event is one entry in a connection's ordered event stream.
type Event interface {
	isEvent()
}

// CredsUpdated carries a new credential snapshot that must be persisted.
type CredsUpdated struct {
	State json.RawMessage
}

// StateChanged signals a lifecycle transition. PairingCode is set when
// State is StateAwaitingPairing; Reason when State is StateClosed.
type StateChanged struct {
	State       ConnState
	PairingCode string
	Reason      DisconnectReason
}

// MessageReceived carries one inbound message. Batches from the underlying
// protocol are flattened in order.
type MessageReceived struct {
	Message Message
}

// RosterChanged signals a group membership change.
type RosterChanged struct {
	Roster RosterUpdate
}

func (CredsUpdated) isEvent()    {}
func (StateChanged) isEvent()    {}
func (MessageReceived) isEvent() {}
func (RosterChanged) isEvent()   {}

// RosterAction is a group membership change kind.
type RosterAction string

const (
	RosterAdd     RosterAction = "add"
	RosterRemove  RosterAction = "remove"
	RosterPromote RosterAction = "promote"
	RosterDemote  RosterAction = "demote"
)

// RosterUpdate describes a group membership change.
type RosterUpdate struct {
	Conversation string
	Action       RosterAction
	Participants []string
}

// ParticipantAction is a group administration operation.
type ParticipantAction string

const (
	ParticipantAdd     ParticipantAction = "add"
	ParticipantRemove  ParticipantAction = "remove"
	ParticipantPromote ParticipantAction = "promote"
	ParticipantDemote  ParticipantAction = "demote"
)

// GroupParticipant is one member of a group conversation.
type GroupParticipant struct {
	ID    string
	Admin bool
}

// GroupMetadata is the queried state of a group conversation.
type GroupMetadata struct {
	ID           string
	Subject      string
	Participants []GroupParticipant
	InviteCode   string
}

// IsAdmin reports whether the given participant id is a group admin.
func (g *GroupMetadata) IsAdmin(id string) bool {
	for _, p := range g.Participants {
		if p.ID == id && p.Admin {
			return true
		}
	}
	return false
}

// MessageRef identifies a message for deletion.
type MessageRef struct {
	Conversation string
	ID           string
	Participant  string
	FromMe       bool
}

// Outbound is content to send. When Image is set, Text is its caption.
type Outbound struct {
	Text     string
	Image    []byte
	Mentions []string
}

// Conn is one live connection to the messaging network. Its event stream
// is delivered in emission order; the stream ends when the connection
// closes. A Conn is exclusively owned by the session manager.
type Conn interface {
	// Events returns the ordered event stream. The channel is closed
	// after a StateClosed event has been emitted.
	Events() <-chan Event

	Send(ctx context.Context, conversation string, out Outbound) error
	GroupMetadata(ctx context.Context, conversation string) (*GroupMetadata, error)
	UpdateParticipants(ctx context.Context, conversation string, ids []string, action ParticipantAction) error
	DeleteMessage(ctx context.Context, ref MessageRef) error

	// Identity returns the connection's own network address once
	// connected, or "" before pairing completes.
	Identity() string

	Logout(ctx context.Context) error
	Close() error
}

// Dialer constructs connections from persisted credential state.
type Dialer interface {
	Dial(ctx context.Context, creds *credstore.Credentials) (Conn, error)
}
