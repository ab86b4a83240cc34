// Package session implements the session lifecycle manager: it creates,
// reconnects and tears down per-session network connections, demultiplexes
// their event streams, and maintains the process-wide registry that command
// handlers and supervisory bridges address sessions through.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/tergene/wagate/internal/transport"
)

// State is a session lifecycle state.
type State int

const (
	StateInitializing State = iota
	StateAwaitingPairing
	StateConnected
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAwaitingPairing:
		return "awaitingPairing"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// LinkMode is the per-conversation link-filter policy.
type LinkMode string

const (
	LinkFilterOff          LinkMode = "off"
	LinkFilterExceptAdmins LinkMode = "exceptAdmins"
	LinkFilterAll          LinkMode = "all"
)

// ReplyMode controls who the dispatcher answers: everyone, or the owner
// only. Per-session, not process-wide.
type ReplyMode string

const (
	ReplyPublic  ReplyMode = "public"
	ReplyPrivate ReplyMode = "private"
)

// convFlags holds the moderation settings of one conversation. Entries
// outlive reconnects of the same logical session (the manager carries them
// to the successor) but are in-memory only.
type convFlags struct {
	linkMode    LinkMode
	welcome     bool
	ghostCancel context.CancelFunc
}

// Session is one logical linked-device identity and its connection
// lifecycle. The connection handle is exclusively owned by the manager;
// command handlers reach it through Conn for sending only.
type Session struct {
	ID        string
	Folder    string
	Name      string
	Bridge    string
	CreatedAt time.Time

	mu             sync.Mutex
	state          State
	owner          string
	replyMode      ReplyMode
	restartAttempt int
	conn           transport.Conn
	flags          map[string]*convFlags
}

func newSession(id, folder, name, bridge string) *Session {
	return &Session{
		ID:        id,
		Folder:    folder,
		Name:      name,
		Bridge:    bridge,
		CreatedAt: time.Now(),
		state:     StateInitializing,
		replyMode: ReplyPublic,
		flags:     make(map[string]*convFlags),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Owner returns the paired owner identity, or "" when not yet known.
func (s *Session) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// setOwner records the owner identity. First write wins.
func (s *Session) setOwner(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == "" {
		s.owner = owner
	}
}

// ReplyMode returns the session's reply mode.
func (s *Session) ReplyMode() ReplyMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replyMode
}

// SetReplyMode sets the session's reply mode.
func (s *Session) SetReplyMode(mode ReplyMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyMode = mode
}

// RestartAttempt returns the reconnect attempt counter.
func (s *Session) RestartAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartAttempt
}

// Conn returns the connection handle for sending, or nil after teardown.
func (s *Session) Conn() transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) setConn(conn transport.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

// LinkMode returns the link-filter mode of a conversation.
func (s *Session) LinkMode(conversation string) LinkMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flags[conversation]; ok && f.linkMode != "" {
		return f.linkMode
	}
	return LinkFilterOff
}

// SetLinkMode sets the link-filter mode of a conversation.
func (s *Session) SetLinkMode(conversation string, mode LinkMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagsFor(conversation).linkMode = mode
}

// WelcomeEnabled reports whether welcome messages are on for a conversation.
func (s *Session) WelcomeEnabled(conversation string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flags[conversation]; ok {
		return f.welcome
	}
	return false
}

// SetWelcome toggles welcome messages for a conversation.
func (s *Session) SetWelcome(conversation string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagsFor(conversation).welcome = enabled
}

// GhostActive reports whether a ghost loop is running in a conversation.
func (s *Session) GhostActive(conversation string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[conversation]
	return ok && f.ghostCancel != nil
}

// StartGhost records the cancel handle of a conversation's ghost loop.
// Returns false if one is already active.
func (s *Session) StartGhost(conversation string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.flagsFor(conversation)
	if f.ghostCancel != nil {
		return false
	}
	f.ghostCancel = cancel
	return true
}

// StopGhost cancels a conversation's ghost loop. Returns false if none was
// active.
func (s *Session) StopGhost(conversation string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[conversation]
	if !ok || f.ghostCancel == nil {
		return false
	}
	f.ghostCancel()
	f.ghostCancel = nil
	return true
}

// stopAllGhosts cancels every recurring task owned by the session. Part of
// the teardown sequence.
func (s *Session) stopAllGhosts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.flags {
		if f.ghostCancel != nil {
			f.ghostCancel()
			f.ghostCancel = nil
		}
	}
}

// moderationSnapshot copies the carryable moderation flags. Ghost loops are
// not carried: their tasks were cancelled with the old connection.
func (s *Session) moderationSnapshot() map[string]*convFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*convFlags, len(s.flags))
	for conv, f := range s.flags {
		if f.linkMode == "" && !f.welcome {
			continue
		}
		out[conv] = &convFlags{linkMode: f.linkMode, welcome: f.welcome}
	}
	return out
}

// adoptModeration installs carried flags on a successor session.
func (s *Session) adoptModeration(flags map[string]*convFlags) {
	if flags == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = flags
}

// flagsFor returns the flags entry for a conversation, creating it.
// Callers hold s.mu.
func (s *Session) flagsFor(conversation string) *convFlags {
	f, ok := s.flags[conversation]
	if !ok {
		f = &convFlags{}
		s.flags[conversation] = f
	}
	return f
}

// Info is the registry snapshot of one session.
type Info struct {
	SessionID string `json:"sessionId"`
	Folder    string `json:"folderName"`
	State     string `json:"state"`
	Owner     string `json:"owner,omitempty"`
	Name      string `json:"name,omitempty"`
	Bridge    string `json:"bridge,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// Snapshot captures the session's registry view.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID: s.ID,
		Folder:    s.Folder,
		State:     s.state.String(),
		Owner:     s.owner,
		Name:      s.Name,
		Bridge:    s.Bridge,
		CreatedAt: s.CreatedAt.UnixMilli(),
	}
}
