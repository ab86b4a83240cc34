package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/tergene/wagate/internal/credstore"
	"github.com/tergene/wagate/internal/event"
	"github.com/tergene/wagate/internal/logging"
	"github.com/tergene/wagate/internal/transport"
)

// Handler consumes inbound traffic routed off a session's event stream.
// Implementations must not assume the session stays registered for the
// duration of a call.
type Handler interface {
	HandleMessage(ctx context.Context, s *Session, msg transport.Message)
	HandleRoster(ctx context.Context, s *Session, up transport.RosterUpdate)
}

// Options configure the manager.
type Options struct {
	// OwnerNumber is the global fallback owner identity.
	OwnerNumber string
	// RestartDelay is the fixed delay before recreating after a
	// restart-required disconnect.
	RestartDelay time.Duration
	// ReconnectInitial is the first transient-disconnect reconnect delay.
	ReconnectInitial time.Duration
	// ReconnectMax caps the reconnect delay.
	ReconnectMax time.Duration
}

// CreateOptions parametrize session creation.
type CreateOptions struct {
	// Folder resumes an existing credential folder; "" allocates a fresh
	// one.
	Folder string
	// Bridge associates the session with a supervisory bridge channel.
	Bridge string
	// Name is the bot display name for this session.
	Name string
}

// retryState is the reconnect bookkeeping for one credential folder.
type retryState struct {
	attempt   int
	policy    backoff.BackOff
	timer     *time.Timer
	sessionID string
	flags     map[string]*convFlags
}

// Manager owns the session registry and every connection lifecycle.
type Manager struct {
	store   *credstore.Store
	dialer  transport.Dialer
	opts    Options
	handler Handler

	mu       sync.RWMutex
	sessions map[string]*Session
	retries  map[string]*retryState

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a Manager. SetHandler must be called before the first
// Create for inbound messages to be dispatched.
func NewManager(store *credstore.Store, dialer transport.Dialer, opts Options) *Manager {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 2 * time.Second
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 5 * time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		dialer:   dialer,
		opts:     opts,
		sessions: make(map[string]*Session),
		retries:  make(map[string]*retryState),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// SetHandler installs the inbound message handler.
func (m *Manager) SetHandler(h Handler) {
	m.handler = h
}

// OwnerNumber returns the configured fallback owner identity.
func (m *Manager) OwnerNumber() string {
	return m.opts.OwnerNumber
}

// Create creates and registers a new session: allocates (or resumes) a
// credential folder, opens a transport connection, and starts the event
// loop. The returned session may still be pairing; watch the event bus for
// session.pairing / session.connected.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	return m.create(ctx, opts, nil, 0)
}

func (m *Manager) create(ctx context.Context, opts CreateOptions, carried map[string]*convFlags, attempt int) (*Session, error) {
	folder := opts.Folder
	if folder == "" {
		var err error
		folder, err = m.store.AllocateFolder()
		if err != nil {
			return nil, fmt.Errorf("allocate credential folder: %w", err)
		}
	}

	creds, err := m.store.Load(folder)
	if err != nil {
		return nil, err
	}

	meta, err := m.store.ReadMeta(folder)
	if err != nil {
		logging.Warn().Err(err).Str("folder", folder).Msg("unreadable session meta, continuing without")
	}

	conn, err := m.dialer.Dial(ctx, creds)
	if err != nil {
		if !errors.Is(err, transport.ErrConstruct) {
			err = fmt.Errorf("%w: %v", transport.ErrConstruct, err)
		}
		return nil, err
	}

	sess := newSession(ulid.Make().String(), folder, opts.Name, opts.Bridge)
	sess.setConn(conn)
	sess.adoptModeration(carried)
	sess.mu.Lock()
	sess.restartAttempt = attempt
	sess.mu.Unlock()
	if meta != nil {
		if meta.OwnerPhone != "" {
			sess.setOwner(meta.OwnerPhone)
		}
		if sess.Name == "" {
			sess.Name = meta.BotName
		}
		if sess.Bridge == "" {
			sess.Bridge = meta.Bridge
		}
	}

	if err := m.register(sess); err != nil {
		conn.Close()
		return nil, err
	}

	createdAt := sess.CreatedAt.UnixMilli()
	newMeta := &credstore.Meta{
		SessionID: sess.ID,
		Folder:    folder,
		CreatedAt: createdAt,
		BotName:   sess.Name,
		Bridge:    sess.Bridge,
	}
	if meta != nil {
		newMeta.CreatedAt = meta.CreatedAt
		newMeta.ConnectedAt = meta.ConnectedAt
		newMeta.OwnerPhone = meta.OwnerPhone
	}
	if err := m.store.WriteMeta(folder, newMeta); err != nil {
		logging.Warn().Err(err).Str("session", sess.ID).Msg("meta write failed")
	}

	m.wg.Add(1)
	go m.loop(sess, conn, creds)

	event.PublishSync(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionCreatedData{SessionID: sess.ID, Folder: folder, Bridge: sess.Bridge},
	})

	logging.Info().Str("session", sess.ID).Str("folder", folder).Msg("session created")
	return sess, nil
}

// register inserts a session into the registry. A live session already
// bound to the same folder is a caller error.
func (m *Manager) register(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.sessions {
		if existing.Folder == s.Folder {
			return fmt.Errorf("credential folder %s already in use by session %s", s.Folder, existing.ID)
		}
	}
	m.sessions[s.ID] = s
	return nil
}

// deregister removes a session from the registry. Returns false if it was
// already gone.
func (m *Manager) deregister(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// Get returns a registered session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List snapshots the registry, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Snapshot())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt < infos[j].CreatedAt })
	return infos
}

// ListByBridge snapshots the registry entries associated with one bridge.
func (m *Manager) ListByBridge(bridge string) []Info {
	all := m.List()
	out := all[:0]
	for _, info := range all {
		if info.Bridge == bridge {
			out = append(out, info)
		}
	}
	return out
}

// Stop tears down a session: pending recreation cancelled, recurring tasks
// cancelled, transport logged out and closed, registry entry removed — in
// that order. Idempotent; unknown ids are a no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.cancelPendingRecreate(id)

	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	sess.stopAllGhosts()
	sess.setState(StateTerminated)

	if conn := sess.Conn(); conn != nil {
		if err := conn.Logout(ctx); err != nil {
			logging.Warn().Err(err).Str("session", id).Msg("logout failed")
		}
		if err := conn.Close(); err != nil {
			logging.Warn().Err(err).Str("session", id).Msg("close failed")
		}
	}
	sess.setConn(nil)

	m.deregister(id)
	m.clearRetry(sess.Folder)

	event.PublishSync(event.Event{
		Type: event.SessionDeleted,
		Data: event.SessionDeletedData{SessionID: id, Bridge: sess.Bridge},
	})

	logging.Info().Str("session", id).Msg("session stopped")
	return nil
}

// cancelPendingRecreate cancels a scheduled recreation whose predecessor
// carried the given session id.
func (m *Manager) cancelPendingRecreate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for folder, rs := range m.retries {
		if rs.sessionID == id {
			if rs.timer != nil {
				rs.timer.Stop()
			}
			delete(m.retries, folder)
			return
		}
	}
}

// Shutdown stops every registered session and waits for event loops to
// drain or the context to expire.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, info := range m.List() {
		if err := m.Stop(ctx, info.SessionID); err != nil {
			logging.Warn().Err(err).Str("session", info.SessionID).Msg("stop during shutdown failed")
		}
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// loop consumes one connection's event stream. Runs on its own goroutine;
// each handler body is guarded so a malformed event never takes the
// process down.
func (m *Manager) loop(sess *Session, conn transport.Conn, creds *credstore.Credentials) {
	defer m.wg.Done()

	closedSeen := false
	for ev := range conn.Events() {
		m.handleEvent(sess, conn, creds, ev, &closedSeen)
		if closedSeen {
			break
		}
	}

	// Stream ended without a close event: the transport went away
	// underneath us. Terminated sessions already ran teardown.
	if !closedSeen && sess.State() != StateTerminated {
		m.handleClosed(sess, conn, transport.ReasonUnknown)
	}
}

func (m *Manager) handleEvent(sess *Session, conn transport.Conn, creds *credstore.Credentials, ev transport.Event, closedSeen *bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Str("session", sess.ID).Interface("panic", r).Msg("event handler panicked")
		}
	}()

	switch e := ev.(type) {
	case transport.CredsUpdated:
		if err := creds.Persist(e.State); err != nil {
			logging.Error().Err(err).Str("session", sess.ID).Msg("credential persist failed")
		}

	case transport.StateChanged:
		switch e.State {
		case transport.StateAwaitingPairing:
			m.handlePairing(sess, e.PairingCode)
		case transport.StateConnected:
			m.handleConnected(sess, conn)
		case transport.StateClosed:
			*closedSeen = true
			m.handleClosed(sess, conn, e.Reason)
		}

	case transport.MessageReceived:
		if m.handler != nil {
			m.handler.HandleMessage(m.baseCtx, sess, e.Message)
		}

	case transport.RosterChanged:
		if m.handler != nil {
			m.handler.HandleRoster(m.baseCtx, sess, e.Roster)
		}
	}
}

func (m *Manager) handlePairing(sess *Session, code string) {
	sess.setState(StateAwaitingPairing)

	// A session with no associated bridge drops the artifact: it can be
	// retrieved by re-listing.
	event.PublishSync(event.Event{
		Type: event.SessionPairing,
		Data: event.SessionPairingData{SessionID: sess.ID, Code: code, Bridge: sess.Bridge},
	})
	logging.Info().Str("session", sess.ID).Msg("pairing code issued")
}

func (m *Manager) handleConnected(sess *Session, conn transport.Conn) {
	if identity := conn.Identity(); identity != "" {
		sess.setOwner(transport.AddressNumber(identity))
	}
	sess.setState(StateConnected)

	sess.mu.Lock()
	sess.restartAttempt = 0
	sess.mu.Unlock()
	m.clearRetry(sess.Folder)

	now := time.Now().UnixMilli()
	meta, err := m.store.ReadMeta(sess.Folder)
	if err != nil || meta == nil {
		meta = &credstore.Meta{SessionID: sess.ID, Folder: sess.Folder, CreatedAt: sess.CreatedAt.UnixMilli()}
	}
	meta.SessionID = sess.ID
	meta.ConnectedAt = &now
	meta.OwnerPhone = sess.Owner()
	meta.BotName = sess.Name
	meta.Bridge = sess.Bridge
	if err := m.store.WriteMeta(sess.Folder, meta); err != nil {
		logging.Warn().Err(err).Str("session", sess.ID).Msg("meta write failed")
	}

	event.PublishSync(event.Event{
		Type: event.SessionConnected,
		Data: event.SessionConnectedData{SessionID: sess.ID, Folder: sess.Folder, Owner: sess.Owner(), Bridge: sess.Bridge},
	})
	logging.Info().Str("session", sess.ID).Str("folder", sess.Folder).Msg("session connected")
}

// handleClosed applies the recovery policy for a closed connection.
func (m *Manager) handleClosed(sess *Session, conn transport.Conn, reason transport.DisconnectReason) {
	logging.Info().
		Str("session", sess.ID).
		Str("reason", reason.String()).
		Msg("connection closed")

	if !m.deregister(sess.ID) {
		// An explicit stop already tore this session down.
		conn.Close()
		return
	}

	sess.stopAllGhosts()
	if reason.Terminal() {
		sess.setState(StateTerminated)
	} else {
		sess.setState(StateReconnecting)
	}
	sess.setConn(nil)
	conn.Close()

	event.PublishSync(event.Event{
		Type: event.SessionDisconnected,
		Data: event.SessionDisconnectedData{SessionID: sess.ID, Reason: reason.String(), Bridge: sess.Bridge},
	})

	if reason.Terminal() {
		m.clearRetry(sess.Folder)
		return
	}

	m.scheduleRecreate(sess, reason)
}

// scheduleRecreate arranges a delayed recreation on the same credential
// folder. Restart-required closes use a short fixed delay; everything else
// grows a capped backoff per attempt.
func (m *Manager) scheduleRecreate(sess *Session, reason transport.DisconnectReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.retries[sess.Folder]
	if !ok {
		rs = &retryState{policy: m.newReconnectPolicy(), attempt: sess.RestartAttempt()}
		m.retries[sess.Folder] = rs
	}
	rs.sessionID = sess.ID
	rs.flags = sess.moderationSnapshot()

	var delay time.Duration
	if reason == transport.ReasonRestartRequired {
		delay = m.opts.RestartDelay
	} else {
		rs.attempt++
		delay = rs.policy.NextBackOff()
	}

	attempt := rs.attempt
	opts := CreateOptions{Folder: sess.Folder, Bridge: sess.Bridge, Name: sess.Name}

	rs.timer = time.AfterFunc(delay, func() {
		m.recreate(opts, rs.flags, attempt)
	})

	logging.Info().
		Str("session", sess.ID).
		Str("folder", sess.Folder).
		Dur("delay", delay).
		Int("attempt", attempt).
		Msg("recreation scheduled")
}

// newReconnectPolicy builds the transient-disconnect delay policy. No
// randomization: consecutive delays must be non-decreasing up to the cap.
func (m *Manager) newReconnectPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.ReconnectInitial
	b.MaxInterval = m.opts.ReconnectMax
	b.RandomizationFactor = 0
	b.Multiplier = 1.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// recreate runs a scheduled recreation. Failure is reported and the
// session abandoned; a fresh external create request is then required.
func (m *Manager) recreate(opts CreateOptions, flags map[string]*convFlags, attempt int) {
	select {
	case <-m.baseCtx.Done():
		return
	default:
	}

	if _, err := m.create(m.baseCtx, opts, flags, attempt); err != nil {
		logging.Error().Err(err).Str("folder", opts.Folder).Msg("session recreation failed")
		m.clearRetry(opts.Folder)
		event.PublishSync(event.Event{
			Type: event.SessionError,
			Data: event.SessionErrorData{
				Folder:  opts.Folder,
				Message: fmt.Sprintf("automatic recreation failed: %v", err),
				Bridge:  opts.Bridge,
			},
		})
	}
}

func (m *Manager) clearRetry(folder string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.retries[folder]; ok {
		if rs.timer != nil {
			rs.timer.Stop()
		}
		delete(m.retries, folder)
	}
}
