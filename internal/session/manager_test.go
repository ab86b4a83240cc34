package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tergene/wagate/internal/credstore"
	"github.com/tergene/wagate/internal/event"
	"github.com/tergene/wagate/internal/transport"
)

func testOptions() Options {
	return Options{
		OwnerNumber:      "50935492574",
		RestartDelay:     20 * time.Millisecond,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
	}
}

func newTestManager(t *testing.T) (*Manager, *transport.FakeDialer, *credstore.Store) {
	t.Helper()
	store := credstore.New(t.TempDir())
	dialer := transport.NewFakeDialer()
	m := NewManager(store, dialer, testOptions())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, dialer, store
}

// eventRecorder collects bus events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func recordEvents(t *testing.T) *eventRecorder {
	t.Helper()
	event.Reset()
	rec := &eventRecorder{}
	unsub := event.SubscribeAll(func(e event.Event) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.events = append(rec.events, e)
	})
	t.Cleanup(unsub)
	return rec
}

func (r *eventRecorder) ofType(t event.EventType) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Event, len(r.events))
	copy(out, r.events)
	return out
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestCreateRegistersSession(t *testing.T) {
	rec := recordEvents(t)
	m, dialer, _ := newTestManager(t)

	sess, err := m.Create(context.Background(), CreateOptions{Name: "testbot"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if sess.Folder != "auth_info1" {
		t.Errorf("expected auth_info1, got %s", sess.Folder)
	}
	if got, ok := m.Get(sess.ID); !ok || got != sess {
		t.Error("session not in registry")
	}
	if len(dialer.Dials()) != 1 {
		t.Errorf("expected 1 dial, got %d", len(dialer.Dials()))
	}
	if created := rec.ofType(event.SessionCreated); len(created) != 1 {
		t.Errorf("expected 1 session.created event, got %d", len(created))
	}
}

func TestFolderUniqueAcrossCreates(t *testing.T) {
	recordEvents(t)
	m, _, _ := newTestManager(t)

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		sess, err := m.Create(context.Background(), CreateOptions{})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if seen[sess.Folder] {
			t.Fatalf("folder reused: %s", sess.Folder)
		}
		seen[sess.Folder] = true
	}
}

func TestCreateRejectsFolderInUse(t *testing.T) {
	recordEvents(t)
	m, _, _ := newTestManager(t)

	sess, err := m.Create(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := m.Create(context.Background(), CreateOptions{Folder: sess.Folder}); err == nil {
		t.Fatal("expected error creating session on an in-use folder")
	}
}

func TestPairingThenConnected(t *testing.T) {
	rec := recordEvents(t)
	m, dialer, store := newTestManager(t)

	conn := transport.NewFakeConn()
	dialer.Queue(conn)

	sess, err := m.Create(context.Background(), CreateOptions{Bridge: "chat42"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	conn.EmitState(transport.StateChanged{State: transport.StateAwaitingPairing, PairingCode: "PAIR-123"})
	waitFor(t, func() bool { return sess.State() == StateAwaitingPairing }, "pairing state")

	conn.SetIdentity("18095551234@s.whatsapp.net")
	conn.EmitState(transport.StateChanged{State: transport.StateConnected})
	waitFor(t, func() bool { return sess.State() == StateConnected }, "connected state")

	if sess.Owner() != "18095551234" {
		t.Errorf("owner not recorded: %q", sess.Owner())
	}

	// Exactly one pairing artifact, strictly before connected.
	var sawPairing, sawConnected bool
	for _, e := range rec.all() {
		switch e.Type {
		case event.SessionPairing:
			if sawConnected {
				t.Error("pairing event after connected")
			}
			sawPairing = true
			data := e.Data.(event.SessionPairingData)
			if data.Code != "PAIR-123" || data.Bridge != "chat42" {
				t.Errorf("unexpected pairing data: %+v", data)
			}
		case event.SessionConnected:
			sawConnected = true
		}
	}
	if !sawPairing || !sawConnected {
		t.Fatalf("missing lifecycle events: pairing=%v connected=%v", sawPairing, sawConnected)
	}

	meta, err := store.ReadMeta(sess.Folder)
	if err != nil || meta == nil {
		t.Fatalf("meta missing after connect: %v", err)
	}
	if meta.ConnectedAt == nil {
		t.Error("connectedAt not recorded")
	}
	if meta.OwnerPhone != "18095551234" {
		t.Errorf("ownerPhone not recorded: %q", meta.OwnerPhone)
	}
}

func TestResumeWithCredentialsSkipsPairing(t *testing.T) {
	rec := recordEvents(t)
	m, dialer, _ := newTestManager(t)

	conn := transport.NewFakeConn()
	dialer.Queue(conn)

	sess, err := m.Create(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	conn.EmitState(transport.StateChanged{State: transport.StateConnected})
	waitFor(t, func() bool { return sess.State() == StateConnected }, "connected state")

	if pairing := rec.ofType(event.SessionPairing); len(pairing) != 0 {
		t.Errorf("expected no pairing events on resume, got %d", len(pairing))
	}
}

func TestLoggedOutTerminates(t *testing.T) {
	rec := recordEvents(t)
	m, dialer, _ := newTestManager(t)

	conn := transport.NewFakeConn()
	dialer.Queue(conn)

	sess, err := m.Create(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	conn.EmitState(transport.StateChanged{State: transport.StateClosed, Reason: transport.ReasonLoggedOut})
	waitFor(t, func() bool {
		_, ok := m.Get(sess.ID)
		return !ok
	}, "deregistration")

	// Give any wrongly scheduled recreation a chance to fire.
	time.Sleep(100 * time.Millisecond)
	if n := len(dialer.Dials()); n != 1 {
		t.Errorf("terminal disconnect must not recreate, dials=%d", n)
	}

	disc := rec.ofType(event.SessionDisconnected)
	if len(disc) != 1 {
		t.Fatalf("expected 1 disconnected event, got %d", len(disc))
	}
	if data := disc[0].Data.(event.SessionDisconnectedData); data.Reason != "loggedOut" {
		t.Errorf("unexpected reason: %s", data.Reason)
	}
}

func TestRestartRequiredRecreatesSameFolder(t *testing.T) {
	recordEvents(t)
	m, dialer, _ := newTestManager(t)

	conn := transport.NewFakeConn()
	dialer.Queue(conn)

	sess, err := m.Create(context.Background(), CreateOptions{Name: "bot"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	oldID := sess.ID

	conn.EmitState(transport.StateChanged{State: transport.StateClosed, Reason: transport.ReasonRestartRequired})

	waitFor(t, func() bool { return len(dialer.Dials()) == 2 }, "recreation dial")
	waitFor(t, func() bool { return len(m.List()) == 1 }, "successor registration")

	infos := m.List()
	if infos[0].Folder != sess.Folder {
		t.Errorf("successor bound to wrong folder: %s", infos[0].Folder)
	}
	if infos[0].SessionID == oldID {
		t.Error("successor must carry a fresh session id")
	}
	if _, ok := m.Get(oldID); ok {
		t.Error("predecessor still registered")
	}
}

func TestTransientDisconnectCarriesAttemptAndFlags(t *testing.T) {
	recordEvents(t)
	m, dialer, _ := newTestManager(t)

	conn := transport.NewFakeConn()
	dialer.Queue(conn)

	sess, err := m.Create(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	sess.SetLinkMode("group1@g.us", LinkFilterAll)
	sess.SetWelcome("group1@g.us", true)

	conn.EmitState(transport.StateChanged{State: transport.StateClosed, Reason: transport.ReasonConnectionLost})

	waitFor(t, func() bool { return len(m.List()) == 1 && m.List()[0].SessionID != sess.ID }, "successor")

	successor, _ := m.Get(m.List()[0].SessionID)
	if successor.RestartAttempt() != 1 {
		t.Errorf("expected attempt 1, got %d", successor.RestartAttempt())
	}
	if successor.LinkMode("group1@g.us") != LinkFilterAll {
		t.Error("link-filter mode not carried to successor")
	}
	if !successor.WelcomeEnabled("group1@g.us") {
		t.Error("welcome flag not carried to successor")
	}

	// A successful connect resets the attempt counter.
	conns := dialer.Conns()
	conns[len(conns)-1].EmitState(transport.StateChanged{State: transport.StateConnected})
	waitFor(t, func() bool { return successor.State() == StateConnected }, "successor connect")
	if successor.RestartAttempt() != 0 {
		t.Errorf("attempt not reset on connect: %d", successor.RestartAttempt())
	}
}

func TestReconnectDelaysMonotonic(t *testing.T) {
	m, _, _ := newTestManager(t)

	policy := m.newReconnectPolicy()
	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := policy.NextBackOff()
		if d < prev {
			t.Fatalf("delay decreased: %v after %v", d, prev)
		}
		if d > m.opts.ReconnectMax {
			t.Fatalf("delay %v exceeds cap %v", d, m.opts.ReconnectMax)
		}
		prev = d
	}
}

func TestRecreationFailureAbandonsSession(t *testing.T) {
	rec := recordEvents(t)
	m, dialer, _ := newTestManager(t)

	conn := transport.NewFakeConn()
	dialer.Queue(conn)

	if _, err := m.Create(context.Background(), CreateOptions{Bridge: "chat7"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	dialer.DialErr = errors.New("socket refused")
	conn.EmitState(transport.StateChanged{State: transport.StateClosed, Reason: transport.ReasonConnectionLost})

	waitFor(t, func() bool { return len(rec.ofType(event.SessionError)) == 1 }, "session.error event")
	if len(m.List()) != 0 {
		t.Error("failed recreation must leave the registry empty")
	}

	data := rec.ofType(event.SessionError)[0].Data.(event.SessionErrorData)
	if data.Bridge != "chat7" {
		t.Errorf("error not routed to owning bridge: %+v", data)
	}
}

func TestStopTearsDownInOrder(t *testing.T) {
	recordEvents(t)
	m, dialer, _ := newTestManager(t)

	conn := transport.NewFakeConn()
	dialer.Queue(conn)

	sess, err := m.Create(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ghostCancelled := false
	sess.StartGhost("group1@g.us", func() { ghostCancelled = true })

	if err := m.Stop(context.Background(), sess.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if !ghostCancelled {
		t.Error("ghost loop not cancelled on stop")
	}
	if !conn.LoggedOut() {
		t.Error("transport not logged out on stop")
	}
	if !conn.Closed() {
		t.Error("transport not closed on stop")
	}
	if _, ok := m.Get(sess.ID); ok {
		t.Error("session still registered after stop")
	}
	if sess.Conn() != nil {
		t.Error("handle still exposed after stop")
	}
}

func TestStopUnknownIsNoop(t *testing.T) {
	recordEvents(t)
	m, _, _ := newTestManager(t)

	if err := m.Stop(context.Background(), "01UNKNOWN"); err != nil {
		t.Errorf("Stop of unknown session must be a no-op, got %v", err)
	}
}

func TestStopCancelsPendingRecreation(t *testing.T) {
	recordEvents(t)
	store := credstore.New(t.TempDir())
	dialer := transport.NewFakeDialer()
	opts := testOptions()
	opts.ReconnectInitial = 200 * time.Millisecond
	m := NewManager(store, dialer, opts)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	}()

	conn := transport.NewFakeConn()
	dialer.Queue(conn)

	sess, err := m.Create(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	conn.EmitState(transport.StateChanged{State: transport.StateClosed, Reason: transport.ReasonConnectionLost})
	waitFor(t, func() bool {
		_, ok := m.Get(sess.ID)
		return !ok
	}, "deregistration")

	// Stop with the old id before the recreation fires.
	if err := m.Stop(context.Background(), sess.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	time.Sleep(400 * time.Millisecond)
	if n := len(dialer.Dials()); n != 1 {
		t.Errorf("cancelled recreation still dialed: %d", n)
	}
}

func TestMessagesRoutedToHandler(t *testing.T) {
	recordEvents(t)
	m, dialer, _ := newTestManager(t)

	var mu sync.Mutex
	var got []transport.Message
	m.SetHandler(handlerFunc(func(ctx context.Context, s *Session, msg transport.Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
	}))

	conn := transport.NewFakeConn()
	dialer.Queue(conn)

	if _, err := m.Create(context.Background(), CreateOptions{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	conn.EmitMessage(transport.Message{
		Conversation: "group1@g.us",
		Sender:       "123@s.whatsapp.net",
		Content:      transport.TextContent(".menu"),
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "message dispatch")
}

func TestCredsUpdatePersisted(t *testing.T) {
	recordEvents(t)
	m, dialer, store := newTestManager(t)

	conn := transport.NewFakeConn()
	dialer.Queue(conn)

	sess, err := m.Create(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	conn.EmitCreds([]byte(`{"noiseKey":"rotated"}`))

	waitFor(t, func() bool {
		creds, err := store.Load(sess.Folder)
		return err == nil && string(creds.State) == `{"noiseKey":"rotated"}`
	}, "credential persist")
}

// handlerFunc adapts a function to the Handler interface for tests.
type handlerFunc func(ctx context.Context, s *Session, msg transport.Message)

func (f handlerFunc) HandleMessage(ctx context.Context, s *Session, msg transport.Message) {
	f(ctx, s, msg)
}

func (f handlerFunc) HandleRoster(context.Context, *Session, transport.RosterUpdate) {}
