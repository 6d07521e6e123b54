package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Guzinn01/disp-whtas/internal/eventbus"
	"github.com/Guzinn01/disp-whtas/internal/store"
	"github.com/Guzinn01/disp-whtas/internal/wa"
	logx "github.com/Guzinn01/disp-whtas/pkg/logx"
)

// ---- fakes ----

type memStore struct {
	mu       sync.Mutex
	sessions map[string]store.Session
}

func newMemStore() *memStore { return &memStore{sessions: map[string]store.Session{}} }

func (m *memStore) ReplaceContacts(context.Context, []store.Contact) error { return nil }
func (m *memStore) ListContacts(context.Context) ([]store.Contact, error)  { return nil, nil }
func (m *memStore) ListPrepared(context.Context) ([]store.Contact, error)  { return nil, nil }
func (m *memStore) UpdateContactStatus(context.Context, string, string) error {
	return nil
}

func (m *memStore) ListSessions(context.Context) ([]store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Session
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) GetSession(_ context.Context, id string) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return s, nil
}

func (m *memStore) UpsertSession(_ context.Context, s store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memStore) UpdateSessionStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = status
	m.sessions[id] = s
	return nil
}

func (m *memStore) AppendAudit(context.Context, store.AuditEntry) error  { return nil }
func (m *memStore) PruneAudit(context.Context, time.Time) (int64, error) { return 0, nil }
func (m *memStore) Optimize(context.Context) error                       { return nil }
func (m *memStore) Close() error                                         { return nil }

func (m *memStore) session(id string) (store.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

type fakeClient struct {
	events chan wa.Event

	mu           sync.Mutex
	disconnected bool
	loggedOut    bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan wa.Event, 16)}
}

func (c *fakeClient) Connect(context.Context) error { return nil }
func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}
func (c *fakeClient) Logout(context.Context) error {
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	close(c.events)
	return nil
}
func (c *fakeClient) SendMessage(context.Context, string, string) error { return nil }
func (c *fakeClient) IsRegistered(context.Context, string) (bool, error) {
	return true, nil
}
func (c *fakeClient) Events() <-chan wa.Event { return c.events }

// fakeFactory hands each created client back to the test.
type fakeFactory struct {
	created chan *fakeClient
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(chan *fakeClient, 8)}
}

func (f *fakeFactory) new(_ context.Context, _, _ string) (wa.Client, error) {
	c := newFakeClient()
	f.created <- c
	return c, nil
}

// ---- helpers ----

func newTestRegistry(t *testing.T) (*Registry, *fakeFactory, *memStore, <-chan eventbus.Event) {
	t.Helper()
	factory := newFakeFactory()
	st := newMemStore()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)
	reg := NewRegistry(factory.new, st, bus, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reg.Shutdown(ctx)
	})
	return reg, factory, st, events
}

func nextClient(t *testing.T, f *fakeFactory) *fakeClient {
	t.Helper()
	select {
	case c := <-f.created:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("factory was not invoked")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitEvent(t *testing.T, events <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

// ---- tests ----

func TestCreateRequiresName(t *testing.T) {
	t.Parallel()
	reg, _, _, _ := newTestRegistry(t)
	if _, err := reg.Create(context.Background(), ""); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("Create = %v, want ErrEmptyName", err)
	}
}

func TestReadyPromotesToLive(t *testing.T) {
	t.Parallel()
	reg, factory, st, events := newTestRegistry(t)

	id, err := reg.Create(context.Background(), "principal")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := reg.Client(id); ok {
		t.Fatal("session must not be live before ready")
	}

	client := nextClient(t, factory)
	client.events <- wa.Event{Kind: wa.EventChallenge, Payload: "qr-data"}
	client.events <- wa.Event{Kind: wa.EventReady, PhoneNumber: "5511912345678"}

	ch := waitEvent(t, events, eventbus.TypeSessionChallenge)
	if got := ch.Data.(eventbus.SessionChallenge); got.Payload != "qr-data" {
		t.Fatalf("challenge payload = %q", got.Payload)
	}
	waitEvent(t, events, eventbus.TypeSessionReady)
	waitFor(t, "live client", func() bool {
		_, ok := reg.Client(id)
		return ok
	})
	if reg.LiveCount() != 1 {
		t.Fatalf("LiveCount = %d, want 1", reg.LiveCount())
	}

	sess, ok := st.session(id)
	if !ok || sess.Status != store.SessionConnected || sess.PhoneNumber != "5511912345678" {
		t.Fatalf("persisted session = %+v, want connected with phone", sess)
	}
}

func TestAuthFailurePurgesOnlyThatSession(t *testing.T) {
	t.Parallel()
	reg, factory, st, events := newTestRegistry(t)

	id1, err := reg.Create(context.Background(), "um")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c1 := nextClient(t, factory)
	id2, err := reg.Create(context.Background(), "dois")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c2 := nextClient(t, factory)

	c1.events <- wa.Event{Kind: wa.EventReady, PhoneNumber: "111"}
	c2.events <- wa.Event{Kind: wa.EventReady, PhoneNumber: "222"}
	waitFor(t, "both live", func() bool { return reg.LiveCount() == 2 })

	c2.events <- wa.Event{Kind: wa.EventAuthFailure, Reason: "logged out remotely"}
	ev := waitEvent(t, events, eventbus.TypeSessionRemoved)
	removed := ev.Data.(eventbus.SessionRemoved)
	if removed.SessionID != id2 || !removed.AuthFailure {
		t.Fatalf("removed = %+v, want auth failure for second session", removed)
	}

	waitFor(t, "purge", func() bool {
		_, ok := st.session(id2)
		return !ok
	})
	if _, ok := reg.Client(id2); ok {
		t.Fatal("failed session must not stay live")
	}
	if _, ok := reg.Client(id1); !ok {
		t.Fatal("healthy session must stay live")
	}
}

func TestDisconnectEventSettlesStatus(t *testing.T) {
	t.Parallel()
	reg, factory, st, events := newTestRegistry(t)

	id, err := reg.Create(context.Background(), "principal")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	client := nextClient(t, factory)
	client.events <- wa.Event{Kind: wa.EventReady, PhoneNumber: "111"}
	waitFor(t, "live", func() bool { return reg.LiveCount() == 1 })

	client.events <- wa.Event{Kind: wa.EventDisconnected, Reason: "socket closed"}
	waitEvent(t, events, eventbus.TypeSessionDisconnected)
	waitFor(t, "not live", func() bool { return reg.LiveCount() == 0 })

	sess, ok := st.session(id)
	if !ok || sess.Status != store.SessionDisconnected {
		t.Fatalf("persisted session = %+v, want disconnected", sess)
	}
}

func TestRemoveDeletesRecordWithoutLiveClient(t *testing.T) {
	t.Parallel()
	reg, _, st, events := newTestRegistry(t)

	sess := store.Session{ID: "stale", Name: "antiga", Status: store.SessionDisconnected}
	if err := st.UpsertSession(context.Background(), sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := reg.Remove(context.Background(), "stale"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := st.session("stale"); ok {
		t.Fatal("record should be deleted")
	}
	waitEvent(t, events, eventbus.TypeSessionRemoved)
}

func TestRemoveLogsOutLiveClient(t *testing.T) {
	t.Parallel()
	reg, factory, st, _ := newTestRegistry(t)

	id, err := reg.Create(context.Background(), "principal")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	client := nextClient(t, factory)
	client.events <- wa.Event{Kind: wa.EventReady, PhoneNumber: "111"}
	waitFor(t, "live", func() bool { return reg.LiveCount() == 1 })

	if err := reg.Remove(context.Background(), id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	client.mu.Lock()
	loggedOut := client.loggedOut
	client.mu.Unlock()
	if !loggedOut {
		t.Fatal("live client must be logged out on removal")
	}
	if _, ok := st.session(id); ok {
		t.Fatal("record should be deleted")
	}
	if _, ok := reg.Client(id); ok {
		t.Fatal("removed session must not stay live")
	}
}

func TestDisconnectUnknownSession(t *testing.T) {
	t.Parallel()
	reg, _, _, _ := newTestRegistry(t)
	if err := reg.Disconnect(context.Background(), "missing"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Disconnect = %v, want ErrUnknownSession", err)
	}
}

func TestReconnectUnknownSession(t *testing.T) {
	t.Parallel()
	reg, _, _, _ := newTestRegistry(t)
	if err := reg.Reconnect(context.Background(), "missing"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Reconnect = %v, want ErrUnknownSession", err)
	}
}

func TestReconnectRunningSessionIsNoOp(t *testing.T) {
	t.Parallel()
	reg, factory, _, _ := newTestRegistry(t)

	id, err := reg.Create(context.Background(), "principal")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	nextClient(t, factory)

	if err := reg.Reconnect(context.Background(), id); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	select {
	case <-factory.created:
		t.Fatal("reconnect of a running session must not build a second client")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConcurrentReconnectBuildsOneClient(t *testing.T) {
	t.Parallel()
	reg, factory, st, _ := newTestRegistry(t)

	sess := store.Session{ID: "known", Name: "antiga", PhoneNumber: "5511900000000", Status: store.SessionDisconnected}
	if err := st.UpsertSession(context.Background(), sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reg.Reconnect(context.Background(), "known"); err != nil {
				t.Errorf("Reconnect: %v", err)
			}
		}()
	}
	wg.Wait()

	client := nextClient(t, factory)
	select {
	case <-factory.created:
		t.Fatal("concurrent reconnects built a second client for one session")
	case <-time.After(100 * time.Millisecond):
	}

	client.events <- wa.Event{Kind: wa.EventReady, PhoneNumber: "5511900000000"}
	waitFor(t, "live", func() bool { return reg.LiveCount() == 1 })
}

func TestReconnectAfterDisconnectKeepsSuccessorLive(t *testing.T) {
	t.Parallel()
	reg, factory, _, _ := newTestRegistry(t)

	id, err := reg.Create(context.Background(), "principal")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c1 := nextClient(t, factory)
	c1.events <- wa.Event{Kind: wa.EventReady, PhoneNumber: "111"}
	waitFor(t, "live", func() bool { return reg.LiveCount() == 1 })

	c1.events <- wa.Event{Kind: wa.EventDisconnected, Reason: "socket closed"}
	waitFor(t, "not live", func() bool { return reg.LiveCount() == 0 })

	// The first pump may still be draining; reconnect is refused until its
	// registration is gone, so retry until a fresh client appears.
	var c2 *fakeClient
	waitFor(t, "second client", func() bool {
		if err := reg.Reconnect(context.Background(), id); err != nil {
			t.Fatalf("Reconnect: %v", err)
		}
		select {
		case c2 = <-factory.created:
			return true
		default:
			return false
		}
	})

	c2.events <- wa.Event{Kind: wa.EventReady, PhoneNumber: "111"}
	waitFor(t, "live again", func() bool { return reg.LiveCount() == 1 })

	// The predecessor's teardown must never evict its successor.
	time.Sleep(50 * time.Millisecond)
	got, ok := reg.Client(id)
	if !ok || got != wa.Client(c2) {
		t.Fatalf("live client = %v (ok=%v), want the reconnected client", got, ok)
	}
}
