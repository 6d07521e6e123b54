package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Guzinn01/disp-whtas/internal/eventbus"
	"github.com/Guzinn01/disp-whtas/internal/store"
	"github.com/Guzinn01/disp-whtas/internal/wa"
	logx "github.com/Guzinn01/disp-whtas/pkg/logx"
)

var (
	ErrUnknownSession = errors.New("session: unknown session id")
	ErrEmptyName      = errors.New("session: display name is required")
)

// Registry owns the mapping of session ids to live clients.
//
// Two maps, both guarded by mu:
//   - procs: every session whose client lifecycle is running (connecting or
//     connected). Holds the cancel/done handles for its pump goroutine.
//   - live: the subset that is authenticated and connected. A session id in
//     live always has status connected in the store.
//
// Lifecycle events for one session are serialized by that session's pump
// goroutine; pumps of different sessions interleave freely.
type Registry struct {
	factory wa.Factory
	store   store.Store
	bus     eventbus.Bus
	log     logx.Logger

	mu    sync.RWMutex
	live  map[string]wa.Client
	procs map[string]*proc

	wg sync.WaitGroup

	// settleTimeout bounds how long Remove waits for a graceful disconnect.
	settleTimeout time.Duration
}

type proc struct {
	client wa.Client // nil until the factory returns; guarded by Registry.mu
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRegistry(factory wa.Factory, st store.Store, bus eventbus.Bus, log logx.Logger) *Registry {
	return &Registry{
		factory:       factory,
		store:         st,
		bus:           bus,
		log:           log,
		live:          map[string]wa.Client{},
		procs:         map[string]*proc{},
		settleTimeout: 10 * time.Second,
	}
}

// Create registers a new session and starts its authentication handshake
// asynchronously. It returns as soon as the record is persisted.
func (r *Registry) Create(ctx context.Context, displayName string) (string, error) {
	if displayName == "" {
		return "", ErrEmptyName
	}
	id := uuid.NewString()
	sess := store.Session{ID: id, Name: displayName, Status: store.SessionPending}
	if err := r.store.UpsertSession(ctx, sess); err != nil {
		return "", fmt.Errorf("session: persist: %w", err)
	}
	r.start(id, "")
	return id, nil
}

// Reconnect re-instantiates a client for a known session, reusing persisted
// credential material when present. No-op if the session is already running.
func (r *Registry) Reconnect(ctx context.Context, id string) error {
	sess, err := r.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownSession
	}
	if err != nil {
		return err
	}

	// start registers atomically and refuses if a pump for id is already
	// running, so concurrent reconnects can't build two clients.
	r.start(id, sess.PhoneNumber)
	return nil
}

// Remove gracefully disconnects a live client (waiting for it to settle) and
// always deletes the persisted record, live or not.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	p := r.procs[id]
	var client wa.Client
	if p != nil {
		client = p.client
	}
	delete(r.live, id)
	r.mu.Unlock()

	if p != nil {
		if client != nil {
			// Logout invalidates the credentials; a removed session must not
			// be able to silently resume.
			lctx, cancel := context.WithTimeout(ctx, r.settleTimeout)
			if err := client.Logout(lctx); err != nil {
				r.log.Warn("logout during removal failed", logx.String("session", id), logx.Err(err))
				client.Disconnect()
			}
			cancel()
		}
		p.cancel()
		select {
		case <-p.done:
		case <-time.After(r.settleTimeout):
			r.log.Warn("session did not settle before removal", logx.String("session", id))
		}
	}

	if err := r.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("session: delete record: %w", err)
	}
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeSessionRemoved,
		Data: eventbus.SessionRemoved{SessionID: id},
	})
	return nil
}

// Disconnect gracefully disconnects a live client. Idempotent: with no live
// client it only settles the persisted status.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	r.mu.Lock()
	p := r.procs[id]
	var client wa.Client
	if p != nil {
		client = p.client
	}
	delete(r.live, id)
	r.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	if p != nil {
		p.cancel()
	}

	err := r.store.UpdateSessionStatus(ctx, id, store.SessionDisconnected)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownSession
	}
	return err
}

// Client resolves a live client for the dispatcher. Never creates one.
func (r *Registry) Client(id string) (wa.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.live[id]
	return c, ok
}

// LiveCount reports how many sessions currently hold a connected client.
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// Shutdown disconnects every running client and waits for the pumps to drain.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	for id, p := range r.procs {
		if p.client != nil {
			p.client.Disconnect()
		}
		p.cancel()
		delete(r.live, id)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// start builds the client and runs its lifecycle pump. Never blocks on the
// handshake; progress arrives as events. Registration is register-or-refuse
// under one lock: at most one pump (and so at most one live client) ever
// exists per session id. Reports whether a pump was started.
func (r *Registry) start(id, phoneNumber string) bool {
	pctx, cancel := context.WithCancel(context.Background())
	p := &proc{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if _, running := r.procs[id]; running {
		r.mu.Unlock()
		cancel()
		return false
	}
	r.procs[id] = p
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			// Tear down only this pump's registrations; a newer pump may
			// own the entries by the time a stale one drains.
			if r.procs[id] == p {
				delete(r.live, id)
				delete(r.procs, id)
			}
			r.mu.Unlock()
			cancel()
			close(p.done)
		}()

		log := r.log.With(logx.String("session", id))

		client, err := r.factory(pctx, id, phoneNumber)
		if err != nil {
			log.Error("client construction failed", logx.Err(err))
			r.setStatus(id, store.SessionInvalid)
			return
		}

		r.mu.Lock()
		p.client = client
		r.mu.Unlock()

		r.setStatus(id, store.SessionConnecting)
		if err := client.Connect(pctx); err != nil {
			log.Error("connect failed", logx.Err(err))
			r.setStatus(id, store.SessionDisconnected)
			r.bus.Publish(eventbus.Event{
				Type: eventbus.TypeSessionDisconnected,
				Data: eventbus.SessionDisconnected{SessionID: id, Reason: err.Error()},
			})
			return
		}

		r.pump(pctx, id, client, log)
	}()
	return true
}

// pump serializes one session's lifecycle events until the session ends.
func (r *Registry) pump(ctx context.Context, id string, client wa.Client, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-client.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case wa.EventChallenge:
				log.Debug("credential challenge issued")
				r.bus.Publish(eventbus.Event{
					Type: eventbus.TypeSessionChallenge,
					Data: eventbus.SessionChallenge{SessionID: id, Payload: ev.Payload},
				})

			case wa.EventReady:
				log.Info("session ready", logx.String("phone", ev.PhoneNumber))
				if err := r.persistReady(id, ev.PhoneNumber); err != nil {
					log.Error("persisting ready state failed", logx.Err(err))
				}
				r.mu.Lock()
				r.live[id] = client
				r.mu.Unlock()
				r.bus.Publish(eventbus.Event{
					Type: eventbus.TypeSessionReady,
					Data: eventbus.SessionReady{SessionID: id, PhoneNumber: ev.PhoneNumber},
				})

			case wa.EventDisconnected:
				log.Warn("session disconnected", logx.String("reason", ev.Reason))
				// May race with Remove/Disconnect having already dropped the
				// entry; deleting an absent key is fine.
				r.mu.Lock()
				delete(r.live, id)
				r.mu.Unlock()
				r.setStatus(id, store.SessionDisconnected)
				r.bus.Publish(eventbus.Event{
					Type: eventbus.TypeSessionDisconnected,
					Data: eventbus.SessionDisconnected{SessionID: id, Reason: ev.Reason},
				})
				return

			case wa.EventAuthFailure:
				log.Warn("authentication failure; purging session", logx.String("reason", ev.Reason))
				r.mu.Lock()
				delete(r.live, id)
				r.mu.Unlock()
				// Credentials are permanently invalid: hard-delete the record
				// so nothing retries them silently.
				dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := r.store.DeleteSession(dctx, id); err != nil {
					log.Error("purging session record failed", logx.Err(err))
				}
				cancel()
				r.bus.Publish(eventbus.Event{
					Type: eventbus.TypeSessionRemoved,
					Data: eventbus.SessionRemoved{SessionID: id, AuthFailure: true, Reason: ev.Reason},
				})
				return
			}
		}
	}
}

func (r *Registry) persistReady(id, phone string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := r.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	sess.PhoneNumber = phone
	sess.Status = store.SessionConnected
	return r.store.UpsertSession(ctx, sess)
}

func (r *Registry) setStatus(id, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.UpdateSessionStatus(ctx, id, status); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.log.Error("session status update failed",
			logx.String("session", id), logx.String("status", status), logx.Err(err))
	}
}
