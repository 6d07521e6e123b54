package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Guzinn01/disp-whtas/internal/eventbus"
	"github.com/Guzinn01/disp-whtas/internal/store"
	"github.com/Guzinn01/disp-whtas/internal/wa"
	logx "github.com/Guzinn01/disp-whtas/pkg/logx"
)

var (
	ErrRunActive     = errors.New("dispatch: a run is already active")
	ErrImportActive  = errors.New("dispatch: a contact import is in progress")
	ErrNoRun         = errors.New("dispatch: no active run")
	ErrEmptyTemplate = errors.New("dispatch: message template is empty")
	ErrBadDelayRange = errors.New("dispatch: invalid delay range")
	ErrNoLiveSession = errors.New("dispatch: session is not connected")

	errNotRegistered = errors.New("number is not registered on the network")
)

// Run states as reported to the presentation layer.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StatePaused  = "paused"
)

// Terminal outcomes of a run.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// After this many consecutive status-write failures the run stops and
// reports instead of spinning against an unreachable store.
const maxPersistFailures = 3

// Params is the start command for one run.
type Params struct {
	SessionID string        `json:"session_id"`
	Template  string        `json:"template"`
	DelayMin  time.Duration `json:"delay_min"`
	DelayMax  time.Duration `json:"delay_max"`
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	Total     int    `json:"total"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
}

// ClientResolver resolves a live client for a session id. Satisfied by
// *session.Registry.
type ClientResolver interface {
	Client(id string) (wa.Client, bool)
}

type Config struct {
	// SendTimeout bounds one send attempt so a stuck transport surfaces as a
	// failed contact, not a stalled run.
	SendTimeout time.Duration
	// PausePoll is the coarse re-check interval while paused.
	PausePoll time.Duration
	// Placeholder is the template token substituted with the contact name
	// (matched case-insensitively inside braces).
	Placeholder string
	// RegisteredCheck short-circuits sends to unregistered numbers.
	RegisteredCheck bool
}

// Service executes at most one dispatch run at a time.
//
// The run is a single goroutine that walks the contact snapshot in order.
// Pause and cancel are cooperative flags observed at iteration boundaries
// and inside the pacing delay; an in-flight send is always allowed to finish
// and have its result recorded.
type Service struct {
	resolver ClientResolver
	store    store.Store
	bus      eventbus.Bus
	log      logx.Logger
	cfg      Config

	sub subst

	rngMu sync.Mutex
	rng   *rand.Rand

	mu         sync.Mutex
	state      string
	importing  bool
	paused     bool
	cancelCh   chan struct{}
	cancelOnce *sync.Once
	params     Params
	total      int
	sent       int
	failed     int
	runDone    chan struct{}
}

func New(resolver ClientResolver, st store.Store, bus eventbus.Bus, log logx.Logger, cfg Config) *Service {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = 500 * time.Millisecond
	}
	if cfg.Placeholder == "" {
		cfg.Placeholder = "nome"
	}
	return &Service{
		resolver: resolver,
		store:    st,
		bus:      bus,
		log:      log,
		cfg:      cfg,
		sub:      newSubst(cfg.Placeholder),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		state:    StateIdle,
	}
}

// Status reports the current run state and counters.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, Total: s.total, Sent: s.sent, Failed: s.failed}
	if s.state != StateIdle {
		st.SessionID = s.params.SessionID
		if s.paused {
			st.State = StatePaused
		}
	}
	return st
}

// Idle reports whether the controller is fully quiescent: no run and no
// import in flight.
func (s *Service) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateIdle && !s.importing
}

// BeginImport reserves the controller for a contact import. The contact
// table is the run's snapshot source, so an import and a run must never
// interleave: BeginImport fails with ErrRunActive while a run is active,
// and Start fails with ErrImportActive until release is called.
func (s *Service) BeginImport() (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle || s.importing {
		return nil, ErrRunActive
	}
	s.importing = true
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.importing = false
			s.mu.Unlock()
		})
	}, nil
}

// Start validates the command, snapshots the prepared contacts, and launches
// the run. ctx should be the application lifetime context, not a request
// context: cancelling it cancels the run.
func (s *Service) Start(ctx context.Context, p Params) error {
	if p.Template == "" {
		return ErrEmptyTemplate
	}
	if p.DelayMin < 0 || p.DelayMax < p.DelayMin {
		return fmt.Errorf("%w: min=%s max=%s", ErrBadDelayRange, p.DelayMin, p.DelayMax)
	}
	client, ok := s.resolver.Client(p.SessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoLiveSession, p.SessionID)
	}

	s.mu.Lock()
	if s.importing {
		s.mu.Unlock()
		return ErrImportActive
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrRunActive
	}
	// Reserve the run slot before the snapshot so imports can't interleave.
	s.state = StateRunning
	s.paused = false
	s.cancelCh = make(chan struct{})
	s.cancelOnce = new(sync.Once)
	s.params = p
	s.total, s.sent, s.failed = 0, 0, 0
	s.runDone = make(chan struct{})
	cancelCh := s.cancelCh
	runDone := s.runDone
	s.mu.Unlock()

	queue, err := s.store.ListPrepared(ctx)
	if err != nil {
		s.reset()
		close(runDone)
		return fmt.Errorf("dispatch: snapshot contacts: %w", err)
	}

	s.mu.Lock()
	s.total = len(queue)
	s.mu.Unlock()

	if len(queue) == 0 {
		// Nothing to do is a normal, immediate completion.
		s.finish(OutcomeCompleted, 0, 0, 0)
		close(runDone)
		return nil
	}

	s.log.Info("dispatch run started",
		logx.String("session", p.SessionID),
		logx.Int("contacts", len(queue)),
		logx.Duration("delay_min", p.DelayMin),
		logx.Duration("delay_max", p.DelayMax))

	go func() {
		defer close(runDone)
		s.run(ctx, p, queue, client, cancelCh)
	}()
	return nil
}

// PauseToggle flips the pause flag of the active run. Re-issuing while
// paused resumes. Returns the new paused state.
func (s *Service) PauseToggle() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return false, ErrNoRun
	}
	s.paused = !s.paused
	paused := s.paused
	s.log.Info("dispatch pause toggled", logx.Bool("paused", paused))
	return paused, nil
}

// Cancel requests a cooperative stop. It takes effect at the next checkpoint
// (pause wait, iteration boundary, or pacing delay), never mid-send.
func (s *Service) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return ErrNoRun
	}
	ch := s.cancelCh
	s.cancelOnce.Do(func() { close(ch) })
	s.log.Info("dispatch cancellation requested")
	return nil
}

// Wait blocks until the current run (if any) finishes. Test and shutdown helper.
func (s *Service) Wait() {
	s.mu.Lock()
	done := s.runDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Service) run(ctx context.Context, p Params, queue []store.Contact, client wa.Client, cancelCh chan struct{}) {
	start := time.Now()
	outcome := OutcomeCompleted
	sent, failed := 0, 0
	persistFails := 0

loop:
	for i, c := range queue {
		if !s.waitWhilePaused(ctx, cancelCh) {
			outcome = OutcomeCancelled
			break
		}
		select {
		case <-cancelCh:
			outcome = OutcomeCancelled
			break loop
		case <-ctx.Done():
			outcome = OutcomeCancelled
			break loop
		default:
		}

		body := s.sub.apply(p.Template, c.Name)
		err := s.sendOne(ctx, client, c.Phone, body)

		status := store.ContactSent
		reason := ""
		if err != nil {
			status = store.ContactFailed
			reason = err.Error()
			failed++
			s.log.Warn("send failed",
				logx.String("name", c.Name), logx.String("phone", c.Phone), logx.Err(err))
		} else {
			sent++
			s.log.Info("message sent",
				logx.String("name", c.Name), logx.String("phone", c.Phone))
		}

		if uerr := s.store.UpdateContactStatus(ctx, c.Phone, status); uerr != nil {
			persistFails++
			s.log.Error("contact status update failed",
				logx.String("phone", c.Phone), logx.Err(uerr))
			if persistFails >= maxPersistFailures {
				outcome = OutcomeFailed
				s.updateCounters(sent, failed)
				break
			}
		} else {
			persistFails = 0
		}

		s.updateCounters(sent, failed)
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeDispatchProgress,
			Data: eventbus.DispatchProgress{Name: c.Name, Phone: c.Phone, Sent: err == nil, Reason: reason},
		})

		if i == len(queue)-1 {
			break // no trailing delay after the last contact
		}
		if !s.pace(ctx, cancelCh, p.DelayMin, p.DelayMax) {
			outcome = OutcomeCancelled
			break
		}
	}

	s.finish(outcome, sent, failed, time.Since(start).Milliseconds())
}

// waitWhilePaused blocks while the pause flag is set, re-checking at a
// coarse interval. Returns false if cancelled during the wait.
func (s *Service) waitWhilePaused(ctx context.Context, cancelCh <-chan struct{}) bool {
	for {
		select {
		case <-cancelCh:
			return false
		case <-ctx.Done():
			return false
		default:
		}

		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if !paused {
			return true
		}

		t := time.NewTimer(s.cfg.PausePoll)
		select {
		case <-cancelCh:
			t.Stop()
			return false
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

// draw picks a uniform delay from [min, max], both ends inclusive, at
// millisecond granularity. With min == max the pacing is deterministic.
func (s *Service) draw(min, max time.Duration) time.Duration {
	minMs := min.Milliseconds()
	maxMs := max.Milliseconds()
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return time.Duration(minMs+s.rng.Int63n(maxMs-minMs+1)) * time.Millisecond
}

// pace suspends the loop for one pacing delay. Returns false if cancelled
// before it elapses.
func (s *Service) pace(ctx context.Context, cancelCh <-chan struct{}, min, max time.Duration) bool {
	d := s.draw(min, max)
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	select {
	case <-cancelCh:
		t.Stop()
		return false
	case <-ctx.Done():
		t.Stop()
		return false
	case <-t.C:
		return true
	}
}

func (s *Service) sendOne(ctx context.Context, client wa.Client, phone, body string) error {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	if s.cfg.RegisteredCheck {
		reg, err := client.IsRegistered(sctx, phone)
		if err != nil {
			return err
		}
		if !reg {
			return errNotRegistered
		}
	}
	return client.SendMessage(sctx, phone, body)
}

func (s *Service) updateCounters(sent, failed int) {
	s.mu.Lock()
	s.sent = sent
	s.failed = failed
	s.mu.Unlock()
}

func (s *Service) finish(outcome string, sent, failed int, tookMS int64) {
	s.updateCounters(sent, failed)

	actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := s.store.AppendAudit(actx, store.AuditEntry{
		Action: "dispatch",
		Target: s.paramsSessionID(),
		OK:     sent,
		Fail:   failed,
		Error:  auditError(outcome),
		TookMS: tookMS,
	}); err != nil {
		s.log.Warn("audit append failed", logx.Err(err))
	}
	cancel()

	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeDispatchFinished,
		Data: eventbus.DispatchFinished{Outcome: outcome, SentCount: sent, FailedCount: failed},
	})
	s.log.Info("dispatch run finished",
		logx.String("outcome", outcome), logx.Int("sent", sent), logx.Int("failed", failed))

	s.reset()
}

func (s *Service) reset() {
	s.mu.Lock()
	s.state = StateIdle
	s.paused = false
	s.cancelCh = nil
	s.mu.Unlock()
}

func (s *Service) paramsSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.SessionID
}

func auditError(outcome string) string {
	if outcome == OutcomeCompleted {
		return ""
	}
	return outcome
}
