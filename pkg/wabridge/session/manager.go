// Package session owns the chat session lifecycle: it creates the driver,
// consumes its events in arrival order, tracks the session state and keeps
// the contact directory and message cache fed.
//
// The driver's own ready signal is unreliable, so readiness has three
// sources that all converge on one idempotent transition: the ready event,
// a bounded wait after authentication, and a poll of the raw connection
// state when the bootstrap itself failed. A health monitor flags a driver
// that died while the session looked ready.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/wabridge/pkg/wabridge/contacts"
	"github.com/jholhewres/wabridge/pkg/wabridge/driver"
	"github.com/jholhewres/wabridge/pkg/wabridge/messages"
)

// Config tunes the session manager.
type Config struct {
	// ReadyTimeout bounds the wait for a ready event after authentication.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// PollInterval and PollAttempts drive the readiness poll loop used when
	// the driver bootstrap fails.
	PollInterval time.Duration `yaml:"poll_interval"`
	PollAttempts int           `yaml:"poll_attempts"`

	// HealthInterval is how often the driver liveness is checked (0 = off).
	HealthInterval time.Duration `yaml:"health_interval"`

	// RefreshSchedule is a cron spec for periodic contact refresh, e.g.
	// "@every 30m". Empty disables it.
	RefreshSchedule string `yaml:"refresh_schedule"`

	// AuthPaths are removed by ResetAuth.
	AuthPaths []string `yaml:"-"`
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		ReadyTimeout:    60 * time.Second,
		PollInterval:    5 * time.Second,
		PollAttempts:    60,
		HealthInterval:  15 * time.Second,
		RefreshSchedule: "@every 30m",
	}
}

// Errors.
var (
	ErrInitInProgress     = errors.New("session initialization already in progress")
	ErrRecoveryInProgress = errors.New("session recovery already in progress")
	ErrClosed             = errors.New("session manager closed")
)

// Manager is the session state machine.
type Manager struct {
	cfg       Config
	newDriver driver.Factory
	contacts  *contacts.Directory
	messages  *messages.Cache
	logger    *slog.Logger

	// ctx is the manager lifetime; every session context derives from it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	state       State
	drv         driver.Driver
	gen         uint64
	sessCancel  context.CancelFunc
	readyCh     chan struct{}
	authWait    bool
	pollStarted bool
	everReady   bool
	authFailure string
	discReason  string
	closed      bool

	initializing atomic.Bool
	recovering   atomic.Bool
	closeOnce    sync.Once

	qr qrHub

	obsMu     sync.Mutex
	observers []Observer

	cron *cron.Cron
}

// New creates a manager. Nothing runs until Initialize.
func New(cfg Config, newDriver driver.Factory, dir *contacts.Directory, cache *messages.Cache, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if newDriver == nil {
		return nil, fmt.Errorf("session: driver factory is required")
	}
	def := DefaultConfig()
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = def.PollAttempts
	}
	if dir == nil {
		dir = contacts.New(nil, logger)
	}
	if cache == nil {
		cache = messages.New(messages.DefaultConfig(), logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		newDriver: newDriver,
		contacts:  dir,
		messages:  cache,
		logger:    logger.With("component", "session"),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateUninitialized,
	}

	if cfg.RefreshSchedule != "" {
		c := cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		)))
		if _, err := c.AddFunc(cfg.RefreshSchedule, m.refreshContacts); err != nil {
			cancel()
			return nil, fmt.Errorf("session: invalid refresh schedule %q: %w", cfg.RefreshSchedule, err)
		}
		m.cron = c
		c.Start()
	}
	return m, nil
}

// Contacts returns the contact directory.
func (m *Manager) Contacts() *contacts.Directory { return m.contacts }

// Messages returns the message cache.
func (m *Manager) Messages() *messages.Cache { return m.messages }

// Driver returns the current driver, or nil when no session exists.
func (m *Manager) Driver() driver.Driver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.drv
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsReady reports whether writes and history operations may proceed.
func (m *Manager) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateReady && m.drv != nil && m.drv.Alive()
}

// Status returns a snapshot of the session. It has no side effects.
func (m *Manager) Status() Status {
	m.mu.RLock()
	state := m.state
	alive := m.drv != nil && m.drv.Alive()
	st := Status{
		State:            state,
		Status:           StatusOf(state, alive),
		Ready:            state == StateReady && alive,
		DriverAlive:      alive,
		ReadyObserved:    m.everReady,
		AuthFailure:      m.authFailure,
		DisconnectReason: m.discReason,
	}
	m.mu.RUnlock()

	_, _, st.HasChallenge = m.qr.current()
	st.ContactCount = m.contacts.Len()
	return st
}

// Challenge returns the pending QR payload, if any.
func (m *Manager) Challenge() (string, time.Time, bool) {
	return m.qr.current()
}

// SubscribeQR registers for QR events. The pending challenge, if any, is
// delivered immediately. Call the returned func to unsubscribe.
func (m *Manager) SubscribeQR() (<-chan QREvent, func()) {
	return m.qr.subscribe()
}

// AddObserver registers a state change observer.
func (m *Manager) AddObserver(obs Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, obs)
}

// Initialize creates and starts a driver session. It is a no-op while a
// session exists and fails with ErrInitInProgress when another call is
// already starting one.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.initializing.CompareAndSwap(false, true) {
		return ErrInitInProgress
	}
	defer m.initializing.Store(false)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.drv != nil {
		state := m.state
		m.mu.Unlock()
		m.logger.Debug("session: already initialized", "state", state)
		return nil
	}

	drv, err := m.newDriver()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("creating driver: %w", err)
	}

	m.gen++
	gen := m.gen
	sessCtx, cancel := context.WithCancel(m.ctx)
	m.drv = drv
	m.sessCancel = cancel
	m.readyCh = make(chan struct{})
	m.authWait = false
	m.pollStarted = false
	m.authFailure = ""
	m.discReason = ""
	prev := m.state
	m.state = StateInitializing
	m.mu.Unlock()

	m.notify(StateChange{State: StateInitializing, Previous: prev, Reason: "initialize"})

	events := drv.Events()
	m.wg.Add(1)
	go m.run(sessCtx, gen, events)

	m.logger.Info("session: starting driver", "generation", gen)
	startErr := drv.Start(sessCtx)
	if startErr != nil {
		m.logger.Warn("session: driver bootstrap failed, polling for readiness", "error", startErr)
		m.startPoll(sessCtx, gen)
	}
	m.startHealthMonitor(sessCtx, gen)

	// The session outlives the caller's context; report the cancellation
	// after the background tasks are in place.
	if startErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Close stops every background task and destroys the driver.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		if m.cron != nil {
			<-m.cron.Stop().Done()
		}
		m.teardown(ctx, "close")

		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.cancel()
		m.wg.Wait()
		m.qr.close()
		m.logger.Info("session: closed")
	})
	return nil
}

// run consumes driver events for one session generation.
func (m *Manager) run(ctx context.Context, gen uint64, events <-chan driver.Event) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				m.logger.Debug("session: driver event stream closed", "generation", gen)
				return
			}
			m.handle(ctx, gen, evt)
		}
	}
}

func (m *Manager) handle(ctx context.Context, gen uint64, evt driver.Event) {
	if !m.isCurrent(gen) {
		return
	}

	switch evt.Kind {
	case driver.EventChallenge:
		m.onChallenge(gen, evt.Challenge)

	case driver.EventAuthenticated:
		m.onAuthenticated(ctx, gen)

	case driver.EventReady:
		m.tryTransitionToReady(ctx, gen, "ready_event")

	case driver.EventAuthFailure:
		m.mu.Lock()
		m.authFailure = evt.Reason
		m.mu.Unlock()
		m.logger.Error("session: authentication failed", "reason", evt.Reason)

	case driver.EventDisconnected:
		m.onDisconnected(gen, evt.Reason)

	case driver.EventLifecycleHint:
		if evt.IndicatesConnected() {
			m.tryTransitionToReady(ctx, gen, "lifecycle_hint")
		} else {
			m.logger.Debug("session: lifecycle hint", "hint", evt.Hint)
		}

	case driver.EventMessage:
		m.onMessage(evt.Message)

	default:
		m.logger.Debug("session: ignoring unknown event", "kind", evt.Kind)
	}
}

func (m *Manager) onChallenge(gen uint64, code string) {
	if code == "" {
		return
	}
	prev, ok := m.transition(gen, StateAwaitingScan)
	if !ok {
		return
	}
	m.qr.publish(code)
	m.logger.Info("session: QR challenge received, waiting for scan")
	if prev != StateAwaitingScan {
		m.notify(StateChange{State: StateAwaitingScan, Previous: prev, Reason: "challenge"})
	}
}

func (m *Manager) onAuthenticated(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state == StateReady {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = StateAuthenticated
	start := !m.authWait
	m.authWait = true
	readyCh := m.readyCh
	m.mu.Unlock()

	m.qr.clear()
	m.logger.Info("session: authenticated, waiting for ready", "timeout", m.cfg.ReadyTimeout)
	m.notify(StateChange{State: StateAuthenticated, Previous: prev, Reason: "authenticated"})

	if start && readyCh != nil {
		m.wg.Add(1)
		go m.awaitReady(ctx, gen, readyCh)
	}
}

func (m *Manager) onDisconnected(gen uint64, reason string) {
	m.mu.Lock()
	if gen != m.gen || m.state == StateUninitialized || m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = StateDisconnected
	m.discReason = reason
	m.mu.Unlock()

	m.logger.Warn("session: disconnected", "reason", reason, "previous", prev)
	m.notify(StateChange{State: StateDisconnected, Previous: prev, Reason: reason})
}

func (m *Manager) onMessage(msg *driver.Message) {
	if msg == nil {
		return
	}
	m.messages.IngestLive(*msg)

	if msg.Direction == driver.Outbound {
		return
	}
	name := msg.SenderName
	if driver.IsGroupID(msg.ConversationID) {
		name = ""
	}
	m.contacts.Learn(msg.ConversationID, name)
}

// transition moves to state if gen is still current.
func (m *Manager) transition(gen uint64, to State) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.drv == nil {
		return m.state, false
	}
	prev := m.state
	m.state = to
	return prev, true
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return gen == m.gen && m.drv != nil
}

// teardown destroys the current driver session and returns to
// uninitialized. Events still queued from it are ignored.
func (m *Manager) teardown(ctx context.Context, reason string) {
	m.mu.Lock()
	drv := m.drv
	cancel := m.sessCancel
	m.drv = nil
	m.sessCancel = nil
	m.readyCh = nil
	m.gen++
	prev := m.state
	m.state = StateUninitialized
	m.mu.Unlock()

	m.qr.clear()
	if cancel != nil {
		cancel()
	}
	if drv != nil {
		if err := drv.Destroy(ctx); err != nil {
			m.logger.Warn("session: destroying driver failed", "error", err)
		}
	}
	if prev != StateUninitialized {
		m.notify(StateChange{State: StateUninitialized, Previous: prev, Reason: reason})
	}
}

func (m *Manager) notify(evt StateChange) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.obsMu.Lock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.obsMu.Unlock()

	for _, obs := range observers {
		m.wg.Add(1)
		go func(o Observer) {
			defer m.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Warn("session: observer panic", "error", r)
				}
			}()
			o.OnStateChange(evt)
		}(obs)
	}
}
