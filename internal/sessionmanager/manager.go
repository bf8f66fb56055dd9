// Package sessionmanager implements C4: a process-scoped registry that
// creates Sessions lazily, routes commands to them, enforces at-most-one-
// live-shell per session id, and orchestrates teardown (spec §4.4).
package sessionmanager

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sandboxd/internal/common/apperr"
	"github.com/kandev/sandboxd/internal/common/logger"
	"github.com/kandev/sandboxd/internal/common/stringutil"
	"github.com/kandev/sandboxd/internal/events"
	"github.com/kandev/sandboxd/internal/events/bus"
	"github.com/kandev/sandboxd/internal/session"
)

// Defaults applied whenever a CreateOptions field is left zero.
type Defaults struct {
	Cwd            string
	CommandTimeout time.Duration
	MaxOutputBytes int64
	PollInterval   time.Duration
	KillGrace      time.Duration
	Locale         string
}

// CreateOptions configures a newly-created session.
type CreateOptions struct {
	ID             string
	Cwd            string
	Env            map[string]string
	CommandTimeout time.Duration
	MaxOutputBytes int64
}

// Manager is the process-wide id → Session registry.
type Manager struct {
	log      *logger.Logger
	bus      bus.EventBus
	defaults Defaults

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New constructs a Manager. eventBus may be nil, in which case lifecycle
// events are not published.
func New(defaults Defaults, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		log:      log.WithFields(zap.String("component", "session-manager")),
		bus:      eventBus,
		defaults: defaults,
		sessions: make(map[string]*session.Session),
	}
}

// CreateSession fails if the id already exists; otherwise creates,
// initializes, and inserts the session (spec §4.4).
func (m *Manager) CreateSession(ctx context.Context, opts CreateOptions) (*session.Session, *apperr.AppError) {
	m.mu.Lock()
	if _, exists := m.sessions[opts.ID]; exists {
		m.mu.Unlock()
		return nil, apperr.SessionAlreadyExists(opts.ID)
	}
	// Reserve the id immediately so concurrent creates cannot both pass the
	// existence check (spec invariant: at most one live shell per id).
	m.sessions[opts.ID] = nil
	m.mu.Unlock()

	s := session.New(m.sessionOptions(opts), m.log)
	if err := s.Initialize(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, opts.ID)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[opts.ID] = s
	m.mu.Unlock()

	m.publish(ctx, events.SessionCreated, opts.ID, nil)
	m.log.Info("session created", zap.String("session_id", opts.ID))
	return s, nil
}

func (m *Manager) sessionOptions(opts CreateOptions) session.Options {
	cwd := opts.Cwd
	if cwd == "" {
		cwd = m.defaults.Cwd
	}
	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = m.defaults.CommandTimeout
	}
	maxBytes := opts.MaxOutputBytes
	if maxBytes <= 0 {
		maxBytes = m.defaults.MaxOutputBytes
	}
	return session.Options{
		ID:             opts.ID,
		Cwd:            cwd,
		Env:            opts.Env,
		CommandTimeout: timeout,
		MaxOutputBytes: maxBytes,
		PollInterval:   m.defaults.PollInterval,
		KillGrace:      m.defaults.KillGrace,
		Locale:         m.defaults.Locale,
	}
}

// GetSession returns the existing Session or a NotFound result.
func (m *Manager) GetSession(id string) (*session.Session, *apperr.AppError) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || s == nil {
		return nil, apperr.SessionNotFound(id)
	}
	return s, nil
}

// ListSessions returns every currently-registered session id.
func (m *Manager) ListSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// getOrCreate returns the existing session, or lazily creates one with the
// given cwd/timeout overrides (spec §4.4: executeInSession/executeStreamInSession
// "lazily creates a session on NotFound").
func (m *Manager) getOrCreate(ctx context.Context, id, cwd string, timeout time.Duration) (*session.Session, *apperr.AppError) {
	if s, err := m.GetSession(id); err == nil {
		return s, nil
	}

	opts := CreateOptions{ID: id, Cwd: cwd, CommandTimeout: timeout}
	if opts.Cwd == "" {
		opts.Cwd = m.defaults.Cwd
	}
	return m.CreateSession(ctx, opts)
}

// ExecuteInSession lazily creates a session on NotFound and runs a blocking
// command against it.
func (m *Manager) ExecuteInSession(ctx context.Context, id, command, cwd string, timeoutMs int) (session.ExecResult, *apperr.AppError) {
	var timeout time.Duration
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	s, err := m.getOrCreate(ctx, id, cwd, timeout)
	if err != nil {
		return session.ExecResult{}, err
	}
	return s.Exec(ctx, command, session.ExecOptions{Cwd: cwd})
}

// ExecuteStreamInSession lazily creates the session, starts the underlying
// stream, and suspends exactly once on the first event before returning, so
// the command is registered — and therefore killable — before the caller
// can race to kill it (spec §4.4, §5, invariant 4).
func (m *Manager) ExecuteStreamInSession(ctx context.Context, id, command string, cwd, commandID string, onEvent func(session.Event)) *apperr.AppError {
	s, err := m.getOrCreate(ctx, id, cwd, 0)
	if err != nil {
		return err
	}

	events, err := s.ExecStream(ctx, command, session.ExecOptions{Cwd: cwd, CommandID: commandID})
	if err != nil {
		return err
	}

	first, ok := <-events
	if !ok {
		return apperr.Internal("stream closed before any event was observed", nil)
	}
	onEvent(first)

	go func() {
		for ev := range events {
			onEvent(ev)
		}
	}()
	return nil
}

// KillCommand delegates to the named session, surfacing CommandNotFound
// when the session exists but the command is unknown or already completed.
func (m *Manager) KillCommand(sessionID, commandID string) *apperr.AppError {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	if !s.KillCommand(commandID) {
		return apperr.CommandNotFound(commandID)
	}
	return nil
}

// SetEnvVars runs one `export KEY='value'` per entry via exec so the
// variables persist for future commands on the session.
func (m *Manager) SetEnvVars(ctx context.Context, sessionID string, vars map[string]string) *apperr.AppError {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	for k, v := range vars {
		cmd := "export " + k + "=" + stringutil.ShellQuote(v)
		if _, execErr := s.Exec(ctx, cmd, session.ExecOptions{}); execErr != nil {
			return execErr
		}
	}
	return nil
}

// DeleteSession tears down and removes one session.
func (m *Manager) DeleteSession(ctx context.Context, id string) *apperr.AppError {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return apperr.SessionNotFound(id)
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	if s != nil {
		s.Destroy(ctx)
	}
	m.publish(ctx, events.SessionDestroyed, id, nil)
	return nil
}

// Destroy tears down every session, swallowing per-session failures into
// the log (spec §4.4, §5: "reporting individual failures without
// short-circuiting").
func (m *Manager) Destroy(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.DeleteSession(ctx, id); err != nil {
			m.log.Warn("error destroying session during shutdown", zap.String("session_id", id), zap.Error(err))
		}
	}
}

func (m *Manager) publish(ctx context.Context, eventType, sessionID string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["sessionId"] = sessionID
	if err := m.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "sandboxd", data)); err != nil {
		m.log.Debug("failed to publish session event", zap.String("type", eventType), zap.Error(err))
	}
}
