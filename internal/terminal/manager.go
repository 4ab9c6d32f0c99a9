// Package terminal implements the session broker: shells on pseudo-terminals
// shared by any number of websocket clients.
package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/termshare/internal/domain"
	"github.com/google/uuid"
)

const journalTimeout = 5 * time.Second

var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// EventPublisher receives session lifecycle events.
type EventPublisher interface {
	Publish(evt domain.LifecycleEvent)
}

// Journal persists session lifecycle records. Failures are logged and
// never affect the session.
type Journal interface {
	RecordSessionCreated(ctx context.Context, rec *domain.SessionRecord) error
	RecordSessionClosed(ctx context.Context, id string, closedAt time.Time, reason string, exitCode *int, transcript []byte) error
}

// ManagerConfig holds defaults applied to every new session.
type ManagerConfig struct {
	DefaultPolicy   domain.ResizePolicy
	DefaultGeometry domain.Geometry
	ScrollbackSize  int
	ClientQueueSize int
	// CloseTimeout bounds how long Delete waits for a shell to go away.
	CloseTimeout time.Duration
}

// CreateOptions override the defaults for one session.
type CreateOptions struct {
	Policy   domain.ResizePolicy
	Geometry *domain.Geometry
}

// SessionManager is the process-wide registry of live sessions, keyed by
// name. Its lock only guards the map; it is never held while a session
// negotiates, spawns or terminates.
type SessionManager struct {
	spawner Spawner
	events  EventPublisher
	journal Journal
	cfg     ManagerConfig

	mu       sync.RWMutex
	sessions map[string]*Session
	pending  map[string]struct{}
	closed   bool
}

// NewSessionManager creates a registry. events and journal may be nil.
func NewSessionManager(spawner Spawner, events EventPublisher, journal Journal, cfg ManagerConfig) *SessionManager {
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = domain.PolicyLargest
	}
	if cfg.DefaultGeometry == (domain.Geometry{}) {
		cfg.DefaultGeometry = domain.DefaultGeometry
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}
	return &SessionManager{
		spawner:  spawner,
		events:   events,
		journal:  journal,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		pending:  make(map[string]struct{}),
	}
}

// ClientQueueSize is the per-client outbound queue length new clients get.
func (m *SessionManager) ClientQueueSize() int {
	return m.cfg.ClientQueueSize
}

// ValidName reports whether name can address a session.
func ValidName(name string) bool {
	return sessionNamePattern.MatchString(name)
}

// Create spawns a shell and registers it under name. The name is reserved
// while the shell starts, so a concurrent Create with the same name fails
// with ErrNameConflict. A spawn failure leaves no trace in the registry.
func (m *SessionManager) Create(ctx context.Context, name string, opts CreateOptions) (*Session, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidName, name)
	}

	policy := opts.Policy
	if policy == "" {
		policy = m.cfg.DefaultPolicy
	}
	geometry := m.cfg.DefaultGeometry
	if opts.Geometry != nil {
		geometry = opts.Geometry.Clamp()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrRegistryClosed
	}
	if _, exists := m.sessions[name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", domain.ErrNameConflict, name)
	}
	if _, exists := m.pending[name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", domain.ErrNameConflict, name)
	}
	m.pending[name] = struct{}{}
	m.mu.Unlock()

	id := uuid.NewString()
	proc, err := m.spawner.Spawn(ctx, SpawnSpec{SessionID: id, Name: name, Geometry: geometry})
	if err != nil {
		m.mu.Lock()
		delete(m.pending, name)
		m.mu.Unlock()
		slog.Error("Failed to spawn shell", "session", name, "backend", m.spawner.Backend(), "error", err)
		return nil, fmt.Errorf("%w: %w", domain.ErrSpawnFailed, err)
	}

	s := newSession(SessionOptions{
		ID:             id,
		Name:           name,
		Backend:        m.spawner.Backend(),
		Policy:         policy,
		Geometry:       geometry,
		ScrollbackSize: m.cfg.ScrollbackSize,
	}, proc, m)

	// Announced while the name is still pending, so no Delete can reach
	// the session before its creation is published and journaled.
	slog.Info("Session created", "session", name, "session_id", id, "policy", policy, "geometry", geometry.String(), "backend", m.spawner.Backend())
	m.publish(domain.EventSessionCreated, name)
	m.recordCreated(s, policy)

	m.mu.Lock()
	delete(m.pending, name)
	if m.closed {
		m.mu.Unlock()
		s.start()
		closeCtx, cancel := context.WithTimeout(context.Background(), m.cfg.CloseTimeout)
		defer cancel()
		s.Close(closeCtx, domain.ReasonShutdown)
		return nil, domain.ErrRegistryClosed
	}
	m.sessions[name] = s
	m.mu.Unlock()

	s.start()
	return s, nil
}

// Get returns the live session called name.
func (m *SessionManager) Get(name string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrNotFound, name)
	}
	return s, nil
}

// List returns descriptors of live sessions, oldest first.
func (m *SessionManager) List() []domain.SessionInfo {
	sessions := m.snapshot()

	out := make([]domain.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		info := s.Info()
		if info.State == domain.StateClosed {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Count returns the number of registered sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Delete terminates the named session and returns once it is Closed and
// unregistered, or ctx expires.
func (m *SessionManager) Delete(ctx context.Context, name string) error {
	return m.closeSession(ctx, name, domain.ReasonDeleted)
}

func (m *SessionManager) closeSession(ctx context.Context, name, reason string) error {
	s, err := m.Get(name)
	if err != nil {
		return err
	}
	closeCtx, cancel := context.WithTimeout(ctx, m.cfg.CloseTimeout)
	defer cancel()
	s.Close(closeCtx, reason)
	m.remove(s)
	return nil
}

// Shutdown closes every session and refuses further creates.
func (m *SessionManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	sessions := m.snapshot()
	if len(sessions) == 0 {
		return
	}
	slog.Info("Closing sessions", "count", len(sessions))

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			closeCtx, cancel := context.WithTimeout(ctx, m.cfg.CloseTimeout)
			defer cancel()
			s.Close(closeCtx, domain.ReasonShutdown)
		}(s)
	}
	wg.Wait()
}

func (m *SessionManager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *SessionManager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.sessions[s.name]; ok && current == s {
		delete(m.sessions, s.name)
	}
}

func (m *SessionManager) publish(t domain.EventType, name string) {
	if m.events == nil {
		return
	}
	m.events.Publish(domain.LifecycleEvent{Type: t, Name: name, At: time.Now()})
}

func (m *SessionManager) sessionTerminating(s *Session, _ string) {
	m.publish(domain.EventSessionDeleted, s.name)
}

func (m *SessionManager) sessionClosed(s *Session) {
	m.remove(s)
	m.recordClosed(s)
}

func (m *SessionManager) recordCreated(s *Session, policy domain.ResizePolicy) {
	if m.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	err := m.journal.RecordSessionCreated(ctx, &domain.SessionRecord{
		ID:        s.id,
		Name:      s.name,
		Backend:   s.backend,
		Policy:    policy,
		CreatedAt: s.createdAt,
	})
	if err != nil {
		slog.Warn("Failed to journal session creation", "session", s.name, "error", err)
	}
}

func (m *SessionManager) recordClosed(s *Session) {
	if m.journal == nil {
		return
	}
	var exitCode *int
	if code := s.ExitCode(); code >= 0 {
		exitCode = &code
	}

	s.mu.Lock()
	closedAt := s.closedAt
	reason := s.reason
	transcript := s.scrollback.Bytes()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := m.journal.RecordSessionClosed(ctx, s.id, closedAt, reason, exitCode, transcript); err != nil {
		slog.Warn("Failed to journal session close", "session", s.name, "error", err)
	}
}
