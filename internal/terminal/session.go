package terminal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/termshare/internal/domain"
)

var errAlreadyAttached = errors.New("client is already attached to a session")

// sessionHooks lets the registry observe lifecycle transitions. Both are
// called without the session lock held.
type sessionHooks interface {
	sessionTerminating(s *Session, reason string)
	sessionClosed(s *Session)
}

// SessionOptions configure a new session.
type SessionOptions struct {
	ID             string
	Name           string
	Backend        string
	Policy         domain.ResizePolicy
	Geometry       domain.Geometry
	ScrollbackSize int
}

// Session is one shell shared by any number of attached clients.
//
// Client set, geometry and scrollback are only touched under mu. A single
// pump goroutine moves process output to the scrollback and to every
// attached client's queue.
type Session struct {
	id        string
	name      string
	backend   string
	createdAt time.Time
	proc      Process
	hooks     sessionHooks
	log       *slog.Logger

	mu         sync.Mutex
	state      domain.State
	reason     string
	negotiator *Negotiator
	scrollback *CircularBuffer
	clients    map[*Client]struct{}
	idleSince  time.Time
	closedAt   time.Time

	pumpDone  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(opts SessionOptions, proc Process, hooks sessionHooks) *Session {
	now := time.Now()
	s := &Session{
		id:         opts.ID,
		name:       opts.Name,
		backend:    opts.Backend,
		createdAt:  now,
		proc:       proc,
		hooks:      hooks,
		log:        slog.With("session", opts.Name, "session_id", opts.ID),
		state:      domain.StateActive,
		negotiator: NewNegotiator(opts.Policy, opts.Geometry),
		scrollback: NewCircularBuffer(opts.ScrollbackSize),
		clients:    make(map[*Client]struct{}),
		idleSince:  now,
		pumpDone:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	return s
}

// start begins moving process output to clients. The registry calls it
// once the session is installed, so lifecycle events keep their order.
func (s *Session) start() {
	go s.pump()
}

// ID returns the server-assigned id.
func (s *Session) ID() string { return s.id }

// Name returns the user-chosen name.
func (s *Session) Name() string { return s.name }

// Done is closed once the session is Closed and unregistered.
func (s *Session) Done() <-chan struct{} { return s.done }

// PID returns the shell's process id, or 0 when the backend has none.
func (s *Session) PID() int { return s.proc.PID() }

// ExitCode is the shell's exit status once the session is closed.
func (s *Session) ExitCode() int { return s.proc.ExitCode() }

// State returns the current lifecycle state.
func (s *Session) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns why the session left Active, if it has.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Geometry returns the negotiated pty size.
func (s *Session) Geometry() domain.Geometry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiator.Current()
}

// Info returns the session descriptor.
func (s *Session) Info() domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() domain.SessionInfo {
	return domain.SessionInfo{
		ID:        s.id,
		Name:      s.name,
		State:     s.state,
		Geometry:  s.negotiator.Current(),
		Policy:    s.negotiator.Policy(),
		Backend:   s.backend,
		Clients:   len(s.clients),
		PID:       s.proc.PID(),
		CreatedAt: s.createdAt,
	}
}

// Detail returns the descriptor plus the attached clients.
func (s *Session) Detail() domain.SessionDetail {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := domain.SessionDetail{
		SessionInfo:     s.infoLocked(),
		ScrollbackBytes: s.scrollback.Len(),
		AttachedClients: make([]domain.ClientInfo, 0, len(s.clients)),
	}
	for c := range s.clients {
		d.AttachedClients = append(d.AttachedClients, c.info())
	}
	return d
}

// Transcript returns a copy of the scrollback.
func (s *Session) Transcript() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrollback.Bytes()
}

// IdleFor reports how long an active session has had no clients.
func (s *Session) IdleFor(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateActive || len(s.clients) > 0 {
		return 0, false
	}
	return now.Sub(s.idleSince), true
}

// Attach adds c to the session. The client first receives the current
// geometry and a one-shot replay of the scrollback, then live output.
// Both are queued under the session lock, so no byte is delivered twice
// or skipped at the replay boundary. viewport may be nil.
func (s *Session) Attach(c *Client, viewport *domain.Geometry) error {
	if !c.owner.CompareAndSwap(nil, s) {
		return errAlreadyAttached
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.StateActive {
		c.owner.Store(nil)
		return domain.ErrSessionClosed
	}

	if viewport != nil {
		v := viewport.Clamp()
		c.viewport = &v
	}

	c.enqueue(Frame{Type: FrameGeometryChanged, Geometry: s.negotiator.Current()})
	if replay := s.scrollback.Bytes(); len(replay) > 0 {
		c.enqueue(Frame{Type: FrameOutput, Data: replay})
	}
	s.clients[c] = struct{}{}

	s.log.Info("Client attached", "client_id", c.id, "device_id", c.deviceID, "clients", len(s.clients))
	s.renegotiateAfterAttachLocked()
	return nil
}

// Detach removes c. It is a no-op for clients that are not attached.
func (s *Session) Detach(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[c]; !ok {
		return
	}
	s.dropLocked(c, CloseReasonDetached)
	s.renegotiateAfterDetachLocked()
}

// Input writes data to the shell on behalf of c.
func (s *Session) Input(c *Client, data []byte) error {
	s.mu.Lock()
	_, attached := s.clients[c]
	active := s.state == domain.StateActive
	s.mu.Unlock()

	if !attached || !active {
		return domain.ErrSessionClosed
	}
	_, err := s.proc.Write(data)
	return err
}

// Resize records c's viewport and renegotiates the session geometry.
func (s *Session) Resize(c *Client, viewport domain.Geometry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[c]; !ok || s.state != domain.StateActive {
		return
	}
	v := viewport.Clamp()
	c.viewport = &v
	s.renegotiateLocked()
}

// Close terminates the session and waits, bounded by ctx, for the shell to
// go away. It is safe to call more than once and after a natural exit.
func (s *Session) Close(ctx context.Context, reason string) {
	if s.beginTermination(reason) {
		if err := s.proc.Terminate(); err != nil {
			s.log.Warn("Failed to terminate shell", "error", err)
		}
	}

	select {
	case <-s.pumpDone:
	case <-ctx.Done():
		s.log.Warn("Timed out waiting for shell output to end", "error", ctx.Err())
	}
	s.markClosed()
}

func (s *Session) pump() {
	for chunk := range s.proc.Output() {
		s.mu.Lock()
		s.scrollback.Write(chunk)
		s.broadcastLocked(Frame{Type: FrameOutput, Data: chunk})
		s.mu.Unlock()
	}
	close(s.pumpDone)

	if s.beginTermination(domain.ReasonExited) {
		s.log.Info("Shell exited", "exit_code", s.proc.ExitCode())
	}
	s.markClosed()
}

// beginTermination moves an active session to Terminating: every client
// is told the session ended and detached. It reports whether this call
// made the transition.
func (s *Session) beginTermination(reason string) bool {
	s.mu.Lock()
	if s.state != domain.StateActive {
		s.mu.Unlock()
		return false
	}
	s.state = domain.StateTerminating
	s.reason = reason
	for c := range s.clients {
		c.close(CloseReasonEnded, true)
	}
	detached := len(s.clients)
	s.clients = make(map[*Client]struct{})
	s.mu.Unlock()

	s.log.Info("Session terminating", "reason", reason, "detached_clients", detached)
	s.hooks.sessionTerminating(s, reason)
	return true
}

func (s *Session) markClosed() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = domain.StateClosed
		s.closedAt = time.Now()
		s.mu.Unlock()

		s.log.Info("Session closed", "reason", s.Reason())
		s.hooks.sessionClosed(s)
		close(s.done)
	})
}

// broadcastLocked queues f for every client. Clients whose queue is full
// are detached rather than allowed to miss part of the stream.
func (s *Session) broadcastLocked(f Frame) {
	var slow []*Client
	for c := range s.clients {
		if !c.enqueue(f) {
			slow = append(slow, c)
		}
	}
	if len(slow) == 0 {
		return
	}
	for _, c := range slow {
		s.log.Warn("Client too slow, detaching", "client_id", c.id)
		s.dropLocked(c, CloseReasonSlow)
	}
	s.renegotiateAfterDetachLocked()
}

func (s *Session) dropLocked(c *Client, reason string) {
	delete(s.clients, c)
	c.close(reason, false)
	if len(s.clients) == 0 {
		s.idleSince = time.Now()
	}
	s.log.Info("Client detached", "client_id", c.id, "reason", reason, "clients", len(s.clients))
}

func (s *Session) renegotiateLocked() {
	if s.state != domain.StateActive {
		return
	}
	s.applyGeometryLocked(s.negotiator.Propose(s.viewportsLocked()))
}

func (s *Session) renegotiateAfterAttachLocked() {
	if s.state != domain.StateActive {
		return
	}
	s.applyGeometryLocked(s.negotiator.ProposeAfterAttach(s.viewportsLocked()))
}

func (s *Session) renegotiateAfterDetachLocked() {
	if s.state != domain.StateActive {
		return
	}
	s.applyGeometryLocked(s.negotiator.ProposeAfterDetach(s.viewportsLocked()))
}

func (s *Session) viewportsLocked() []domain.Geometry {
	viewports := make([]domain.Geometry, 0, len(s.clients))
	for c := range s.clients {
		if c.viewport != nil {
			viewports = append(viewports, *c.viewport)
		}
	}
	return viewports
}

func (s *Session) applyGeometryLocked(next domain.Geometry, changed bool) {
	if !changed {
		return
	}
	if err := s.proc.Resize(next); err != nil {
		s.log.Warn("Failed to resize shell", "geometry", next.String(), "error", err)
		return
	}
	s.negotiator.Commit(next)
	s.log.Debug("Geometry changed", "geometry", next.String(), "policy", s.negotiator.Policy())
	s.broadcastLocked(Frame{Type: FrameGeometryChanged, Geometry: next})
}
