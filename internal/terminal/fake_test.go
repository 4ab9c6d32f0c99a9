package terminal

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/termshare/internal/domain"
)

// fakeProcess is an in-memory shell. With echo set, input is written
// straight back to the output stream.
type fakeProcess struct {
	mu         sync.Mutex
	output     chan []byte
	input      bytes.Buffer
	geometry   domain.Geometry
	resizes    []domain.Geometry
	echo       bool
	exited     bool
	terminated bool
	exitCode   int
}

func newFakeProcess(g domain.Geometry) *fakeProcess {
	return &fakeProcess{
		output:   make(chan []byte, 64),
		geometry: g,
		exitCode: -1,
	}
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return len(b), nil
	}
	p.input.Write(b)
	if p.echo {
		p.output <- append([]byte(nil), b...)
	}
	return len(b), nil
}

func (p *fakeProcess) Output() <-chan []byte { return p.output }

func (p *fakeProcess) Resize(g domain.Geometry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g == p.geometry {
		return nil
	}
	p.geometry = g
	p.resizes = append(p.resizes, g)
	return nil
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.exit(129)
	return nil
}

func (p *fakeProcess) PID() int { return 4242 }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *fakeProcess) emit(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.output <- []byte(s)
}

func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.exitCode = code
	close(p.output)
}

func (p *fakeProcess) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

func (p *fakeProcess) currentGeometry() domain.Geometry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.geometry
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *fakeProcess) resizeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resizes)
}

type fakeSpawner struct {
	mu    sync.Mutex
	procs map[string]*fakeProcess
	fail  error
	echo  bool
	delay time.Duration
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{procs: make(map[string]*fakeProcess)}
}

func (s *fakeSpawner) Backend() string { return "fake" }

func (s *fakeSpawner) Spawn(_ context.Context, spec SpawnSpec) (Process, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	p := newFakeProcess(spec.Geometry)
	p.echo = s.echo
	s.procs[spec.Name] = p
	return p, nil
}

func (s *fakeSpawner) proc(name string) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[name]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
}

func (p *recordingPublisher) Publish(evt domain.LifecycleEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) snapshot() []domain.LifecycleEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.LifecycleEvent(nil), p.events...)
}

type journalEntry struct {
	id         string
	reason     string
	exitCode   *int
	transcript []byte
}

type fakeJournal struct {
	mu      sync.Mutex
	created []*domain.SessionRecord
	closed  []journalEntry
}

func (j *fakeJournal) RecordSessionCreated(_ context.Context, rec *domain.SessionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.created = append(j.created, rec)
	return nil
}

func (j *fakeJournal) RecordSessionClosed(_ context.Context, id string, _ time.Time, reason string, exitCode *int, transcript []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = append(j.closed, journalEntry{id: id, reason: reason, exitCode: exitCode, transcript: transcript})
	return nil
}

func (j *fakeJournal) closedEntries() []journalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journalEntry(nil), j.closed...)
}

var errSpawn = errors.New("no ptys left")

func newTestManager(t *testing.T, policy domain.ResizePolicy) (*SessionManager, *fakeSpawner, *recordingPublisher) {
	t.Helper()
	spawner := newFakeSpawner()
	events := &recordingPublisher{}
	m := NewSessionManager(spawner, events, nil, ManagerConfig{
		DefaultPolicy:   policy,
		ScrollbackSize:  1024,
		ClientQueueSize: 16,
		CloseTimeout:    2 * time.Second,
	})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, spawner, events
}

func mustCreate(t *testing.T, m *SessionManager, name string) *Session {
	t.Helper()
	s, err := m.Create(context.Background(), name, CreateOptions{})
	if err != nil {
		t.Fatalf("Create(%q) error = %v", name, err)
	}
	return s
}

func attach(t *testing.T, s *Session, viewport *domain.Geometry) *Client {
	t.Helper()
	c := NewClient(ClientOptions{QueueSize: 16, Codec: "test"})
	if err := s.Attach(c, viewport); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	return c
}

func vp(cols, rows uint16) *domain.Geometry {
	return &domain.Geometry{Cols: cols, Rows: rows}
}

// recv returns the next queued frame for c.
func recv(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case f := <-c.out:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

// recvType skips frames until one of type want arrives.
func recvType(t *testing.T, c *Client, want FrameType) Frame {
	t.Helper()
	for {
		if f := recv(t, c); f.Type == want {
			return f
		}
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case f := <-c.out:
		t.Fatalf("unexpected frame %s %q", f.Type, f.Data)
	case <-time.After(50 * time.Millisecond):
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
