package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/termshare/internal/domain"
	"github.com/ashureev/termshare/internal/terminal"
)

type stubProcess struct {
	output chan []byte
	once   sync.Once
}

func (p *stubProcess) Write(b []byte) (int, error) { return len(b), nil }

func (p *stubProcess) Output() <-chan []byte { return p.output }

func (p *stubProcess) Resize(domain.Geometry) error { return nil }

func (p *stubProcess) PID() int { return 777 }

func (p *stubProcess) ExitCode() int { return -1 }

func (p *stubProcess) Terminate() error {
	p.once.Do(func() { close(p.output) })
	return nil
}

type stubSpawner struct {
	err error
}

func (s *stubSpawner) Backend() string { return "stub" }

func (s *stubSpawner) Spawn(context.Context, terminal.SpawnSpec) (terminal.Process, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &stubProcess{output: make(chan []byte)}, nil
}

func newTestHandler(t *testing.T, spawner terminal.Spawner, repo *fakeRepo) *Handler {
	t.Helper()
	sm := terminal.NewSessionManager(spawner, nil, nil, terminal.ManagerConfig{CloseTimeout: time.Second})
	t.Cleanup(func() { sm.Shutdown(context.Background()) })

	base := NewHandler(sm, nil)
	if repo != nil {
		base = NewHandler(sm, repo)
	}
	base.inspect = func(_ context.Context, pid int) (*domain.ProcessStats, error) {
		return &domain.ProcessStats{PID: pid, Command: "bash", Threads: 1}, nil
	}
	return base
}

type fakeRepo struct {
	mu          sync.Mutex
	records     []*domain.SessionRecord
	transcripts map[string][]byte
	pingErr     error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{transcripts: make(map[string][]byte)}
}

func (f *fakeRepo) RecordSessionCreated(_ context.Context, rec *domain.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRepo) RecordSessionClosed(_ context.Context, id string, closedAt time.Time, reason string, exitCode *int, transcript []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.ID == id {
			rec.ClosedAt = &closedAt
			rec.Reason = reason
			rec.ExitCode = exitCode
			rec.TranscriptSize = len(transcript)
			f.transcripts[id] = transcript
		}
	}
	return nil
}

func (f *fakeRepo) ListSessionRecords(_ context.Context, limit int) ([]*domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]*domain.SessionRecord(nil), f.records...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) GetSessionRecord(_ context.Context, id string) (*domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRepo) GetTranscript(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transcripts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t, nil
}

func (f *fakeRepo) CloseAbandoned(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeRepo) PruneSessionRecords(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeRepo) Ping(context.Context) error { return f.pingErr }

func (f *fakeRepo) Close() error { return nil }

var errNoShell = errors.New("exec: \"zsh\": executable file not found in $PATH")
