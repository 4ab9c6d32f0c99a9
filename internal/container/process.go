package container

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashureev/termshare/internal/domain"
)

const readBufferSize = 32 * 1024

// execOps is what a running shell needs from the engine.
type execOps interface {
	resize(ctx context.Context, g domain.Geometry) error
	exitCode(ctx context.Context) (int, error)
	remove(ctx context.Context) error
}

// process adapts a hijacked exec stream to terminal.Process.
type process struct {
	r           io.Reader
	w           io.Writer
	closeStream func()
	ops         execOps
	pid         int

	mu       sync.Mutex // serializes writes and resizes
	geometry domain.Geometry

	output     chan []byte
	exited     chan struct{}
	gone       atomic.Bool
	exitCode   int
	removeOnce sync.Once
}

func newProcess(r io.Reader, w io.Writer, closeStream func(), ops execOps, g domain.Geometry, pid int) *process {
	p := &process{
		r:           r,
		w:           w,
		closeStream: closeStream,
		ops:         ops,
		pid:         pid,
		geometry:    g,
		output:      make(chan []byte, 16),
		exited:      make(chan struct{}),
		exitCode:    -1,
	}
	go p.readLoop()
	return p
}

func (p *process) Output() <-chan []byte { return p.output }

// PID is the exec's process id on the host, or 0 when the engine did not
// report one.
func (p *process) PID() int { return p.pid }

func (p *process) ExitCode() int {
	select {
	case <-p.exited:
		return p.exitCode
	default:
		return -1
	}
}

func (p *process) Write(b []byte) (int, error) {
	if p.gone.Load() {
		return len(b), nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.w.Write(b)
	if err != nil && p.gone.Load() {
		return len(b), nil
	}
	return n, err
}

func (p *process) Resize(g domain.Geometry) error {
	g = g.Clamp()
	p.mu.Lock()
	defer p.mu.Unlock()
	if g == p.geometry || p.gone.Load() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()
	if err := p.ops.resize(ctx, g); err != nil {
		return err
	}
	p.geometry = g
	return nil
}

// Terminate stops and removes the container in the background. The exec
// stream ends once the container is gone.
func (p *process) Terminate() error {
	go p.removeContainer()
	return nil
}

func (p *process) removeContainer() {
	p.removeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		defer cancel()
		if err := p.ops.remove(ctx); err != nil {
			slog.Warn("Failed to remove session container", "error", err)
		}
		p.closeStream()
	})
}

func (p *process) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := p.r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.output <- chunk
		}
		if err != nil {
			break
		}
	}
	p.gone.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	code, err := p.ops.exitCode(ctx)
	cancel()
	if err != nil {
		slog.Debug("Exit code unavailable", "error", err)
	}
	p.exitCode = code
	close(p.exited)
	close(p.output)

	// A shell that exited on its own leaves its container running.
	go p.removeContainer()
}
