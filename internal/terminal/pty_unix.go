//go:build !windows

package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/termshare/internal/domain"
	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

const (
	ptyReadBufferSize = 32 * 1024
	// drainGrace bounds how long output is still read after the shell has
	// been reaped. Background jobs holding the tty open would otherwise
	// keep the stream alive forever.
	drainGrace = 200 * time.Millisecond
)

// PTYConfig configures local shells.
type PTYConfig struct {
	Command        string
	Args           []string
	WorkDir        string
	Env            []string
	TerminateGrace time.Duration
}

// PTYSpawner starts local shells on pseudo-terminals.
type PTYSpawner struct {
	cfg PTYConfig
}

// NewPTYSpawner creates a spawner. An empty command resolves to $SHELL,
// then /bin/bash, then /bin/sh.
func NewPTYSpawner(cfg PTYConfig) *PTYSpawner {
	if cfg.Command == "" {
		cfg.Command, cfg.Args = defaultShell()
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = 3 * time.Second
	}
	return &PTYSpawner{cfg: cfg}
}

// Backend implements Spawner.
func (s *PTYSpawner) Backend() string { return "pty" }

// Spawn implements Spawner.
func (s *PTYSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	geometry := spec.Geometry.Clamp()

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"TERMSHARE_SESSION="+spec.Name,
	)
	cmd.Env = append(cmd.Env, s.cfg.Env...)

	// StartWithSize puts the shell in a new session with the pty as its
	// controlling terminal.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: geometry.Cols, Rows: geometry.Rows})
	if err != nil {
		return nil, fmt.Errorf("start %s on pty: %w", s.cfg.Command, err)
	}

	p := &ptyProcess{
		cmd:      cmd,
		ptmx:     ptmx,
		geometry: geometry,
		grace:    s.cfg.TerminateGrace,
		output:   make(chan []byte, 16),
		readDone: make(chan struct{}),
		exited:   make(chan struct{}),
		exitCode: -1,
	}
	go p.readLoop()
	go p.waitLoop()

	slog.Info("Shell started", "session", spec.Name, "pid", cmd.Process.Pid, "command", s.cfg.Command, "geometry", geometry.String())
	return p, nil
}

type ptyProcess struct {
	cmd   *exec.Cmd
	ptmx  *os.File
	grace time.Duration

	mu       sync.Mutex // serializes writes and resizes
	geometry domain.Geometry

	output   chan []byte
	readDone chan struct{}
	exited   chan struct{}
	gone     atomic.Bool
	exitCode int

	terminateOnce sync.Once
}

func (p *ptyProcess) Output() <-chan []byte { return p.output }

func (p *ptyProcess) PID() int { return p.cmd.Process.Pid }

func (p *ptyProcess) ExitCode() int {
	select {
	case <-p.exited:
		return p.exitCode
	default:
		return -1
	}
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	if p.gone.Load() {
		return len(b), nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.ptmx.Write(b)
	if err != nil && p.gone.Load() {
		return len(b), nil
	}
	return n, err
}

func (p *ptyProcess) Resize(g domain.Geometry) error {
	g = g.Clamp()
	p.mu.Lock()
	defer p.mu.Unlock()
	if g == p.geometry || p.gone.Load() {
		return nil
	}
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Cols: g.Cols, Rows: g.Rows}); err != nil {
		return fmt.Errorf("resize pty to %s: %w", g, err)
	}
	p.geometry = g
	return nil
}

// Terminate hangs up the shell's process group and kills it if it is
// still around after the grace period.
func (p *ptyProcess) Terminate() error {
	var err error
	p.terminateOnce.Do(func() {
		pid := p.cmd.Process.Pid
		if sigErr := unix.Kill(-pid, unix.SIGHUP); sigErr != nil && !errors.Is(sigErr, unix.ESRCH) {
			err = fmt.Errorf("hang up process group %d: %w", pid, sigErr)
		}
		go func() {
			select {
			case <-p.exited:
			case <-time.After(p.grace):
				slog.Warn("Shell ignored hangup, killing", "pid", pid)
				if killErr := unix.Kill(-pid, unix.SIGKILL); killErr != nil && !errors.Is(killErr, unix.ESRCH) {
					slog.Debug("Failed to kill process group", "pid", pid, "error", killErr)
				}
			}
		}()
	})
	return err
}

func (p *ptyProcess) readLoop() {
	defer close(p.readDone)
	buf := make([]byte, ptyReadBufferSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.output <- chunk
		}
		if err != nil {
			// EIO once the last slave fd is closed; EOF or ErrClosed after
			// waitLoop closes the master.
			return
		}
	}
}

func (p *ptyProcess) waitLoop() {
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.exitCode = code
	p.gone.Store(true)
	close(p.exited)

	select {
	case <-p.readDone:
	case <-time.After(drainGrace):
	}
	if closeErr := p.ptmx.Close(); closeErr != nil {
		slog.Debug("Failed to close pty", "error", closeErr)
	}
	<-p.readDone
	close(p.output)
}

func defaultShell() (string, []string) {
	if shell := os.Getenv("SHELL"); shell != "" {
		if _, err := os.Stat(shell); err == nil {
			return shell, nil
		}
	}
	if _, err := os.Stat("/bin/bash"); err == nil {
		return "/bin/bash", nil
	}
	return "/bin/sh", nil
}
