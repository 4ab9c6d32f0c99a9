// Package container runs session shells inside Docker containers.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/termshare/internal/domain"
	"github.com/ashureev/termshare/internal/terminal"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	// Labels stamped on every session container.
	labelSession   = "termshare.session"
	labelSessionID = "termshare.session_id"

	defaultStopTimeout = 10 * time.Second
	defaultSubnet      = "172.29.0.0/16"

	// Bounds for Docker calls made outside a caller's context.
	apiTimeout    = 5 * time.Second
	removeTimeout = 30 * time.Second
)

// Config describes the sandbox every session shell runs in.
type Config struct {
	Image       string
	Runtime     string // "" = default (runc), "runsc" = gVisor
	User        string
	Network     string
	WorkDir     string
	Command     []string
	MemoryBytes int64
	PidsLimit   int64
	StopTimeout time.Duration
}

// Spawner implements terminal.Spawner with one container per session.
type Spawner struct {
	cli *client.Client
	cfg Config
}

var _ terminal.Spawner = (*Spawner)(nil)

// NewSpawner creates a Docker-backed spawner from the environment's
// Docker settings.
func NewSpawner(cfg Config) (*Spawner, error) {
	if cfg.Image == "" {
		return nil, errors.New("container image is required")
	}
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"/bin/bash", "-l"}
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	slog.Info("Docker client initialized", "runtime", runtime, "image", cfg.Image)
	return &Spawner{cli: cli, cfg: cfg}, nil
}

// Backend implements terminal.Spawner.
func (s *Spawner) Backend() string { return "docker" }

// Close releases the Docker client.
func (s *Spawner) Close() error {
	return s.cli.Close()
}

// Ping checks that the Docker daemon is reachable.
func (s *Spawner) Ping(ctx context.Context) error {
	if _, err := s.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

// Spawn implements terminal.Spawner. It creates and starts the session's
// container, then runs the shell in it through a TTY exec.
func (s *Spawner) Spawn(ctx context.Context, spec terminal.SpawnSpec) (terminal.Process, error) {
	geometry := spec.Geometry.Clamp()
	name := containerName(spec)
	config, hostConfig := s.containerConfig(spec)

	resp, err := s.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", name, err)
	}
	containerID := resp.ID

	cleanup := func() {
		removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
		defer cancel()
		if err := removeContainer(removeCtx, s.cli, containerID, s.cfg.StopTimeout); err != nil {
			slog.Warn("Failed to remove container after spawn failure", "container_id", containerID, "error", err)
		}
	}

	if err := s.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		cleanup()
		return nil, fmt.Errorf("start container %s: %w", containerID, err)
	}

	// Docker's embedded DNS (127.0.0.11) often fails under the gVisor
	// netstack.
	if s.cfg.Runtime == "runsc" {
		if err := s.fixDNS(ctx, containerID); err != nil {
			slog.Warn("Failed to apply DNS fix", "container_id", containerID, "error", err)
		}
	}

	execResp, err := s.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          s.cfg.Command,
		User:         s.cfg.User,
		WorkingDir:   s.cfg.WorkDir,
		Env:          sessionEnv(spec),
		ConsoleSize:  &[2]uint{uint(geometry.Rows), uint(geometry.Cols)},
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("create exec in container %s: %w", containerID, err)
	}

	attach, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{
		Tty:         true,
		ConsoleSize: &[2]uint{uint(geometry.Rows), uint(geometry.Cols)},
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("attach to exec %s: %w", execResp.ID, err)
	}

	ops := &dockerExec{
		cli:         s.cli,
		containerID: containerID,
		execID:      execResp.ID,
		stopTimeout: s.cfg.StopTimeout,
	}
	pid := 0
	if inspect, err := s.cli.ContainerExecInspect(ctx, execResp.ID); err == nil {
		pid = inspect.Pid
	}

	p := newProcess(attach.Reader, attach.Conn, attach.Close, ops, geometry, pid)
	slog.Info("Container shell started",
		"session", spec.Name,
		"container_id", shortID(containerID),
		"exec_id", shortID(execResp.ID),
		"geometry", geometry.String(),
	)
	return p, nil
}

// RemoveOrphans removes session containers left behind by an earlier run.
// It returns how many were removed.
func (s *Spawner) RemoveOrphans(ctx context.Context) (int, error) {
	list, err := s.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelSession)),
	})
	if err != nil {
		return 0, fmt.Errorf("list session containers: %w", err)
	}

	removed := 0
	for _, c := range list {
		if err := removeContainer(ctx, s.cli, c.ID, s.cfg.StopTimeout); err != nil {
			slog.Warn("Failed to remove orphaned container", "container_id", shortID(c.ID), "session", c.Labels[labelSession], "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Removed orphaned session containers", "count", removed)
	}
	return removed, nil
}

// EnsureNetwork creates the configured bridge network if it doesn't exist.
// It is a no-op when no network is configured.
func (s *Spawner) EnsureNetwork(ctx context.Context) (string, error) {
	if s.cfg.Network == "" {
		return "", nil
	}

	networks, err := s.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == s.cfg.Network {
			slog.Info("Session network already exists", "network", nw.Name, "network_id", shortID(nw.ID))
			return nw.ID, nil
		}
	}

	createResp, err := s.cli.NetworkCreate(ctx, s.cfg.Network, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: defaultSubnet}},
		},
		Labels: map[string]string{labelSession: "network"},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", s.cfg.Network, err)
	}

	slog.Info("Session network created", "network", s.cfg.Network, "network_id", shortID(createResp.ID), "subnet", defaultSubnet)
	return createResp.ID, nil
}

func (s *Spawner) containerConfig(spec terminal.SpawnSpec) (*container.Config, *container.HostConfig) {
	config := &container.Config{
		Image:      s.cfg.Image,
		User:       s.cfg.User,
		WorkingDir: s.cfg.WorkDir,
		// The shell runs as an exec; the container only has to stay up.
		Cmd:    []string{"sleep", "infinity"},
		Env:    sessionEnv(spec),
		Labels: map[string]string{labelSession: spec.Name, labelSessionID: spec.SessionID},
	}

	hostConfig := &container.HostConfig{
		Runtime: s.cfg.Runtime,
		Init:    ptr(true),
		Resources: container.Resources{
			Memory: s.cfg.MemoryBytes,
		},
	}
	if s.cfg.PidsLimit > 0 {
		hostConfig.Resources.PidsLimit = ptr(s.cfg.PidsLimit)
	}
	if s.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(s.cfg.Network)
	}
	if s.cfg.Runtime == "runsc" {
		hostConfig.DNS = []string{"8.8.8.8", "8.8.4.4"}
	}
	return config, hostConfig
}

// fixDNS forces public DNS servers into /etc/resolv.conf (gVisor workaround).
func (s *Spawner) fixDNS(ctx context.Context, containerID string) error {
	cmd := []string{"sh", "-c", "echo 'nameserver 8.8.8.8' > /etc/resolv.conf && echo 'nameserver 8.8.4.4' >> /etc/resolv.conf"}

	resp, err := s.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{Cmd: cmd, User: "root"})
	if err != nil {
		return fmt.Errorf("create exec for dns fix: %w", err)
	}

	attachResp, err := s.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("attach exec for dns fix: %w", err)
	}
	defer attachResp.Close()

	if _, err := io.ReadAll(attachResp.Reader); err != nil {
		return fmt.Errorf("read dns fix output: %w", err)
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return fmt.Errorf("inspect dns fix exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("dns fix command failed with exit code %d", inspect.ExitCode)
	}
	return nil
}

// dockerExec is the Docker side of one running session shell.
type dockerExec struct {
	cli         *client.Client
	containerID string
	execID      string
	stopTimeout time.Duration
}

func (e *dockerExec) resize(ctx context.Context, g domain.Geometry) error {
	if err := e.cli.ContainerExecResize(ctx, e.execID, container.ResizeOptions{
		Height: uint(g.Rows),
		Width:  uint(g.Cols),
	}); err != nil {
		return fmt.Errorf("resize exec %s to %s: %w", shortID(e.execID), g, err)
	}
	return nil
}

func (e *dockerExec) exitCode(ctx context.Context) (int, error) {
	inspect, err := e.cli.ContainerExecInspect(ctx, e.execID)
	if err != nil {
		return -1, fmt.Errorf("inspect exec %s: %w", shortID(e.execID), err)
	}
	if inspect.Running {
		return -1, nil
	}
	return inspect.ExitCode, nil
}

func (e *dockerExec) remove(ctx context.Context) error {
	return removeContainer(ctx, e.cli, e.containerID, e.stopTimeout)
}

// removeContainer stops and removes a container. It is idempotent and
// handles concurrent calls gracefully.
func removeContainer(ctx context.Context, cli *client.Client, containerID string, stopTimeout time.Duration) error {
	timeout := int(stopTimeout.Seconds())
	if err := cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		switch {
		case errdefs.IsNotFound(err):
			slog.Debug("Container already removed", "container_id", shortID(containerID))
			return nil
		case ctx.Err() != nil:
			slog.Debug("Context canceled during stop, continuing with force removal", "container_id", shortID(containerID))
		default:
			slog.Debug("Container stop returned error, continuing to remove", "container_id", shortID(containerID), "error", err)
		}
	}

	if err := cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if errdefs.IsNotFound(err) || isRemovalInProgress(err) {
			return nil
		}
		// The daemon may still finish the removal on its own.
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", shortID(containerID), "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", shortID(containerID), err)
	}

	slog.Info("Container stopped and removed", "container_id", shortID(containerID))
	return nil
}

func isRemovalInProgress(err error) bool {
	return strings.Contains(err.Error(), "is already in progress")
}

func containerName(spec terminal.SpawnSpec) string {
	name := "termshare-" + spec.Name
	if id := strings.ReplaceAll(spec.SessionID, "-", ""); id != "" {
		name += "-" + shortID(id)
	}
	return name
}

func sessionEnv(spec terminal.SpawnSpec) []string {
	return []string{
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"TERMSHARE_SESSION=" + spec.Name,
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func ptr[T any](v T) *T {
	return &v
}
