// termshare - shared browser terminal broker
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/termshare/internal/api"
	"github.com/ashureev/termshare/internal/config"
	"github.com/ashureev/termshare/internal/container"
	"github.com/ashureev/termshare/internal/domain"
	"github.com/ashureev/termshare/internal/events"
	"github.com/ashureev/termshare/internal/health"
	"github.com/ashureev/termshare/internal/identity"
	"github.com/ashureev/termshare/internal/middleware"
	"github.com/ashureev/termshare/internal/store"
	"github.com/ashureev/termshare/internal/terminal"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	configPath string
	envFile    string
	port       string
	host       string
	backend    string
	policy     string
	logLevel   string
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	flags, opts := parseFlags(os.Args[1:])

	if err := godotenv.Load(opts.envFile); err != nil {
		slog.Info("No .env file found, using environment variables", "path", opts.envFile)
	}

	cfg, err := loadConfig(flags, opts)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(os.Stdout, cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func parseFlags(args []string) (*pflag.FlagSet, options) {
	flags := pflag.NewFlagSet("termshare", pflag.ExitOnError)
	var opts options
	flags.StringVar(&opts.configPath, "config", "", "path to a YAML config file (default $CONFIG_FILE)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.StringVarP(&opts.port, "port", "p", "", "HTTP port (overrides PORT)")
	flags.StringVar(&opts.host, "host", "", "interface to bind (overrides HOST)")
	flags.StringVar(&opts.backend, "backend", "", "shell backend: pty or docker (overrides SHELL_BACKEND)")
	flags.StringVar(&opts.policy, "policy", "", "default resize policy: largest or smallest (overrides RESIZE_POLICY)")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	_ = flags.Parse(args)
	return flags, opts
}

// loadConfig applies explicitly set flags on top of file and environment
// configuration.
func loadConfig(flags *pflag.FlagSet, opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	if flags.Changed("port") {
		cfg.Port = opts.port
	}
	if flags.Changed("host") {
		cfg.Host = opts.host
	}
	if flags.Changed("backend") {
		cfg.Shell.Backend = opts.backend
	}
	if flags.Changed("policy") {
		policy, err := domain.ParseResizePolicy(opts.policy)
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: --policy: %w", err)
		}
		cfg.Session.ResizePolicy = policy
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts))
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("Starting server",
		"port", cfg.Port,
		"backend", cfg.Shell.Backend,
		"resize_policy", cfg.Session.ResizePolicy,
		"journal", cfg.JournalEnabled,
		"dev", cfg.IsDevelopment(),
	)

	var checks []health.Check

	// The journal stays a nil interface when disabled.
	var (
		repo    store.Repository
		journal terminal.Journal
	)
	if cfg.JournalEnabled {
		sqlite, err := openJournal(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := sqlite.Close(); closeErr != nil {
				slog.Error("Failed to close repository", "error", closeErr)
			}
		}()
		repo, journal = sqlite, sqlite
		checks = append(checks, health.Check{Name: "journal", Fn: sqlite.Ping})
		store.StartRetentionWorker(ctx, sqlite, cfg.JournalRetention)
	}

	spawner, err := newSpawner(ctx, cfg)
	if err != nil {
		return err
	}
	if docker, ok := spawner.(*container.Spawner); ok {
		defer docker.Close()
		checks = append(checks, health.Check{Name: "docker", Fn: docker.Ping})
	}

	broadcaster := events.NewBroadcaster(cfg.SSE.QueueSize)
	sm := terminal.NewSessionManager(spawner, broadcaster, journal, terminal.ManagerConfig{
		DefaultPolicy:   cfg.Session.ResizePolicy,
		DefaultGeometry: cfg.DefaultGeometry(),
		ScrollbackSize:  cfg.Session.ScrollbackBytes,
		ClientQueueSize: cfg.Session.ClientQueueSize,
		CloseTimeout:    cfg.Session.TerminateGrace + 5*time.Second,
	})
	terminal.StartIdleReaper(ctx, sm, cfg.Session.IdleTimeout)

	baseHandler := api.NewHandler(sm, repo)
	sseHandler := events.NewHandler(broadcaster, events.StreamConfig{
		KeepaliveInterval: cfg.SSE.KeepaliveInterval,
		RetryDelay:        cfg.SSE.RetryDelay,
	})
	wsHandler := terminal.NewWebSocketHandler(sm, cfg.AllowedOrigins, cfg.IsDevelopment())

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	api.NewHealthHandler(sm, repo).RegisterHealth(r)
	api.NewSessionsHandler(baseHandler).RegisterRoutes(r)
	api.NewHistoryHandler(baseHandler).RegisterRoutes(r)
	r.Get("/api/events", sseHandler.HandleStream)
	r.Get("/ws/{name}", wsHandler.ServeHTTP)

	lis, err := listen(cfg.Host, cfg.Port, cfg.PortFallbackAttempts)
	if err != nil {
		return err
	}

	// SSE streams stay open indefinitely, so there is no WriteTimeout.
	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var healthSrv *health.Server
	if cfg.GRPCHealthAddr != "" {
		healthLis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			lis.Close()
			return fmt.Errorf("listen for gRPC health on %s: %w", cfg.GRPCHealthAddr, err)
		}
		healthSrv = health.NewServer(0, checks...)
		go func() {
			if err := healthSrv.Serve(healthLis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
		go healthSrv.Run(ctx)
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info(fmt.Sprintf("running on http://localhost:%d", boundPort(lis)), "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
	}

	slog.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if healthSrv != nil {
		healthSrv.Shutdown()
	}
	// Closing sessions first lets attached clients see Exit and observers
	// see the deletions before their streams end.
	sm.Shutdown(shutdownCtx)
	broadcaster.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func openJournal(ctx context.Context, cfg *config.Config) (*store.SQLiteStore, error) {
	sqlite, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	if err := sqlite.Ping(ctx); err != nil {
		sqlite.Close()
		return nil, fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	// Sessions never outlive the process that ran them.
	abandoned, err := sqlite.CloseAbandoned(ctx, time.Now())
	if err != nil {
		sqlite.Close()
		return nil, fmt.Errorf("close abandoned sessions: %w", err)
	}
	if abandoned > 0 {
		slog.Info("Closed sessions left open by a previous run", "count", abandoned)
	}
	return sqlite, nil
}

func newSpawner(ctx context.Context, cfg *config.Config) (terminal.Spawner, error) {
	if cfg.Shell.Backend != config.BackendDocker {
		return terminal.NewPTYSpawner(terminal.PTYConfig{
			Command:        cfg.Shell.Command,
			Args:           cfg.Shell.Args,
			WorkDir:        cfg.Shell.WorkDir,
			TerminateGrace: cfg.Session.TerminateGrace,
		}), nil
	}

	var command []string
	if cfg.Shell.Command != "" {
		command = append([]string{cfg.Shell.Command}, cfg.Shell.Args...)
	}
	spawner, err := container.NewSpawner(container.Config{
		Image:       cfg.Docker.Image,
		Runtime:     cfg.Docker.Runtime,
		User:        cfg.Docker.User,
		Network:     cfg.Docker.Network,
		WorkDir:     cfg.Shell.WorkDir,
		Command:     command,
		MemoryBytes: cfg.Docker.MemoryBytes,
		PidsLimit:   cfg.Docker.PidsLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize docker backend: %w", err)
	}
	if err := spawner.Ping(ctx); err != nil {
		spawner.Close()
		return nil, err
	}
	if _, err := spawner.EnsureNetwork(ctx); err != nil {
		spawner.Close()
		return nil, fmt.Errorf("ensure session network: %w", err)
	}
	if _, err := spawner.RemoveOrphans(ctx); err != nil {
		slog.Warn("Failed to clean up orphaned containers", "error", err)
	}
	return spawner, nil
}
