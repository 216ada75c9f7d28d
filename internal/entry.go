// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/starford/notesync/internal/api"
	"github.com/starford/notesync/internal/auth"
	"github.com/starford/notesync/internal/client"
	"github.com/starford/notesync/internal/configsync"
	"github.com/starford/notesync/internal/index"
	"github.com/starford/notesync/internal/mcpserver"
	"github.com/starford/notesync/internal/metrics"
	"github.com/starford/notesync/internal/noteservice"
	"github.com/starford/notesync/internal/retry"
	"github.com/starford/notesync/internal/sse"
	"github.com/starford/notesync/internal/storage"
	"github.com/starford/notesync/internal/syncer"
)

const shutdownTimeout = 10 * time.Second

// stack holds every long-lived component of the client.
type stack struct {
	cfg    *Config
	logger *slog.Logger

	store  *storage.FS
	db     *index.DB
	client *client.Client
	auth   *auth.Manager
	notes  *noteservice.Service
	engine *syncer.Engine
	sched  *syncer.Scheduler
	config *configsync.Orchestrator
	broker *sse.Broker
	svc    *api.Service

	closeLog func() error

	// handshake is the background settings pull and config init.
	cancelHandshake context.CancelFunc
	handshakeDone   chan struct{}
}

func newApplication(opts []Option) (*application, error) {
	app := &application{version: "dev", logOutput: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

// newLogger builds the JSON logger. When a log file is configured, records
// are written to both out and the rotated file.
func newLogger(cfg ApplicationConfig, out io.Writer) (*slog.Logger, func() error) {
	closeFn := func() error { return nil }
	if cfg.LogFile.Path != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.LogFile.Path,
			MaxSize:    cfg.LogFile.MaxSizeMB,
			MaxBackups: cfg.LogFile.MaxBackups,
			MaxAge:     cfg.LogFile.MaxAgeDays,
		}
		out = io.MultiWriter(out, rotated)
		closeFn = rotated.Close
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	return logger, closeFn
}

// newClient builds the API client with the configured per-attempt timeout.
func newClient(cfg *Config, logger *slog.Logger) *client.Client {
	ordinary, renewal := retry.Default, retry.Renewal
	if cfg.Server.Timeout > 0 {
		ordinary.Timeout = cfg.Server.Timeout
		renewal.Timeout = cfg.Server.Timeout
	}
	return client.New(cfg.Server.URL,
		client.WithExecutor(retry.NewExecutor(logger)),
		client.WithPolicies(ordinary, renewal),
		client.WithLogger(logger),
	)
}

// renewalSeed returns the renewal credential to seed from config or the
// environment.
func renewalSeed(cfg ServerConfig) string {
	if cfg.RenewalToken != "" {
		return cfg.RenewalToken
	}
	return os.Getenv(RenewalTokenEnv)
}

// syncInterval picks the scheduling base interval. A locally configured
// interval wins; otherwise a server suggestion within bounds is used.
func syncInterval(local time.Duration, suggestedSeconds int) (time.Duration, string) {
	if local != 0 {
		return local, "config"
	}
	if d := time.Duration(suggestedSeconds) * time.Second; IntervalInBounds(d) {
		return d, "server"
	}
	return syncer.DefaultInterval, "default"
}

// build opens storage and the ledger and wires the sync components. Config
// sync is only built when withConfigSync is set and enabled in config.
func (app *application) build(ctx context.Context, withConfigSync bool) (*stack, error) {
	cfg := app.config
	logger, closeLog := newLogger(cfg.App, app.logOutput)
	slog.SetDefault(logger)

	s := &stack{cfg: cfg, logger: logger, closeLog: closeLog}

	logger.Info("Configuration loaded",
		slog.String("version", app.version),
		slog.String("server_url", cfg.Server.URL),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		s.close()
		return nil, fmt.Errorf("create vault dir: %w", err)
	}

	var err error
	s.store, err = storage.NewFS(cfg.Vault.Path)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("init storage: %w", err)
	}

	s.db, err = index.Open(cfg.SQLite.Path)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("init ledger: %w", err)
	}

	seeded, err := s.db.SeedRenewal(ctx, renewalSeed(cfg.Server))
	if err != nil {
		s.close()
		return nil, fmt.Errorf("seed renewal credential: %w", err)
	}
	if seeded {
		logger.Info("renewal credential seeded")
	}

	s.client = newClient(cfg, logger)
	s.auth, err = auth.NewManager(ctx, s.client, s.db, auth.WithLogger(logger))
	if err != nil {
		s.close()
		return nil, err
	}
	s.client.SetAuthorizer(s.auth)
	if !s.auth.State().HasRenewal {
		logger.Warn("no renewal credential configured; syncing will fail until one is provided",
			slog.String("env", RenewalTokenEnv))
	}

	s.broker = sse.NewBroker(2 * time.Second)
	s.notes = noteservice.NewService(s.store, s.db, logger)

	if withConfigSync && cfg.Sync.ConfigSync {
		s.config = configsync.New(s.client,
			configsync.NewCategoriesFile(s.store),
			configsync.NewTagsFile(s.store),
			configsync.WithDebounce(cfg.Sync.Debounce),
			configsync.WithLogger(logger),
			configsync.WithStatusCallback(func(st configsync.Status) {
				metrics.SetConfigStatus(st)
				s.broker.PublishConfigStatus(st)
			}),
			configsync.WithNoticeCallback(func(msg string) {
				logger.Warn("config sync notice", slog.String("message", msg))
				s.broker.PublishNotice(msg)
			}),
		)
	}

	interval, source := syncInterval(cfg.Sync.Interval, 0)
	engineOpts := []syncer.Option{
		syncer.WithArchiveScanner(s.notes),
		syncer.WithInterval(interval),
		syncer.WithLogger(logger),
		syncer.WithObserver(metrics.ObserveCycle),
		syncer.WithObserver(s.broker.ObserveCycle),
	}
	if s.config != nil {
		orch := s.config
		engineOpts = append(engineOpts, syncer.WithOnReachable(func() {
			go func() {
				if err := orch.Reconnect(ctx); err != nil {
					logger.Warn("config reconnect failed", slog.String("error", err.Error()))
				}
			}()
		}))
	}
	s.engine = syncer.NewEngine(s.client, s.notes, engineOpts...)
	logger.Debug("sync interval", slog.Duration("interval", interval), slog.String("source", source))

	s.sched = syncer.NewScheduler(s.engine,
		syncer.WithCooldown(cfg.Sync.Cooldown),
		syncer.WithInitialDelay(cfg.Sync.InitialDelay),
		syncer.WithSchedulerLogger(logger),
		syncer.WithOnStop(func(err error) {
			logger.Error("sync stopped: re-authentication required", slog.String("error", err.Error()))
			s.broker.PublishNotice(configsync.ReauthNotice)
		}),
	)

	var cfgSync api.ConfigSyncer
	if s.config != nil {
		cfgSync = s.config
	}
	s.svc = api.NewService(s.sched, s.engine, cfgSync, s.auth, s.db)
	return s, nil
}

// applyUserSettings adopts the server-suggested interval when no local one
// is configured.
func (s *stack) applyUserSettings(ctx context.Context) {
	settings, err := s.client.GetUserSettings(ctx)
	if err != nil {
		s.logger.Warn("user settings unavailable", slog.String("error", err.Error()))
		return
	}
	interval, source := syncInterval(s.cfg.Sync.Interval, settings.SyncIntervalSeconds)
	if source == "server" {
		s.engine.SetInterval(interval)
	}
	s.logger.Info("sync interval resolved",
		slog.Duration("interval", interval),
		slog.String("source", source),
		slog.Int("server_suggested_seconds", settings.SyncIntervalSeconds))
}

// initConfig runs the config handshake. It goes through Reconnect so it never
// overlaps with a retry started by a sync cycle. A failure leaves the
// orchestrator Offline or Error; the next reachable cycle retries it.
func (s *stack) initConfig(ctx context.Context) {
	if s.config == nil {
		return
	}
	metrics.SetConfigStatus(s.config.Status())
	if err := s.config.Reconnect(ctx); err != nil {
		s.logger.Warn("config sync init failed", slog.String("error", err.Error()))
	}
}

// start arms the scheduler and runs the server handshake in the background.
// It returns at once: an unreachable server must not hold up the control API
// or signal handling.
func (s *stack) start(ctx context.Context) {
	if s.cfg.Sync.AutoSync {
		s.sched.Start(ctx)
	} else {
		s.logger.Info("auto sync disabled; waiting for manual triggers")
	}

	hsCtx, cancel := context.WithCancel(ctx)
	s.cancelHandshake = cancel
	s.handshakeDone = make(chan struct{})
	go func() {
		defer close(s.handshakeDone)
		s.applyUserSettings(hsCtx)
		s.initConfig(hsCtx)
	}()
}

// stop cancels the handshake and timers, then waits for an in-flight cycle
// to finish.
func (s *stack) stop() {
	if s.cancelHandshake != nil {
		s.cancelHandshake()
		select {
		case <-s.handshakeDone:
		case <-time.After(shutdownTimeout):
			s.logger.Warn("server handshake still running at shutdown")
		}
	}
	s.sched.Stop()
	if s.config != nil {
		s.config.Close()
	}
	deadline := time.Now().Add(shutdownTimeout)
	for s.engine.Syncing() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.broker.Close()
}

func (s *stack) close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("ledger close failed", slog.String("error", err.Error()))
		}
	}
	if err := s.closeLog(); err != nil {
		fmt.Fprintf(os.Stderr, "log file close failed: %v\n", err)
	}
}

// router builds the HTTP handler: health probes, metrics and the control API.
func (s *stack) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !s.auth.State().HasRenewal {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"reauth_required"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Handle("/metrics", metrics.Handler())
	r.Mount("/api", api.NewRouter(s.svc, s.cfg.Auth.AuthEnabled(), s.cfg.Auth.Token, s.broker))
	return r
}

// Run starts the background sync client with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	s, err := app.build(ctx, true)
	if err != nil {
		return err
	}
	defer s.close()
	logger := s.logger

	s.start(ctx)

	var httpServer *http.Server
	if s.cfg.App.HTTP.Port != 0 {
		httpServer = &http.Server{
			Addr:    s.cfg.App.HTTP.Address(),
			Handler: s.router(),
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	if s.config != nil {
		g.Go(func() error {
			if err := s.config.Watch(gCtx, s.store); err != nil {
				logger.Error("config watcher failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	if httpServer != nil {
		g.Go(func() error {
			logger.Info("Starting HTTP server", slog.String("address", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		s.stop()

		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Sync client stopped")
	return nil
}

// RunOnce runs a single sync cycle and returns its outcome.
func RunOnce(ctx context.Context, opts ...Option) (syncer.Outcome, error) {
	app, err := newApplication(opts)
	if err != nil {
		return syncer.Outcome{}, err
	}
	s, err := app.build(ctx, false)
	if err != nil {
		return syncer.Outcome{}, err
	}
	defer s.close()
	defer s.broker.Close()

	return s.engine.RunCycle(ctx)
}

// CheckHealth calls the server health endpoint without credentials.
func CheckHealth(ctx context.Context, opts ...Option) (client.HealthStatus, error) {
	app, err := newApplication(opts)
	if err != nil {
		return client.HealthStatus{}, err
	}
	logger, closeLog := newLogger(app.config.App, app.logOutput)
	defer closeLog() //nolint:errcheck
	return newClient(app.config, logger).Health(ctx)
}

// ServeMCP runs the sync client with an MCP server on stdio. Logs must go
// somewhere other than stdout; see WithLogOutput.
func ServeMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	s, err := app.build(ctx, true)
	if err != nil {
		return err
	}
	defer s.close()

	s.start(ctx)
	defer s.stop()

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.config != nil {
		go func() {
			if err := s.config.Watch(watchCtx, s.store); err != nil {
				s.logger.Error("config watcher failed", slog.String("error", err.Error()))
			}
		}()
	}

	s.logger.Info("MCP server starting on stdio")
	return mcpserver.New(s.svc, s.store, app.version).ServeStdio()
}
