package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/planforge/planforge/api"
	"github.com/planforge/planforge/config"
	"github.com/planforge/planforge/job"
	"github.com/planforge/planforge/llm"
	"github.com/planforge/planforge/metrics"
	"github.com/planforge/planforge/storage"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	// Domain components
	entities *storage.Store
	jobs     *job.Store
	registry *llm.Registry
	orch     *job.Orchestrator

	// HTTP
	httpServer *http.Server

	// Background work
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Start initializes all components and launches the workers and HTTP server.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	registerer := prometheus.NewRegistry()
	metricsSvc := metrics.NewService(registerer)

	entities, err := storage.NewStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	a.entities = entities

	jobs, err := job.NewStore(ctx, a.js, metricsSvc)
	if err != nil {
		return fmt.Errorf("initialize job store: %w", err)
	}
	a.jobs = jobs

	registry, err := llm.LoadRegistry(a.cfg.LLM.RegistryPath)
	if err != nil {
		return fmt.Errorf("load provider registry: %w", err)
	}
	a.registry = registry

	client := llm.NewClient(registry,
		llm.WithLogger(a.logger),
		llm.WithObserver(metricsSvc),
	)

	notifier, err := job.NewNotifier(ctx, a.js, a.logger)
	if err != nil {
		return fmt.Errorf("initialize notifier: %w", err)
	}
	a.orch = job.New(jobs, entities, client, notifier, metricsSvc, job.Config{
		LeaseDuration:  a.cfg.Jobs.LeaseDuration,
		StuckThreshold: a.cfg.Jobs.StuckThreshold,
		MaxRetries:     a.cfg.Jobs.MaxRetries,
		MaxRedosPerDay: a.cfg.Jobs.MaxRedosPerDay,
	}, a.logger)

	workCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.startWorkers(workCtx)

	if a.cfg.LLM.WatchRegistry {
		a.watchRegistry(workCtx)
	}

	a.startHTTP(registerer)

	a.logger.Info("planforge started",
		"addr", a.cfg.Server.Addr,
		"workers", a.cfg.Jobs.Workers,
		"nats", a.natsURL(),
	)
	return nil
}

func (a *App) startNATS(_ context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		// Connect to external NATS
		a.logger.Info("connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		// Start embedded NATS server
		a.logger.Info("starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			StoreDir:  a.cfg.NATS.StoreDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		// Wait for server to be ready
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}

		a.embeddedServer = ns

		// Connect to embedded server
		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	// Get JetStream context
	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js

	return nil
}

func (a *App) startWorkers(ctx context.Context) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "planforge"
	}
	for i := 0; i < a.cfg.Jobs.Workers; i++ {
		// Only the first worker sweeps so concurrent sweeps don't race
		// each other on the same jobs.
		sweep := job.SweepOff
		if i == 0 {
			sweep = a.cfg.Jobs.SweepSchedule
		}
		w := job.NewWorker(a.orch, fmt.Sprintf("%s-%d", hostname, i),
			a.cfg.Jobs.PollInterval, sweep, a.logger)
		a.workers.Add(1)
		go func() {
			defer a.workers.Done()
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("worker exited", "error", err)
			}
		}()
	}
}

func (a *App) watchRegistry(ctx context.Context) {
	path := a.cfg.LLM.RegistryPath
	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		err := config.WatchFile(ctx, path, a.logger, func() {
			if err := a.registry.Reload(path); err != nil {
				a.logger.Error("registry reload failed, keeping previous registry", "error", err)
				return
			}
			a.logger.Info("provider registry reloaded", "path", path)
		})
		if err != nil && ctx.Err() == nil {
			a.logger.Error("registry watcher stopped", "error", err)
		}
	}()
}

func (a *App) startHTTP(gatherer prometheus.Gatherer) {
	srv := api.NewServer(a.orch, a.entities, a.jobs, gatherer, a.logger)
	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server exited", "error", err)
		}
	}()
}

func (a *App) natsURL() string {
	if a.embeddedServer != nil {
		return "embedded (" + a.embeddedServer.ClientURL() + ")"
	}
	return a.cfg.NATS.URL
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("http shutdown", "error", err)
		}
	}

	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("workers did not stop before timeout")
	}

	// Close NATS connection
	if a.natsConn != nil {
		a.natsConn.Drain()
		a.natsConn.Close()
	}

	// Shutdown embedded server
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}

	a.logger.Info("shutdown complete")
}
