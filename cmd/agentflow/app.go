package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/agentflow/internal/catalog"
	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/model"
	"github.com/rendis/agentflow/internal/runstate"
	"github.com/rendis/agentflow/internal/scheduler"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/internal/validation"
)

// app is the wired process: every long-lived component and its teardown.
type app struct {
	cfg    Config
	logger *slog.Logger

	store     *store.LibSQLStore
	hub       streaming.EventHub
	nats      *streaming.EmbeddedServer
	router    *model.Router
	breaker   *model.Breaker
	states    *runstate.Store
	catalog   *catalog.Catalog
	executor  *engine.Executor
	scheduler *scheduler.Scheduler
}

// openStore opens and migrates the database at cfg.DBPath.
func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	dsn := cfg.DBPath
	if !strings.Contains(dsn, ":") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = "file:" + dsn
	}
	s, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func buildProviders(cfg Config) (map[string]model.Provider, error) {
	providers := make(map[string]model.Provider, len(cfg.Providers))
	for name, p := range cfg.Providers {
		var token string
		if p.APIKeyEnv != "" {
			token = os.Getenv(p.APIKeyEnv)
		}
		switch p.Type {
		case providerOpenAI:
			providers[name] = model.NewOpenAIProvider(name, p.BaseURL, token)
		case providerHTTP:
			providers[name] = model.NewHTTPProvider(name, p.BaseURL, token, &http.Client{})
		default:
			return nil, fmt.Errorf("provider %q: unknown type %q", name, p.Type)
		}
	}
	return providers, nil
}

func (a *app) openHub() error {
	if a.cfg.Hub == hubMemory {
		a.hub = streaming.NewMemoryHub()
		return nil
	}

	url := a.cfg.NATSURL
	if url == "" {
		srv, err := streaming.StartEmbeddedServer("127.0.0.1", -1)
		if err != nil {
			return err
		}
		a.nats = srv
		url = srv.ClientURL()
		a.logger.Info("embedded nats server started", slog.String("url", url))
	}
	hub, err := streaming.ConnectNATSHub(url, "", a.logger)
	if err != nil {
		return err
	}
	a.hub = hub
	return nil
}

// newApp opens storage, wires the engine and recovers state left by a
// previous process.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	logger = logging.OrDefault(logger)
	a := &app{cfg: cfg, logger: logger}

	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = s

	if err := a.openHub(); err != nil {
		a.close()
		return nil, err
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.router, err = model.NewRouter(providers, cfg.Models, cfg.ModelTimeout, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.breaker = model.NewBreaker(a.router, cfg.breakerConfig())

	validator, err := validation.NewWorkflowValidator(a.router)
	if err != nil {
		a.close()
		return nil, err
	}

	a.states = runstate.New(s, a.hub, logger)
	a.catalog = catalog.New(s, validator, logger)
	a.executor = engine.NewExecutor(s, a.states, a.breaker, engine.Config{
		PoolSize:   cfg.PoolSize,
		JudgeModel: cfg.JudgeModel,
		Retry:      cfg.retryPolicy(),
	}, logger)
	a.scheduler = scheduler.NewScheduler(s, a.executor, cfg.Scheduler.Interval, logger)

	n, err := a.executor.RecoverInterrupted(ctx)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("recover interrupted runs: %w", err)
	}
	if n > 0 {
		logger.Warn("failed runs interrupted by previous shutdown", slog.Int("count", n))
	}

	logger.Info("agentflow ready",
		slog.String("db", cfg.DBPath),
		slog.String("hub", cfg.Hub),
		slog.Int("pool_size", cfg.PoolSize),
		slog.Any("models", a.router.Models()),
	)
	return a, nil
}

// startScheduler runs missed schedules once and starts the ticker.
func (a *app) startScheduler(ctx context.Context) error {
	if !a.cfg.Scheduler.Enabled {
		return nil
	}
	if err := a.scheduler.RecoverMissed(ctx); err != nil {
		a.logger.Error("recover missed schedules", slog.String("error", err.Error()))
	}
	return a.scheduler.Start(ctx)
}

// close tears components down in reverse order. Safe on a partly built app.
func (a *app) close() {
	if a.scheduler != nil {
		_ = a.scheduler.Stop()
	}
	if a.executor != nil {
		a.executor.Shutdown()
	}
	if a.hub != nil {
		_ = a.hub.Close()
	}
	if a.nats != nil {
		a.nats.Shutdown()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close store", slog.String("error", err.Error()))
		}
	}
}
