package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"assistant_core/internal/config"
	"assistant_core/internal/conversation"
	"assistant_core/internal/ledger"
	"assistant_core/internal/orchestrator"
	"assistant_core/internal/provider"
	"assistant_core/internal/queue"
	"assistant_core/internal/scheduler"
	"assistant_core/internal/storage"
	"assistant_core/internal/usage"
)

// Dependencies aggregates all services the HTTP layer needs, plus the
// background components main must stop on shutdown.
type Dependencies struct {
	Ledger       ledger.Ledger
	Conversation conversation.Log
	Orchestrator *orchestrator.Service
	QuotaReset   *scheduler.QuotaReset
	UsageWorker  *usage.Worker

	db        *storage.DB
	usageRepo *storage.UsageRepository
}

// Close stops background components and releases storage handles. Safe to
// call once after the HTTP server has drained.
func (d *Dependencies) Close() {
	if d.Orchestrator != nil {
		d.Orchestrator.Stop()
	}
	if d.QuotaReset != nil {
		d.QuotaReset.Stop()
	}
	if d.UsageWorker != nil {
		d.UsageWorker.Stop()
	}
	if d.db != nil {
		d.db.Close()
	}
}

// NewRouter creates an HTTP router with all dependencies wired up
func NewRouter(cfg *config.Config) (*http.ServeMux, *Dependencies, error) {
	deps := &Dependencies{}

	// Storage backend: Postgres when configured, in-memory otherwise.
	var db *storage.DB
	if cfg.Ledger.Backend == "postgres" {
		var err error
		db, err = storage.NewDB(cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		if err := db.EnsureSchema(context.Background()); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to ensure schema: %w", err)
		}
		deps.db = db
	}

	plans := ledger.StaticPlanResolver{Plan: ledger.Plan{
		Limit:     cfg.Ledger.DefaultLimit,
		Unlimited: cfg.Ledger.DefaultUnlimited,
	}}

	if db != nil {
		deps.Ledger = ledger.NewPostgresLedger(db, plans)
		deps.Conversation = conversation.NewPostgresLog(db)
	} else {
		deps.Ledger = ledger.NewMemoryLedger(plans)
		deps.Conversation = conversation.NewMemoryLog()
	}

	// Usage event pipeline: queue plus batch worker. Events only persist
	// when a database is present; otherwise the worker drains to nowhere
	// and the recorder stays a no-op.
	var recorder usage.Recorder = usage.NoopRecorder{}
	if db != nil {
		queueCfg := queue.DefaultConfig("usage")
		queueCfg.BatchSize = cfg.Usage.BatchSize
		queueCfg.BatchTimeout = cfg.Usage.BatchTimeout
		queueCfg.MaxRetries = cfg.Usage.MaxRetries
		queueCfg.RetryBackoff = cfg.Usage.RetryBackoff

		var (
			usageQueue queue.Queue
			usageDLQ   queue.DeadLetter
			err        error
		)
		if cfg.Usage.Backend == "redis" {
			queueCfg.RedisAddr = cfg.Usage.RedisAddr
			queueCfg.RedisPassword = cfg.Usage.RedisPassword
			queueCfg.RedisDB = cfg.Usage.RedisDB
			usageQueue, err = queue.NewRedisQueue(queueCfg)
			if err != nil {
				db.Close()
				return nil, nil, fmt.Errorf("failed to create usage queue: %w", err)
			}
			usageDLQ, err = queue.NewRedisDeadLetter(queueCfg)
			if err != nil {
				db.Close()
				return nil, nil, fmt.Errorf("failed to create usage DLQ: %w", err)
			}
		} else {
			usageQueue = queue.NewMemoryQueue(queueCfg)
			usageDLQ = queue.NewMemoryDeadLetter()
		}

		deps.usageRepo = storage.NewUsageRepository(db)
		recorder = usage.NewQueueRecorder(usageQueue)
		deps.UsageWorker = usage.NewWorker(usageQueue, usageDLQ, deps.usageRepo, queueCfg)
		deps.UsageWorker.Start(context.Background())
	}

	gateway, err := provider.NewOpenAIGateway(cfg.Provider)
	if err != nil {
		deps.Close()
		return nil, nil, fmt.Errorf("failed to initialize provider gateway: %w", err)
	}

	catalog := buildCatalog(cfg.Actions)

	deps.Orchestrator = orchestrator.New(deps.Ledger, gateway, catalog, deps.Conversation, recorder, orchestrator.Options{
		CallTimeout:  cfg.Provider.RequestTimeout,
		HistoryLimit: cfg.Provider.HistoryLimit,
	})
	deps.Orchestrator.StartWatchdog(cfg.Scheduler.WatchdogInterval, cfg.Scheduler.WatchdogTTL)

	deps.QuotaReset = scheduler.NewQuotaReset(deps.Ledger, cfg.Scheduler.SweepInterval)
	deps.QuotaReset.Start()

	mux := http.NewServeMux()
	registerRoutes(mux, deps, cfg)

	return mux, deps, nil
}

// buildCatalog converts configured actions into the provider catalog.
func buildCatalog(actions map[string]config.ActionConfig) provider.Catalog {
	resolved := make(map[string]provider.Action, len(actions))
	for name, a := range actions {
		resolved[name] = provider.Action{Prompt: a.Prompt, Cost: a.Cost}
	}
	return provider.NewStaticCatalog(resolved)
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies, cfg *config.Config) {
	handler := NewAssistantHandler(deps.Orchestrator, deps.Ledger, deps.Conversation)

	// Assistant endpoints sit behind the page-builder session.
	session := SessionMiddleware(cfg)
	mux.Handle("/v1/assistant/generate", session(http.HandlerFunc(handler.Generate)))
	mux.Handle("/v1/assistant/balance", session(http.HandlerFunc(handler.Balance)))
	mux.Handle("/v1/assistant/history", session(http.HandlerFunc(handler.History)))

	// The usage audit trail is only available when events persist.
	if deps.usageRepo != nil {
		usageHandler := NewUsageHandler(deps.usageRepo)
		mux.Handle("/v1/assistant/usage", session(http.HandlerFunc(usageHandler.History)))
	}

	// Health check endpoint - public
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.db != nil {
			if err := deps.db.Health(r.Context()); err != nil {
				respondWithError(w, http.StatusServiceUnavailable, "database unavailable")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}
