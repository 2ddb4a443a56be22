// Package server exposes the engine over HTTP. One echo instance serves
// the session API, the SSE event feed, and the Prometheus scrape endpoint;
// a cron scheduler sweeps idle sessions into the archive.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/griddle-ai/griddle/config"
	"github.com/griddle-ai/griddle/internal/dispatch"
	"github.com/griddle-ai/griddle/internal/guard"
	"github.com/griddle-ai/griddle/internal/journal"
	"github.com/griddle-ai/griddle/internal/llm"
	"github.com/griddle-ai/griddle/internal/recall"
	"github.com/griddle-ai/griddle/internal/sandbox"
	"github.com/griddle-ai/griddle/internal/session"
	"github.com/griddle-ai/griddle/internal/store"
	"github.com/griddle-ai/griddle/internal/telemetry"
	"github.com/griddle-ai/griddle/internal/turn"
	"github.com/griddle-ai/griddle/internal/worker"
)

// Run wires the full engine behind an echo server and blocks until the
// listener fails. All dependencies are constructed here (top-level DI).
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return fmt.Errorf("postgres not configured: %w", err)
	}
	if err := cfg.Storage.Redis.Validate(); err != nil {
		return fmt.Errorf("redis not configured: %w", err)
	}
	if err := cfg.LLM.Validate(); err != nil {
		return fmt.Errorf("llm not configured: %w", err)
	}

	dsn := cfg.Storage.Postgres.DSN()
	_ = store.Migrate("file://migrations", dsn, "up", 0)
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}

	registry, err := journal.DefaultRegistry()
	if err != nil {
		return fmt.Errorf("journal schemas: %w", err)
	}
	publisher := journal.NewPublisher(rdb, registry)

	index, err := recall.NewIndex()
	if err != nil {
		return fmt.Errorf("recall index: %w", err)
	}
	defer index.Close()

	tracker := telemetry.NewTracker(cfg.Telemetry)
	defer tracker.Shutdown()

	model, err := llm.NewClient(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
	})
	if err != nil {
		return err
	}

	reg, err := dispatch.NewRegistry(dispatch.Deps{
		Transformer: sandbox.NewRunner(),
		Charts:      &ChartRenderer{},
	})
	if err != nil {
		return err
	}
	guardLogger := log.New(log.Writer(), "[GUARD] ", log.LstdFlags)
	handler := guard.Chain(reg,
		guard.Reasoning(tracker, guardLogger, nil),
		guard.StepOrder(guardLogger, nil),
		guard.Logging(guardLogger),
		guard.Timing(tracker),
	)

	driver, err := turn.NewDriver(turn.Deps{
		Model:    model,
		Handler:  handler,
		Progress: tracker,
		Recall:   index,
	})
	if err != nil {
		return err
	}

	sessions := session.NewStore()
	hub := turn.NewHub(driver, sessions, nil)
	defer hub.Close()

	archiver := worker.NewArchiver(nil, st, hub, nil, "", "server", nil, nil)

	// Mirror actor events into the journal so the audit trail covers turns
	// driven synchronously over HTTP, not just worker-driven ones.
	hub.Tap(func(ev turn.Event) {
		tapCtx := context.Background()
		switch ev.Kind {
		case turn.EvActionDone:
			if ev.Observation == nil {
				return
			}
			_, err := publisher.ActionDispatched(tapCtx, journal.ActionDispatchedPayload{
				SessionID: ev.SessionID,
				RunID:     ev.RunID,
				Kind:      ev.Observation.Kind,
				StepID:    ev.Observation.ActionRef,
				Status:    ev.Observation.Status,
				ErrorCode: ev.Observation.ErrorCode,
			})
			if err != nil {
				baseLogger.Printf("journal action.dispatched: %v", err)
			}
		case turn.EvClarificationPending:
			if ev.Clarification == nil {
				return
			}
			_, err := publisher.ClarificationPending(tapCtx, journal.ClarificationPendingPayload{
				SessionID:       ev.SessionID,
				RunID:           ev.RunID,
				ClarificationID: ev.Clarification.ID,
				Question:        ev.Clarification.Question,
				Options:         ev.Clarification.Options,
			})
			if err != nil {
				baseLogger.Printf("journal clarification.pending: %v", err)
			}
		}
	})

	api := e.Group("/api")

	sh := &SessionsHandler{Hub: hub, Store: st, Recall: index, Tracker: tracker, Journal: publisher}
	sh.Register(api.Group("/sessions"))

	mh := &MessagesHandler{Hub: hub, Journal: publisher, Tracker: tracker, Archiver: archiver, Timeout: cfg.Server.TurnTimeout}
	mh.Register(api.Group("/sessions"))

	th := &TraceHandler{Hub: hub, Store: st, Tracker: tracker}
	th.Register(api.Group("/sessions"))

	if cfg.Server.StreamEnabled {
		eh := &EventsHandler{Hub: hub}
		eh.Register(api.Group("/sessions"))
	}

	sched := &Scheduler{
		Cfg:      cfg.Archive,
		Store:    st,
		Sessions: sessions,
		Hub:      hub,
		Archiver: archiver,
		Recall:   index,
		Tracker:  tracker,
		Journal:  publisher,
		Rdb:      rdb,
		Stop:     make(chan struct{}),
	}
	sched.Start()
	defer sched.Shutdown()

	if addr == "" {
		addr = cfg.Server.Address
		if addr != "" && addr[0] != ':' {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":8780"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
