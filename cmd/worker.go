package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/griddle-ai/griddle/config"
	"github.com/griddle-ai/griddle/internal/dispatch"
	"github.com/griddle-ai/griddle/internal/guard"
	"github.com/griddle-ai/griddle/internal/journal"
	"github.com/griddle-ai/griddle/internal/llm"
	"github.com/griddle-ai/griddle/internal/recall"
	"github.com/griddle-ai/griddle/internal/runtime"
	"github.com/griddle-ai/griddle/internal/sandbox"
	srv "github.com/griddle-ai/griddle/internal/server"
	"github.com/griddle-ai/griddle/internal/session"
	"github.com/griddle-ai/griddle/internal/store"
	"github.com/griddle-ai/griddle/internal/telemetry"
	"github.com/griddle-ai/griddle/internal/turn"
	"github.com/griddle-ai/griddle/internal/worker"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var work = &cobra.Command{
		Use:   "worker",
		Short: "Run the journal-driven turn worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(config.LoadConfig(cfgPath))
		},
	}
	work.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return work
}

func runWorker(cfg *config.Config) error {
	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return fmt.Errorf("postgres not configured: %w", err)
	}
	if err := cfg.Storage.Redis.Validate(); err != nil {
		return fmt.Errorf("redis not configured: %w", err)
	}
	if err := cfg.LLM.Validate(); err != nil {
		return fmt.Errorf("llm not configured: %w", err)
	}
	if err := cfg.Worker.Validate(); err != nil {
		return fmt.Errorf("worker not configured: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tel, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    "griddle-worker",
		ServiceVersion: "dev",
		MetricsPort:    cfg.Telemetry.MetricsPort,
	})
	if err != nil {
		return fmt.Errorf("worker telemetry init: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
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
	defer func() { _ = rdb.Close() }()

	registry, err := journal.DefaultRegistry()
	if err != nil {
		return fmt.Errorf("journal schemas: %w", err)
	}
	publisher := journal.NewPublisher(rdb, registry)

	name := cfg.Worker.Name
	if name == "" {
		name = fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	}
	consumer := journal.NewConsumer(rdb, registry, cfg.Worker.Group, name)

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
		Charts:      &srv.ChartRenderer{},
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

	hub := turn.NewHub(driver, session.NewStore(), nil)
	defer hub.Close()

	logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
	hub.Tap(func(ev turn.Event) {
		if ev.Kind != turn.EvActionDone || ev.Observation == nil {
			return
		}
		if _, err := publisher.ActionDispatched(context.Background(), journal.ActionDispatchedPayload{
			SessionID: ev.SessionID,
			RunID:     ev.RunID,
			Kind:      ev.Observation.Kind,
			StepID:    ev.Observation.ActionRef,
			Status:    ev.Observation.Status,
			ErrorCode: ev.Observation.ErrorCode,
		}); err != nil {
			logger.Printf("journal action.dispatched: %v", err)
		}
	})

	monitor, err := journal.NewMonitor(rdb, journal.StreamTurns, cfg.Worker.Group, 0)
	if err != nil {
		return fmt.Errorf("journal lag monitor: %w", err)
	}
	go monitor.Run(ctx)

	processor := worker.NewProcessor(logger, st, hub, publisher, consumer, journal.StreamTurns, name, meter, tracer)
	archiver := worker.NewArchiver(logger, st, hub, consumer, journal.StreamResults, name, meter, tracer)

	errs := make(chan error, 2)
	go func() { errs <- processor.Start(ctx) }()
	go func() { errs <- archiver.Start(ctx) }()

	err = <-errs
	cancel()
	if second := <-errs; err == nil {
		err = second
	}
	return err
}
