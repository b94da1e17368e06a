package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/axsys"
	"github.com/axialops/axplatform/pkg/channels/kafka"
	"github.com/axialops/axplatform/pkg/eventbus"
	"github.com/axialops/axplatform/pkg/executor"
	"github.com/axialops/axplatform/pkg/log"
	"github.com/axialops/axplatform/pkg/otelhelper"
	"github.com/axialops/axplatform/pkg/redisbus"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var version = "dev"

// crashTestExit lets the recovery tests kill the process at a scripted point
// and assert the replay behavior of the next run.
const crashTestExit = 10

func main() {
	cmd := &cli.Command{
		Name:                  "axexecutor",
		Usage:                 "Run a single workflow to completion",
		Version:               version,
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "workflow-id",
				Usage:    "ID of the workflow to execute",
				Required: true,
				Sources:  cli.EnvVars("WORKFLOW_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for the durable store",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "redis",
				Usage:   "Redis address for result and launch channels",
				Value:   "localhost:6379",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "axsys",
				Usage:   "Base URL of the container runtime service",
				Value:   "http://axsys:8900",
				Sources: cli.EnvVars("AXSYS_URL"),
			},
			&cli.StringFlag{
				Name:    "adc",
				Usage:   "Base URL of the admission controller",
				Value:   "http://axadc:8911",
				Sources: cli.EnvVars("ADC_URL"),
			},
			&cli.StringFlag{
				Name:    "fvm",
				Usage:   "Base URL of the fixture manager",
				Value:   "http://axfixture:8912",
				Sources: cli.EnvVars("FVM_URL"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka brokers for platform events (omit to disable)",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.BoolFlag{
				Name:    "crash-test",
				Usage:   "Exit immediately with the crash-test code",
				Hidden:  true,
				Sources: cli.EnvVars("AX_CRASH_TEST"),
			},
			&cli.BoolFlag{
				Name:    "otel",
				Usage:   "Export traces via OTLP (endpoint from OTEL_EXPORTER_* env)",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	workflowID := command.String("workflow-id")
	logger := log.WithModule("axexecutor").With("workflow_id", workflowID)

	if command.Bool("crash-test") {
		logger.Warn("Crash test requested, exiting")
		os.Exit(crashTestExit)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.InfoContext(ctx, "Initializing executor")

	store, err := axdb.NewPostgres(ctx, logger, command.String("database-url"))
	if err != nil {
		return fmt.Errorf("failed to open durable store: %w", err)
	}

	defer func() {
		if err := store.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close durable store", "error", err)
		}
	}()

	bus, err := redisbus.New(ctx, logger, command.String("redis"), "", 0)
	if err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}

	defer func() {
		if err := bus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close redis", "error", err)
		}
	}()

	var publisher eventbus.EventPublisher

	if brokers := command.StringSlice("kafka-brokers"); len(brokers) > 0 {
		pub, _, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), "axexecutor", brokers)
		if err != nil {
			return fmt.Errorf("failed to connect kafka: %w", err)
		}

		defer pub.Close()

		publisher = eventbus.NewWatermillEventBus(pub, nil)
	}

	runtime := axsys.NewHTTPClient(logger, command.String("axsys"))
	reporter := executor.NewADCClient(command.String("adc"))
	fvm := executor.NewFVMClient(command.String("fvm"))

	exec, err := executor.New(logger, store, bus, runtime, fvm, reporter,
		publisher, executor.DefaultConfig(), workflowID)
	if err != nil {
		return fmt.Errorf("failed to build executor: %w", err)
	}

	runCtx := ctx

	if command.Bool("otel") {
		tracer, err := otelhelper.NewTracer(ctx, "axexecutor")
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}

		var span trace.Span

		runCtx, span = otelhelper.StartSpan(ctx, tracer, "workflow.run",
			attribute.String(otelhelper.WorkflowIDKey, workflowID))
		defer span.End()
	}

	last, err := exec.Run(runCtx)
	if err != nil {
		return fmt.Errorf("workflow run failed: %w", err)
	}

	logger.InfoContext(ctx, "Workflow finished", "last_status", last)

	return nil
}
