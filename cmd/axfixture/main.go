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
	"github.com/axialops/axplatform/pkg/fixture"
	"github.com/axialops/axplatform/pkg/log"
	"github.com/axialops/axplatform/pkg/otelhelper"
	"github.com/axialops/axplatform/pkg/redisbus"
	"github.com/axialops/axplatform/pkg/retention"
	"github.com/axialops/axplatform/pkg/volume"
	"github.com/axialops/axplatform/pkg/web"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 8912

var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:                  "axfixture",
		Usage:                 "Fixture, volume and retention manager",
		Version:               version,
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to serve the fixture API on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for the durable store",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "redis",
				Usage:   "Redis address for assignment notifications",
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
				Name:    "axops",
				Usage:   "Base URL of the template catalog service",
				Sources: cli.EnvVars("AXOPS_URL"),
			},
			&cli.StringFlag{
				Name:    "adc",
				Usage:   "Base URL of the admission controller (runs fixture action jobs)",
				Sources: cli.EnvVars("ADC_URL"),
			},
			&cli.StringFlag{
				Name:    "blob-store",
				Usage:   "Base URL of the artifact blob gateway (omit to disable retention sweeps)",
				Sources: cli.EnvVars("BLOB_STORE_URL"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka brokers for platform events (omit to disable)",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
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
	logger := log.WithModule("axfixture")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.InfoContext(ctx, "Initializing fixture manager")

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
		pub, _, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), "axfixture", brokers)
		if err != nil {
			return fmt.Errorf("failed to connect kafka: %w", err)
		}

		defer pub.Close()

		publisher = eventbus.NewWatermillEventBus(pub, nil)
	}

	runtime := axsys.NewHTTPClient(logger, command.String("axsys"))

	volumes := volume.NewManager(logger, store, runtime, volume.DefaultConfig())

	var jobs fixture.JobClient
	if base := command.String("adc"); base != "" {
		jobs = fixture.NewAWCJobClient(base)
	}

	var templates fixture.TemplateSource
	if base := command.String("axops"); base != "" {
		templates = fixture.NewAXOPSTemplateSource(base)
	}

	fixtures := fixture.NewManager(logger, store, bus, publisher,
		volumes, jobs, templates, fixture.DefaultConfig())

	volumes.SetWaker(fixtures.Trigger)

	err = volumes.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start volume manager: %w", err)
	}
	defer volumes.Stop()

	err = fixtures.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start fixture manager: %w", err)
	}
	defer fixtures.Stop()

	app := web.NewApp("axfixture")

	if command.Bool("otel") {
		tracer, err := otelhelper.NewTracer(ctx, "axfixture")
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}

		app.Use(web.Tracing(tracer))
	}

	fixture.NewHandlers(fixtures, logger).Register(app)
	volume.NewHandlers(volumes, logger).Register(app)

	if base := command.String("blob-store"); base != "" {
		policies := retention.NewManager(logger, store,
			retention.NewHTTPBlobStore(base), retention.DefaultConfig())

		err = policies.Start(ctx)
		if err != nil {
			return fmt.Errorf("failed to start retention manager: %w", err)
		}
		defer policies.Stop()

		retention.NewHandlers(policies, logger).Register(app)
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down fixture API")

		if err := app.Shutdown(); err != nil {
			logger.Error("Failed to shut down fixture API", "error", err)
		}
	}()

	err = app.Listen(fmt.Sprintf(":%d", command.Int("port")))
	if err != nil {
		return fmt.Errorf("fixture API stopped: %w", err)
	}

	return nil
}
