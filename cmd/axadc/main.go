package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/axialops/axplatform/pkg/adc"
	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/axsys"
	"github.com/axialops/axplatform/pkg/channels/kafka"
	"github.com/axialops/axplatform/pkg/eventbus"
	"github.com/axialops/axplatform/pkg/log"
	"github.com/axialops/axplatform/pkg/otelhelper"
	"github.com/axialops/axplatform/pkg/redisbus"
	"github.com/axialops/axplatform/pkg/web"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 8911

var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:                  "axadc",
		Usage:                 "Admission and workflow controller",
		Version:               version,
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to serve the admission API on",
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
				Usage:   "Redis address for executor channels",
				Value:   "localhost:6379",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "axsys",
				Usage:   "Base URL of the container runtime service",
				Value:   "http://axsys:8900",
				Sources: cli.EnvVars("AXSYS_URL"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka brokers for platform events (omit to disable)",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "image-registry",
				Usage:   "Registry the executor image is pulled from",
				Value:   "docker.io",
				Sources: cli.EnvVars("IMAGE_REGISTRY"),
			},
			&cli.StringFlag{
				Name:    "image-namespace",
				Usage:   "Image namespace of the executor image",
				Value:   "axialops",
				Sources: cli.EnvVars("IMAGE_NAMESPACE"),
			},
			&cli.StringFlag{
				Name:    "image-version",
				Usage:   "Tag of the executor image",
				Value:   "latest",
				Sources: cli.EnvVars("IMAGE_VERSION"),
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
	logger := log.WithModule("axadc")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.InfoContext(ctx, "Initializing admission controller")

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
		pub, _, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), "axadc", brokers)
		if err != nil {
			return fmt.Errorf("failed to connect kafka: %w", err)
		}

		defer pub.Close()

		publisher = eventbus.NewWatermillEventBus(pub, nil)
	}

	runtime := axsys.NewHTTPClient(logger, command.String("axsys"))

	config := adc.DefaultConfig()
	config.ImageRegistry = command.String("image-registry")
	config.ImageNamespace = command.String("image-namespace")
	config.ImageVersion = command.String("image-version")

	manager := adc.NewManager(logger, store, bus, runtime, publisher, config)

	err = manager.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start admission controller: %w", err)
	}
	defer func() {
		if err := manager.Stop(context.Background()); err != nil {
			logger.Error("Failed to stop admission controller", "error", err)
		}
	}()

	app := web.NewApp("axadc")

	if command.Bool("otel") {
		tracer, err := otelhelper.NewTracer(ctx, "axadc")
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}

		app.Use(web.Tracing(tracer))
	}

	adc.NewHandlers(manager, logger).Register(app)

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down admission API")

		if err := app.Shutdown(); err != nil {
			logger.Error("Failed to shut down admission API", "error", err)
		}
	}()

	err = app.Listen(fmt.Sprintf(":%d", command.Int("port")))
	if err != nil {
		return fmt.Errorf("admission API stopped: %w", err)
	}

	return nil
}
