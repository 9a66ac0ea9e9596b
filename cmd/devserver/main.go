package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gatherly/feedkit/internal/devserver"
	"github.com/gatherly/feedkit/pkg/sink"
	"github.com/gatherly/feedkit/pkg/telemetry"
	"go.uber.org/zap"
)

func main() {
	cfg := devserver.LoadConfig()

	log := devserver.NewLogger(cfg.LogLevel, cfg.LogFile)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracer(ctx, telemetry.Config{
		ServiceName:  cfg.ServiceName,
		Environment:  "development",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.Tracing,
		SamplingRate: 1.0,
	})
	if err != nil {
		log.Warn("Failed to initialize tracer, continuing without tracing", zap.Error(err))
		cfg.Tracing = false
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	db, err := sink.Open(cfg.DBDriver, cfg.DBDSN, cfg.LogLevel == "debug")
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := sink.Migrate(db); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}
	log.Info("Database connected", zap.String("driver", cfg.DBDriver))

	srv := devserver.New(cfg, log, sink.NewGormSink(db))
	if err := srv.Run(ctx); err != nil {
		log.Error("Server stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Server exited")
}
