package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/heatwatch/heatwatch/pkg/collector"
	"github.com/heatwatch/heatwatch/pkg/hass"
	"github.com/heatwatch/heatwatch/pkg/log"
	"github.com/heatwatch/heatwatch/pkg/melcloud"
	"github.com/heatwatch/heatwatch/pkg/metrics"
	"github.com/heatwatch/heatwatch/pkg/pricing"
	"github.com/heatwatch/heatwatch/pkg/server"
	"github.com/heatwatch/heatwatch/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	mel := melcloud.Configured()
	ha := hass.Configured()
	db := storage.Configured()
	prices := &pricing.Recalculator{DB: db}
	col := collector.Configured(mel, ha, db, prices)

	// init server
	srv := server.Configured()

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	for _, v := range []interface{ Validate() error }{mel, ha, col} {
		if err := v.Validate(); err != nil {
			slog.Error("invalid configuration", slog.Any("err", err))
			os.Exit(1)
		}
	}

	metrics.Init()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// run the backfill loop next to the ops server; either exiting takes
	// the process down
	errChan := make(chan error, 1)
	go func() {
		errChan <- col.RunForever(ctx)
	}()

	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	cancel()
	if err := <-errChan; err != nil && err != context.Canceled {
		log.Ctx(ctx).ErrorContext(ctx, "collector failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}
