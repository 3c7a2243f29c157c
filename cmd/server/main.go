package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iliyamo/cinema-ticketing/internal/app"
	"github.com/iliyamo/cinema-ticketing/internal/config"
	"github.com/iliyamo/cinema-ticketing/internal/database"
	"github.com/iliyamo/cinema-ticketing/internal/queue"
	"github.com/iliyamo/cinema-ticketing/internal/service"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "err", err)
		os.Exit(1)
	}
	log := newLogger(cfg)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := config.NewRedisClient(cfg.Redis)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	} else {
		log.Warn("redis unavailable; rate limiting and response cache disabled", "addr", cfg.Redis.Addr)
	}

	startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	factory, closeBackend, err := database.Backends(startupCtx, cfg, rdb)
	if err != nil {
		return err
	}
	defer func() { _ = closeBackend() }()
	stores, err := database.OpenStores(startupCtx, factory)
	if err != nil {
		return err
	}
	log.Info("stores loaded", "backend", cfg.StoreBackend,
		"films", stores.Films.Len(), "customers", stores.Customers.Len())

	var events service.EventPublisher
	if cfg.EventsEnabled {
		pub := service.NewRabbitPublisher(cfg.RabbitURL, log.With("component", "publisher"))
		defer func() { _ = pub.Close() }()
		events = pub
	}
	if cfg.ConsumeEvents {
		c := &queue.Consumer{URL: cfg.RabbitURL, LogDir: cfg.EventLogDir, Log: log.With("component", "consumer")}
		go func() {
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("consumer stopped", "err", err)
			}
		}()
	}

	a, err := app.New(startupCtx, app.Deps{Config: cfg, Stores: stores, Redis: rdb, Events: events, Log: log})
	if err != nil {
		return err
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", ":"+cfg.Port, "env", cfg.Env)
		srvErr <- a.Echo.Start(":" + cfg.Port)
	}()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := a.Echo.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("server stopped")
	return nil
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
