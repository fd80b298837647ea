// Command relay drains announcements queued by the asynq delivery driver and
// forwards them to the sink named by relay.driver.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/internal/config"
	"github.com/ad-tracker/channel-announcer/internal/delivery"
	"github.com/ad-tracker/channel-announcer/internal/queue"
	"github.com/ad-tracker/channel-announcer/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger.Named("relay")); err != nil {
		logger.Log.Error("relay exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.Delivery.RedisURL == "" {
		return errors.New("delivery.redisurl is required to consume queued announcements")
	}

	target := cfg.Delivery
	target.Driver = cfg.Relay.Driver
	if strings.EqualFold(strings.TrimSpace(target.Driver), delivery.DriverAsynq) {
		return fmt.Errorf("relay.driver %q would requeue every task", delivery.DriverAsynq)
	}

	sink, err := delivery.Open(target, log)
	if err != nil {
		return fmt.Errorf("open relay sink: %w", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Error("failed to close relay sink", zap.Error(err))
		}
	}()

	srv, err := queue.NewServer(cfg.Delivery.RedisURL, queue.ServerOptions{
		Concurrency: cfg.Relay.Concurrency,
		Queue:       cfg.Delivery.Queue,
	}, queue.NewRelay(sink, log), log)
	if err != nil {
		return err
	}

	log.Info("relay started",
		zap.String("queue", cfg.Delivery.Queue),
		zap.String("driver", target.Driver),
		zap.Int("concurrency", cfg.Relay.Concurrency),
	)
	return srv.Run(ctx)
}
