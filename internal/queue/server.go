package queue

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/internal/delivery"
	"github.com/ad-tracker/channel-announcer/pkg/logger"
)

// ServerOptions configures the task processing server.
type ServerOptions struct {
	Concurrency int
	Queue       string
}

// Server processes announcement tasks.
type Server struct {
	srv *asynq.Server
	mux *asynq.ServeMux
	log *zap.Logger
}

// NewServer creates a task processing server bound to the Redis instance at
// redisURL.
func NewServer(redisURL string, opts ServerOptions, relay *Relay, log *zap.Logger) (*Server, error) {
	redisOpt, err := delivery.ParseRedisURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.Queue == "" {
		opts.Queue = "default"
	}
	log = logger.OrNop(log).Named("queue")

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: opts.Concurrency,
		Queues:      map[string]int{opts.Queue: 10},
		Logger:      log.Sugar(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			log.Warn("task failed",
				zap.String("type", task.Type()),
				zap.Int("retried", retried),
				zap.Error(err),
			)
		}),
	})

	return &Server{srv: srv, mux: relay.Mux(), log: log}, nil
}

// Run processes tasks until ctx is cancelled, then drains in-flight work.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("starting task processing server")
	if err := s.srv.Start(s.mux); err != nil {
		return fmt.Errorf("start task server: %w", err)
	}
	<-ctx.Done()
	s.log.Info("shutting down task processing server")
	s.srv.Shutdown()
	return nil
}
