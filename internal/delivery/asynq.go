package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/internal/models"
	"github.com/ad-tracker/channel-announcer/pkg/logger"
)

// TypeAnnouncement is the asynq task type consumers register a handler for.
const TypeAnnouncement = "announcement:deliver"

// Enqueuer is the part of asynq.Client the sink uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// AsynqSink enqueues each announcement as a task for an out-of-process
// formatter. The task id is derived from group and item, so a duplicate
// enqueue is rejected by the broker as well.
type AsynqSink struct {
	client Enqueuer
	queue  string
	log    *zap.Logger
}

// NewAsynqSink connects to the Redis instance at redisURL.
func NewAsynqSink(redisURL, queue string, log *zap.Logger) (*AsynqSink, error) {
	redisOpt, err := ParseRedisURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return NewAsynqSinkWithClient(asynq.NewClient(redisOpt), queue, log), nil
}

// NewAsynqSinkWithClient wraps an existing enqueuer.
func NewAsynqSinkWithClient(client Enqueuer, queue string, log *zap.Logger) *AsynqSink {
	if queue == "" {
		queue = "default"
	}
	return &AsynqSink{client: client, queue: queue, log: logger.OrNop(log).Named("asynq")}
}

// TaskID returns the broker-side dedup id for an announcement.
func TaskID(a models.Announcement) string {
	return "announce:" + a.GroupID + ":" + a.Item.ID
}

func (s *AsynqSink) Deliver(ctx context.Context, a models.Announcement) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	task := asynq.NewTask(TypeAnnouncement, payload)
	info, err := s.client.EnqueueContext(ctx, task,
		asynq.TaskID(TaskID(a)),
		asynq.MaxRetry(3),
		asynq.Timeout(time.Minute),
		asynq.Retention(24*time.Hour),
		asynq.Queue(s.queue),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		s.log.Debug("announcement already enqueued", zap.String("taskId", TaskID(a)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.log.Debug("Enqueued announcement",
		zap.String("taskId", info.ID),
		zap.String("queue", info.Queue),
	)
	return nil
}

func (s *AsynqSink) Close() error {
	return s.client.Close()
}
