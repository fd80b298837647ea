// Package delivery holds the announcement sinks. The core only guarantees
// a sink is invoked at most once per newly discovered item and group.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/internal/config"
	"github.com/ad-tracker/channel-announcer/internal/models"
	"github.com/ad-tracker/channel-announcer/pkg/logger"
)

// Sink drivers.
const (
	DriverLog   = "log"
	DriverAMQP  = "amqp"
	DriverAsynq = "asynq"
)

// ErrUnknownDriver is returned for an unsupported delivery.driver value.
var ErrUnknownDriver = errors.New("unknown delivery driver")

// Sink hands an announcement to whatever formats and posts it.
type Sink interface {
	Deliver(ctx context.Context, a models.Announcement) error
	Close() error
}

// Open builds the configured sink.
func Open(cfg config.DeliveryConfig, log *zap.Logger) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverLog:
		return NewLogSink(log), nil
	case DriverAMQP:
		return NewAMQPSink(cfg.AMQP, cfg.Queue, log)
	case DriverAsynq:
		return NewAsynqSink(cfg.RedisURL, cfg.Queue, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
}

// LogSink writes announcements to the structured log. It is the default
// when no downstream formatter is wired.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: logger.OrNop(log).Named("delivery")}
}

func (s *LogSink) Deliver(_ context.Context, a models.Announcement) error {
	s.log.Info("announcement",
		zap.String("announcementId", a.ID.String()),
		zap.String("groupId", a.GroupID),
		zap.String("channelId", a.ChannelID),
		zap.String("itemId", a.Item.ID),
		zap.String("title", a.Item.Title),
		zap.String("url", a.Item.URL()),
		zap.Bool("live", a.Item.IsLive),
		zap.Bool("memberOnly", a.Item.IsMemberOnly),
		zap.String("origin", string(a.Item.Origin)),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }
