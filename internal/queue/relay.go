// Package queue drains announcements enqueued by the asynq delivery sink and
// forwards them to a downstream sink.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/internal/delivery"
	"github.com/ad-tracker/channel-announcer/internal/metrics"
	"github.com/ad-tracker/channel-announcer/internal/models"
	"github.com/ad-tracker/channel-announcer/internal/validation"
	"github.com/ad-tracker/channel-announcer/pkg/logger"
)

// ErrInvalidPayload marks a task that can never be delivered.
var ErrInvalidPayload = errors.New("invalid announcement payload")

// DecodeAnnouncement parses and checks a task payload.
func DecodeAnnouncement(payload []byte) (models.Announcement, error) {
	var a models.Announcement
	if err := json.Unmarshal(payload, &a); err != nil {
		return a, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	switch {
	case !validation.IsValidGroupID(a.GroupID):
		return a, fmt.Errorf("%w: group id %q", ErrInvalidPayload, a.GroupID)
	case !validation.IsValidChannelID(a.ChannelID):
		return a, fmt.Errorf("%w: channel id %q", ErrInvalidPayload, a.ChannelID)
	case a.Item.ID == "":
		return a, fmt.Errorf("%w: missing item id", ErrInvalidPayload)
	}
	return a, nil
}

// Relay hands queued announcements to a sink.
type Relay struct {
	sink delivery.Sink
	log  *zap.Logger
}

// NewRelay creates a Relay forwarding to sink.
func NewRelay(sink delivery.Sink, log *zap.Logger) *Relay {
	return &Relay{sink: sink, log: logger.OrNop(log).Named("relay")}
}

// ProcessTask implements asynq.Handler. Malformed payloads are not retried.
func (r *Relay) ProcessTask(ctx context.Context, task *asynq.Task) error {
	a, err := DecodeAnnouncement(task.Payload())
	if err != nil {
		metrics.Relayed.WithLabelValues("invalid").Inc()
		r.log.Warn("dropping malformed announcement task", zap.Error(err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	if err := r.sink.Deliver(ctx, a); err != nil {
		metrics.Relayed.WithLabelValues("failed").Inc()
		return fmt.Errorf("deliver announcement %s: %w", a.ID, err)
	}

	metrics.Relayed.WithLabelValues("delivered").Inc()
	r.log.Debug("relayed announcement",
		zap.String("groupId", a.GroupID),
		zap.String("itemId", a.Item.ID),
	)
	return nil
}

// Mux routes announcement tasks to the relay.
func (r *Relay) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(delivery.TypeAnnouncement, r)
	return mux
}
