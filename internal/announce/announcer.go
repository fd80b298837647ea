// Package announce reconciles candidate items against the watch state and
// hands new ones to the delivery sink. Both the poll and the push path go
// through it.
package announce

import (
	"context"

	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/internal/delivery"
	"github.com/ad-tracker/channel-announcer/internal/metrics"
	"github.com/ad-tracker/channel-announcer/internal/models"
	"github.com/ad-tracker/channel-announcer/internal/state"
	"github.com/ad-tracker/channel-announcer/pkg/logger"
)

// KnownSet is the dedup authority.
type KnownSet interface {
	IsKnown(key, id string, isLive bool) bool
	MarkKnown(key, id string, isLive bool) bool
}

// Announcer delivers each item at most once per subscriber group.
type Announcer struct {
	known KnownSet
	sink  delivery.Sink
	log   *zap.Logger
}

// New creates an Announcer.
func New(known KnownSet, sink delivery.Sink, log *zap.Logger) *Announcer {
	return &Announcer{
		known: known,
		sink:  sink,
		log:   logger.OrNop(log).Named("announce"),
	}
}

// Announce claims item for groupID and, if this call won the claim, delivers
// it. The claim happens before delivery, so a sink failure loses the
// announcement rather than risking a duplicate. It reports whether the sink
// was invoked.
func (a *Announcer) Announce(ctx context.Context, groupID string, item models.CandidateItem) bool {
	key := state.Key(groupID, item.ChannelID)
	if !a.known.MarkKnown(key, item.ID, item.IsLive) {
		return false
	}

	ann := models.NewAnnouncement(groupID, item)
	if err := a.sink.Deliver(ctx, ann); err != nil {
		metrics.DeliveryFailures.Inc()
		a.log.Error("delivery failed",
			zap.String("groupId", groupID),
			zap.String("channelId", item.ChannelID),
			zap.String("itemId", item.ID),
			zap.Error(err))
		return true
	}

	metrics.Announcements.WithLabelValues(string(item.Origin)).Inc()
	a.log.Info("announced",
		zap.String("groupId", groupID),
		zap.String("channelId", item.ChannelID),
		zap.String("itemId", item.ID),
		zap.Bool("live", item.IsLive),
		zap.String("origin", string(item.Origin)))
	return true
}

// AnnounceAll runs Announce for every item and returns how many were new.
func (a *Announcer) AnnounceAll(ctx context.Context, groupID string, items []models.CandidateItem) int {
	n := 0
	for _, it := range items {
		if a.Announce(ctx, groupID, it) {
			n++
		}
	}
	return n
}

// Unseen filters items down to those not yet known for groupID without
// claiming them.
func (a *Announcer) Unseen(groupID string, items []models.CandidateItem) []models.CandidateItem {
	out := make([]models.CandidateItem, 0, len(items))
	for _, it := range items {
		if !a.known.IsKnown(state.Key(groupID, it.ChannelID), it.ID, it.IsLive) {
			out = append(out, it)
		}
	}
	return out
}
