package discovery

import (
	"context"
	"fmt"

	"github.com/ad-tracker/channel-announcer/internal/models"
	"github.com/ad-tracker/channel-announcer/internal/parser"
)

// FeedFetcher downloads a channel's public Atom feed.
type FeedFetcher interface {
	FetchFeed(ctx context.Context, channelID string) ([]byte, error)
}

// FeedTier reads the public syndication feed. It runs when explicitly
// enabled, and otherwise only as the last resort once the API tiers cannot
// answer.
type FeedTier struct {
	fetcher    FeedFetcher
	always     bool
	maxEntries int
}

// NewFeedTier creates the public feed tier.
func NewFeedTier(fetcher FeedFetcher, always bool, maxEntries int) *FeedTier {
	return &FeedTier{fetcher: fetcher, always: always, maxEntries: maxEntries}
}

func (t *FeedTier) Name() string { return TierFeed }
func (t *FeedTier) Cost() int    { return 0 }
func (t *FeedTier) Kind() Kind   { return KindUploads }

// ShouldRun implements Conditional.
func (t *FeedTier) ShouldRun(s Status) bool {
	return t.always || s.Suspended || s.QuotaHit || s.APIFailed || !s.HasCredential
}

func (t *FeedTier) Discover(ctx context.Context, req Request) ([]models.CandidateItem, error) {
	body, err := t.fetcher.FetchFeed(ctx, req.ChannelID)
	if err != nil {
		return nil, err
	}

	res, err := parser.ParseFeed(body, parser.Options{
		MaxEntries: t.maxEntries,
		Origin:     models.OriginPoll,
	})
	if err != nil {
		return nil, fmt.Errorf("parse feed for %s: %w", req.ChannelID, err)
	}

	for i := range res.Items {
		if res.Items[i].ChannelID == "" {
			res.Items[i].ChannelID = req.ChannelID
		}
	}
	return res.Items, nil
}
