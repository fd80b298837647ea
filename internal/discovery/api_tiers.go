package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/ad-tracker/channel-announcer/internal/models"
	"github.com/ad-tracker/channel-announcer/internal/youtube"
)

// Tier names.
const (
	TierPrimary = "primary"
	TierLive    = "live"
	TierCatalog = "catalog"
	TierFeed    = "feed"
	TierScrape  = "scrape"
)

// PrimaryTier runs the most-recent-uploads search.
type PrimaryTier struct {
	api youtube.API
}

// NewPrimaryTier creates the primary search tier.
func NewPrimaryTier(api youtube.API) *PrimaryTier {
	return &PrimaryTier{api: api}
}

func (t *PrimaryTier) Name() string { return TierPrimary }
func (t *PrimaryTier) Cost() int    { return 1 }
func (t *PrimaryTier) Kind() Kind   { return KindUploads }

func (t *PrimaryTier) Discover(ctx context.Context, req Request) ([]models.CandidateItem, error) {
	return t.api.SearchRecent(ctx, req.APIKey, req.ChannelID, req.PublishedAfter)
}

// LiveTier runs the currently-live search.
type LiveTier struct {
	api youtube.API
}

// NewLiveTier creates the live search tier.
func NewLiveTier(api youtube.API) *LiveTier {
	return &LiveTier{api: api}
}

func (t *LiveTier) Name() string { return TierLive }
func (t *LiveTier) Cost() int    { return 1 }
func (t *LiveTier) Kind() Kind   { return KindLive }

func (t *LiveTier) Discover(ctx context.Context, req Request) ([]models.CandidateItem, error) {
	items, err := t.api.SearchLive(ctx, req.APIKey, req.ChannelID)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].IsLive = true
	}
	return items, nil
}

// CatalogTier lists the channel's uploads playlist. The playlist id is
// resolved once per channel and cached for the life of the process.
type CatalogTier struct {
	api youtube.API

	mu        sync.RWMutex
	playlists map[string]string
}

// NewCatalogTier creates the uploads catalog tier.
func NewCatalogTier(api youtube.API) *CatalogTier {
	return &CatalogTier{api: api, playlists: make(map[string]string)}
}

func (t *CatalogTier) Name() string { return TierCatalog }
func (t *CatalogTier) Cost() int    { return 2 }
func (t *CatalogTier) Kind() Kind   { return KindUploads }

func (t *CatalogTier) Discover(ctx context.Context, req Request) ([]models.CandidateItem, error) {
	playlist, err := t.uploadsPlaylist(ctx, req)
	if err != nil {
		return nil, err
	}

	items, err := t.api.PlaylistItems(ctx, req.APIKey, playlist)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	for i := range items {
		if items[i].ChannelID == "" {
			items[i].ChannelID = req.ChannelID
		}
	}
	return items, nil
}

func (t *CatalogTier) uploadsPlaylist(ctx context.Context, req Request) (string, error) {
	t.mu.RLock()
	playlist, ok := t.playlists[req.ChannelID]
	t.mu.RUnlock()
	if ok {
		return playlist, nil
	}

	playlist, err := t.api.UploadsPlaylist(ctx, req.APIKey, req.ChannelID)
	if err != nil {
		return "", fmt.Errorf("resolve uploads playlist: %w", err)
	}

	t.mu.Lock()
	t.playlists[req.ChannelID] = playlist
	t.mu.Unlock()
	return playlist, nil
}
