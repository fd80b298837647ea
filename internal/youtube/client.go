// Package youtube wraps the YouTube Data API v3 and the public, keyless
// feed and page endpoints used by the discovery tiers.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/ad-tracker/channel-announcer/internal/models"
	"github.com/ad-tracker/channel-announcer/internal/validation"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxResults = 10
)

// ErrNoAPIKey is returned when a request is attempted without a credential.
var ErrNoAPIKey = errors.New("YouTube API key is required")

// quotaReasons are the googleapi error reasons that indicate exhausted quota.
// Per-second throttling (rateLimitExceeded, userRateLimitExceeded) is
// transient and stays a generic error.
var quotaReasons = map[string]bool{
	"quotaExceeded":      true,
	"dailyLimitExceeded": true,
}

// API is the subset of the Data API the discovery tiers depend on. Every
// call takes the credential explicitly so the caller can rotate between
// attempts.
type API interface {
	SearchRecent(ctx context.Context, apiKey, channelID string, publishedAfter time.Time) ([]models.CandidateItem, error)
	SearchLive(ctx context.Context, apiKey, channelID string) ([]models.CandidateItem, error)
	UploadsPlaylist(ctx context.Context, apiKey, channelID string) (string, error)
	PlaylistItems(ctx context.Context, apiKey, playlistID string) ([]models.CandidateItem, error)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Timeout    time.Duration
	MaxResults int64
	// Endpoint overrides the API base URL.
	Endpoint string
}

// Client implements API on top of the generated youtube/v3 service. One
// service is built lazily per credential and reused.
type Client struct {
	mu       sync.Mutex
	services map[string]*youtube.Service
	opts     ClientOptions
}

// NewClient creates a new YouTube API client.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = defaultMaxResults
	}
	return &Client{
		services: make(map[string]*youtube.Service),
		opts:     opts,
	}
}

func (c *Client) service(ctx context.Context, apiKey string) (*youtube.Service, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if svc, ok := c.services[apiKey]; ok {
		return svc, nil
	}

	clientOpts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if c.opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(c.opts.Endpoint))
	}

	svc, err := youtube.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create YouTube service: %w", err)
	}
	c.services[apiKey] = svc
	return svc, nil
}

// SearchRecent returns the channel's most recent uploads published after
// publishedAfter, newest first. Costs one search call.
func (c *Client) SearchRecent(ctx context.Context, apiKey, channelID string, publishedAfter time.Time) ([]models.CandidateItem, error) {
	svc, err := c.service(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	call := svc.Search.List([]string{"snippet"}).
		ChannelId(channelID).
		Type("video").
		Order("date").
		MaxResults(c.opts.MaxResults).
		Context(ctx)
	if !publishedAfter.IsZero() {
		call = call.PublishedAfter(publishedAfter.UTC().Format(time.RFC3339))
	}

	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("search recent for %s: %w", channelID, err)
	}
	return searchResultsToItems(resp.Items, channelID), nil
}

// SearchLive returns the channel's currently live broadcasts, enriched with
// viewer counts and a member-only signal from a follow-up videos lookup.
// The lookup is best effort: its failure leaves the search results intact.
func (c *Client) SearchLive(ctx context.Context, apiKey, channelID string) ([]models.CandidateItem, error) {
	svc, err := c.service(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	searchCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	resp, err := svc.Search.List([]string{"snippet"}).
		ChannelId(channelID).
		Type("video").
		EventType("live").
		MaxResults(c.opts.MaxResults).
		Context(searchCtx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("search live for %s: %w", channelID, err)
	}

	items := searchResultsToItems(resp.Items, channelID)
	for i := range items {
		items[i].IsLive = true
	}
	if len(items) == 0 {
		return items, nil
	}

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}

	detailCtx, cancelDetail := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancelDetail()

	details, err := svc.Videos.List([]string{"snippet", "liveStreamingDetails", "status"}).
		Id(ids...).
		Context(detailCtx).
		Do()
	if err != nil {
		return items, nil //nolint:nilerr // detail lookup is best effort
	}

	byID := make(map[string]*youtube.Video, len(details.Items))
	for _, v := range details.Items {
		byID[v.Id] = v
	}
	for i := range items {
		v, ok := byID[items[i].ID]
		if !ok {
			// Members-only broadcasts are withheld from keyed lookups.
			items[i].IsMemberOnly = true
			continue
		}
		if v.LiveStreamingDetails != nil {
			items[i].ViewerCount = int64(v.LiveStreamingDetails.ConcurrentViewers)
		}
		if v.Snippet != nil && IsMemberOnlyTitle(v.Snippet.Title) {
			items[i].IsMemberOnly = true
		}
	}
	return items, nil
}

// UploadsPlaylist resolves the channel's uploads playlist id.
func (c *Client) UploadsPlaylist(ctx context.Context, apiKey, channelID string) (string, error) {
	svc, err := c.service(ctx, apiKey)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	resp, err := svc.Channels.List([]string{"contentDetails"}).Id(channelID).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("channel lookup for %s: %w", channelID, err)
	}
	if len(resp.Items) == 0 || resp.Items[0].ContentDetails == nil || resp.Items[0].ContentDetails.RelatedPlaylists == nil {
		return "", fmt.Errorf("channel %s has no uploads playlist", channelID)
	}
	return resp.Items[0].ContentDetails.RelatedPlaylists.Uploads, nil
}

// PlaylistItems lists the most recent entries of playlistID.
func (c *Client) PlaylistItems(ctx context.Context, apiKey, playlistID string) ([]models.CandidateItem, error) {
	svc, err := c.service(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	resp, err := svc.PlaylistItems.List([]string{"snippet", "contentDetails"}).
		PlaylistId(playlistID).
		MaxResults(c.opts.MaxResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("playlist items for %s: %w", playlistID, err)
	}

	items := make([]models.CandidateItem, 0, len(resp.Items))
	for _, pi := range resp.Items {
		if pi.Snippet == nil {
			continue
		}
		id := ""
		if pi.ContentDetails != nil {
			id = pi.ContentDetails.VideoId
		}
		if id == "" && pi.Snippet.ResourceId != nil {
			id = pi.Snippet.ResourceId.VideoId
		}
		if !validation.IsValidVideoID(id) {
			continue
		}
		published := pi.Snippet.PublishedAt
		if pi.ContentDetails != nil && pi.ContentDetails.VideoPublishedAt != "" {
			published = pi.ContentDetails.VideoPublishedAt
		}
		items = append(items, models.CandidateItem{
			ID:           id,
			ChannelID:    pi.Snippet.ChannelId,
			Title:        pi.Snippet.Title,
			PublishedAt:  parseYouTubeTime(published),
			ThumbnailURL: bestThumbnail(pi.Snippet.Thumbnails),
			Origin:       models.OriginPoll,
		})
	}
	return items, nil
}

// IsQuotaError reports whether err is a 403/429 whose reason indicates
// exhausted quota. Timeouts and other failures are not quota errors.
func IsQuotaError(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	if gerr.Code != 403 && gerr.Code != 429 {
		return false
	}
	for _, e := range gerr.Errors {
		if quotaReasons[e.Reason] {
			return true
		}
	}
	if len(gerr.Errors) > 0 {
		return false
	}
	// Some responses only carry the reason in the message.
	msg := strings.ToLower(gerr.Message)
	return strings.Contains(msg, "quota") || strings.Contains(msg, "daily limit")
}

// IsMemberOnlyTitle is the title heuristic used when no explicit signal is
// available.
func IsMemberOnlyTitle(title string) bool {
	t := strings.ToLower(title)
	for _, marker := range memberOnlyMarkers {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}

var memberOnlyMarkers = []string{
	"members only",
	"members-only",
	"member only",
	"メン限",
	"メンバー限定",
}

func searchResultsToItems(results []*youtube.SearchResult, channelID string) []models.CandidateItem {
	items := make([]models.CandidateItem, 0, len(results))
	for _, r := range results {
		if r.Id == nil || r.Snippet == nil || !validation.IsValidVideoID(r.Id.VideoId) {
			continue
		}
		ch := r.Snippet.ChannelId
		if ch == "" {
			ch = channelID
		}
		items = append(items, models.CandidateItem{
			ID:           r.Id.VideoId,
			ChannelID:    ch,
			Title:        r.Snippet.Title,
			PublishedAt:  parseYouTubeTime(r.Snippet.PublishedAt),
			ThumbnailURL: bestThumbnail(r.Snippet.Thumbnails),
			IsLive:       r.Snippet.LiveBroadcastContent == "live",
			IsMemberOnly: IsMemberOnlyTitle(r.Snippet.Title),
			Origin:       models.OriginPoll,
		})
	}
	return items
}

func bestThumbnail(t *youtube.ThumbnailDetails) string {
	if t == nil {
		return ""
	}
	for _, th := range []*youtube.Thumbnail{t.Maxres, t.High, t.Medium, t.Default} {
		if th != nil && th.Url != "" {
			return th.Url
		}
	}
	return ""
}

// parseYouTubeTime parses RFC3339 timestamps from YouTube API.
func parseYouTubeTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
