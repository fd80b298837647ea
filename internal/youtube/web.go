package youtube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultFeedBaseURL = "https://www.youtube.com/feeds/videos.xml"
	defaultPageBaseURL = "https://www.youtube.com"
	maxWebBodySize     = 4 << 20
	userAgent          = "Mozilla/5.0 (compatible; channel-announcer/1.0)"
)

// ErrUnexpectedStatus is returned when a public endpoint answers with a
// non-2xx status.
var ErrUnexpectedStatus = errors.New("unexpected response status")

// HTTPClient interface for dependency injection.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebOptions configures a WebClient.
type WebOptions struct {
	FeedBaseURL string
	PageBaseURL string
	Timeout     time.Duration
	// RPS bounds requests to the keyless endpoints; zero disables limiting.
	RPS float64
}

// WebClient fetches the public channel feed and channel pages. These
// endpoints cost no quota but are rate limited upstream, so all requests
// share one limiter.
type WebClient struct {
	client  HTTPClient
	limiter *rate.Limiter
	opts    WebOptions
}

// NewWebClient creates a WebClient. A nil client uses an http.Client with
// the configured timeout.
func NewWebClient(client HTTPClient, opts WebOptions) *WebClient {
	if opts.FeedBaseURL == "" {
		opts.FeedBaseURL = defaultFeedBaseURL
	}
	if opts.PageBaseURL == "" {
		opts.PageBaseURL = defaultPageBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), 1)
	}

	return &WebClient{client: client, limiter: limiter, opts: opts}
}

// FeedURL returns the public Atom feed URL for channelID.
func (w *WebClient) FeedURL(channelID string) string {
	return w.opts.FeedBaseURL + "?channel_id=" + url.QueryEscape(channelID)
}

// PageURLs returns the channel page variants inspected for live markers.
func (w *WebClient) PageURLs(channelID string) []string {
	base := w.opts.PageBaseURL + "/channel/" + url.PathEscape(channelID)
	return []string{base + "/live", base + "/streams"}
}

// FetchFeed downloads the channel's public Atom feed.
func (w *WebClient) FetchFeed(ctx context.Context, channelID string) ([]byte, error) {
	return w.get(ctx, w.FeedURL(channelID))
}

// FetchPage downloads a public page.
func (w *WebClient) FetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	return w.get(ctx, pageURL)
}

func (w *WebClient) get(ctx context.Context, target string) ([]byte, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s returned %d", ErrUnexpectedStatus, target, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", target, err)
	}
	return body, nil
}
