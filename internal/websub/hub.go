package websub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/pkg/logger"
)

const (
	hubTimeout      = 15 * time.Second
	maxHubReplySize = 64 << 10
)

var (
	// ErrSubscriptionFailed is returned when the hub rejects a request.
	ErrSubscriptionFailed = errors.New("subscription request failed")

	// ErrInvalidHubResponse is returned when the hub returns an unexpected response.
	ErrInvalidHubResponse = errors.New("invalid hub response")
)

// HTTPClient defines the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Hub is the pub/sub hub the gateway registers callbacks with.
type Hub interface {
	Subscribe(ctx context.Context, req *HubRequest) error
	Unsubscribe(ctx context.Context, req *HubRequest) error
}

// HubRequest contains the parameters of a (un)subscription request.
type HubRequest struct {
	HubURL       string
	TopicURL     string
	CallbackURL  string
	LeaseSeconds int
	Secret       string
}

// HubClient talks to a PubSubHubbub hub over HTTP form posts.
type HubClient struct {
	client HTTPClient
	log    *zap.Logger
}

// NewHubClient creates a HubClient. A nil client uses an http.Client with a
// bounded timeout.
func NewHubClient(client HTTPClient, log *zap.Logger) *HubClient {
	if client == nil {
		client = &http.Client{Timeout: hubTimeout}
	}
	return &HubClient{client: client, log: logger.OrNop(log).Named("hub")}
}

// Subscribe asks the hub to start delivering the topic to the callback. The
// hub answers 202 and verifies the intent asynchronously.
func (h *HubClient) Subscribe(ctx context.Context, req *HubRequest) error {
	form := url.Values{}
	form.Set("hub.mode", "subscribe")
	form.Set("hub.verify", "async")
	if req.LeaseSeconds > 0 {
		form.Set("hub.lease_seconds", strconv.Itoa(req.LeaseSeconds))
	}
	if req.Secret != "" {
		form.Set("hub.secret", req.Secret)
	}
	return h.send(ctx, req, form)
}

// Unsubscribe asks the hub to stop delivering the topic.
func (h *HubClient) Unsubscribe(ctx context.Context, req *HubRequest) error {
	form := url.Values{}
	form.Set("hub.mode", "unsubscribe")
	form.Set("hub.verify", "async")
	return h.send(ctx, req, form)
}

func (h *HubClient) send(ctx context.Context, req *HubRequest, form url.Values) error {
	if err := validateHubRequest(req); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	form.Set("hub.topic", req.TopicURL)
	form.Set("hub.callback", req.CallbackURL)

	ctx, cancel := context.WithTimeout(ctx, hubTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.HubURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	mode := form.Get("hub.mode")
	h.log.Info("sending request to hub",
		zap.String("mode", mode),
		zap.String("topic", req.TopicURL),
		zap.String("callback", req.CallbackURL),
	)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHubReplySize))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusNoContent:
		h.log.Info("hub accepted request", zap.String("mode", mode), zap.Int("status", resp.StatusCode))
		return nil
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict:
		h.log.Warn("hub rejected request",
			zap.String("mode", mode),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)))
		return fmt.Errorf("%w: status %d - %s", ErrSubscriptionFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		h.log.Error("unexpected response from hub",
			zap.String("mode", mode),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)))
		return fmt.Errorf("%w: unexpected status code %d", ErrInvalidHubResponse, resp.StatusCode)
	}
}

func validateHubRequest(req *HubRequest) error {
	if req == nil {
		return errors.New("request is nil")
	}
	if req.HubURL == "" {
		return errors.New("hub URL is required")
	}
	if req.TopicURL == "" {
		return errors.New("topic URL is required")
	}
	if req.CallbackURL == "" {
		return errors.New("callback URL is required")
	}
	if req.LeaseSeconds < 0 {
		return errors.New("lease seconds must be non-negative")
	}
	for name, raw := range map[string]string{"hub": req.HubURL, "topic": req.TopicURL, "callback": req.CallbackURL} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("invalid %s URL: %w", name, err)
		}
	}
	return nil
}
