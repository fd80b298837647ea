package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/internal/config"
	"github.com/ad-tracker/channel-announcer/internal/middleware"
	"github.com/ad-tracker/channel-announcer/pkg/logger"
)

const (
	defaultRenewalInterval = 6 * time.Hour
	requestTimeout         = 30 * time.Second
)

// HTTPClient defines the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RenewalService drives subscription maintenance on a running announcer
// through its management API.
type RenewalService struct {
	client  HTTPClient
	baseURL string
	apiKey  string
	sync    bool
	logger  *zap.Logger
}

type renewResponse struct {
	Renewed int    `json:"renewed"`
	Error   string `json:"error"`
}

// RenewExpiring optionally reconciles subscriptions against the configured
// groups, then renews leases that are about to expire.
func (s *RenewalService) RenewExpiring(ctx context.Context) error {
	if s.sync {
		if _, err := s.post(ctx, "/api/v1/subscriptions/sync"); err != nil {
			return fmt.Errorf("sync subscriptions: %w", err)
		}
		s.logger.Info("subscriptions synced")
	}

	body, err := s.post(ctx, "/api/v1/subscriptions/renew")
	if err != nil {
		return fmt.Errorf("renew subscriptions: %w", err)
	}

	var resp renewResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode renew response: %w", err)
	}
	if resp.Error != "" {
		s.logger.Warn("renewal batch completed with failures",
			zap.Int("renewed", resp.Renewed),
			zap.String("error", resp.Error))
		return nil
	}

	s.logger.Info("renewal batch completed", zap.Int("renewed", resp.Renewed))
	return nil
}

func (s *RenewalService) post(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-API-Key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusMultiStatus:
		return body, nil
	default:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func main() {
	var (
		baseURL  string
		apiKey   string
		interval time.Duration
		once     bool
		sync     bool
	)
	flag.StringVar(&baseURL, "url", "", "Announcer base URL (defaults to http://localhost:<server.port>)")
	flag.StringVar(&apiKey, "key", "", "Management API key (defaults to the first of server.apikeys)")
	flag.DurationVar(&interval, "interval", defaultRenewalInterval, "Time between renewal runs")
	flag.BoolVar(&once, "once", false, "Run a single renewal and exit")
	flag.BoolVar(&sync, "sync", true, "Reconcile subscriptions before renewing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.Named("renewer")
	defer func() { _ = logger.Sync() }()

	if baseURL == "" {
		baseURL = "http://localhost:" + strconv.Itoa(cfg.Server.Port)
	}
	if apiKey == "" {
		if keys := middleware.ParseAPIKeys(cfg.Server.APIKeys); len(keys) > 0 {
			apiKey = keys[0]
		}
	}
	if apiKey == "" {
		log.Fatal("a management API key is required (-key or server.apikeys)")
	}

	svc := &RenewalService{
		client:  &http.Client{Timeout: requestTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		sync:    sync,
		logger:  log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("subscription renewal service starting",
		zap.String("url", svc.baseURL),
		zap.Duration("interval", interval),
		zap.Bool("once", once))

	if err := run(ctx, svc, interval, once); err != nil {
		log.Error("renewal failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	log.Info("renewal service stopped gracefully")
}

func run(ctx context.Context, svc *RenewalService, interval time.Duration, once bool) error {
	if err := svc.RenewExpiring(ctx); err != nil {
		if once {
			return err
		}
		svc.logger.Error("initial renewal check failed", zap.Error(err))
	}
	if once {
		return nil
	}
	if interval <= 0 {
		return errors.New("interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := svc.RenewExpiring(ctx); err != nil {
				svc.logger.Error("scheduled renewal check failed", zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}
