package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ad-tracker/channel-announcer/internal/announce"
	"github.com/ad-tracker/channel-announcer/internal/config"
	"github.com/ad-tracker/channel-announcer/internal/delivery"
	"github.com/ad-tracker/channel-announcer/internal/discovery"
	"github.com/ad-tracker/channel-announcer/internal/groups"
	"github.com/ad-tracker/channel-announcer/internal/handler"
	"github.com/ad-tracker/channel-announcer/internal/keypool"
	"github.com/ad-tracker/channel-announcer/internal/middleware"
	"github.com/ad-tracker/channel-announcer/internal/scheduler"
	"github.com/ad-tracker/channel-announcer/internal/state"
	"github.com/ad-tracker/channel-announcer/internal/websub"
	"github.com/ad-tracker/channel-announcer/internal/youtube"
	"github.com/ad-tracker/channel-announcer/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger.Log); err != nil {
		logger.Log.Error("announcer exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := buildKeyPool(cfg.YouTube, log)
	if err != nil {
		return err
	}
	engine := buildEngine(cfg, pool, log)

	backend, err := state.Open(ctx, cfg.State, log)
	if err != nil {
		return fmt.Errorf("open state backend: %w", err)
	}
	store := state.NewStore(backend, state.Options{
		Debounce:    cfg.State.Debounce,
		MaxKnownIDs: cfg.State.MaxKnownIDs,
		Logger:      log,
	})
	if err := store.Load(ctx); err != nil {
		_ = backend.Close()
		return err
	}

	sink, err := delivery.Open(cfg.Delivery, log)
	if err != nil {
		_ = store.Close(context.Background())
		return fmt.Errorf("open delivery sink: %w", err)
	}
	announcer := announce.New(store, sink, log)

	source := groups.NewSource(cfg.Groups, groups.Options{
		DefaultMaxAgeHours: cfg.YouTube.MaxVideoAgeHours,
		Logger:             log,
	})
	config.Watch(source.Reload, func(err error) {
		log.Warn("ignoring invalid configuration change", zap.Error(err))
	})

	gateway := buildGateway(cfg.WebSub, announcer, source, log)

	schedOpts := scheduler.Options{
		FallbackInterval: cfg.Scheduler.FallbackInterval,
		MinInterval:      cfg.Scheduler.MinInterval,
		DefaultInterval:  cfg.Scheduler.DefaultInterval,
		Maintenance:      cfg.Scheduler.Maintenance,
		Logger:           log,
	}
	mgmt := handler.ManagementDeps{
		Desired:   source,
		Watchlist: source,
		Discovery: engine,
		Logger:    log,
	}
	routerDeps := handler.RouterDeps{Logger: log}

	if pool != nil {
		schedOpts.Sweeper = pool
		mgmt.Quota = pool
	}
	if gateway != nil {
		schedOpts.Gateway = gateway
		mgmt.Subscriptions = gateway
		routerDeps.WebSub = handler.NewWebSubHandler(gateway, log)
		source.OnChange(func(gs []groups.Group) {
			if _, err := gateway.Sync(ctx, groups.Desired(gs)); err != nil {
				log.Warn("subscription sync after reload failed", zap.Error(err))
			}
		})
	}

	sched := scheduler.New(engine, source, announcer, schedOpts)
	mgmt.Ticker = sched

	gin.SetMode(gin.ReleaseMode)
	routerDeps.Management = handler.NewManagementHandler(mgmt)
	routerDeps.Health = handler.NewHealthHandler(healthChecks(backend, sink))
	routerDeps.Auth = middleware.NewAPIKeyAuth(middleware.ParseAPIKeys(cfg.Server.APIKeys), log)
	if cfg.Server.APIKeys == "" {
		log.Warn("no management API keys configured - management endpoints will reject all requests")
	}

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      handler.NewRouter(routerDeps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", zap.Int("port", cfg.Server.Port), zap.Bool("push", gateway != nil))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	if gateway != nil {
		g.Go(func() error {
			if _, err := gateway.Sync(gctx, source.Desired()); err != nil {
				log.Warn("initial subscription sync failed", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", zap.Error(err))
			_ = server.Close()
		}
		return nil
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := store.Close(closeCtx); err != nil {
		log.Error("failed to flush watch state", zap.Error(err))
	}
	if err := sink.Close(); err != nil {
		log.Error("failed to close delivery sink", zap.Error(err))
	}

	log.Info("server stopped gracefully")
	return runErr
}

// buildKeyPool returns nil in free-tier-only mode. Without credentials at
// least one keyless tier must be enabled.
func buildKeyPool(cfg config.YouTubeConfig, log *zap.Logger) (*keypool.Pool, error) {
	keys := keypool.ParseKeys(cfg.APIKeys)
	if len(keys) == 0 {
		if !cfg.FeedFallback && !cfg.ScrapeFallback {
			return nil, fmt.Errorf("%w: set youtube.apikeys or enable the feed or scrape fallback", keypool.ErrNoCredentials)
		}
		log.Warn("no API credentials configured, running keyless tiers only",
			zap.Bool("feed", cfg.FeedFallback),
			zap.Bool("scrape", cfg.ScrapeFallback))
		return nil, nil
	}

	pool, err := keypool.New(keys, keypool.Options{
		Threshold:   cfg.QuotaErrorThreshold,
		Cooldown:    cfg.QuotaCooldown,
		ResetWindow: cfg.QuotaResetWindow,
	})
	if err != nil {
		return nil, err
	}
	log.Info("key pool initialized", zap.Int("credentials", pool.Len()))
	return pool, nil
}

func buildEngine(cfg *config.Config, pool *keypool.Pool, log *zap.Logger) *discovery.Engine {
	api := youtube.NewClient(youtube.ClientOptions{Timeout: cfg.YouTube.RequestTimeout})
	web := youtube.NewWebClient(nil, youtube.WebOptions{
		Timeout: cfg.YouTube.RequestTimeout,
		RPS:     cfg.YouTube.FreeTierRPS,
	})

	var chain []discovery.Tier
	if cfg.YouTube.CatalogFallback {
		chain = append(chain, discovery.NewCatalogTier(api))
	}
	chain = append(chain, discovery.NewFeedTier(web, cfg.YouTube.FeedFallback, cfg.WebSub.MaxEntries))
	if cfg.YouTube.ScrapeFallback {
		chain = append(chain, discovery.NewScrapeTier(web))
	}

	return discovery.NewEngine(pool, discovery.Options{
		Parallel: []discovery.Tier{discovery.NewPrimaryTier(api), discovery.NewLiveTier(api)},
		Chain:    chain,
		Logger:   log,
	})
}

// buildGateway returns nil when push is disabled or misconfigured; polling
// carries on either way.
func buildGateway(cfg config.WebSubConfig, ann *announce.Announcer, source *groups.Source, log *zap.Logger) *websub.Gateway {
	if !cfg.Enabled {
		log.Info("push delivery disabled")
		return nil
	}
	if cfg.Secret == "" {
		log.Warn("websub secret not set, notifications cannot be authenticated")
	}

	gw, err := websub.NewGateway(websub.NewHubClient(nil, log), ann, websub.Options{
		HubURL:          cfg.HubURL,
		CallbackBaseURL: cfg.CallbackBaseURL,
		Secret:          cfg.Secret,
		LeaseSeconds:    cfg.LeaseSeconds,
		MaxPayloadSize:  cfg.MaxPayloadSize,
		MaxEntries:      cfg.MaxEntries,
		RenewThreshold:  cfg.RenewThreshold,
		PendingRetry:    cfg.PendingRetry,
		MaxAge:          source.MaxAge,
		Logger:          log,
	})
	if err != nil {
		log.Error("push delivery disabled by configuration error", zap.Error(err))
		return nil
	}
	return gw
}

func healthChecks(backend state.Backend, sink delivery.Sink) map[string]handler.Pinger {
	checks := make(map[string]handler.Pinger)
	if p, ok := backend.(state.Pinger); ok {
		checks["state"] = p
	}
	if h, ok := sink.(interface{ IsHealthy() bool }); ok {
		checks["delivery"] = handler.PingFunc(func(context.Context) error {
			if !h.IsHealthy() {
				return errors.New("broker connection closed")
			}
			return nil
		})
	}
	return checks
}
