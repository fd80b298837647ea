// Package scheduler drives discovery ticks for every watched channel and the
// slower maintenance jobs (lease renewal, subscription sync, quota sweep).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/internal/discovery"
	"github.com/ad-tracker/channel-announcer/internal/groups"
	"github.com/ad-tracker/channel-announcer/internal/metrics"
	"github.com/ad-tracker/channel-announcer/internal/models"
	"github.com/ad-tracker/channel-announcer/internal/websub"
	"github.com/ad-tracker/channel-announcer/pkg/logger"
)

const (
	defaultFallbackInterval = 15 * time.Minute
	defaultMinInterval      = 60 * time.Second
	defaultInterval         = 300 * time.Second
	defaultMaintenance      = "@every 1h"
)

// ErrTickInProgress is returned when a tick is requested while one runs.
var ErrTickInProgress = errors.New("tick already in progress")

// Discoverer finds candidate items for one channel.
type Discoverer interface {
	Discover(ctx context.Context, channelID string, maxAge time.Duration) *discovery.Result
}

// GroupSource supplies the active subscriber groups.
type GroupSource interface {
	Groups() []groups.Group
}

// Announcer delivers unseen items to a group.
type Announcer interface {
	AnnounceAll(ctx context.Context, groupID string, items []models.CandidateItem) int
}

// PushGateway is the subset of the push gateway the scheduler maintains.
type PushGateway interface {
	Active() bool
	Renew(ctx context.Context) (int, error)
	Sync(ctx context.Context, desired map[string][]string) (*websub.SyncResult, error)
}

// QuotaSweeper clears expired quota errors.
type QuotaSweeper interface {
	Sweep() bool
}

// Options configures a Scheduler. Gateway and Sweeper are optional.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type Options struct {
	FallbackInterval time.Duration
	MinInterval      time.Duration
	DefaultInterval  time.Duration
	Maintenance      string
	Gateway          PushGateway
	Sweeper          QuotaSweeper
	Logger           *zap.Logger
}

// TickResult summarizes one discovery tick.
type TickResult struct {
	Groups    int           `json:"groups"`
	Channels  int           `json:"channels"`
	Items     int           `json:"items"`
	Announced int           `json:"announced"`
	Duration  time.Duration `json:"duration"`
}

// Scheduler runs the discovery tick loop and the maintenance cron.
type Scheduler struct {
	discoverer Discoverer
	source     GroupSource
	announcer  Announcer
	opts       Options
	log        *zap.Logger

	running atomic.Bool

	mu   sync.Mutex
	cron *cron.Cron
	last *TickResult
}

// New creates a Scheduler.
func New(d Discoverer, src GroupSource, ann Announcer, opts Options) *Scheduler {
	if opts.FallbackInterval <= 0 {
		opts.FallbackInterval = defaultFallbackInterval
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = defaultMinInterval
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = defaultInterval
	}
	if opts.Maintenance == "" {
		opts.Maintenance = defaultMaintenance
	}
	return &Scheduler{
		discoverer: d,
		source:     src,
		announcer:  ann,
		opts:       opts,
		log:        logger.OrNop(opts.Logger).Named("scheduler"),
	}
}

// Interval returns the delay before the next tick. With push active the poll
// is a safety net at the fallback interval; otherwise it is the shortest
// group interval. Either way it never drops below the minimum.
func (s *Scheduler) Interval() time.Duration {
	var interval time.Duration
	if s.opts.Gateway != nil && s.opts.Gateway.Active() {
		interval = s.opts.FallbackInterval
	} else {
		for _, g := range s.source.Groups() {
			want := g.PollInterval
			if want <= 0 {
				want = s.opts.DefaultInterval
			}
			if interval == 0 || want < interval {
				interval = want
			}
		}
		if interval == 0 {
			interval = s.opts.DefaultInterval
		}
	}
	return max(interval, s.opts.MinInterval)
}

// Run ticks until ctx is cancelled. The next tick is scheduled relative to
// the completion of the previous one, so ticks never overlap.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.startMaintenance(ctx); err != nil {
		return err
	}
	defer s.stopMaintenance()

	s.log.Info("scheduler started", zap.String("maintenance", s.opts.Maintenance))

	for {
		if _, err := s.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
			s.log.Warn("tick failed", zap.Error(err))
		}

		interval := s.Interval()
		s.log.Debug("next tick scheduled", zap.Duration("in", interval))

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("scheduler stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Tick discovers every watched channel once and announces unseen items to
// each group watching it. A channel shared by several groups is discovered
// with the widest max age and filtered per group afterwards.
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrTickInProgress
	}
	defer s.running.Store(false)

	start := time.Now()
	gs := s.source.Groups()
	res := &TickResult{Groups: len(gs)}

	watchers := make(map[string][]groups.Group)
	for _, g := range gs {
		for _, ch := range g.Channels {
			watchers[ch] = append(watchers[ch], g)
		}
	}
	channels := make([]string, 0, len(watchers))
	for ch := range watchers {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	res.Channels = len(channels)

	for _, ch := range channels {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("tick interrupted: %w", err)
		}

		found := s.discoverer.Discover(ctx, ch, widestAge(watchers[ch]))
		if found == nil || len(found.Items) == 0 {
			continue
		}
		res.Items += len(found.Items)

		for _, g := range watchers[ch] {
			items := found.Items
			if g.MaxAge > 0 {
				items = discovery.FilterByAge(items, time.Now().Add(-g.MaxAge))
			}
			res.Announced += s.announcer.AnnounceAll(ctx, g.ID, items)
		}
	}

	res.Duration = time.Since(start)
	metrics.TickDuration.Observe(res.Duration.Seconds())

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()

	s.log.Info("tick complete",
		zap.Int("groups", res.Groups),
		zap.Int("channels", res.Channels),
		zap.Int("items", res.Items),
		zap.Int("announced", res.Announced),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// widestAge is the largest max age among gs; any unlimited group wins.
func widestAge(gs []groups.Group) time.Duration {
	var widest time.Duration
	for _, g := range gs {
		if g.MaxAge <= 0 {
			return 0
		}
		widest = max(widest, g.MaxAge)
	}
	return widest
}

// LastTick returns the most recent tick summary, if any.
func (s *Scheduler) LastTick() *TickResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Maintain runs one maintenance pass: quota sweep, subscription sync against
// the current groups, then lease renewal.
func (s *Scheduler) Maintain(ctx context.Context) error {
	if s.opts.Sweeper != nil && s.opts.Sweeper.Sweep() {
		s.log.Info("quota errors cleared")
	}
	if s.opts.Gateway == nil {
		return nil
	}

	var errs []error
	if _, err := s.opts.Gateway.Sync(ctx, groups.Desired(s.source.Groups())); err != nil {
		errs = append(errs, fmt.Errorf("sync subscriptions: %w", err))
	}
	if _, err := s.opts.Gateway.Renew(ctx); err != nil {
		errs = append(errs, fmt.Errorf("renew subscriptions: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Scheduler) startMaintenance(ctx context.Context) error {
	c := cron.New(cron.WithLogger(cronLogger{s.log.Sugar()}))
	_, err := c.AddFunc(s.opts.Maintenance, func() {
		if err := s.Maintain(ctx); err != nil {
			s.log.Warn("maintenance failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", s.opts.Maintenance, err)
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	c.Start()
	return nil
}

func (s *Scheduler) stopMaintenance() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
