// Package discovery finds new and live items for a channel by walking an
// ordered chain of tiers, from quota-costly API queries down to free
// public feed and page reads.
package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ad-tracker/channel-announcer/internal/keypool"
	"github.com/ad-tracker/channel-announcer/internal/metrics"
	"github.com/ad-tracker/channel-announcer/internal/models"
	"github.com/ad-tracker/channel-announcer/internal/youtube"
	"github.com/ad-tracker/channel-announcer/pkg/logger"
)

// Kind is the bucket a tier's results fill.
type Kind int

// Result kinds.
const (
	KindUploads Kind = iota
	KindLive
)

// Request is the input handed to a tier.
type Request struct {
	ChannelID      string
	APIKey         string
	PublishedAfter time.Time
}

// Status is the per-discovery context a conditional tier is gated on.
type Status struct {
	Suspended     bool
	QuotaHit      bool
	HasCredential bool
	// APIFailed is set once a costly tier fails with a non-quota error.
	APIFailed bool
}

// Tier is one discovery strategy.
type Tier interface {
	Name() string
	// Cost is the quota units one attempt spends. Tiers with a non-zero cost
	// need a credential and are skipped while quota is suspended.
	Cost() int
	Kind() Kind
	Discover(ctx context.Context, req Request) ([]models.CandidateItem, error)
}

// Conditional is implemented by tiers that decide per discovery whether to
// run at all.
type Conditional interface {
	ShouldRun(s Status) bool
}

// KeyPool is the credential source used by costly tiers.
type KeyPool interface {
	Current() (string, bool)
	Rotate() string
	ReportQuotaError(key string) keypool.QuotaState
	Usable(key string) bool
	Suspended() bool
}

// Result is the merged outcome of one discovery.
type Result struct {
	Items       []models.CandidateItem
	Tiers       []string
	QuotaErrors int
}

// Options configures an Engine.
type Options struct {
	// Parallel tiers run concurrently first and their results are merged.
	Parallel []Tier
	// Chain tiers run in order afterwards, each only while its bucket is
	// still empty.
	Chain []Tier
	// IsQuotaError classifies tier errors; defaults to youtube.IsQuotaError.
	IsQuotaError func(error) bool
	Now          func() time.Time
	Logger       *zap.Logger
}

// Engine runs the tier chain for a channel.
type Engine struct {
	pool    KeyPool
	opts    Options
	log     *zap.Logger
	errors  atomic.Int64
	quotaEv atomic.Int64
}

// NewEngine creates an Engine. pool may be nil for free-tier-only operation.
func NewEngine(pool KeyPool, opts Options) *Engine {
	if opts.IsQuotaError == nil {
		opts.IsQuotaError = youtube.IsQuotaError
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		pool: pool,
		opts: opts,
		log:  logger.OrNop(opts.Logger).Named("discovery"),
	}
}

// GenericErrors returns the number of non-quota tier failures seen.
func (e *Engine) GenericErrors() int64 {
	return e.errors.Load()
}

// QuotaErrors returns the number of quota rejections seen.
func (e *Engine) QuotaErrors() int64 {
	return e.quotaEv.Load()
}

type run struct {
	mu          sync.Mutex
	status      Status
	tiers       []string
	quotaErrors int
}

func (r *run) note(name string) {
	r.mu.Lock()
	r.tiers = append(r.tiers, name)
	r.mu.Unlock()
}

func (r *run) quotaHit() {
	r.mu.Lock()
	r.status.QuotaHit = true
	r.quotaErrors++
	r.mu.Unlock()
}

func (r *run) apiFailed() {
	r.mu.Lock()
	r.status.APIFailed = true
	r.mu.Unlock()
}

func (r *run) snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Discover returns the current candidate items for channelID. Items older
// than maxAge are dropped unless they are live; maxAge <= 0 disables the
// filter. Tier failures never surface as errors.
func (e *Engine) Discover(ctx context.Context, channelID string, maxAge time.Duration) *Result {
	now := e.opts.Now()
	req := Request{ChannelID: channelID}
	if maxAge > 0 {
		req.PublishedAfter = now.Add(-maxAge)
	}

	r := &run{}
	if e.pool != nil {
		_, r.status.HasCredential = e.pool.Current()
		r.status.Suspended = e.pool.Suspended()
	}
	metrics.SetSuspended(r.status.Suspended)

	var uploads, live []models.CandidateItem

	var g errgroup.Group
	var mu sync.Mutex
	for _, t := range e.opts.Parallel {
		g.Go(func() error {
			items := e.runTier(ctx, t, req, r)
			mu.Lock()
			defer mu.Unlock()
			if t.Kind() == KindLive {
				live = append(live, items...)
			} else {
				uploads = append(uploads, items...)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, t := range e.opts.Chain {
		if t.Kind() == KindLive && len(live) > 0 {
			continue
		}
		if t.Kind() == KindUploads && len(uploads) > 0 {
			continue
		}
		items := e.runTier(ctx, t, req, r)
		if t.Kind() == KindLive {
			live = append(live, items...)
		} else {
			uploads = append(uploads, items...)
		}
	}

	merged := FilterByAge(Merge(uploads, live), req.PublishedAfter)
	return &Result{Items: merged, Tiers: r.tiers, QuotaErrors: r.quotaErrors}
}

func (e *Engine) runTier(ctx context.Context, t Tier, req Request, r *run) []models.CandidateItem {
	status := r.snapshot()
	if c, ok := t.(Conditional); ok && !c.ShouldRun(status) {
		metrics.TierRuns.WithLabelValues(t.Name(), metrics.OutcomeSkipped).Inc()
		return nil
	}

	if t.Cost() == 0 {
		r.note(t.Name())
		items, err := t.Discover(ctx, req)
		return e.outcome(t, req, items, err)
	}

	if e.pool == nil || !status.HasCredential || status.Suspended {
		metrics.TierRuns.WithLabelValues(t.Name(), metrics.OutcomeSkipped).Inc()
		return nil
	}

	key, _ := e.pool.Current()
	req.APIKey = key
	r.note(t.Name())
	items, err := t.Discover(ctx, req)
	if err == nil || !e.opts.IsQuotaError(err) {
		return e.costlyOutcome(t, req, items, err, r)
	}

	e.reportQuota(t, req, key, err, r)

	// One retry, and only with a credential that has not failed yet.
	next := e.pool.Rotate()
	if next == key || !e.pool.Usable(next) {
		return nil
	}
	req.APIKey = next
	e.log.Info("retrying tier with rotated credential",
		zap.String("tier", t.Name()),
		zap.String("channelId", req.ChannelID))

	items, err = t.Discover(ctx, req)
	if err != nil && e.opts.IsQuotaError(err) {
		e.reportQuota(t, req, next, err, r)
		e.pool.Rotate()
		return nil
	}
	return e.costlyOutcome(t, req, items, err, r)
}

func (e *Engine) costlyOutcome(t Tier, req Request, items []models.CandidateItem, err error, r *run) []models.CandidateItem {
	if err != nil {
		r.apiFailed()
	}
	return e.outcome(t, req, items, err)
}

func (e *Engine) reportQuota(t Tier, req Request, key string, err error, r *run) {
	r.quotaHit()
	e.quotaEv.Add(1)
	metrics.QuotaErrors.Inc()
	metrics.TierRuns.WithLabelValues(t.Name(), metrics.OutcomeQuota).Inc()

	state := e.pool.ReportQuotaError(key)
	e.log.Warn("quota error",
		zap.String("tier", t.Name()),
		zap.String("channelId", req.ChannelID),
		zap.Int("totalErrors", state.TotalErrors),
		zap.Time("suspendUntil", state.SuspendUntil),
		zap.Error(err))
}

func (e *Engine) outcome(t Tier, req Request, items []models.CandidateItem, err error) []models.CandidateItem {
	if err != nil {
		e.errors.Add(1)
		metrics.TierRuns.WithLabelValues(t.Name(), metrics.OutcomeError).Inc()
		e.log.Warn("tier failed",
			zap.String("tier", t.Name()),
			zap.String("channelId", req.ChannelID),
			zap.Error(err))
		return nil
	}
	if len(items) == 0 {
		metrics.TierRuns.WithLabelValues(t.Name(), metrics.OutcomeEmpty).Inc()
		return nil
	}
	metrics.TierRuns.WithLabelValues(t.Name(), metrics.OutcomeHit).Inc()
	e.log.Debug("tier found items",
		zap.String("tier", t.Name()),
		zap.String("channelId", req.ChannelID),
		zap.Int("count", len(items)))
	return items
}

// FilterByAge drops items published before cutoff. Live items and items with
// no publication time are always kept.
func FilterByAge(items []models.CandidateItem, cutoff time.Time) []models.CandidateItem {
	if cutoff.IsZero() {
		return items
	}
	out := make([]models.CandidateItem, 0, len(items))
	for _, it := range items {
		if it.IsLive || it.PublishedAt.IsZero() || !it.PublishedAt.Before(cutoff) {
			out = append(out, it)
		}
	}
	return out
}

// Merge unions uploads and live by id, keeping first-seen order. When an id
// is present in both, the merged record is live.
func Merge(uploads, live []models.CandidateItem) []models.CandidateItem {
	out := make([]models.CandidateItem, 0, len(uploads)+len(live))
	index := make(map[string]int, len(uploads)+len(live))

	add := func(it models.CandidateItem) {
		i, ok := index[it.ID]
		if !ok {
			index[it.ID] = len(out)
			out = append(out, it)
			return
		}
		cur := &out[i]
		if it.IsLive {
			cur.IsLive = true
		}
		cur.IsMemberOnly = cur.IsMemberOnly || it.IsMemberOnly
		if it.ViewerCount > cur.ViewerCount {
			cur.ViewerCount = it.ViewerCount
		}
		if cur.Title == "" {
			cur.Title = it.Title
		}
		if cur.ThumbnailURL == "" {
			cur.ThumbnailURL = it.ThumbnailURL
		}
		if cur.PublishedAt.IsZero() {
			cur.PublishedAt = it.PublishedAt
		}
	}

	for _, it := range uploads {
		add(it)
	}
	for _, it := range live {
		add(it)
	}
	return out
}
