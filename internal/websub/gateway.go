// Package websub implements the push gateway: hub subscriptions per channel,
// the verification handshake and signed notification ingestion.
package websub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/internal/discovery"
	"github.com/ad-tracker/channel-announcer/internal/metrics"
	"github.com/ad-tracker/channel-announcer/internal/models"
	"github.com/ad-tracker/channel-announcer/internal/parser"
	"github.com/ad-tracker/channel-announcer/internal/validation"
	"github.com/ad-tracker/channel-announcer/pkg/logger"
)

const (
	defaultLeaseSeconds   = 432000
	defaultMaxPayloadSize = 1 << 20
	defaultRenewThreshold = 24 * time.Hour
	defaultPendingRetry   = 15 * time.Minute
)

var (
	// ErrInvalidChannel is returned for a malformed channel id.
	ErrInvalidChannel = errors.New("invalid channel id")

	// ErrInvalidGroup is returned for a malformed subscriber group id.
	ErrInvalidGroup = errors.New("invalid group id")

	// ErrInvalidMode is returned for an unknown hub.mode.
	ErrInvalidMode = errors.New("invalid hub mode")

	// ErrMissingChallenge is returned when a verification carries no challenge.
	ErrMissingChallenge = errors.New("missing hub challenge")

	// ErrTopicMismatch is returned when the claimed topic differs from the
	// channel's topic.
	ErrTopicMismatch = errors.New("topic mismatch")

	// ErrUnknownSubscription is returned when the hub verifies an intent this
	// process never expressed.
	ErrUnknownSubscription = errors.New("no matching subscription")

	// ErrBadSignature is returned when the notification signature does not match.
	ErrBadSignature = errors.New("signature mismatch")

	// ErrPayloadTooLarge is returned when a notification exceeds the size cap.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrMalformedNotification is returned when a notification body cannot be parsed.
	ErrMalformedNotification = errors.New("malformed notification")
)

// State is the lifecycle state of a channel subscription.
type State string

// Subscription states.
const (
	StateUnsubscribed State = "unsubscribed"
	StatePending      State = "pending"
	StateSubscribed   State = "subscribed"
)

// Verification modes sent by the hub.
const (
	ModeSubscribe   = "subscribe"
	ModeUnsubscribe = "unsubscribe"
	ModeDenied      = "denied"
)

// Announcer delivers an item to one subscriber group at most once.
type Announcer interface {
	Announce(ctx context.Context, groupID string, item models.CandidateItem) bool
}

// Subscription is a snapshot of one channel's subscription record.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type Subscription struct {
	ChannelID   string    `json:"channel_id"`
	Subscribers []string  `json:"subscribers"`
	State       State     `json:"state"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
	LastAttempt time.Time `json:"last_attempt,omitzero"`
}

type record struct {
	subscribers map[string]struct{}
	state       State
	expiresAt   time.Time
	lastAttempt time.Time
}

func (r *record) snapshot(channelID string) Subscription {
	subs := make([]string, 0, len(r.subscribers))
	for g := range r.subscribers {
		subs = append(subs, g)
	}
	sort.Strings(subs)
	return Subscription{
		ChannelID:   channelID,
		Subscribers: subs,
		State:       r.state,
		ExpiresAt:   r.expiresAt,
		LastAttempt: r.lastAttempt,
	}
}

// Options configures a Gateway.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type Options struct {
	HubURL          string
	CallbackBaseURL string
	Secret          string
	LeaseSeconds    int
	MaxPayloadSize  int64
	MaxEntries      int
	RenewThreshold  time.Duration
	PendingRetry    time.Duration
	// MaxAge returns a group's max item age; zero disables the filter.
	MaxAge func(groupID string) time.Duration
	Now    func() time.Time
	Logger *zap.Logger
}

// VerificationRequest carries the hub's intent verification parameters.
type VerificationRequest struct {
	ChannelID    string
	Mode         string
	Topic        string
	Challenge    string
	LeaseSeconds string
}

// NotificationResult summarizes one accepted notification.
type NotificationResult struct {
	Items     int `json:"items"`
	Delivered int `json:"delivered"`
	Deleted   int `json:"deleted"`
}

// Gateway owns the per-channel subscription records and ingests pushes.
type Gateway struct {
	hub       Hub
	announcer Announcer
	opts      Options
	log       *zap.Logger

	mu   sync.Mutex
	subs map[string]*record

	subscriptions atomic.Int64
	notifications atomic.Int64
	errs          atomic.Int64
}

// NewGateway validates the callback base and returns a Gateway. An invalid
// base is a configuration error for the push path only.
func NewGateway(hub Hub, announcer Announcer, opts Options) (*Gateway, error) {
	if err := ValidateCallbackBase(opts.CallbackBaseURL); err != nil {
		return nil, err
	}
	if opts.HubURL == "" {
		return nil, errors.New("hub URL is required")
	}
	if opts.LeaseSeconds <= 0 {
		opts.LeaseSeconds = defaultLeaseSeconds
	}
	if opts.MaxPayloadSize <= 0 {
		opts.MaxPayloadSize = defaultMaxPayloadSize
	}
	if opts.RenewThreshold <= 0 {
		opts.RenewThreshold = defaultRenewThreshold
	}
	if opts.PendingRetry <= 0 {
		opts.PendingRetry = defaultPendingRetry
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gateway{
		hub:       hub,
		announcer: announcer,
		opts:      opts,
		log:       logger.OrNop(opts.Logger).Named("websub"),
		subs:      make(map[string]*record),
	}, nil
}

func (g *Gateway) hubRequest(channelID string) *HubRequest {
	return &HubRequest{
		HubURL:       g.opts.HubURL,
		TopicURL:     TopicURL(channelID),
		CallbackURL:  CallbackURL(g.opts.CallbackBaseURL, channelID),
		LeaseSeconds: g.opts.LeaseSeconds,
		Secret:       g.opts.Secret,
	}
}

// Subscribe adds groupID as a subscriber of channelID and asks the hub for a
// subscription unless one is already pending or active.
func (g *Gateway) Subscribe(ctx context.Context, channelID, groupID string) error {
	if !validation.IsValidChannelID(channelID) {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channelID)
	}
	if !validation.IsValidGroupID(groupID) {
		return fmt.Errorf("%w: %q", ErrInvalidGroup, groupID)
	}

	g.mu.Lock()
	rec, ok := g.subs[channelID]
	if !ok {
		rec = &record{subscribers: make(map[string]struct{}), state: StateUnsubscribed}
		g.subs[channelID] = rec
	}
	rec.subscribers[groupID] = struct{}{}
	if rec.state != StateUnsubscribed {
		g.mu.Unlock()
		return nil
	}
	rec.state = StatePending
	rec.lastAttempt = g.opts.Now()
	g.mu.Unlock()

	return g.sendSubscribe(ctx, channelID)
}

func (g *Gateway) sendSubscribe(ctx context.Context, channelID string) error {
	err := g.hub.Subscribe(ctx, g.hubRequest(channelID))
	if err != nil {
		g.errs.Add(1)
		g.mu.Lock()
		if rec, ok := g.subs[channelID]; ok && rec.state == StatePending {
			rec.state = StateUnsubscribed
		}
		g.mu.Unlock()
		g.log.Warn("subscribe request failed", zap.String("channelId", channelID), zap.Error(err))
		g.publishGauges()
		return fmt.Errorf("subscribe %s: %w", channelID, err)
	}
	g.subscriptions.Add(1)
	g.publishGauges()
	return nil
}

// Unsubscribe removes groupID from channelID. When no subscribers remain the
// record is dropped and the hub is asked to stop delivering.
func (g *Gateway) Unsubscribe(ctx context.Context, channelID, groupID string) error {
	if !validation.IsValidChannelID(channelID) {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channelID)
	}

	g.mu.Lock()
	rec, ok := g.subs[channelID]
	if !ok {
		g.mu.Unlock()
		return nil
	}
	delete(rec.subscribers, groupID)
	if len(rec.subscribers) > 0 {
		g.mu.Unlock()
		return nil
	}
	delete(g.subs, channelID)
	wasActive := rec.state != StateUnsubscribed
	g.mu.Unlock()
	g.publishGauges()

	if !wasActive {
		return nil
	}
	if err := g.hub.Unsubscribe(ctx, g.hubRequest(channelID)); err != nil {
		g.errs.Add(1)
		g.log.Warn("unsubscribe request failed", zap.String("channelId", channelID), zap.Error(err))
		return fmt.Errorf("unsubscribe %s: %w", channelID, err)
	}
	return nil
}

// HandleVerification validates an intent verification and returns the
// challenge to echo. A denial returns an empty challenge.
func (g *Gateway) HandleVerification(req VerificationRequest) (string, error) {
	if !validation.IsValidChannelID(req.ChannelID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, req.ChannelID)
	}
	switch req.Mode {
	case ModeSubscribe, ModeUnsubscribe, ModeDenied:
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}
	if req.Topic != TopicURL(req.ChannelID) {
		return "", fmt.Errorf("%w: %q", ErrTopicMismatch, req.Topic)
	}

	switch req.Mode {
	case ModeSubscribe:
		return g.verifySubscribe(req)
	case ModeUnsubscribe:
		return g.verifyUnsubscribe(req)
	case ModeDenied:
		g.mu.Lock()
		delete(g.subs, req.ChannelID)
		g.mu.Unlock()
		g.publishGauges()
		g.log.Warn("hub denied subscription", zap.String("channelId", req.ChannelID))
	}
	return "", nil
}

func (g *Gateway) verifySubscribe(req VerificationRequest) (string, error) {
	if req.Challenge == "" {
		return "", ErrMissingChallenge
	}
	lease := g.opts.LeaseSeconds
	if n, err := strconv.Atoi(req.LeaseSeconds); err == nil && n > 0 {
		lease = n
	}

	g.mu.Lock()
	rec, ok := g.subs[req.ChannelID]
	if !ok || len(rec.subscribers) == 0 {
		g.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownSubscription, req.ChannelID)
	}
	rec.state = StateSubscribed
	rec.expiresAt = g.opts.Now().Add(time.Duration(lease) * time.Second)
	g.mu.Unlock()
	g.publishGauges()

	g.log.Info("subscription verified",
		zap.String("channelId", req.ChannelID),
		zap.Int("leaseSeconds", lease))
	return req.Challenge, nil
}

func (g *Gateway) verifyUnsubscribe(req VerificationRequest) (string, error) {
	if req.Challenge == "" {
		return "", ErrMissingChallenge
	}

	g.mu.Lock()
	rec, ok := g.subs[req.ChannelID]
	if ok && len(rec.subscribers) > 0 {
		g.mu.Unlock()
		return "", fmt.Errorf("%w: channel %s still has subscribers", ErrUnknownSubscription, req.ChannelID)
	}
	delete(g.subs, req.ChannelID)
	g.mu.Unlock()
	g.publishGauges()

	g.log.Info("unsubscription verified", zap.String("channelId", req.ChannelID))
	return req.Challenge, nil
}

// HandleNotification ingests one pushed feed document for channelID.
// signature is the raw X-Hub-Signature header and may be empty.
func (g *Gateway) HandleNotification(ctx context.Context, channelID string, body io.Reader, signature string) (*NotificationResult, error) {
	res, err := g.handleNotification(ctx, channelID, body, signature)
	if err != nil {
		g.errs.Add(1)
		metrics.Notifications.WithLabelValues(notificationResult(err)).Inc()
		g.log.Warn("notification rejected", zap.String("channelId", channelID), zap.Error(err))
		return nil, err
	}
	g.notifications.Add(1)
	metrics.Notifications.WithLabelValues("accepted").Inc()
	return res, nil
}

func (g *Gateway) handleNotification(ctx context.Context, channelID string, body io.Reader, signature string) (*NotificationResult, error) {
	if !validation.IsValidChannelID(channelID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, channelID)
	}

	raw, err := io.ReadAll(io.LimitReader(body, g.opts.MaxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrMalformedNotification, err)
	}
	if int64(len(raw)) > g.opts.MaxPayloadSize {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrPayloadTooLarge, g.opts.MaxPayloadSize)
	}
	if signature != "" && !VerifySignature(g.opts.Secret, raw, signature) {
		return nil, ErrBadSignature
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedNotification)
	}

	parsed, err := parser.ParseFeed(raw, parser.Options{
		MaxEntries: g.opts.MaxEntries,
		Origin:     models.OriginPush,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedNotification, err)
	}

	res := &NotificationResult{Deleted: len(parsed.DeletedIDs)}
	groups := g.subscribers(channelID)

	for _, item := range parsed.Items {
		if item.ChannelID == "" {
			item.ChannelID = channelID
		}
		if item.ChannelID != channelID {
			g.log.Warn("notification entry for another channel",
				zap.String("channelId", channelID),
				zap.String("entryChannelId", item.ChannelID),
				zap.String("itemId", item.ID))
			continue
		}
		res.Items++
		for _, group := range groups {
			if !g.fresh(group, item) {
				continue
			}
			if g.announcer.Announce(ctx, group, item) {
				res.Delivered++
			}
		}
	}

	g.log.Info("notification processed",
		zap.String("channelId", channelID),
		zap.Int("items", res.Items),
		zap.Int("delivered", res.Delivered),
		zap.Int("deleted", res.Deleted),
		zap.Int("skipped", parsed.Skipped))
	return res, nil
}

// fresh drops edits to old videos, which the hub pushes like new uploads.
func (g *Gateway) fresh(groupID string, item models.CandidateItem) bool {
	if g.opts.MaxAge == nil {
		return true
	}
	maxAge := g.opts.MaxAge(groupID)
	if maxAge <= 0 {
		return true
	}
	return len(discovery.FilterByAge([]models.CandidateItem{item}, g.opts.Now().Add(-maxAge))) == 1
}

func (g *Gateway) subscribers(channelID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.subs[channelID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rec.subscribers))
	for group := range rec.subscribers {
		out = append(out, group)
	}
	sort.Strings(out)
	return out
}

func notificationResult(err error) string {
	switch {
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrPayloadTooLarge):
		return "too_large"
	default:
		return "malformed"
	}
}

// Renew re-sends a subscribe for every active subscription whose lease ends
// within the renewal threshold. It returns the number of renewals sent.
func (g *Gateway) Renew(ctx context.Context) (int, error) {
	now := g.opts.Now()
	var due []string

	g.mu.Lock()
	for channelID, rec := range g.subs {
		if rec.state != StateSubscribed || len(rec.subscribers) == 0 {
			continue
		}
		if rec.expiresAt.Sub(now) <= g.opts.RenewThreshold {
			rec.lastAttempt = now
			due = append(due, channelID)
		}
	}
	g.mu.Unlock()

	sort.Strings(due)
	var errs []error
	renewed := 0
	for _, channelID := range due {
		if err := g.hub.Subscribe(ctx, g.hubRequest(channelID)); err != nil {
			g.errs.Add(1)
			g.log.Warn("renewal failed", zap.String("channelId", channelID), zap.Error(err))
			errs = append(errs, fmt.Errorf("renew %s: %w", channelID, err))
			continue
		}
		g.subscriptions.Add(1)
		renewed++
	}

	if len(due) > 0 {
		g.log.Info("renewed subscriptions", zap.Int("due", len(due)), zap.Int("renewed", renewed))
	}
	return renewed, errors.Join(errs...)
}

// SyncResult reports what a reconciliation changed.
type SyncResult struct {
	Subscribed   int `json:"subscribed"`
	Unsubscribed int `json:"unsubscribed"`
	Retried      int `json:"retried"`
}

// Sync reconciles subscription records against desired, a map of channel id
// to the groups that want it. Channels nobody wants are unsubscribed and
// requests stuck pending past the retry window are re-sent.
func (g *Gateway) Sync(ctx context.Context, desired map[string][]string) (*SyncResult, error) {
	res := &SyncResult{}
	var errs []error

	type drop struct{ channelID, groupID string }
	var drops []drop
	var retry []string
	now := g.opts.Now()

	g.mu.Lock()
	for channelID, rec := range g.subs {
		want := desired[channelID]
		for group := range rec.subscribers {
			if !slices.Contains(want, group) {
				drops = append(drops, drop{channelID, group})
			}
		}
		if rec.state == StatePending && len(want) > 0 && now.Sub(rec.lastAttempt) >= g.opts.PendingRetry {
			rec.lastAttempt = now
			retry = append(retry, channelID)
		}
	}
	g.mu.Unlock()

	for _, d := range drops {
		before := g.has(d.channelID)
		if err := g.Unsubscribe(ctx, d.channelID, d.groupID); err != nil {
			errs = append(errs, err)
		}
		if before && !g.has(d.channelID) {
			res.Unsubscribed++
		}
	}

	channels := make([]string, 0, len(desired))
	for channelID := range desired {
		channels = append(channels, channelID)
	}
	sort.Strings(channels)
	for _, channelID := range channels {
		wasActive := g.active(channelID)
		for _, group := range desired[channelID] {
			if err := g.Subscribe(ctx, channelID, group); err != nil {
				errs = append(errs, err)
				break
			}
		}
		if !wasActive && g.active(channelID) {
			res.Subscribed++
		}
	}

	sort.Strings(retry)
	for _, channelID := range retry {
		g.log.Info("retrying pending subscription", zap.String("channelId", channelID))
		if err := g.sendSubscribe(ctx, channelID); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Retried++
	}

	g.log.Info("subscriptions synced",
		zap.Int("desired", len(desired)),
		zap.Int("subscribed", res.Subscribed),
		zap.Int("unsubscribed", res.Unsubscribed),
		zap.Int("retried", res.Retried))
	return res, errors.Join(errs...)
}

func (g *Gateway) has(channelID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.subs[channelID]
	return ok
}

func (g *Gateway) active(channelID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.subs[channelID]
	return ok && rec.state != StateUnsubscribed
}

// Active reports whether push delivery currently covers at least one channel.
func (g *Gateway) Active() bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, rec := range g.subs {
		if rec.state == StateSubscribed {
			return true
		}
	}
	return false
}

// Subscriptions returns a snapshot of every record ordered by channel id.
func (g *Gateway) Subscriptions() []Subscription {
	g.mu.Lock()
	out := make([]Subscription, 0, len(g.subs))
	for channelID, rec := range g.subs {
		out = append(out, rec.snapshot(channelID))
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Stats returns the gateway counters.
func (g *Gateway) Stats() models.GatewayStats {
	active, pending := g.counts()
	return models.GatewayStats{
		Subscriptions:           g.subscriptions.Load(),
		Notifications:           g.notifications.Load(),
		Errors:                  g.errs.Load(),
		ActiveSubscriptionCount: active,
		PendingCount:            pending,
	}
}

func (g *Gateway) counts() (active, pending int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, rec := range g.subs {
		switch rec.state {
		case StateSubscribed:
			active++
		case StatePending:
			pending++
		}
	}
	return active, pending
}

func (g *Gateway) publishGauges() {
	active, pending := g.counts()
	metrics.Subscriptions.WithLabelValues(string(StateSubscribed)).Set(float64(active))
	metrics.Subscriptions.WithLabelValues(string(StatePending)).Set(float64(pending))
}
