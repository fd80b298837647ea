package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/internal/keypool"
	"github.com/ad-tracker/channel-announcer/internal/models"
	"github.com/ad-tracker/channel-announcer/internal/scheduler"
	"github.com/ad-tracker/channel-announcer/internal/websub"
	"github.com/ad-tracker/channel-announcer/pkg/logger"
)

// Subscriptions is the management surface of the push gateway.
type Subscriptions interface {
	Subscribe(ctx context.Context, channelID, groupID string) error
	Unsubscribe(ctx context.Context, channelID, groupID string) error
	Sync(ctx context.Context, desired map[string][]string) (*websub.SyncResult, error)
	Renew(ctx context.Context) (int, error)
	Subscriptions() []websub.Subscription
	Stats() models.GatewayStats
}

// DesiredSource computes the subscriptions the group config wants.
type DesiredSource interface {
	Desired() map[string][]string
}

// Watchlist records channels subscribed through the API so polling and the
// periodic sync keep them.
type Watchlist interface {
	Add(groupID, channelID string) bool
	Remove(groupID, channelID string) bool
}

// QuotaReporter exposes the key pool state.
type QuotaReporter interface {
	State() keypool.QuotaState
	Suspended() bool
	Len() int
}

// ErrorCounter exposes discovery error counters.
type ErrorCounter interface {
	GenericErrors() int64
	QuotaErrors() int64
}

// Ticker runs an on-demand discovery tick.
type Ticker interface {
	Tick(ctx context.Context) (*scheduler.TickResult, error)
	LastTick() *scheduler.TickResult
}

// ManagementHandler serves the authenticated management API.
type ManagementHandler struct {
	subs      Subscriptions
	desired   DesiredSource
	watch     Watchlist
	quota     QuotaReporter
	discovery ErrorCounter
	ticker    Ticker
	log       *zap.Logger
}

// ManagementDeps wires a ManagementHandler. Subscriptions is nil when push
// delivery is disabled; Quota is nil in free-tier-only mode.
type ManagementDeps struct {
	Subscriptions Subscriptions
	Desired       DesiredSource
	Watchlist     Watchlist
	Quota         QuotaReporter
	Discovery     ErrorCounter
	Ticker        Ticker
	Logger        *zap.Logger
}

// NewManagementHandler creates a ManagementHandler.
func NewManagementHandler(deps ManagementDeps) *ManagementHandler {
	return &ManagementHandler{
		subs:      deps.Subscriptions,
		desired:   deps.Desired,
		watch:     deps.Watchlist,
		quota:     deps.Quota,
		discovery: deps.Discovery,
		ticker:    deps.Ticker,
		log:       logger.OrNop(deps.Logger).Named("management"),
	}
}

// SubscribeRequest is the body of POST /api/v1/subscriptions.
type SubscribeRequest struct {
	ChannelID string `json:"channel_id" binding:"required"`
	GroupID   string `json:"group_id" binding:"required"`
}

// SyncRequest is the optional body of POST /api/v1/subscriptions/sync.
type SyncRequest struct {
	Channels map[string][]string `json:"channels"`
}

// StatsResponse is returned by GET /api/v1/stats.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type StatsResponse struct {
	Push      *models.GatewayStats  `json:"push,omitempty"`
	Quota     *QuotaStats           `json:"quota,omitempty"`
	Discovery DiscoveryStats        `json:"discovery"`
	LastTick  *scheduler.TickResult `json:"last_tick,omitempty"`
	Time      time.Time             `json:"time"`
}

// QuotaStats summarizes the key pool.
type QuotaStats struct {
	keypool.QuotaState
	Credentials int  `json:"credentials"`
	Suspended   bool `json:"suspended"`
}

// DiscoveryStats summarizes discovery error counters.
type DiscoveryStats struct {
	GenericErrors int64 `json:"generic_errors"`
	QuotaErrors   int64 `json:"quota_errors"`
}

func (h *ManagementHandler) requirePush(c *gin.Context) bool {
	if h.subs == nil {
		respondError(c, http.StatusServiceUnavailable, "push delivery is disabled")
		return false
	}
	return true
}

// Subscribe handles POST /api/v1/subscriptions.
func (h *ManagementHandler) Subscribe(c *gin.Context) {
	if !h.requirePush(c) {
		return
	}
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request payload: "+err.Error())
		return
	}

	if err := h.subs.Subscribe(c.Request.Context(), req.ChannelID, req.GroupID); err != nil {
		h.fail(c, err)
		return
	}
	if h.watch != nil {
		h.watch.Add(req.GroupID, req.ChannelID)
	}

	h.log.Info("channel subscribed", zap.String("channelId", req.ChannelID), zap.String("groupId", req.GroupID))
	c.JSON(http.StatusAccepted, gin.H{"channel_id": req.ChannelID, "group_id": req.GroupID})
}

// Unsubscribe handles DELETE /api/v1/subscriptions/:channelId/:groupId.
func (h *ManagementHandler) Unsubscribe(c *gin.Context) {
	if !h.requirePush(c) {
		return
	}
	channelID, groupID := c.Param("channelId"), c.Param("groupId")

	if h.watch != nil {
		h.watch.Remove(groupID, channelID)
	}
	if err := h.subs.Unsubscribe(c.Request.Context(), channelID, groupID); err != nil {
		h.fail(c, err)
		return
	}

	h.log.Info("channel unsubscribed", zap.String("channelId", channelID), zap.String("groupId", groupID))
	c.Status(http.StatusNoContent)
}

// List handles GET /api/v1/subscriptions.
func (h *ManagementHandler) List(c *gin.Context) {
	if !h.requirePush(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": h.subs.Subscriptions()})
}

// Sync handles POST /api/v1/subscriptions/sync. An empty body reconciles
// against the configured groups.
func (h *ManagementHandler) Sync(c *gin.Context) {
	if !h.requirePush(c) {
		return
	}
	var req SyncRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "invalid request payload: "+err.Error())
			return
		}
	}
	desired := req.Channels
	if desired == nil && h.desired != nil {
		desired = h.desired.Desired()
	}

	res, err := h.subs.Sync(c.Request.Context(), desired)
	if err != nil {
		h.log.Warn("sync completed with errors", zap.Error(err))
		c.JSON(http.StatusMultiStatus, gin.H{"result": res, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// Renew handles POST /api/v1/subscriptions/renew.
func (h *ManagementHandler) Renew(c *gin.Context) {
	if !h.requirePush(c) {
		return
	}
	n, err := h.subs.Renew(c.Request.Context())
	if err != nil {
		h.log.Warn("renew completed with errors", zap.Error(err))
		c.JSON(http.StatusMultiStatus, gin.H{"renewed": n, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"renewed": n})
}

// Tick handles POST /api/v1/tick.
func (h *ManagementHandler) Tick(c *gin.Context) {
	if h.ticker == nil {
		respondError(c, http.StatusServiceUnavailable, "scheduler is not running")
		return
	}
	res, err := h.ticker.Tick(c.Request.Context())
	if errors.Is(err, scheduler.ErrTickInProgress) {
		respondError(c, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Stats handles GET /api/v1/stats.
func (h *ManagementHandler) Stats(c *gin.Context) {
	resp := StatsResponse{Time: time.Now()}
	if h.subs != nil {
		stats := h.subs.Stats()
		resp.Push = &stats
	}
	if h.quota != nil {
		resp.Quota = &QuotaStats{
			QuotaState:  h.quota.State(),
			Credentials: h.quota.Len(),
			Suspended:   h.quota.Suspended(),
		}
	}
	if h.discovery != nil {
		resp.Discovery = DiscoveryStats{
			GenericErrors: h.discovery.GenericErrors(),
			QuotaErrors:   h.discovery.QuotaErrors(),
		}
	}
	if h.ticker != nil {
		resp.LastTick = h.ticker.LastTick()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ManagementHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	logFor(h.log, status)("management request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	respondError(c, status, err.Error())
}
