package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/internal/middleware"
)

// RouterDeps collects the handlers mounted by NewRouter. WebSub is nil when
// push delivery is disabled.
type RouterDeps struct {
	WebSub     *WebSubHandler
	Management *ManagementHandler
	Health     *HealthHandler
	Auth       *middleware.APIKeyAuth
	Logger     *zap.Logger
}

// NewRouter builds the gin engine serving callbacks, the management API,
// health checks and metrics.
func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(deps.Logger))

	health := r.Group("/health")
	health.GET("/live", deps.Health.Liveness)
	health.GET("/ready", deps.Health.Readiness)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if deps.WebSub != nil {
		r.GET("/websub/:channelId", deps.WebSub.Verify)
		r.POST("/websub/:channelId", deps.WebSub.Notify)
	}

	api := r.Group("/api/v1", deps.Auth.Handler())
	api.GET("/stats", deps.Management.Stats)
	api.POST("/tick", deps.Management.Tick)
	api.GET("/subscriptions", deps.Management.List)
	api.POST("/subscriptions", deps.Management.Subscribe)
	api.POST("/subscriptions/sync", deps.Management.Sync)
	api.POST("/subscriptions/renew", deps.Management.Renew)
	api.DELETE("/subscriptions/:channelId/:groupId", deps.Management.Unsubscribe)

	return r
}
