package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/internal/websub"
	"github.com/ad-tracker/channel-announcer/pkg/logger"
)

const headerSignature = "X-Hub-Signature"

// Callbacks is the part of the push gateway the hub talks to.
type Callbacks interface {
	HandleVerification(req websub.VerificationRequest) (string, error)
	HandleNotification(ctx context.Context, channelID string, body io.Reader, signature string) (*websub.NotificationResult, error)
}

// WebSubHandler serves the hub's verification and notification callbacks.
type WebSubHandler struct {
	gateway Callbacks
	log     *zap.Logger
}

// NewWebSubHandler creates a WebSubHandler.
func NewWebSubHandler(gateway Callbacks, log *zap.Logger) *WebSubHandler {
	return &WebSubHandler{gateway: gateway, log: logger.OrNop(log).Named("websub")}
}

// Verify answers GET /websub/:channelId with the raw challenge. Rejections
// carry a plain-text reason and no challenge.
func (h *WebSubHandler) Verify(c *gin.Context) {
	req := websub.VerificationRequest{
		ChannelID:    c.Param("channelId"),
		Mode:         c.Query("hub.mode"),
		Topic:        c.Query("hub.topic"),
		Challenge:    c.Query("hub.challenge"),
		LeaseSeconds: c.Query("hub.lease_seconds"),
	}

	challenge, err := h.gateway.HandleVerification(req)
	if err != nil {
		status := statusFor(err)
		logFor(h.log, status)("verification rejected",
			zap.String("channelId", req.ChannelID),
			zap.String("mode", req.Mode),
			zap.String("topic", req.Topic),
			zap.Error(err))
		c.String(status, http.StatusText(status))
		return
	}

	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(challenge))
}

// Notify ingests POST /websub/:channelId. Success is 200 even when the
// notification carried no new items.
func (h *WebSubHandler) Notify(c *gin.Context) {
	channelID := c.Param("channelId")
	defer func() { _ = c.Request.Body.Close() }()

	res, err := h.gateway.HandleNotification(c.Request.Context(), channelID, c.Request.Body, c.GetHeader(headerSignature))
	if err != nil {
		status := statusFor(err)
		logFor(h.log, status)("notification rejected", zap.String("channelId", channelID), zap.Error(err))
		c.String(status, http.StatusText(status))
		return
	}

	c.JSON(http.StatusOK, res)
}
