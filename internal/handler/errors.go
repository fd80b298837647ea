package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/internal/models"
	"github.com/ad-tracker/channel-announcer/internal/websub"
)

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, models.ErrorResponse{
		Status:    status,
		Error:     http.StatusText(status),
		Message:   message,
		Timestamp: time.Now(),
		Path:      c.Request.URL.Path,
	})
}

// statusFor maps push gateway errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, websub.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, websub.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, websub.ErrTopicMismatch), errors.Is(err, websub.ErrUnknownSubscription):
		return http.StatusNotFound
	case errors.Is(err, websub.ErrInvalidChannel),
		errors.Is(err, websub.ErrInvalidGroup),
		errors.Is(err, websub.ErrInvalidMode),
		errors.Is(err, websub.ErrMissingChallenge),
		errors.Is(err, websub.ErrMalformedNotification):
		return http.StatusBadRequest
	case errors.Is(err, websub.ErrSubscriptionFailed), errors.Is(err, websub.ErrInvalidHubResponse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func logFor(log *zap.Logger, status int) func(string, ...zap.Field) {
	if status >= http.StatusInternalServerError {
		return log.Error
	}
	return log.Warn
}
