package state

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/internal/config"
)

// Backend drivers.
const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
)

// ErrUnknownDriver is returned for an unsupported state.driver value.
var ErrUnknownDriver = errors.New("unknown state driver")

// Pinger is implemented by backends that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Open initializes the configured backend.
func Open(ctx context.Context, cfg config.StateConfig, log *zap.Logger) (Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverFile:
		return NewFileBackend(cfg.Path)
	case DriverSQLite, "sqlite3":
		return OpenSQLite(ctx, cfg.Path)
	case DriverPostgres:
		return OpenPostgres(ctx, cfg.DatabaseURL)
	case DriverRedis:
		return OpenRedis(ctx, cfg.RedisURL, cfg.RedisKey)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
}
