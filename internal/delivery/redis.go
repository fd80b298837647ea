package delivery

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// ParseRedisURL converts a Redis URL into asynq connection options. It
// accepts redis:// and rediss:// URLs, including go-redis query options
// such as dial_timeout, and a bare host:port.
func ParseRedisURL(redisURL string) (asynq.RedisClientOpt, error) {
	redisURL = strings.TrimSpace(redisURL)
	if redisURL == "" {
		return asynq.RedisClientOpt{}, errors.New("redis URL is required")
	}
	if !strings.Contains(redisURL, "://") {
		return asynq.RedisClientOpt{Addr: redisURL}, nil
	}

	// go-redis fills in localhost for an empty host; a queue must name one.
	u, err := url.Parse(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("invalid redis URL: %w", err)
	}
	if u.Host == "" {
		return asynq.RedisClientOpt{}, errors.New("redis URL missing host")
	}

	o, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("invalid redis URL: %w", err)
	}
	return asynq.RedisClientOpt{
		Addr:         o.Addr,
		Username:     o.Username,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  o.DialTimeout,
		ReadTimeout:  o.ReadTimeout,
		WriteTimeout: o.WriteTimeout,
		PoolSize:     o.PoolSize,
		TLSConfig:    o.TLSConfig,
	}, nil
}
