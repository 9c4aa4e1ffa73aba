package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ConnectOptions defines Redis connection and retry behaviour
type ConnectOptions struct {
	Addr           string
	Password       string
	DB             int
	ConnectTimeout time.Duration // total time allowed for connection attempts
	RetryInterval  time.Duration // first wait between attempts, doubled after each failure
	MaxWait        time.Duration // cap on the wait between attempts
	PingTimeout    time.Duration // timeout of each ping
}

func (o ConnectOptions) validate() error {
	switch {
	case o.Addr == "":
		return fmt.Errorf("redis address is required")
	case o.ConnectTimeout <= 0:
		return fmt.Errorf("ConnectTimeout must be > 0, got %v", o.ConnectTimeout)
	case o.RetryInterval <= 0:
		return fmt.Errorf("RetryInterval must be > 0, got %v", o.RetryInterval)
	case o.MaxWait < o.RetryInterval:
		return fmt.Errorf("MaxWait (%v) must be >= RetryInterval (%v)", o.MaxWait, o.RetryInterval)
	case o.PingTimeout <= 0:
		return fmt.Errorf("PingTimeout must be > 0, got %v", o.PingTimeout)
	}
	return nil
}

// Connect creates a Redis client and pings it until it answers or
// ConnectTimeout elapses.
func Connect(ctx context.Context, opts ConnectOptions, logger *zap.Logger) (*redis.Client, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("[REDIS] %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.RetryInterval
	b.MaxInterval = opts.MaxWait
	b.MaxElapsedTime = opts.ConnectTimeout
	b.Reset()

	logger.Info("Connecting to redis",
		zap.String("addr", opts.Addr),
		zap.Duration("timeout", opts.ConnectTimeout))

	start := time.Now()
	attempts := 0
	ping := func() error {
		attempts++
		pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("Redis connection failed, retrying",
			zap.String("addr", opts.Addr),
			zap.Int("attempt", attempts),
			zap.Duration("next_retry_in", next),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		_ = client.Close()
		logger.Error("Redis unavailable",
			zap.String("addr", opts.Addr),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return nil, fmt.Errorf("[REDIS] unavailable at %s after %d attempts: %w", opts.Addr, attempts, err)
	}

	logger.Info("Connected to redis",
		zap.String("addr", opts.Addr),
		zap.Int("attempts", attempts),
		zap.Duration("elapsed", time.Since(start)))
	return client, nil
}
