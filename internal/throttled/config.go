// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package throttled

import (
	"fmt"
	"math"
	"time"

	"go.gearno.de/throttle/backoff"
)

type (
	StoreKind string

	Config struct {
		Addr string `json:"addr"`

		// Store selects where windows and failures are kept.
		Store StoreKind `json:"store"`

		// CleanupInterval is the sweep period in seconds.
		CleanupInterval int `json:"cleanup-interval"`

		// SelfLimit applies the API_GENERAL preset per client address
		// to the service's own endpoints.
		SelfLimit bool `json:"self-limit"`

		Backoff  BackoffConfig  `json:"backoff"`
		Postgres PostgresConfig `json:"postgres"`
		Redis    RedisConfig    `json:"redis"`
	}

	BackoffConfig struct {
		BaseDelayMs int64 `json:"base-delay-ms"`
		MaxDelayMs  int64 `json:"max-delay-ms"`
	}

	PostgresConfig struct {
		Addr     string `json:"addr"`
		User     string `json:"user"`
		Password string `json:"password"`
		Database string `json:"database"`
		PoolSize int32  `json:"pool-size"`
	}

	RedisConfig struct {
		Addrs     []string `json:"addrs"`
		Password  string   `json:"password"`
		DB        int      `json:"db"`
		KeyPrefix string   `json:"key-prefix"`
	}
)

const (
	StoreMemory   StoreKind = "memory"
	StorePostgres StoreKind = "postgres"
	StoreRedis    StoreKind = "redis"
)

const (
	// maxDurationMs is the largest millisecond count a time.Duration
	// holds.
	maxDurationMs = math.MaxInt64 / int64(time.Millisecond)

	maxCleanupIntervalSeconds = math.MaxInt64 / int64(time.Second)
)

func defaultConfig() Config {
	return Config{
		Addr:            ":8080",
		Store:           StoreMemory,
		CleanupInterval: 60,
		Backoff: BackoffConfig{
			BaseDelayMs: backoff.DefaultPolicy.BaseDelay.Milliseconds(),
			MaxDelayMs:  backoff.DefaultPolicy.MaxDelay.Milliseconds(),
		},
		Postgres: PostgresConfig{
			Addr:     "localhost:5432",
			User:     "postgres",
			Database: "throttle",
			PoolSize: 10,
		},
		Redis: RedisConfig{
			Addrs:     []string{"localhost:6379"},
			KeyPrefix: "throttle:",
		},
	}
}

func (c Config) validate() error {
	switch c.Store {
	case StoreMemory, StorePostgres, StoreRedis:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	if c.CleanupInterval < 1 || int64(c.CleanupInterval) > maxCleanupIntervalSeconds {
		return fmt.Errorf("cleanup-interval must be between 1 and %d, got %d", maxCleanupIntervalSeconds, c.CleanupInterval)
	}

	if c.Backoff.BaseDelayMs < 1 ||
		c.Backoff.MaxDelayMs < c.Backoff.BaseDelayMs ||
		c.Backoff.MaxDelayMs > maxDurationMs {
		return fmt.Errorf(
			"invalid backoff delays: base %dms, max %dms",
			c.Backoff.BaseDelayMs,
			c.Backoff.MaxDelayMs,
		)
	}

	return nil
}

func (c Config) cleanupInterval() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}

// millis converts ms to a duration, refusing values a duration cannot
// hold.
func millis(name string, ms int64) (time.Duration, error) {
	if ms > maxDurationMs {
		return 0, fmt.Errorf("%s must not exceed %d", name, maxDurationMs)
	}

	return time.Duration(ms) * time.Millisecond, nil
}

func (c BackoffConfig) policy() backoff.Policy {
	return backoff.Policy{
		BaseDelay: time.Duration(c.BaseDelayMs) * time.Millisecond,
		MaxDelay:  time.Duration(c.MaxDelayMs) * time.Millisecond,
	}
}
