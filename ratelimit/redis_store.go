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

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// RedisStore keeps each window in a hash expiring at the window
	// reset time. Updates use WATCH/MULTI and are retried when
	// another client modified the key concurrently.
	RedisStore struct {
		client     redis.UniversalClient
		prefix     string
		maxRetries int
	}

	RedisStoreOption func(s *RedisStore)

	hashReader interface {
		HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	}
)

var (
	_ Store = (*RedisStore)(nil)

	ErrTooManyConflicts = errors.New("too many concurrent updates")
)

const (
	fieldCount   = "count"
	fieldResetAt = "reset_at"
)

// WithKeyPrefix sets the prefix of every Redis key. Default is
// "throttle:ratelimit:".
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithMaxRetries sets how many times a conflicting update is retried.
// Default is 10.
func WithMaxRetries(n int) RedisStoreOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func NewRedisStore(client redis.UniversalClient, options ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		prefix:     "throttle:ratelimit:",
		maxRetries: 10,
	}

	for _, o := range options {
		o(s)
	}

	return s
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	return readEntry(ctx, s.client, s.prefix+key)
}

func (s *RedisStore) Update(ctx context.Context, key string, fn func(Entry, bool) Entry) error {
	k := s.prefix + key

	txf := func(tx *redis.Tx) error {
		current, found, err := readEntry(ctx, tx, k)
		if err != nil {
			return err
		}

		next := fn(current, found)

		_, err = tx.TxPipelined(
			ctx,
			func(p redis.Pipeliner) error {
				p.HSet(ctx, k, fieldCount, next.Count, fieldResetAt, next.ResetAt.UnixMilli())
				p.PExpireAt(ctx, k, next.ResetAt)
				return nil
			},
		)
		return err
	}

	for range s.maxRetries {
		err := s.client.Watch(ctx, txf, k)
		if err == nil {
			return nil
		}

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		return fmt.Errorf("cannot update window: %w", err)
	}

	return fmt.Errorf("cannot update window: %w", ErrTooManyConflicts)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("cannot delete window: %w", err)
	}

	return nil
}

// Sweep is a no-op: Redis expires windows at their reset time.
func (s *RedisStore) Sweep(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func readEntry(ctx context.Context, c hashReader, k string) (Entry, bool, error) {
	fields, err := c.HGetAll(ctx, k).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cannot load window: %w", err)
	}

	if len(fields) == 0 {
		return Entry{}, false, nil
	}

	count, err := strconv.Atoi(fields[fieldCount])
	if err != nil {
		return Entry{}, false, fmt.Errorf("cannot parse window count: %w", err)
	}

	resetAt, err := strconv.ParseInt(fields[fieldResetAt], 10, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("cannot parse window reset time: %w", err)
	}

	return Entry{Count: count, ResetAt: time.UnixMilli(resetAt)}, true, nil
}
