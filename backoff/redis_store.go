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

package backoff

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// RedisStore keeps each entry in a hash. Entries have no expiry
	// unless WithEntryTTL is set: like the other stores a key keeps
	// its failures until Reset.
	RedisStore struct {
		client     redis.UniversalClient
		prefix     string
		maxRetries int
		ttl        time.Duration
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
	fieldFailures    = "failures"
	fieldNextRetryAt = "next_retry_at"
)

// WithKeyPrefix sets the prefix of every Redis key. Default is
// "throttle:backoff:".
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

func WithMaxRetries(n int) RedisStoreOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithEntryTTL expires an entry ttl after its retry time, forgetting
// the failures of keys that stopped trying.
func WithEntryTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

func NewRedisStore(client redis.UniversalClient, options ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		prefix:     "throttle:backoff:",
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
				p.HSet(ctx, k, fieldFailures, next.Failures, fieldNextRetryAt, next.NextRetryAt.UnixMilli())
				if s.ttl > 0 {
					p.PExpireAt(ctx, k, next.NextRetryAt.Add(s.ttl))
				}
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

		return fmt.Errorf("cannot update backoff entry: %w", err)
	}

	return fmt.Errorf("cannot update backoff entry: %w", ErrTooManyConflicts)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("cannot delete backoff entry: %w", err)
	}

	return nil
}

// Sweep is a no-op. Stored entries always carry at least one
// failure, which the sweep condition never matches.
func (s *RedisStore) Sweep(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func readEntry(ctx context.Context, c hashReader, k string) (Entry, bool, error) {
	fields, err := c.HGetAll(ctx, k).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cannot load backoff entry: %w", err)
	}

	if len(fields) == 0 {
		return Entry{}, false, nil
	}

	failures, err := strconv.Atoi(fields[fieldFailures])
	if err != nil {
		return Entry{}, false, fmt.Errorf("cannot parse failure count: %w", err)
	}

	nextRetryAt, err := strconv.ParseInt(fields[fieldNextRetryAt], 10, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("cannot parse retry time: %w", err)
	}

	return Entry{Failures: failures, NextRetryAt: time.UnixMilli(nextRetryAt)}, true, nil
}
