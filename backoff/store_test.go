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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/throttle/internal/testenv"
)

func testStore(t *testing.T, store Store) {
	t.Helper()

	ctx := context.Background()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	key := "test:" + id.String()

	_, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	nextRetryAt := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	for i := 1; i <= 3; i++ {
		err = store.Update(ctx, key, func(current Entry, found bool) Entry {
			assert.Equal(t, i > 1, found)
			return Entry{Failures: current.Failures + 1, NextRetryAt: nextRetryAt}
		})
		require.NoError(t, err)
	}

	entry, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, entry.Failures)
	assert.True(t, nextRetryAt.Equal(entry.NextRetryAt))

	deleted, err := store.Sweep(ctx, nextRetryAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)

	require.NoError(t, store.Delete(ctx, key))

	_, found, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestPGStore(t *testing.T) {
	testStore(t, NewPGStore(testenv.PGClient(t, Migrations)))
}

func TestRedisStore(t *testing.T) {
	testStore(t, NewRedisStore(testenv.RedisClient(t), WithKeyPrefix("throttle-test:backoff:")))
}

func TestRedisStore_EntryTTL(t *testing.T) {
	client := testenv.RedisClient(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		options []RedisStoreOption
		check   func(t *testing.T, ttl time.Duration)
	}{
		{
			name: "no ttl by default",
			check: func(t *testing.T, ttl time.Duration) {
				assert.Equal(t, time.Duration(-1), ttl)
			},
		},
		{
			name:    "ttl after next retry",
			options: []RedisStoreOption{WithEntryTTL(time.Hour)},
			check: func(t *testing.T, ttl time.Duration) {
				assert.Greater(t, ttl, time.Hour)
				assert.LessOrEqual(t, ttl, time.Hour+time.Minute)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			options := append([]RedisStoreOption{WithKeyPrefix("throttle-test:backoff:")}, tt.options...)
			store := NewRedisStore(client, options...)

			id, err := uuid.NewV7()
			require.NoError(t, err)
			key := "test:" + id.String()
			t.Cleanup(func() { _ = store.Delete(ctx, key) })

			err = store.Update(ctx, key, func(current Entry, _ bool) Entry {
				return Entry{Failures: 1, NextRetryAt: time.Now().Add(time.Minute)}
			})
			require.NoError(t, err)

			ttl, err := client.PTTL(ctx, "throttle-test:backoff:"+key).Result()
			require.NoError(t, err)
			tt.check(t, ttl)
		})
	}
}
