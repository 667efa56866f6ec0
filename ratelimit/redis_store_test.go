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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/throttle/internal/testenv"
)

func TestRedisStore(t *testing.T) {
	client := testenv.RedisClient(t)
	store := NewRedisStore(client, WithKeyPrefix("throttle-test:"))
	ctx := context.Background()

	id, err := uuid.NewV7()
	require.NoError(t, err)
	key := id.String()

	_, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	resetAt := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	err = store.Update(ctx, key, func(current Entry, found bool) Entry {
		return Entry{Count: 3, ResetAt: resetAt}
	})
	require.NoError(t, err)

	entry, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, entry.Count)
	assert.True(t, resetAt.Equal(entry.ResetAt))

	ttl, err := client.PTTL(ctx, "throttle-test:"+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, store.Delete(ctx, key))

	_, found, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_ConcurrentAllow(t *testing.T) {
	client := testenv.RedisClient(t)
	limiter := newTestLimiter(
		t,
		NewRedisStore(client, WithKeyPrefix("throttle-test:"), WithMaxRetries(100)),
		&fakeClock{now: time.Now()},
	)

	id, err := uuid.NewV7()
	require.NoError(t, err)
	key := id.String()
	rate := Rate{Limit: 10, Window: time.Minute}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)

	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := limiter.Allow(context.Background(), key, rate)
			if err != nil || !result.Allowed {
				return
			}
			mu.Lock()
			allowed++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
}

func TestRedisStore_StableResetAt(t *testing.T) {
	client := testenv.RedisClient(t)
	clock := &fakeClock{now: time.Now()}
	limiter := newTestLimiter(t, NewRedisStore(client, WithKeyPrefix("throttle-test:")), clock)

	id, err := uuid.NewV7()
	require.NoError(t, err)

	assertStableResetAt(t, limiter, "test:"+id.String(), clock)
}
