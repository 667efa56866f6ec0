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

func TestPGStore(t *testing.T) {
	client := testenv.PGClient(t, Migrations)
	store := NewPGStore(client)
	ctx := context.Background()

	id, err := uuid.NewV7()
	require.NoError(t, err)
	key := "test:" + id.String()

	_, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	resetAt := time.Now().Add(time.Minute).Truncate(time.Microsecond)
	err = store.Update(ctx, key, func(current Entry, found bool) Entry {
		assert.False(t, found)
		return Entry{Count: 1, ResetAt: resetAt}
	})
	require.NoError(t, err)

	entry, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, entry.Count)
	assert.True(t, resetAt.Equal(entry.ResetAt))

	deleted, err := store.Sweep(ctx, resetAt)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))

	_, found, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPGStore_ConcurrentAllow(t *testing.T) {
	client := testenv.PGClient(t, Migrations)
	limiter := newTestLimiter(t, NewPGStore(client), &fakeClock{now: time.Now()})

	id, err := uuid.NewV7()
	require.NoError(t, err)
	key := "test:" + id.String()
	rate := Rate{Limit: 10, Window: time.Hour}

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
	require.NoError(t, limiter.Reset(context.Background(), key))
}

func TestPGStore_StableResetAt(t *testing.T) {
	client := testenv.PGClient(t, Migrations)
	clock := &fakeClock{now: time.Now()}
	limiter := newTestLimiter(t, NewPGStore(client), clock)

	id, err := uuid.NewV7()
	require.NoError(t, err)

	assertStableResetAt(t, limiter, "test:"+id.String(), clock)
}
