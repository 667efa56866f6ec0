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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_CleanupKeepsFailures(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	tracker := newTestTracker(store, clock)
	ctx := context.Background()

	_, err := tracker.RecordFailure(ctx, "k")
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)

	deleted, err := tracker.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
	assert.Equal(t, 1, store.Len())
}

func TestTracker_CleanupZeroFailures(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	tracker := newTestTracker(store, clock)
	ctx := context.Background()

	put := func(key string, e Entry) {
		require.NoError(t, store.Update(ctx, key, func(Entry, bool) Entry { return e }))
	}

	put("stale", Entry{Failures: 0, NextRetryAt: clock.Now().Add(-time.Second)})
	put("pending", Entry{Failures: 0, NextRetryAt: clock.Now().Add(time.Second)})
	put("now", Entry{Failures: 0, NextRetryAt: clock.Now()})

	deleted, err := tracker.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, found, _ := store.Get(ctx, "stale")
	assert.False(t, found)
	_, found, _ = store.Get(ctx, "pending")
	assert.True(t, found)
	_, found, _ = store.Get(ctx, "now")
	assert.True(t, found)
}

func TestTracker_StartCleanup(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	tracker := NewTracker(
		store,
		WithClock(clock.Now),
		WithRegisterer(prometheus.NewRegistry()),
		WithCleanupInterval(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := store.Update(ctx, "stale", func(Entry, bool) Entry {
		return Entry{NextRetryAt: clock.Now().Add(-time.Minute)}
	})
	require.NoError(t, err)

	tracker.StartCleanup(ctx)

	assert.Eventually(
		t,
		func() bool { return store.Len() == 0 },
		time.Second,
		5*time.Millisecond,
	)
}
