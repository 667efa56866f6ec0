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

package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/throttle/backoff"
	"go.gearno.de/throttle/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewLimiter(
		ratelimit.NewMemoryStore(),
		ratelimit.WithRegisterer(prometheus.NewRegistry()),
	)

	handler := RateLimit(limiter, ratelimit.AuthSignup, ClientIP)(okHandler())

	for i, remaining := range []string{"2", "1", "0"} {
		req := httptest.NewRequest("POST", "/signup", nil)
		req.RemoteAddr = "198.51.100.4:1234"
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, remaining, rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	}

	req := httptest.NewRequest("POST", "/signup", nil)
	req.RemoteAddr = "198.51.100.4:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.JSONEq(t, `{"error":"too_many_requests","message":"too many requests, retry later"}`, rec.Body.String())

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 3600, retryAfter, 2)

	req = httptest.NewRequest("POST", "/signup", nil)
	req.RemoteAddr = "198.51.100.5:1234"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_EmptyKey(t *testing.T) {
	limiter := ratelimit.NewLimiter(
		ratelimit.NewMemoryStore(),
		ratelimit.WithRegisterer(prometheus.NewRegistry()),
	)

	handler := RateLimit(
		limiter,
		ratelimit.AuthSignup,
		func(*http.Request) string { return "" },
	)(okHandler())

	for range 5 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimit_Panics(t *testing.T) {
	limiter := ratelimit.NewLimiter(
		ratelimit.NewMemoryStore(),
		ratelimit.WithRegisterer(prometheus.NewRegistry()),
	)

	assert.Panics(t, func() { RateLimit(limiter, ratelimit.API, nil) })
	assert.Panics(t, func() { RateLimit(limiter, ratelimit.Preset("NOPE"), ClientIP) })
}

func TestBackoff(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tracker := backoff.NewTracker(
		backoff.NewMemoryStore(),
		backoff.WithClock(clock),
		backoff.WithRegisterer(prometheus.NewRegistry()),
	)

	status := http.StatusUnauthorized
	handler := Backoff(
		tracker,
		func(r *http.Request) string { return "user:" + r.URL.Query().Get("u") },
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	do := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", "/login?u=bob", nil))
		return rec
	}

	rec := do()
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	now = now.Add(time.Second)
	rec = do()
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	now = now.Add(2 * time.Second)
	status = http.StatusOK
	rec = do()
	assert.Equal(t, http.StatusOK, rec.Code)

	decision, err := tracker.Check(t.Context(), "user:bob")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	status = http.StatusUnauthorized
	do()
	entry, err := tracker.RecordFailure(t.Context(), "user:bob")
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Failures)
}

func TestBackoff_FailureStatus(t *testing.T) {
	tests := []struct {
		name     string
		options  []MiddlewareOption
		status   int
		failures int
		found    bool
	}{
		{"default failure", nil, http.StatusUnauthorized, 2, true},
		{"forbidden is not a default failure", nil, http.StatusForbidden, 1, true},
		{"server error leaves entry", nil, http.StatusInternalServerError, 1, true},
		{"redirect leaves entry", nil, http.StatusFound, 1, true},
		{"success resets", nil, http.StatusNoContent, 0, false},
		{
			"custom failure",
			[]MiddlewareOption{WithFailureStatus(http.StatusForbidden, http.StatusUnprocessableEntity)},
			http.StatusUnprocessableEntity,
			2,
			true,
		},
		{
			"401 outside custom set",
			[]MiddlewareOption{WithFailureStatus(http.StatusForbidden)},
			http.StatusUnauthorized,
			1,
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
			store := backoff.NewMemoryStore()
			tracker := backoff.NewTracker(
				store,
				backoff.WithClock(func() time.Time { return now }),
				backoff.WithRegisterer(prometheus.NewRegistry()),
			)

			_, err := tracker.RecordFailure(t.Context(), "user:bob")
			require.NoError(t, err)
			now = now.Add(time.Minute)

			handler := Backoff(
				tracker,
				func(*http.Request) string { return "user:bob" },
				tt.options...,
			)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest("POST", "/login", nil))
			assert.Equal(t, tt.status, rec.Code)

			entry, found, err := store.Get(t.Context(), "user:bob")
			require.NoError(t, err)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.failures, entry.Failures)
		})
	}
}

func TestRateLimit_MiddlewareClock(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	limiter := ratelimit.NewLimiter(
		ratelimit.NewMemoryStore(),
		ratelimit.WithClock(func() time.Time { return now }),
		ratelimit.WithRegisterer(prometheus.NewRegistry()),
	)

	handler := RateLimit(
		limiter,
		ratelimit.AuthSignup,
		ClientIP,
		WithMiddlewareClock(func() time.Time { return now.Add(30 * time.Minute) }),
	)(okHandler())

	var rec *httptest.ResponseRecorder
	for range 4 {
		req := httptest.NewRequest("POST", "/signup", nil)
		req.RemoteAddr = "198.51.100.4:1234"
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1800", rec.Header().Get("Retry-After"))
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, RetryAfterSeconds(0))
	assert.Equal(t, 1, RetryAfterSeconds(-time.Second))
	assert.Equal(t, 1, RetryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, 2, RetryAfterSeconds(1001*time.Millisecond))
	assert.Equal(t, 900, RetryAfterSeconds(15*time.Minute))
}
