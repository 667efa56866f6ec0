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
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.gearno.de/throttle/backoff"
	"go.gearno.de/throttle/clientip"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/ratelimit"
)

type (
	// KeyFunc returns the subject a request is throttled under. An
	// empty subject lets the request through unthrottled.
	KeyFunc func(r *http.Request) string

	MiddlewareOption func(c *middlewareConfig)

	middlewareConfig struct {
		logger        *log.Logger
		now           func() time.Time
		failureStatus map[int]struct{}
	}
)

var (
	errTooManyRequests = errors.New("too many requests, retry later")
)

func WithMiddlewareLogger(l *log.Logger) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.logger = l.Named("http.throttle")
	}
}

func WithMiddlewareClock(now func() time.Time) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.now = now
	}
}

// WithFailureStatus sets the response status codes Backoff counts as a
// failure. Default is 401.
func WithFailureStatus(codes ...int) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.failureStatus = make(map[int]struct{}, len(codes))
		for _, code := range codes {
			c.failureStatus[code] = struct{}{}
		}
	}
}

// ClientIP throttles requests by client address.
func ClientIP(r *http.Request) string {
	return clientip.GetIP(r)
}

func newMiddlewareConfig(options []MiddlewareOption) *middlewareConfig {
	c := &middlewareConfig{
		logger:        log.NewLogger(log.WithOutput(io.Discard)),
		now:           time.Now,
		failureStatus: map[int]struct{}{http.StatusUnauthorized: {}},
	}

	for _, o := range options {
		o(c)
	}

	return c
}

// RateLimit counts every request under preset for the subject
// returned by keyFunc. Allowed and denied responses carry the
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset
// headers; denied requests are answered 429 with Retry-After. When
// the limiter fails the request is let through.
func RateLimit(
	limiter *ratelimit.Limiter,
	preset ratelimit.Preset,
	keyFunc KeyFunc,
	options ...MiddlewareOption,
) func(http.Handler) http.Handler {
	if keyFunc == nil {
		panic("httpserver.RateLimit: keyFunc is required")
	}

	if _, err := preset.Rate(); err != nil {
		panic("httpserver.RateLimit: " + err.Error())
	}

	c := newMiddlewareConfig(options)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			subject := keyFunc(r)
			if subject == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.AllowPreset(ctx, preset, subject)
			if err != nil {
				c.logger.ErrorCtx(
					ctx,
					"cannot check rate limit, letting request through",
					log.String("preset", preset.String()),
					log.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				renderTooManyRequests(w, result.RetryAfter(c.now()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Backoff refuses requests of a subject still cooling down after a
// failure. A response with one of the failure status codes records a
// failure for the subject; a 2xx response resets it. Tracker errors
// let the request through.
func Backoff(
	tracker *backoff.Tracker,
	keyFunc KeyFunc,
	options ...MiddlewareOption,
) func(http.Handler) http.Handler {
	if keyFunc == nil {
		panic("httpserver.Backoff: keyFunc is required")
	}

	c := newMiddlewareConfig(options)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := tracker.Check(ctx, key)
			if err != nil {
				c.logger.ErrorCtx(
					ctx,
					"cannot check backoff, letting request through",
					log.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}

			if !decision.Allowed {
				renderTooManyRequests(w, decision.RetryAfter)
				return
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			switch _, failed := c.failureStatus[status]; {
			case failed:
				if _, err := tracker.RecordFailure(ctx, key); err != nil {
					c.logger.ErrorCtx(ctx, "cannot record failure", log.Error(err))
				}
			case status >= 200 && status < 300:
				if err := tracker.Reset(ctx, key); err != nil {
					c.logger.ErrorCtx(ctx, "cannot reset backoff", log.Error(err))
				}
			}
		})
	}
}

// RetryAfterSeconds rounds d up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}

func renderTooManyRequests(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(retryAfter)))
	RenderError(w, http.StatusTooManyRequests, errTooManyRequests)
}
