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
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/throttle/internal/otelutils"
	"go.gearno.de/throttle/internal/promutil"
	"go.gearno.de/throttle/internal/version"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Limiter during
	// initialization.
	Option func(l *Limiter)

	// Limiter is a fixed window rate limiter. Each key owns a counter
	// and a reset time; the counter restarts at one once the reset
	// time has been reached.
	Limiter struct {
		store  Store
		logger *log.Logger
		tracer trace.Tracer
		now    func() time.Time

		registerer      prometheus.Registerer
		cleanupInterval time.Duration
		cleanupOnce     sync.Once

		checksTotal     *prometheus.CounterVec
		checkDuration   *prometheus.HistogramVec
		errorsTotal     *prometheus.CounterVec
		sweptTotal      prometheus.Counter
		sweepsFailTotal prometheus.Counter
	}

	// Rate defines the rate limit parameters.
	Rate struct {
		// Limit is the maximum number of requests allowed within the
		// Window duration.
		Limit int

		// Window is the lifetime of one counting window.
		Window time.Duration
	}

	// Result contains the outcome of a rate limit check.
	Result struct {
		// Allowed indicates whether the request is permitted.
		Allowed bool

		// Limit is the maximum number of requests allowed in the window.
		Limit int

		// Remaining is the number of requests remaining in the current
		// window. It is never negative.
		Remaining int

		// ResetAt is the time when the current window resets, with
		// millisecond precision as kept by every store.
		ResetAt time.Time
	}

	// Entry is the stored state of one key.
	Entry struct {
		Count   int
		ResetAt time.Time
	}
)

const (
	tracerName = "go.gearno.de/throttle/ratelimit"

	customPreset = "custom"
)

// WithLogger sets a custom logger for the limiter.
func WithLogger(l *log.Logger) Option {
	return func(lim *Limiter) {
		lim.logger = l.Named("ratelimit")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Limiter) {
		l.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.Version),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.registerer = r
	}
}

// WithCleanupInterval sets the interval of the background sweep
// started by StartCleanup. Default is 1 minute.
func WithCleanupInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.cleanupInterval = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a new rate limiter keeping its windows in store.
func NewLimiter(store Store, options ...Option) *Limiter {
	l := &Limiter{
		store:           store,
		logger:          log.NewLogger(log.WithOutput(io.Discard)),
		tracer:          otel.GetTracerProvider().Tracer(tracerName),
		now:             time.Now,
		registerer:      prometheus.DefaultRegisterer,
		cleanupInterval: time.Minute,
	}

	for _, o := range options {
		o(l)
	}

	l.registerMetrics(l.registerer)

	return l
}

func (l *Limiter) registerMetrics(r prometheus.Registerer) {
	l.checksTotal = promutil.Register(
		r,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "ratelimit",
				Name:      "checks_total",
				Help:      "Total number of rate limit checks.",
			},
			[]string{"preset", "allowed"},
		),
	)

	l.checkDuration = promutil.Register(
		r,
		prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: "ratelimit",
				Name:      "check_duration_seconds",
				Help:      "Duration of rate limit checks in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"preset", "allowed"},
		),
	)

	l.errorsTotal = promutil.Register(
		r,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "ratelimit",
				Name:      "store_errors_total",
				Help:      "Total number of rate limit store failures.",
			},
			[]string{"operation"},
		),
	)

	l.sweptTotal = promutil.Register(
		r,
		prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: "ratelimit",
				Name:      "sweep_deleted_total",
				Help:      "Total number of expired windows removed by the sweep.",
			},
		),
	)

	l.sweepsFailTotal = promutil.Register(
		r,
		prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: "ratelimit",
				Name:      "sweep_failures_total",
				Help:      "Total number of failed sweeps.",
			},
		),
	)
}

// Allow checks whether one more request is allowed for key under
// rate, counting it when it is.
//
// The first request of a key (or the first one at or after the reset
// time of the previous window) opens a new window ending at
// now+rate.Window. Requests are then counted until rate.Limit is
// reached; further requests are rejected without being counted until
// the window resets. The window does not slide: a burst at the end of
// a window followed by a burst at the start of the next one is
// allowed.
//
// A rate with a Limit below one rejects every request.
func (l *Limiter) Allow(ctx context.Context, key string, rate Rate) (*Result, error) {
	return l.allow(ctx, customPreset, key, rate)
}

// AllowPreset checks the preset rate for the preset namespaced
// subject (e.g. the client IP).
func (l *Limiter) AllowPreset(ctx context.Context, preset Preset, subject string) (*Result, error) {
	rate, err := preset.Rate()
	if err != nil {
		return nil, err
	}

	return l.allow(ctx, string(preset), preset.Key(subject), rate)
}

func (l *Limiter) allow(ctx context.Context, preset, key string, rate Rate) (*Result, error) {
	var (
		start    = time.Now()
		now      = l.now().Truncate(time.Millisecond)
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = l.tracer.Start(
			ctx,
			"ratelimit.Allow",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				otelutils.String("ratelimit.key", key),
				attribute.String("ratelimit.preset", preset),
				attribute.Int("ratelimit.limit", rate.Limit),
				attribute.Int64("ratelimit.window_ms", rate.Window.Milliseconds()),
			),
		)
		defer span.End()
	}

	var result *Result

	if rate.Limit < 1 {
		result = &Result{
			Allowed: false,
			Limit:   rate.Limit,
			ResetAt: now.Add(rate.Window),
		}
	} else {
		err := l.store.Update(
			ctx,
			key,
			func(current Entry, found bool) Entry {
				var next Entry
				next, result = advance(current, found, rate, now)
				return next
			},
		)
		if err != nil {
			err = fmt.Errorf("cannot check rate limit: %w", err)
			l.errorsTotal.WithLabelValues("allow").Inc()

			if rootSpan.IsRecording() {
				otelutils.RecordError(span, err)
			}

			return nil, err
		}
	}

	if rootSpan.IsRecording() {
		span.SetAttributes(
			attribute.Bool("ratelimit.allowed", result.Allowed),
			attribute.Int("ratelimit.remaining", result.Remaining),
		)
	}

	if !result.Allowed {
		l.logger.DebugCtx(
			ctx,
			"rate limit exceeded",
			log.String("key", key),
			log.String("preset", preset),
			log.Time("reset_at", result.ResetAt),
		)
	}

	l.recordMetrics(preset, result.Allowed, time.Since(start))

	return result, nil
}

// Status reports the state of key under rate without counting a
// request.
func (l *Limiter) Status(ctx context.Context, key string, rate Rate) (*Result, error) {
	now := l.now().Truncate(time.Millisecond)

	entry, found, err := l.store.Get(ctx, key)
	if err != nil {
		l.errorsTotal.WithLabelValues("status").Inc()
		return nil, fmt.Errorf("cannot load rate limit status: %w", err)
	}

	return status(entry, found, rate, now), nil
}

// Reset drops the current window of key, the next request opens a new
// one.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.store.Delete(ctx, key); err != nil {
		l.errorsTotal.WithLabelValues("reset").Inc()
		return fmt.Errorf("cannot reset rate limit: %w", err)
	}

	l.logger.InfoCtx(ctx, "rate limit reset", log.String("key", key))

	return nil
}

// RetryAfter returns how long to wait, from now, before the next
// request can be allowed. It is zero for allowed results.
func (r *Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed || !now.Before(r.ResetAt) {
		return 0
	}

	return r.ResetAt.Sub(now)
}

// Expired reports whether the window of e is over at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ResetAt)
}

func advance(current Entry, found bool, rate Rate, now time.Time) (Entry, *Result) {
	if !found || current.Expired(now) {
		next := Entry{Count: 1, ResetAt: now.Add(rate.Window)}
		return next, &Result{
			Allowed:   true,
			Limit:     rate.Limit,
			Remaining: rate.Limit - 1,
			ResetAt:   next.ResetAt,
		}
	}

	if current.Count >= rate.Limit {
		return current, &Result{
			Allowed:   false,
			Limit:     rate.Limit,
			Remaining: 0,
			ResetAt:   current.ResetAt,
		}
	}

	current.Count++

	return current, &Result{
		Allowed:   true,
		Limit:     rate.Limit,
		Remaining: rate.Limit - current.Count,
		ResetAt:   current.ResetAt,
	}
}

func status(current Entry, found bool, rate Rate, now time.Time) *Result {
	if rate.Limit < 1 {
		return &Result{Limit: rate.Limit, ResetAt: now.Add(rate.Window)}
	}

	if !found || current.Expired(now) {
		return &Result{
			Allowed:   true,
			Limit:     rate.Limit,
			Remaining: rate.Limit,
			ResetAt:   now.Add(rate.Window),
		}
	}

	remaining := max(rate.Limit-current.Count, 0)

	return &Result{
		Allowed:   remaining > 0,
		Limit:     rate.Limit,
		Remaining: remaining,
		ResetAt:   current.ResetAt,
	}
}

func (l *Limiter) recordMetrics(preset string, allowed bool, duration time.Duration) {
	allowedStr := "true"
	if !allowed {
		allowedStr = "false"
	}

	l.checksTotal.WithLabelValues(preset, allowedStr).Inc()
	l.checkDuration.WithLabelValues(preset, allowedStr).Observe(duration.Seconds())
}
