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
	// Option is a function that configures the Tracker during
	// initialization.
	Option func(t *Tracker)

	// Tracker counts consecutive failures per key and refuses new
	// attempts until an exponentially growing delay has elapsed.
	Tracker struct {
		store  Store
		policy Policy
		logger *log.Logger
		tracer trace.Tracer
		now    func() time.Time

		registerer      prometheus.Registerer
		cleanupInterval time.Duration
		cleanupOnce     sync.Once

		checksTotal     *prometheus.CounterVec
		failuresTotal   prometheus.Counter
		errorsTotal     *prometheus.CounterVec
		sweptTotal      prometheus.Counter
		sweepsFailTotal prometheus.Counter
	}

	// Policy bounds the delay sequence. The n-th consecutive failure
	// waits BaseDelay * 2^(n-1), never more than MaxDelay.
	Policy struct {
		BaseDelay time.Duration
		MaxDelay  time.Duration
	}

	// Entry is the stored state of one key.
	Entry struct {
		Failures    int
		NextRetryAt time.Time
	}

	// Decision is the outcome of a backoff check.
	Decision struct {
		Allowed    bool
		RetryAfter time.Duration
	}
)

const (
	tracerName = "go.gearno.de/throttle/backoff"
)

var (
	DefaultPolicy = Policy{
		BaseDelay: time.Second,
		MaxDelay:  time.Hour,
	}
)

// WithLogger sets a custom logger for the tracker.
func WithLogger(l *log.Logger) Option {
	return func(t *Tracker) {
		t.logger = l.Named("backoff")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(t *Tracker) {
		t.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.Version),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(t *Tracker) {
		t.registerer = r
	}
}

// WithPolicy replaces DefaultPolicy for RecordFailure.
func WithPolicy(p Policy) Option {
	return func(t *Tracker) {
		t.policy = p
	}
}

// WithCleanupInterval sets the interval of the background sweep
// started by StartCleanup. Default is 1 minute.
func WithCleanupInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.cleanupInterval = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a backoff tracker keeping its entries in store.
func NewTracker(store Store, options ...Option) *Tracker {
	t := &Tracker{
		store:           store,
		policy:          DefaultPolicy,
		logger:          log.NewLogger(log.WithOutput(io.Discard)),
		tracer:          otel.GetTracerProvider().Tracer(tracerName),
		now:             time.Now,
		registerer:      prometheus.DefaultRegisterer,
		cleanupInterval: time.Minute,
	}

	for _, o := range options {
		o(t)
	}

	t.registerMetrics(t.registerer)

	return t
}

func (t *Tracker) registerMetrics(r prometheus.Registerer) {
	t.checksTotal = promutil.Register(
		r,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "backoff",
				Name:      "checks_total",
				Help:      "Total number of backoff checks.",
			},
			[]string{"allowed"},
		),
	)

	t.failuresTotal = promutil.Register(
		r,
		prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: "backoff",
				Name:      "failures_total",
				Help:      "Total number of recorded failures.",
			},
		),
	)

	t.errorsTotal = promutil.Register(
		r,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "backoff",
				Name:      "store_errors_total",
				Help:      "Total number of backoff store failures.",
			},
			[]string{"operation"},
		),
	)

	t.sweptTotal = promutil.Register(
		r,
		prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: "backoff",
				Name:      "sweep_deleted_total",
				Help:      "Total number of entries removed by the sweep.",
			},
		),
	)

	t.sweepsFailTotal = promutil.Register(
		r,
		prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: "backoff",
				Name:      "sweep_failures_total",
				Help:      "Total number of failed sweeps.",
			},
		),
	)
}

// Check reports whether key may attempt again. It never modifies
// the entry: once the delay has elapsed every call is allowed until
// the next recorded failure, and the failure count keeps growing
// from where it was until Reset is called.
func (t *Tracker) Check(ctx context.Context, key string) (*Decision, error) {
	var (
		now      = t.now()
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = t.tracer.Start(
			ctx,
			"backoff.Check",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(otelutils.String("backoff.key", key)),
		)
		defer span.End()
	}

	entry, found, err := t.store.Get(ctx, key)
	if err != nil {
		err = fmt.Errorf("cannot check backoff: %w", err)
		t.errorsTotal.WithLabelValues("check").Inc()

		if rootSpan.IsRecording() {
			otelutils.RecordError(span, err)
		}

		return nil, err
	}

	decision := &Decision{Allowed: true}
	if found && now.Before(entry.NextRetryAt) {
		decision.Allowed = false
		decision.RetryAfter = entry.NextRetryAt.Sub(now)
	}

	if rootSpan.IsRecording() {
		span.SetAttributes(
			attribute.Bool("backoff.allowed", decision.Allowed),
			attribute.Int64("backoff.retry_after_ms", decision.RetryAfter.Milliseconds()),
		)
	}

	if decision.Allowed {
		t.checksTotal.WithLabelValues("true").Inc()
	} else {
		t.checksTotal.WithLabelValues("false").Inc()
	}

	return decision, nil
}

// RecordFailure counts one more failure for key under the tracker
// policy and returns the updated entry.
func (t *Tracker) RecordFailure(ctx context.Context, key string) (*Entry, error) {
	return t.RecordFailureWithPolicy(ctx, key, t.policy)
}

// RecordFailureWithPolicy is RecordFailure with p in place of the
// tracker policy. The next retry time is computed from the updated
// failure count.
func (t *Tracker) RecordFailureWithPolicy(ctx context.Context, key string, p Policy) (*Entry, error) {
	var (
		now      = t.now().Truncate(time.Millisecond)
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = t.tracer.Start(
			ctx,
			"backoff.RecordFailure",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				otelutils.String("backoff.key", key),
				attribute.Int64("backoff.base_delay_ms", p.BaseDelay.Milliseconds()),
				attribute.Int64("backoff.max_delay_ms", p.MaxDelay.Milliseconds()),
			),
		)
		defer span.End()
	}

	var next Entry
	err := t.store.Update(
		ctx,
		key,
		func(current Entry, _ bool) Entry {
			next = Entry{
				Failures:    current.Failures + 1,
				NextRetryAt: now.Add(Delay(current.Failures+1, p)),
			}
			return next
		},
	)
	if err != nil {
		err = fmt.Errorf("cannot record failure: %w", err)
		t.errorsTotal.WithLabelValues("record_failure").Inc()

		if rootSpan.IsRecording() {
			otelutils.RecordError(span, err)
		}

		return nil, err
	}

	if rootSpan.IsRecording() {
		span.SetAttributes(attribute.Int("backoff.failures", next.Failures))
	}

	t.failuresTotal.Inc()

	t.logger.DebugCtx(
		ctx,
		"failure recorded",
		log.String("key", key),
		log.Int("failures", next.Failures),
		log.Time("next_retry_at", next.NextRetryAt),
	)

	return &next, nil
}

// Reset forgets every failure of key, typically after a successful
// attempt.
func (t *Tracker) Reset(ctx context.Context, key string) error {
	if err := t.store.Delete(ctx, key); err != nil {
		t.errorsTotal.WithLabelValues("reset").Inc()
		return fmt.Errorf("cannot reset backoff: %w", err)
	}

	return nil
}

// Delay returns the wait imposed after the given number of
// consecutive failures. It is zero for failures < 1. A MaxDelay of
// zero leaves the delay uncapped up to the largest time.Duration.
func Delay(failures int, p Policy) time.Duration {
	if failures < 1 || p.BaseDelay <= 0 {
		return 0
	}

	shift := uint(failures - 1)
	limit := p.MaxDelay
	if limit <= 0 {
		limit = time.Duration(1<<63 - 1)
	}

	if shift >= 63 || p.BaseDelay > limit>>shift {
		return limit
	}

	return p.BaseDelay << shift
}
