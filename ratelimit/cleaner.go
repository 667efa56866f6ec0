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
	"time"

	"go.gearno.de/throttle/internal/otelutils"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartCleanup starts a background goroutine that periodically removes
// expired windows from the store. The goroutine stops when the
// provided context is cancelled.
//
// This method is safe to call multiple times; only the first call will
// start the cleanup goroutine. The sweep only bounds memory, checks are
// correct without it.
//
// Example:
//
//	limiter.StartCleanup(ctx) // starts background cleanup
//	// ... application runs ...
//	cancel() // stops cleanup when context is cancelled
func (l *Limiter) StartCleanup(ctx context.Context) {
	l.cleanupOnce.Do(func() {
		go l.runCleanupLoop(ctx)
	})
}

func (l *Limiter) runCleanupLoop(ctx context.Context) {
	l.logger.InfoCtx(ctx, "starting rate limit cleanup loop",
		log.Duration("interval", l.cleanupInterval),
	)

	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.InfoCtx(ctx, "stopping rate limit cleanup loop")
			return
		case <-ticker.C:
			if _, err := l.Cleanup(ctx); err != nil {
				l.logger.ErrorCtx(ctx, "rate limit cleanup failed",
					log.Error(err),
				)
			}
		}
	}
}

// Cleanup removes every window whose reset time has passed and
// returns the number of removed windows.
func (l *Limiter) Cleanup(ctx context.Context) (int64, error) {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = l.tracer.Start(
			ctx,
			"ratelimit.Cleanup",
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()
	}

	deleted, err := l.store.Sweep(ctx, l.now())
	if err != nil {
		err = fmt.Errorf("cannot cleanup rate limits: %w", err)
		l.sweepsFailTotal.Inc()

		if rootSpan.IsRecording() {
			otelutils.RecordError(span, err)
		}

		return 0, err
	}

	if rootSpan.IsRecording() {
		span.SetAttributes(attribute.Int64("ratelimit.deleted", deleted))
	}

	l.sweptTotal.Add(float64(deleted))

	l.logger.DebugCtx(ctx, "rate limit cleanup completed",
		log.Int64("deleted", deleted),
	)

	return deleted, nil
}
