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
	"time"

	"go.gearno.de/throttle/internal/otelutils"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartCleanup runs Cleanup every cleanup interval until ctx is
// done. Only the first call starts the loop.
func (t *Tracker) StartCleanup(ctx context.Context) {
	t.cleanupOnce.Do(func() {
		go t.runCleanupLoop(ctx)
	})
}

func (t *Tracker) runCleanupLoop(ctx context.Context) {
	t.logger.InfoCtx(ctx, "starting backoff cleanup loop",
		log.Duration("interval", t.cleanupInterval),
	)

	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.InfoCtx(ctx, "stopping backoff cleanup loop")
			return
		case <-ticker.C:
			if _, err := t.Cleanup(ctx); err != nil {
				t.logger.ErrorCtx(ctx, "backoff cleanup failed", log.Error(err))
			}
		}
	}
}

// Cleanup removes the entries the sweep condition selects and returns
// how many were deleted.
func (t *Tracker) Cleanup(ctx context.Context) (int64, error) {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = t.tracer.Start(
			ctx,
			"backoff.Cleanup",
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()
	}

	deleted, err := t.store.Sweep(ctx, t.now())
	if err != nil {
		err = fmt.Errorf("cannot cleanup backoff entries: %w", err)
		t.sweepsFailTotal.Inc()

		if rootSpan.IsRecording() {
			otelutils.RecordError(span, err)
		}

		return 0, err
	}

	if rootSpan.IsRecording() {
		span.SetAttributes(attribute.Int64("backoff.deleted", deleted))
	}

	t.sweptTotal.Add(float64(deleted))

	return deleted, nil
}
