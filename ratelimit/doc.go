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

// Package ratelimit provides a fixed window rate limiter with
// pluggable storage.
//
// # Algorithm
//
// Each key owns a counter and a reset time. The first request of a
// key opens a window ending at now+Window with a count of one. Every
// following request inside the window is allowed and counted until
// the count reaches Limit; from then on requests are rejected, and
// not counted, until the reset time. The first request at or after
// the reset time opens a new window.
//
// Windows are fixed, they do not slide: a client may send Limit
// requests right before a reset and Limit more right after it.
//
// # Stores
//
//   - MemoryStore: process local map, the default. Limits are only
//     enforced per process and are lost on restart.
//   - PGStore: UNLOGGED PostgreSQL table shared by every instance,
//     created by the Migrations source.
//   - RedisStore: one hash per key expiring at the reset time.
//
// # Usage
//
//	limiter := ratelimit.NewLimiter(
//	    ratelimit.NewMemoryStore(),
//	    ratelimit.WithLogger(logger),
//	    ratelimit.WithRegisterer(registry),
//	)
//	limiter.StartCleanup(ctx)
//
//	result, err := limiter.AllowPreset(ctx, ratelimit.AuthLogin, clientip.GetIP(r))
//	if err != nil {
//	    return err
//	}
//
//	if !result.Allowed {
//	    w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(result.RetryAfter(time.Now()).Seconds()))))
//	    w.WriteHeader(http.StatusTooManyRequests)
//	    return
//	}
//
// # Metrics
//
//   - ratelimit_checks_total{preset,allowed}
//   - ratelimit_check_duration_seconds{preset,allowed}
//   - ratelimit_store_errors_total{operation}
//   - ratelimit_sweep_deleted_total
//   - ratelimit_sweep_failures_total
package ratelimit
