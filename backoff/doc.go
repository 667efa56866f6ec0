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

// Package backoff tracks consecutive failures per key and enforces an
// exponentially growing cooldown between attempts.
//
// The n-th consecutive failure of a key blocks it for
// min(BaseDelay*2^(n-1), MaxDelay), 1s, 2s, 4s, ... up to one hour
// with DefaultPolicy. Unlike ratelimit there is no window: a key
// stays counted until Reset is called, usually after a successful
// attempt.
//
//	decision, err := tracker.Check(ctx, "user:"+username)
//	if err != nil {
//	    return err
//	}
//	if !decision.Allowed {
//	    return tooManyAttempts(decision.RetryAfter)
//	}
//
//	if !passwordMatches {
//	    _, err := tracker.RecordFailure(ctx, "user:"+username)
//	    return err
//	}
//
//	return tracker.Reset(ctx, "user:"+username)
package backoff
