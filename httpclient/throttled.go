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

package httpclient

import (
	"fmt"
	"net/http"
	"time"

	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/ratelimit"
)

type (
	// ThrottledRoundTripper checks a rate limit keyed by the request
	// host before handing the request to next.
	ThrottledRoundTripper struct {
		next    http.RoundTripper
		limiter *ratelimit.Limiter
		preset  ratelimit.Preset
		logger  *log.Logger
	}

	// RateLimitedError is returned instead of a response when the
	// destination host is over its limit.
	RateLimitedError struct {
		Host    string
		Preset  ratelimit.Preset
		ResetAt time.Time
	}
)

var (
	_ http.RoundTripper = (*ThrottledRoundTripper)(nil)
)

func NewThrottledRoundTripper(
	next http.RoundTripper,
	limiter *ratelimit.Limiter,
	preset ratelimit.Preset,
	logger *log.Logger,
) *ThrottledRoundTripper {
	return &ThrottledRoundTripper{
		next:    next,
		limiter: limiter,
		preset:  preset,
		logger:  logger,
	}
}

// RoundTrip sends r unless its host is over the limit. Limiter
// failures are logged and the request is sent anyway.
func (rt *ThrottledRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	result, err := rt.limiter.AllowPreset(ctx, rt.preset, r.URL.Host)
	if err != nil {
		rt.logger.ErrorCtx(
			ctx,
			"cannot check outbound rate limit, sending request",
			log.String("http_request_host", r.URL.Host),
			log.Error(err),
		)

		return rt.next.RoundTrip(r)
	}

	if !result.Allowed {
		if r.Body != nil {
			_ = r.Body.Close()
		}

		return nil, &RateLimitedError{
			Host:    r.URL.Host,
			Preset:  rt.preset,
			ResetAt: result.ResetAt,
		}
	}

	return rt.next.RoundTrip(r)
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf(
		"rate limit %s exceeded for host %q until %s",
		e.Preset,
		e.Host,
		e.ResetAt.UTC().Format(time.RFC3339),
	)
}

// RetryAfter returns how long to wait from now before the host
// accepts requests again.
func (e *RateLimitedError) RetryAfter(now time.Time) time.Duration {
	return max(e.ResetAt.Sub(now), 0)
}
