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

package throttled

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.gearno.de/throttle/backoff"
	"go.gearno.de/throttle/httpserver"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/ratelimit"
)

type (
	api struct {
		limiter     *ratelimit.Limiter
		tracker     *backoff.Tracker
		logger      *log.Logger
		selfLimiter *ratelimit.Limiter
		now         func() time.Time
	}

	// RouterOption configures the router returned by NewRouter.
	RouterOption func(a *api)

	presetResponse struct {
		Name     ratelimit.Preset `json:"name"`
		Limit    int              `json:"limit"`
		WindowMs int64            `json:"window_ms"`
	}

	checkRequest struct {
		Key      string `json:"key"`
		Limit    *int   `json:"limit"`
		WindowMs int64  `json:"window_ms"`

		Preset  string `json:"preset"`
		Subject string `json:"subject"`
	}

	rateLimitResponse struct {
		Key          string    `json:"key"`
		Allowed      bool      `json:"allowed"`
		Limit        int       `json:"limit"`
		Remaining    int       `json:"remaining"`
		ResetAt      time.Time `json:"reset_at"`
		RetryAfterMs int64     `json:"retry_after_ms"`
	}

	backoffResponse struct {
		Key          string `json:"key"`
		Allowed      bool   `json:"allowed"`
		RetryAfterMs int64  `json:"retry_after_ms"`
	}

	failureRequest struct {
		BaseDelayMs int64 `json:"base_delay_ms"`
		MaxDelayMs  int64 `json:"max_delay_ms"`
	}

	failureResponse struct {
		Key          string    `json:"key"`
		Failures     int       `json:"failures"`
		NextRetryAt  time.Time `json:"next_retry_at"`
		RetryAfterMs int64     `json:"retry_after_ms"`
	}
)

var (
	errStoreUnavailable = errors.New("store unavailable")
)

// WithSelfLimit applies the API_GENERAL preset per client address to
// every route, counted by l. l must keep its windows in a store of its
// own, out of reach of the reset route.
func WithSelfLimit(l *ratelimit.Limiter) RouterOption {
	return func(a *api) {
		a.selfLimiter = l
	}
}

// WithRouterClock replaces time.Now when computing retry delays. It
// should be the clock of the limiter and the tracker.
func WithRouterClock(now func() time.Time) RouterOption {
	return func(a *api) {
		a.now = now
	}
}

// NewRouter returns the HTTP API of the service.
func NewRouter(
	limiter *ratelimit.Limiter,
	tracker *backoff.Tracker,
	logger *log.Logger,
	options ...RouterOption,
) http.Handler {
	a := &api{
		limiter: limiter,
		tracker: tracker,
		logger:  logger,
		now:     time.Now,
	}

	for _, o := range options {
		o(a)
	}

	router := chi.NewRouter()

	if a.selfLimiter != nil {
		router.Use(
			httpserver.RateLimit(
				a.selfLimiter,
				ratelimit.API,
				httpserver.ClientIP,
				httpserver.WithMiddlewareLogger(logger),
				httpserver.WithMiddlewareClock(a.now),
			),
		)
	}

	router.Route("/v1", func(r chi.Router) {
		r.Get("/presets", a.listPresets)

		r.Post("/ratelimit/check", a.checkRateLimit)
		r.Get("/ratelimit/status", a.rateLimitStatus)
		r.Delete("/ratelimit/{key}", a.resetRateLimit)

		r.Get("/backoff/{key}", a.checkBackoff)
		r.Post("/backoff/{key}/failures", a.recordFailure)
		r.Delete("/backoff/{key}", a.resetBackoff)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpserver.RenderError(w, http.StatusNotFound, errors.New("route not found"))
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpserver.RenderError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	return router
}

func (a *api) listPresets(w http.ResponseWriter, r *http.Request) {
	names := ratelimit.PresetNames()
	presets := make([]presetResponse, 0, len(names))

	for _, name := range names {
		rate := ratelimit.Presets[name]
		presets = append(
			presets,
			presetResponse{
				Name:     name,
				Limit:    rate.Limit,
				WindowMs: rate.Window.Milliseconds(),
			},
		)
	}

	httpserver.RenderJSON(w, http.StatusOK, presets)
}

func (a *api) checkRateLimit(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := httpserver.DecodeJSON(r, &req); err != nil {
		httpserver.RenderError(w, http.StatusBadRequest, err)
		return
	}

	var (
		key    string
		result *ratelimit.Result
		err    error
	)

	switch {
	case req.Preset != "" && req.Key == "":
		preset, perr := ratelimit.ParsePreset(req.Preset)
		if perr != nil {
			httpserver.RenderError(w, http.StatusBadRequest, perr)
			return
		}

		if req.Subject == "" {
			httpserver.RenderError(w, http.StatusBadRequest, errors.New("subject is required with preset"))
			return
		}

		key = preset.Key(req.Subject)
		result, err = a.limiter.AllowPreset(r.Context(), preset, req.Subject)

	case req.Key != "" && req.Preset == "":
		rate, rerr := parseRate(req.Limit, req.WindowMs)
		if rerr != nil {
			httpserver.RenderError(w, http.StatusBadRequest, rerr)
			return
		}

		key = req.Key
		result, err = a.limiter.Allow(r.Context(), req.Key, rate)

	default:
		httpserver.RenderError(w, http.StatusBadRequest, errors.New("either key or preset is required"))
		return
	}

	if err != nil {
		a.renderStoreError(w, r, err)
		return
	}

	a.renderRateLimit(w, key, result)
}

func (a *api) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	key := q.Get("key")
	if key == "" {
		httpserver.RenderError(w, http.StatusBadRequest, errors.New("key is required"))
		return
	}

	var limit *int
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			httpserver.RenderError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %w", err))
			return
		}
		limit = &n
	}

	windowMs, err := strconv.ParseInt(q.Get("window_ms"), 10, 64)
	if err != nil {
		httpserver.RenderError(w, http.StatusBadRequest, fmt.Errorf("invalid window_ms: %w", err))
		return
	}

	rate, err := parseRate(limit, windowMs)
	if err != nil {
		httpserver.RenderError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.limiter.Status(r.Context(), key, rate)
	if err != nil {
		a.renderStoreError(w, r, err)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, newRateLimitResponse(key, result, a.now()))
}

func (a *api) resetRateLimit(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		httpserver.RenderError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.limiter.Reset(r.Context(), key); err != nil {
		a.renderStoreError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *api) checkBackoff(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		httpserver.RenderError(w, http.StatusBadRequest, err)
		return
	}

	decision, err := a.tracker.Check(r.Context(), key)
	if err != nil {
		a.renderStoreError(w, r, err)
		return
	}

	response := backoffResponse{
		Key:          key,
		Allowed:      decision.Allowed,
		RetryAfterMs: decision.RetryAfter.Milliseconds(),
	}

	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(httpserver.RetryAfterSeconds(decision.RetryAfter)))
		httpserver.RenderJSON(w, http.StatusTooManyRequests, response)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, response)
}

func (a *api) recordFailure(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		httpserver.RenderError(w, http.StatusBadRequest, err)
		return
	}

	var req failureRequest
	if r.ContentLength != 0 {
		if err := httpserver.DecodeJSON(r, &req); err != nil {
			httpserver.RenderError(w, http.StatusBadRequest, err)
			return
		}
	}

	var entry *backoff.Entry
	if req.BaseDelayMs != 0 || req.MaxDelayMs != 0 {
		if req.BaseDelayMs < 1 || req.MaxDelayMs < req.BaseDelayMs {
			httpserver.RenderError(w, http.StatusBadRequest, errors.New("base_delay_ms must be positive and not above max_delay_ms"))
			return
		}

		maxDelay, derr := millis("max_delay_ms", req.MaxDelayMs)
		if derr != nil {
			httpserver.RenderError(w, http.StatusBadRequest, derr)
			return
		}

		entry, err = a.tracker.RecordFailureWithPolicy(
			r.Context(),
			key,
			backoff.Policy{
				BaseDelay: time.Duration(req.BaseDelayMs) * time.Millisecond,
				MaxDelay:  maxDelay,
			},
		)
	} else {
		entry, err = a.tracker.RecordFailure(r.Context(), key)
	}
	if err != nil {
		a.renderStoreError(w, r, err)
		return
	}

	httpserver.RenderJSON(
		w,
		http.StatusOK,
		failureResponse{
			Key:          key,
			Failures:     entry.Failures,
			NextRetryAt:  entry.NextRetryAt,
			RetryAfterMs: max(entry.NextRetryAt.Sub(a.now()), 0).Milliseconds(),
		},
	)
}

func (a *api) resetBackoff(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		httpserver.RenderError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.tracker.Reset(r.Context(), key); err != nil {
		a.renderStoreError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *api) renderRateLimit(w http.ResponseWriter, key string, result *ratelimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

	response := newRateLimitResponse(key, result, a.now())

	if !result.Allowed {
		h.Set("Retry-After", strconv.Itoa(httpserver.RetryAfterSeconds(time.Duration(response.RetryAfterMs)*time.Millisecond)))
		httpserver.RenderJSON(w, http.StatusTooManyRequests, response)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, response)
}

func (a *api) renderStoreError(w http.ResponseWriter, r *http.Request, err error) {
	a.logger.ErrorCtx(r.Context(), "store operation failed", log.Error(err))
	httpserver.RenderError(w, http.StatusServiceUnavailable, errStoreUnavailable)
}

func newRateLimitResponse(key string, result *ratelimit.Result, now time.Time) rateLimitResponse {
	return rateLimitResponse{
		Key:          key,
		Allowed:      result.Allowed,
		Limit:        result.Limit,
		Remaining:    result.Remaining,
		ResetAt:      result.ResetAt,
		RetryAfterMs: result.RetryAfter(now).Milliseconds(),
	}
}

func parseRate(limit *int, windowMs int64) (ratelimit.Rate, error) {
	if limit == nil {
		return ratelimit.Rate{}, errors.New("limit is required")
	}

	if windowMs < 1 {
		return ratelimit.Rate{}, errors.New("window_ms must be positive")
	}

	window, err := millis("window_ms", windowMs)
	if err != nil {
		return ratelimit.Rate{}, err
	}

	return ratelimit.Rate{Limit: *limit, Window: window}, nil
}

func keyParam(r *http.Request) (string, error) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		return "", fmt.Errorf("invalid key: %w", err)
	}

	if key == "" {
		return "", errors.New("key is required")
	}

	return key, nil
}
