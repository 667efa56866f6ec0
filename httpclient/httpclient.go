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

// Package httpclient builds instrumented HTTP clients for calls to
// third party APIs, optionally throttled by a ratelimit.Limiter.
package httpclient

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option defines a function signature for configuring options
	// within the httpclient package.
	Option func(o *Options)

	// Options holds configurable options for http transports used
	// within the package.
	Options struct {
		logger         *log.Logger
		tracerProvider trace.TracerProvider
		registerer     prometheus.Registerer
		tlsConfig      *tls.Config
		limiter        *ratelimit.Limiter
		preset         ratelimit.Preset
	}
)

// WithTLSConfig is an option setter for setting TLS configurations on
// HTTP transports.
func WithTLSConfig(c *tls.Config) Option {
	return func(o *Options) {
		o.tlsConfig = c
	}
}

// WithLogger is an option setter for specifying a logger for HTTP
// telemetry and error logging.
func WithLogger(l *log.Logger) Option {
	return func(o *Options) {
		o.logger = l.Named("http.client")
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.tracerProvider = tp
	}
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *Options) {
		o.registerer = r
	}
}

// WithRateLimiter throttles every request per destination host under
// preset. Requests over the limit fail with *RateLimitedError without
// reaching the network.
func WithRateLimiter(l *ratelimit.Limiter, preset ratelimit.Preset) Option {
	return func(o *Options) {
		o.limiter = l
		o.preset = preset
	}
}

// DefaultTransport returns a new http.Transport with similar default
// values to http.DefaultTransport, but with idle connections and
// keepalives disabled.
func DefaultTransport(options ...Option) http.RoundTripper {
	opts := configureOptions(options)

	transport := createBaseTransport()
	transport.DisableKeepAlives = true
	transport.MaxIdleConnsPerHost = -1
	transport.TLSClientConfig = opts.tlsConfig

	return wrapTransport(transport, opts)
}

// DefaultPooledTransport returns a new http.Transport with similar
// default values to http.DefaultTransport. Only use this for
// transports that will be re-used for the same host(s), it can
// otherwise leak file descriptors over time.
func DefaultPooledTransport(options ...Option) http.RoundTripper {
	opts := configureOptions(options)

	transport := createBaseTransport()
	transport.MaxIdleConnsPerHost = runtime.GOMAXPROCS(0) + 1
	transport.TLSClientConfig = opts.tlsConfig

	return wrapTransport(transport, opts)
}

// DefaultClient returns a new http.Client with a non-shared Transport,
// idle connections disabled, and keepalives disabled.
func DefaultClient(options ...Option) *http.Client {
	return &http.Client{
		Transport: DefaultTransport(options...),
	}
}

// DefaultPooledClient returns a new http.Client with a shared
// Transport. Only use it for clients re-used for the same host(s).
func DefaultPooledClient(options ...Option) *http.Client {
	return &http.Client{
		Transport: DefaultPooledTransport(options...),
	}
}

func wrapTransport(transport http.RoundTripper, opts *Options) http.RoundTripper {
	var rt http.RoundTripper = NewTelemetryRoundTripper(
		transport,
		opts.logger,
		opts.tracerProvider,
		opts.registerer,
	)

	if opts.limiter != nil {
		rt = NewThrottledRoundTripper(rt, opts.limiter, opts.preset, opts.logger)
	}

	return rt
}

func createBaseTransport() *http.Transport {
	dial := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dial.DialContext,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

func configureOptions(options []Option) *Options {
	opts := &Options{
		logger:         log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider: otel.GetTracerProvider(),
		registerer:     prometheus.DefaultRegisterer,
		preset:         ratelimit.ThirdPartyAPI,
	}

	for _, o := range options {
		o(opts)
	}

	return opts
}
