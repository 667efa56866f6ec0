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
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracerProvider() (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(recorder),
	)

	return tp, recorder
}

func TestServer_BasicOperation(t *testing.T) {
	tp, recorder := newRecordingTracerProvider()

	router := chi.NewRouter()
	router.Get("/profiles/{username}", func(w http.ResponseWriter, r *http.Request) {
		RenderJSON(w, http.StatusOK, map[string]string{"username": chi.URLParam(r, "username")})
	})

	var logBuf bytes.Buffer
	registry := prometheus.NewRegistry()

	server := NewServer(
		":0",
		router,
		WithLogger(log.NewLogger(log.WithOutput(&logBuf))),
		WithRegisterer(registry),
		WithTracerProvider(tp),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	req, err := http.NewRequest("GET", ts.URL+"/profiles/alice", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set("X-Forwarded-For", "203.0.113.7")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("x-request-id"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "alice", body["username"])

	logOutput := logBuf.String()
	assert.Contains(t, logOutput, "GET /profiles/alice 200")
	assert.Contains(t, logOutput, "test-agent")
	assert.Contains(t, logOutput, "203.0.113.7")

	assert.Equal(
		t,
		1.0,
		testutil.ToFloat64(server.Handler.(*handlerWrapper).requestsTotal.WithLabelValues("GET", "200", "/profiles/{username}")),
	)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /profiles/alice", spans[0].Name())
}

func TestServer_PanicHandling(t *testing.T) {
	var logBuf bytes.Buffer

	server := NewServer(
		":0",
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("test panic")
		}),
		WithLogger(log.NewLogger(log.WithOutput(&logBuf))),
		WithRegisterer(prometheus.NewRegistry()),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	for range 2 {
		resp, err := http.Get(ts.URL + "/panic")
		require.NoError(t, err)

		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		assert.Equal(t, "internal_server_error", body["error"])
	}

	logOutput := logBuf.String()
	assert.Contains(t, logOutput, "/panic")
	assert.Contains(t, logOutput, "500")
	assert.Contains(t, logOutput, "test panic")
	assert.Contains(t, logOutput, "stacktrace")
}

func TestServer_Propagation(t *testing.T) {
	tp, recorder := newRecordingTracerProvider()

	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(previous)

	var requestHeaders http.Header
	server := NewServer(
		":0",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestHeaders = r.Header.Clone()
			w.WriteHeader(http.StatusOK)
		}),
		WithRegisterer(prometheus.NewRegistry()),
		WithTracerProvider(tp),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	req, err := http.NewRequest("GET", ts.URL+"/test", nil)
	require.NoError(t, err)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-0102030405060708-01")
	req.Header.Set("x-request-id", "req-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-1", resp.Header.Get("x-request-id"))
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-0102030405060708-01", requestHeaders.Get("traceparent"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
}

func TestServer_Logging(t *testing.T) {
	var logBuf bytes.Buffer

	server := NewServer(
		":0",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/error" {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			RenderText(w, http.StatusOK, "ok")
		}),
		WithLogger(log.NewLogger(log.WithOutput(&logBuf))),
		WithRegisterer(prometheus.NewRegistry()),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	for _, path := range []string{"/test", "/error"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	logOutput := logBuf.String()
	assert.Contains(t, logOutput, "GET /test 200 2B")
	assert.Contains(t, logOutput, "GET /error 500")
	assert.Contains(t, logOutput, `"level":"ERROR"`)
}

func TestServer_Health(t *testing.T) {
	var logBuf bytes.Buffer

	server := NewServer(
		":0",
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Error("handler should not be called for health endpoint")
		}),
		WithLogger(log.NewLogger(log.WithOutput(&logBuf))),
		WithRegisterer(prometheus.NewRegistry()),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("content-type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(body))
	assert.NotContains(t, logBuf.String(), "/health")
}

func TestServer_SharedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	assert.NotPanics(t, func() {
		NewServer(":0", h, WithRegisterer(registry))
		NewServer(":1", h, WithRegisterer(registry))
	})
}

func TestHumanizeBytes(t *testing.T) {
	assert.Equal(t, "999B", humanizeBytes(999))
	assert.Equal(t, "1.5kB", humanizeBytes(1500))
	assert.Equal(t, "2.0MB", humanizeBytes(2_000_000))
	assert.Equal(t, "3.0GB", humanizeBytes(3_000_000_000))
}
