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

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}

		entry := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}

	return entries
}

func TestLogger_NamedInheritsOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithName("throttled"))

	logger.Named("ratelimit").Info("window opened", String("key", "AUTH_LOGIN:1.2.3.4"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "throttled.ratelimit", entries[0]["name"])
	assert.Equal(t, "window opened", entries[0]["msg"])
	assert.Equal(t, "AUTH_LOGIN:1.2.3.4", entries[0]["key"])
}

func TestLogger_WithKeepsExistingAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(
		WithOutput(&buf),
		WithAttributes(String("version", "1.0.0")),
	)

	logger.With(Int("shard", 3)).Warn("sweep slow")
	logger.Info("untouched")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "1.0.0", entries[0]["version"])
	assert.EqualValues(t, 3, entries[0]["shard"])
	assert.Equal(t, "WARN", entries[0]["level"])
	assert.NotContains(t, entries[1], "shard")
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithLevel(LevelWarn))

	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Error("kept")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0]["msg"])
}

func TestLogger_TraceIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf))

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger.InfoCtx(ctx, "with span")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, span.SpanContext().TraceID().String(), entries[0]["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), entries[0]["span_id"])
}

func TestLogger_PrettyFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(
		WithOutput(&buf),
		WithFormat(FormatPretty),
		WithName("backoff"),
	)

	logger.Error("cannot sweep", String("error", "boom"))

	out := buf.String()
	assert.Contains(t, out, "cannot sweep")
	assert.Contains(t, out, "backoff")
	assert.Contains(t, out, "boom")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf))

	n, err := logger.NewWriter(LevelInfo).Write([]byte("http: TLS handshake error\n"))
	require.NoError(t, err)
	assert.Equal(t, len("http: TLS handshake error\n"), n)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "http: TLS handshake error", entries[0]["msg"])
	assert.Equal(t, "INFO", entries[0]["level"])
}

func TestAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf))

	logger.Info(
		"window opened",
		Any("tags", []string{"login"}),
		Bool("allowed", true),
		Duration("window", 1500*time.Millisecond),
		Float64("ratio", 0.5),
		Int("remaining", 4),
		Int64("window_ms", 900000),
		String("key", "login:1.2.3.4"),
		Time("reset_at", time.Date(2025, 3, 1, 12, 15, 0, 0, time.UTC)),
		Uint64("count", 1),
		Error(errors.New("store unavailable")),
	)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, []any{"login"}, entry["tags"])
	assert.Equal(t, true, entry["allowed"])
	assert.EqualValues(t, 1500*time.Millisecond, entry["window"])
	assert.EqualValues(t, 0.5, entry["ratio"])
	assert.EqualValues(t, 4, entry["remaining"])
	assert.EqualValues(t, 900000, entry["window_ms"])
	assert.Equal(t, "login:1.2.3.4", entry["key"])
	assert.Equal(t, "2025-03-01T12:15:00Z", entry["reset_at"])
	assert.EqualValues(t, 1, entry["count"])
	assert.Equal(t, "store unavailable", entry["error"])
}
