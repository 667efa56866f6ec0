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

package otelutils

import (
	"context"
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestToValidUTF8(t *testing.T) {
	assert.Equal(t, "CHECK_USERNAME:203.0.113.7", ToValidUTF8("CHECK_USERNAME:203.0.113.7"))

	got := ToValidUTF8(string([]byte{'k', 0xff, 'y'}))
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "k�y", got)
}

func TestSanitizeError(t *testing.T) {
	assert.Nil(t, SanitizeError(nil))

	valid := errors.New("cannot check rate limit")
	assert.Same(t, valid, SanitizeError(valid))

	invalid := errors.New(string([]byte{0xff, 0xfe, 'a'}))
	serr := SanitizeError(invalid)
	require.Error(t, serr)
	assert.True(t, utf8.ValidString(serr.Error()))
	assert.ErrorIs(t, serr, invalid)
}

func TestRecordError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	span.SetAttributes(String("ratelimit.key", string([]byte{0xff})))
	RecordError(span, errors.New(string([]byte{'x', 0xfe})))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.True(t, utf8.ValidString(spans[0].Status().Description))
	for _, kv := range spans[0].Attributes() {
		assert.True(t, utf8.ValidString(kv.Value.AsString()))
	}
}
