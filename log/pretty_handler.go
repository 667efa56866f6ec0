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
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type (
	// PrettyHandler is a slog.Handler writing one colored line per
	// record, meant for local development.
	PrettyHandler struct {
		name   string
		groups []string
		attrs  []slog.Attr

		opts slog.HandlerOptions

		mu  *sync.Mutex
		out io.Writer
	}
)

var (
	_ slog.Handler = (*PrettyHandler)(nil)

	LevelTags = map[slog.Level]string{
		slog.LevelDebug: color.New(color.FgWhite, color.Bold).Sprint("DEBUG"),
		slog.LevelInfo:  color.New(color.FgBlue, color.Bold).Sprint("INFO"),
		slog.LevelWarn:  color.New(color.FgYellow, color.Bold).Sprint("WARN"),
		slog.LevelError: color.New(color.FgRed, color.Bold).Sprint("ERROR"),
	}

	faint     = color.New(color.Faint)
	faintBold = color.New(color.Faint, color.Bold)
	message   = color.New(color.FgHiWhite)
	white     = color.New(color.FgWhite)
	red       = color.New(color.FgRed)

	bufPool = sync.Pool{
		New: func() any { return new(bytes.Buffer) },
	}
)

// NewPrettyHandler creates a new PrettyHandler. A nil opts enables
// the info level.
func NewPrettyHandler(out io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{out: out, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}

	return h
}

func (h *PrettyHandler) clone() *PrettyHandler {
	return &PrettyHandler{
		name:   h.name,
		groups: append([]string(nil), h.groups...),
		attrs:  append([]slog.Attr(nil), h.attrs...),
		opts:   h.opts,
		mu:     h.mu,
		out:    h.out,
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}

	return level >= minLevel
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	bf := bufPool.Get().(*bytes.Buffer)
	bf.Reset()
	defer bufPool.Put(bf)

	bf.WriteString(faint.Sprint(r.Time.Format(time.RFC3339)))
	bf.WriteByte(' ')

	tag, ok := LevelTags[r.Level]
	if !ok {
		tag = r.Level.String()
	}
	bf.WriteString(tag)
	bf.WriteByte(' ')

	name := h.name
	attrs := h.attrs
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "name" {
			name = a.Value.String()
			return true
		}
		attrs = append(attrs, a)
		return true
	})

	if name != "" {
		bf.WriteString(faintBold.Sprint(name))
		bf.WriteByte(' ')
	}

	bf.WriteString(message.Sprint(r.Message))

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	for _, a := range attrs {
		bf.WriteByte(' ')

		key := prefix + a.Key
		if strings.Contains(a.Key, "err") {
			bf.WriteString(red.Sprintf("%s=", key))
		} else {
			bf.WriteString(faint.Sprintf("%s=", key))
		}
		bf.WriteString(white.Sprint(a.Value.String()))
	}

	bf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.out.Write(bf.Bytes())
	return err
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	h2 := h.clone()
	h2.groups = append(h2.groups, name)
	return h2
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := h.clone()
	for _, a := range attrs {
		if a.Key == "name" {
			h2.name = a.Value.String()
			continue
		}
		h2.attrs = append(h2.attrs, a)
	}
	return h2
}
