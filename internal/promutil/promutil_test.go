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

package promutil

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestRegister_ReusesExisting(t *testing.T) {
	registry := prometheus.NewRegistry()

	newCounter := func() *prometheus.CounterVec {
		return prometheus.NewCounterVec(
			prometheus.CounterOpts{Subsystem: "ratelimit", Name: "checks_total", Help: "h"},
			[]string{"allowed"},
		)
	}

	first := Register(registry, newCounter())
	second := Register(registry, newCounter())

	assert.Same(t, first, second)
}

func TestRegister_PanicsOnConflict(t *testing.T) {
	registry := prometheus.NewRegistry()
	Register(registry, prometheus.NewCounter(prometheus.CounterOpts{Name: "x_total", Help: "h"}))

	assert.Panics(t, func() {
		Register(registry, prometheus.NewGauge(prometheus.GaugeOpts{Name: "x_total", Help: "other"}))
	})
}
