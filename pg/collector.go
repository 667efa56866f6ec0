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

package pg

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

type (
	// collector exports pgxpool statistics at scrape time.
	collector struct {
		pool    *pgxpool.Pool
		metrics []poolMetric
	}

	poolMetric struct {
		desc      *prometheus.Desc
		valueType prometheus.ValueType
		value     func(*pgxpool.Stat) float64
	}
)

var (
	_ prometheus.Collector = (*collector)(nil)
)

func newCollector(pool *pgxpool.Pool, labels prometheus.Labels) *collector {
	metric := func(name, help string, vt prometheus.ValueType, value func(*pgxpool.Stat) float64) poolMetric {
		return poolMetric{
			desc:      prometheus.NewDesc("pgxpool_"+name, help, nil, labels),
			valueType: vt,
			value:     value,
		}
	}

	return &collector{
		pool: pool,
		metrics: []poolMetric{
			metric(
				"acquire_total",
				"Cumulative count of successful acquires from the pool.",
				prometheus.CounterValue,
				func(s *pgxpool.Stat) float64 { return float64(s.AcquireCount()) },
			),
			metric(
				"acquire_duration_seconds",
				"Total duration of all successful acquires from the pool in seconds.",
				prometheus.CounterValue,
				func(s *pgxpool.Stat) float64 { return s.AcquireDuration().Seconds() },
			),
			metric(
				"canceled_acquire_total",
				"Cumulative count of acquires from the pool that were canceled by a context.",
				prometheus.CounterValue,
				func(s *pgxpool.Stat) float64 { return float64(s.CanceledAcquireCount()) },
			),
			metric(
				"empty_acquire_total",
				"Cumulative count of acquires that waited for a connection.",
				prometheus.CounterValue,
				func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) },
			),
			metric(
				"acquired_connections",
				"Number of currently acquired connections in the pool.",
				prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) },
			),
			metric(
				"idle_connections",
				"Number of currently idle connections in the pool.",
				prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) },
			),
			metric(
				"total_connections",
				"Total number of connections currently in the pool.",
				prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) },
			),
			metric(
				"max_connections",
				"Maximum size of the pool.",
				prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) },
			),
		},
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.pool.Stat()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, m.value(stats))
	}
}
