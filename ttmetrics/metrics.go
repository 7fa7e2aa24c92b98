// Copyright 2026 the ttrouter authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ttmetrics defines the Prometheus metrics exported by the TT
// scheduler data plane.
package ttmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter, gauge and histogram the scheduler exports.
type Metrics struct {
	MissesTotal      *prometheus.CounterVec
	CollisionsTotal  *prometheus.CounterVec
	SentTotal        *prometheus.CounterVec
	StaleDropsTotal  *prometheus.CounterVec
	SendDriftSeconds *prometheus.HistogramVec
	MacroPeriod      *prometheus.GaugeVec
	TableCapacity    *prometheus.GaugeVec
	TableCount       *prometheus.GaugeVec
}

// NewMetrics builds and registers the scheduler's metrics with the default
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		MissesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_tt_misses_total",
				Help: "Total number of timer deadlines missed (frame dropped).",
			},
			[]string{"port"},
		),
		CollisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_tt_collisions_total",
				Help: "Total number of instant collisions detected at dispatch.",
			},
			[]string{"port"},
		),
		SentTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_tt_sent_total",
				Help: "Total number of TT frames emitted by the timer loop.",
			},
			[]string{"port"},
		),
		StaleDropsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_tt_stale_drops_total",
				Help: "Total number of staged frames dropped for being older than one macro period.",
			},
			[]string{"port"},
		),
		SendDriftSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_tt_send_drift_seconds",
				Help:    "Difference between the intended and actual send instant.",
				Buckets: prometheus.ExponentialBuckets(1e-7, 4, 10),
			},
			[]string{"port"},
		),
		MacroPeriod: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_tt_macro_period_seconds",
				Help: "Current macro period installed on the port's send schedule.",
			},
			[]string{"port"},
		),
		TableCapacity: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_tt_table_capacity",
				Help: "Current slot capacity of a port's flow table.",
			},
			[]string{"port", "direction"},
		),
		TableCount: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_tt_table_count",
				Help: "Current number of live entries in a port's flow table.",
			},
			[]string{"port", "direction"},
		),
	}
}
