// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the progress of a run to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autohck"

const (
	PhaseSnapshots  = "snapshots"
	PhaseStudio     = "studio_setup"
	PhaseEnrollment = "enrollment"
	PhaseTest       = "test"
	PhasePackage    = "project_package"
)

// Metrics holds the collectors of a run. A nil *Metrics records nothing.
type Metrics struct {
	Attempts      prometheus.Counter
	TestResults   *prometheus.CounterVec
	TestsTotal    prometheus.Gauge
	TestsDone     prometheus.Gauge
	TestsFailed   prometheus.Gauge
	PhaseDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Number of pipeline attempts started",
		}),
		TestResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "test_results_total",
			Help:      "Number of finished tests by status",
		}, []string{"status"}),
		TestsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tests",
			Help:      "Number of tests selected for the current attempt",
		}),
		TestsDone: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tests_done",
			Help:      "Number of tests finished in the current attempt",
		}),
		TestsFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tests_failed",
			Help:      "Number of tests failed in the current attempt",
		}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of the pipeline phases",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}, []string{"phase"}),
	}

	reg.MustRegister(m.Attempts, m.TestResults, m.TestsTotal, m.TestsDone, m.TestsFailed, m.PhaseDuration)

	return m
}

func (m *Metrics) AttemptStarted() {
	if m == nil {
		return
	}
	m.Attempts.Inc()
	m.TestsTotal.Set(0)
	m.TestsDone.Set(0)
	m.TestsFailed.Set(0)
}

// TestFinished records the status of a test and the attempt's counters.
func (m *Metrics) TestFinished(status string, done, total, failed int) {
	if m == nil {
		return
	}
	m.TestResults.WithLabelValues(status).Inc()
	m.TestsTotal.Set(float64(total))
	m.TestsDone.Set(float64(done))
	m.TestsFailed.Set(float64(failed))
}

func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// NewServer returns an HTTP server exposing the metrics gathered by g on
// /metrics.
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	return &http.Server{ //nolint:exhaustruct
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
