// Copyright 2025 The Rivaas Authors
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

package middleware

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/microscaler/brrtrouter/internal/workerpool"
)

// Metrics records per-handler request counts and latency histograms on a
// caller-supplied Prometheus registry, so /metrics can expose them alongside
// whatever else the host process registers.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics builds and registers the metric families on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brrtrouter_requests_total",
			Help: "Total requests dispatched, by handler and status code.",
		}, []string{"handler", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "brrtrouter_request_duration_seconds",
			Help:    "Request latency in seconds, by handler.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"handler"}),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

func (m *Metrics) Name() string { return "metrics" }

func (m *Metrics) Before(req *workerpool.HandlerRequest) *workerpool.HandlerResponse {
	return nil
}

func (m *Metrics) After(req *workerpool.HandlerRequest, resp *workerpool.HandlerResponse, latency time.Duration) {
	status := 0
	if resp != nil {
		status = resp.Status
	}
	m.requests.WithLabelValues(req.HandlerName, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(req.HandlerName).Observe(latency.Seconds())
}
