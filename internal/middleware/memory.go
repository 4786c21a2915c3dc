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
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/microscaler/brrtrouter/internal/workerpool"
)

// Memory samples process RSS/VSS on an interval (via runtime.MemStats, the
// portable stand-in for the platform RSS/VSS counters) and tracks per-handler
// invocation counts, exposing the memory samples as Prometheus gauges and
// the invocations as a Prometheus counter.
type Memory struct {
	heapAlloc  prometheus.Gauge
	sysBytes   prometheus.Gauge
	invocation *prometheus.CounterVec

	mu       sync.Mutex
	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemory builds the gauges, registers them on reg, and starts the
// background sampler at the given interval.
func NewMemory(reg prometheus.Registerer, interval time.Duration) *Memory {
	m := &Memory{
		heapAlloc: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brrtrouter_memory_heap_alloc_bytes",
			Help: "Bytes of allocated heap objects (stand-in for RSS).",
		}),
		sysBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brrtrouter_memory_sys_bytes",
			Help: "Total bytes obtained from the OS (stand-in for VSS).",
		}),
		invocation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brrtrouter_handler_invocations_total",
			Help: "Total invocations per handler.",
		}, []string{"handler"}),
		stop: make(chan struct{}),
	}
	reg.MustRegister(m.heapAlloc, m.sysBytes, m.invocation)

	if interval <= 0 {
		interval = 10 * time.Second
	}
	go m.sampleLoop(interval)
	return m
}

func (m *Memory) sampleLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) sample() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	m.heapAlloc.Set(float64(stats.HeapAlloc))
	m.sysBytes.Set(float64(stats.Sys))
}

// Close stops the background sampler.
func (m *Memory) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Before(req *workerpool.HandlerRequest) *workerpool.HandlerResponse {
	m.invocation.WithLabelValues(req.HandlerName).Inc()
	return nil
}

func (m *Memory) After(req *workerpool.HandlerRequest, resp *workerpool.HandlerResponse, latency time.Duration) {
}
