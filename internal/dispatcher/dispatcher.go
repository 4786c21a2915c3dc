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

// Package dispatcher maps a handler name to its worker pool, runs the
// ordered middleware chain around dispatch, and correlates each request
// with its single reply.
package dispatcher

import (
	"log/slog"
	"sync"
	"time"

	"github.com/microscaler/brrtrouter/internal/config"
	"github.com/microscaler/brrtrouter/internal/workerpool"
)

// Middleware is the contract every before/after hook must honor (§4.5):
//
//   - Before may observe the request and optionally short-circuit dispatch
//     by returning an early response. All subsequent Befores still run (so
//     metrics middleware still counts), and the first early response wins.
//   - After always runs, even for early responses (with latency 0), and may
//     mutate the response's headers.
type Middleware interface {
	Name() string
	Before(req *workerpool.HandlerRequest) (early *workerpool.HandlerResponse)
	After(req *workerpool.HandlerRequest, resp *workerpool.HandlerResponse, latency time.Duration)
}

// Dispatcher maps handler name to its worker pool and owns the ordered
// middleware chain applied around every dispatch.
type Dispatcher struct {
	mu         sync.RWMutex
	pools      map[string]*workerpool.Pool
	middleware []Middleware
	log        *slog.Logger
}

// New creates an empty Dispatcher.
func New(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{pools: make(map[string]*workerpool.Pool), log: log}
}

// AddMiddleware appends mw to the chain. Insertion order defines both
// Before order and After order (no LIFO-for-after).
func (d *Dispatcher) AddMiddleware(mw Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middleware = append(d.middleware, mw)
}

// RegisterHandler installs a worker pool for handlerName, built from cfg and
// fn. If a pool already exists for this name it is replaced: the old pool's
// sender side is closed (dropping it) before the new one is installed, so
// old workers self-terminate after draining once they next try to receive.
// This is the only entry point that "replaces" — invariant #2 (at most one
// worker pool per handler name) holds because registration and replacement
// share this one code path under the dispatcher's write lock.
func (d *Dispatcher) RegisterHandler(handlerName string, cfg config.WorkerPool, fn workerpool.HandlerFunc) {
	pool := workerpool.New(handlerName, cfg, fn, d.log)

	d.mu.Lock()
	if old, existed := d.pools[handlerName]; existed {
		old.Close()
	}
	d.pools[handlerName] = pool
	d.mu.Unlock()
}

// RemoveHandler closes and drops the pool for handlerName, if any.
func (d *Dispatcher) RemoveHandler(handlerName string) {
	d.mu.Lock()
	old, existed := d.pools[handlerName]
	delete(d.pools, handlerName)
	d.mu.Unlock()
	if existed {
		old.Close()
	}
}

// Dispatch runs the full before/dispatch/after sequence for one request
// against the named handler, per §4.3:
//
//  1. Look up the worker pool; missing is a 404/500-at-HTTP-layer condition.
//  2. Run ordered Before hooks; the first early response short-circuits to
//     step 5 with zero latency.
//  3. Send the HandlerRequest to the pool (backpressure applies).
//  4. Block on the reply channel; a closed channel means the handler
//     crashed (503).
//  5. Run ordered After hooks, then return.
func (d *Dispatcher) Dispatch(req *workerpool.HandlerRequest) *workerpool.HandlerResponse {
	d.mu.RLock()
	pool, ok := d.pools[req.HandlerName]
	mws := append([]Middleware(nil), d.middleware...) // clone under the read lock, per §5 deadlock-avoidance rule
	d.mu.RUnlock()

	if !ok {
		return workerpool.ErrorResponse(500, "internal server error", "no worker pool registered for handler", req.RequestID)
	}

	var early *workerpool.HandlerResponse
	for _, mw := range mws {
		if early == nil {
			if r := mw.Before(req); r != nil {
				early = r
			}
		} else {
			mw.Before(req) // still run so observational middleware (metrics) still counts
		}
	}

	var resp *workerpool.HandlerResponse
	var latency time.Duration

	if early != nil {
		resp = early
	} else {
		start := time.Now()
		if shed := pool.Dispatch(req); shed != nil {
			resp = shed
		} else {
			r, closed := d.awaitReply(req)
			if closed {
				resp = workerpool.ErrorResponse(503, "handler crashed", "reply channel closed", req.RequestID)
			} else {
				resp = r
			}
		}
		latency = time.Since(start)
	}

	for _, mw := range mws {
		mw.After(req, resp, latency)
	}

	return resp
}

// awaitReply blocks on req.Reply. A closed channel without a value is the
// "handler is gone" signal.
func (d *Dispatcher) awaitReply(req *workerpool.HandlerRequest) (*workerpool.HandlerResponse, bool) {
	resp, ok := <-req.Reply
	if !ok {
		return nil, true
	}
	return resp, false
}

// HandlerCount reports how many handler pools are currently registered, for
// observability.
func (d *Dispatcher) HandlerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pools)
}

// PoolMetrics returns the worker-pool metrics for handlerName, if registered.
func (d *Dispatcher) PoolMetrics(handlerName string) (*workerpool.Metrics, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.pools[handlerName]
	if !ok {
		return nil, false
	}
	return p.Metrics(), true
}

// HandlerNames returns a snapshot of registered handler names. It is not
// used by the /metrics endpoint.
func (d *Dispatcher) HandlerNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.pools))
	for name := range d.pools {
		names = append(names, name)
	}
	return names
}
