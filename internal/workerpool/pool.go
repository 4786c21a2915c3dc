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

// Package workerpool provides per-handler worker pools: N goroutines sharing
// one bounded request channel, with block-vs-shed backpressure and
// panic-isolated request handling.
package workerpool

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/microscaler/brrtrouter/internal/config"
	"github.com/microscaler/brrtrouter/internal/route"
)

// HandlerRequest is delivered to exactly one worker and destroyed after its
// single reply is sent on Reply.
type HandlerRequest struct {
	RequestID   string
	Method      string
	Path        string
	HandlerName string
	Route       *route.Meta // the matched operation, for security/CORS/validator middleware
	PathParams  map[string]string
	QueryParams map[string][]string
	Headers     map[string][]string
	Cookies     map[string]string
	Body        []byte
	Claims      map[string]any // decoded JWT claims, if authenticated
	Reply       chan *HandlerResponse
}

// NewRequestID returns a sortable-by-creation-time request id (a UUIDv7,
// filling the spec's ULID requirement).
func NewRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// HandlerResponse is the single reply every dispatched HandlerRequest
// eventually receives.
type HandlerResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// ErrorResponse builds a JSON error body matching the shape every error
// path in the runtime uses: {"error","details","request_id"}.
func ErrorResponse(status int, message, details, requestID string) *HandlerResponse {
	body := `{"error":"` + jsonEscape(message) + `","details":"` + jsonEscape(details) + `","request_id":"` + jsonEscape(requestID) + `"}`
	return &HandlerResponse{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(body),
	}
}

func jsonEscape(s string) string {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		switch r {
		case '"':
			out = append(out, '\\', '"')
		case '\\':
			out = append(out, '\\', '\\')
		default:
			out = append(out, string(r)...)
		}
	}
	return string(out)
}

// HandlerFunc processes one request and sends exactly one reply on req.Reply.
type HandlerFunc func(req *HandlerRequest)

// Metrics tracks the conservation invariant:
// dispatched = completed + in_flight + shed.
//
// Dispatched counts every Dispatch call on an open pool, accepted or shed —
// recordAttempt runs before a pool decides whether to enqueue. A call on a
// closed pool returns 503 before recordAttempt and is not counted. QueueDepth
// only tracks requests that were actually accepted onto the channel and not
// yet completed (the in_flight term); a shed attempt never touches it.
type Metrics struct {
	Dispatched atomic.Int64
	Completed  atomic.Int64
	Shed       atomic.Int64
	QueueDepth atomic.Int64
}

func (m *Metrics) recordAttempt() {
	m.Dispatched.Add(1)
}

func (m *Metrics) recordAccepted() {
	m.QueueDepth.Add(1)
}

func (m *Metrics) recordCompletion() {
	m.Completed.Add(1)
	m.QueueDepth.Add(-1)
}

func (m *Metrics) recordShed() {
	m.Shed.Add(1)
}

// Pool is a single handler's worker pool: a bounded channel shared by N
// worker goroutines.
type Pool struct {
	handlerName string
	cfg         config.WorkerPool
	ch          chan *HandlerRequest
	metrics     *Metrics
	log         *slog.Logger
	closed      atomic.Bool
}

// New starts a pool of cfg.Workers goroutines running fn, sharing one
// channel of capacity cfg.QueueBound (the channel buffer enforces the
// queue bound directly). Starting a goroutine cannot fail, so every pool
// runs at least one worker: a Workers value below 1 is raised to 1.
func New(handlerName string, cfg config.WorkerPool, fn HandlerFunc, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		handlerName: handlerName,
		cfg:         cfg,
		ch:          make(chan *HandlerRequest, cfg.QueueBound),
		metrics:     &Metrics{},
		log:         log,
	}

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go p.runWorker(i, fn)
	}
	return p
}

func (p *Pool) runWorker(id int, fn HandlerFunc) {
	for req := range p.ch {
		p.handleOne(id, req, fn)
	}
}

func (p *Pool) handleOne(id int, req *HandlerRequest, fn HandlerFunc) {
	defer p.metrics.recordCompletion()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("handler panicked", "handler", p.handlerName, "worker", id,
				"request_id", req.RequestID, "panic", r)
			req.Reply <- workerpoolPanicResponse(req.RequestID, r)
		}
	}()
	fn(req)
}

func workerpoolPanicResponse(requestID string, panicVal any) *HandlerResponse {
	return ErrorResponse(500, "internal server error", fmtPanic(panicVal), requestID)
}

func fmtPanic(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return "panic: " + toString(v)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "unknown panic value"
}

// Dispatch attempts to enqueue req, applying the pool's backpressure mode.
// Shed mode sheds immediately on a full queue; block mode waits up to the
// configured timeout before shedding. Either mode returns a response on a
// disconnected pool (503) or a shed (429); nil means the request was
// enqueued and the caller should await req.Reply.
func (p *Pool) Dispatch(req *HandlerRequest) *HandlerResponse {
	if p.closed.Load() {
		return ErrorResponse(503, "handler workers are not responding", "pool closed", req.RequestID)
	}

	p.metrics.recordAttempt()

	switch p.cfg.BackpressureMode {
	case config.Shed:
		select {
		case p.ch <- req:
			p.metrics.recordAccepted()
			return nil
		default:
			p.metrics.recordShed()
			return ErrorResponse(429, "request shed", "queue full", req.RequestID)
		}
	default: // Block
		timer := time.NewTimer(time.Duration(p.cfg.BackpressureTimeout) * time.Millisecond)
		defer timer.Stop()
		select {
		case p.ch <- req:
			p.metrics.recordAccepted()
			return nil
		case <-timer.C:
			p.metrics.recordShed()
			return ErrorResponse(429, "request shed", "block timeout exceeded", req.RequestID)
		}
	}
}

// Close drops the pool's sender side of the channel so its workers
// terminate after draining whatever is already queued. Callers replacing a
// pool must close the old one before installing the new one (§4.4).
func (p *Pool) Close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.ch)
	}
}

// Metrics returns the pool's live metrics.
func (p *Pool) Metrics() *Metrics { return p.metrics }

// Config returns the pool's configuration.
func (p *Pool) Config() config.WorkerPool { return p.cfg }
