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

// Package middleware holds the runtime's built-in before/after hooks:
// tracing, metrics, memory sampling, and route-aware CORS.
package middleware

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/microscaler/brrtrouter/internal/workerpool"
)

// Tracing opens one span per dispatched request and closes it in After,
// setting the HTTP status code and an error status for 4xx/5xx responses.
type Tracing struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]spanEntry // request id -> in-flight span
}

type spanEntry struct {
	ctx  context.Context
	span trace.Span
}

// NewTracing builds a Tracing middleware using the given tracer. Pass
// otel.Tracer("brrtrouter") for the global provider, or a provider-specific
// tracer when the caller manages its own TracerProvider.
func NewTracing(tracer trace.Tracer) *Tracing {
	return &Tracing{tracer: tracer, spans: make(map[string]spanEntry)}
}

func (t *Tracing) Name() string { return "tracing" }

func (t *Tracing) Before(req *workerpool.HandlerRequest) *workerpool.HandlerResponse {
	ctx, span := t.tracer.Start(context.Background(), req.Method+" "+req.Path,
		trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.route", req.Path),
		attribute.String("brrtrouter.handler", req.HandlerName),
		attribute.String("brrtrouter.request_id", req.RequestID),
	)

	t.mu.Lock()
	t.spans[req.RequestID] = spanEntry{ctx: ctx, span: span}
	t.mu.Unlock()

	return nil
}

func (t *Tracing) After(req *workerpool.HandlerRequest, resp *workerpool.HandlerResponse, _ time.Duration) {
	t.mu.Lock()
	entry, ok := t.spans[req.RequestID]
	delete(t.spans, req.RequestID)
	t.mu.Unlock()
	if !ok {
		return
	}

	status := 0
	if resp != nil {
		status = resp.Status
	}
	entry.span.SetAttributes(attribute.Int("http.status_code", status))
	if status >= 400 {
		entry.span.SetStatus(codes.Error, "")
	} else {
		entry.span.SetStatus(codes.Ok, "")
	}
	entry.span.End()
}
