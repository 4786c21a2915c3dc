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

// Package server is the HTTP front-end: it owns the process listener, parses
// every request into a workerpool.HandlerRequest, walks authorization and
// request-schema validation, hands off to the dispatcher, validates the
// response, and writes it back. The router and dispatcher it holds are
// swapped atomically by internal/reload on a spec change.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/microscaler/brrtrouter/internal/dispatcher"
	"github.com/microscaler/brrtrouter/internal/httperr"
	"github.com/microscaler/brrtrouter/internal/route"
	"github.com/microscaler/brrtrouter/internal/router"
	"github.com/microscaler/brrtrouter/internal/security"
	"github.com/microscaler/brrtrouter/internal/validator"
	"github.com/microscaler/brrtrouter/internal/workerpool"
)

// state is the unit swapped atomically by Reload: router, dispatcher,
// security-scheme table, and validator cache always change together so a
// request never sees, say, a router from one spec version paired with a
// validator cache already repopulated for another.
type state struct {
	router     *router.Router
	disp       *dispatcher.Dispatcher
	schemes    map[string]route.SecurityScheme
	validators *validator.Cache
}

// Server is the runtime's HTTP front-end.
type Server struct {
	mu sync.RWMutex
	st *state

	providers map[string]security.Provider
	registry  *prometheus.Registry

	log *slog.Logger
	hs  *http.Server
}

// Config wires a Server's collaborators together at construction time.
type Config struct {
	Router     *router.Router
	Dispatcher *dispatcher.Dispatcher
	Schemes    map[string]route.SecurityScheme
	Providers  map[string]security.Provider
	Validators *validator.Cache
	Registry   *prometheus.Registry
	Log        *slog.Logger
}

// New builds a Server from cfg. Schemes/Providers/Registry may be nil/empty
// when no operation declares a security requirement.
func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		st:        &state{router: cfg.Router, disp: cfg.Dispatcher, schemes: cfg.Schemes, validators: cfg.Validators},
		providers: cfg.Providers,
		registry:  cfg.Registry,
		log:       log,
	}
	return s
}

// Reload atomically swaps the router, dispatcher, security-scheme table, and
// validator cache under the write lock — the hot-reload protocol's entire
// mutation, per §4.4. validators is expected to be a freshly precompiled
// cache for the new route set, never the cache Server was already serving
// from, so there is no window where a still-live router sees schemas
// compiled for a different spec version.
func (s *Server) Reload(rt *router.Router, disp *dispatcher.Dispatcher, schemes map[string]route.SecurityScheme, validators *validator.Cache) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = &state{router: rt, disp: disp, schemes: schemes, validators: validators}
}

func (s *Server) snapshot() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}

// Start listens on addr and serves until ctx is canceled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) Start(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	s.hs = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.log.Info("server starting", "address", addr)
		if err := s.hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("listen: %w", err)
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		s.log.Info("server shutting down", "reason", ctx.Err())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	s.log.Info("server exited")
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := workerpool.NewRequestID()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.Method == http.MethodGet && r.URL.Path == "/metrics":
		s.metricsHandler().ServeHTTP(w, r)
		return
	}

	st := s.snapshot()
	match, ok := st.router.Lookup(r.Method, r.URL.Path)
	if !ok {
		writeError(w, httperr.RouteNotFound(r.Method+" "+r.URL.Path), requestID)
		return
	}

	req, err := s.buildRequest(r, requestID, match)
	if err != nil {
		writeError(w, httperr.ValidationFailure(err.Error()), requestID)
		return
	}

	if !s.authorize(st, match.Route, req) {
		writeError(w, httperr.AuthFailure("missing or invalid credentials"), requestID)
		return
	}

	if err := s.validateRequest(st, match.Route, req); err != nil {
		writeError(w, httperr.ValidationFailure(err.Error()), requestID)
		return
	}

	req.Reply = make(chan *workerpool.HandlerResponse, 1)
	resp := st.disp.Dispatch(req)

	if err := s.validateResponse(st, match.Route, resp); err != nil {
		s.log.Warn("response failed schema validation", "handler", match.HandlerName, "status", resp.Status, "error", err)
	}

	writeResponse(w, resp)
}

func (s *Server) metricsHandler() http.Handler {
	if s.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// buildRequest parses r into a HandlerRequest bound to match, reading the
// body fully (handlers never stream) and extracting cookies/query/headers.
func (s *Server) buildRequest(r *http.Request, requestID string, match router.Match) (*workerpool.HandlerRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	cookies := make(map[string]string)
	for _, c := range r.Cookies() {
		cookies[c.Name] = c.Value
	}

	return &workerpool.HandlerRequest{
		RequestID:   requestID,
		Method:      r.Method,
		Path:        r.URL.Path,
		HandlerName: match.HandlerName,
		Route:       match.Route,
		PathParams:  match.Params,
		QueryParams: map[string][]string(r.URL.Query()),
		Headers:     map[string][]string(r.Header),
		Cookies:     cookies,
		Body:        body,
	}, nil
}

// authorize walks meta.Security's OR-of-ANDs; an empty Security list means
// no auth is required. The first fully-satisfied requirement's combined
// claims are attached to req.Claims for handler consumption.
func (s *Server) authorize(st *state, meta *route.Meta, req *workerpool.HandlerRequest) bool {
	if len(meta.Security) == 0 {
		return true
	}
	for _, reqt := range meta.Security {
		if claims, ok := s.satisfies(st, reqt, req); ok {
			req.Claims = claims
			return true
		}
	}
	return false
}

func (s *Server) satisfies(st *state, reqt route.SecurityRequirement, req *workerpool.HandlerRequest) (map[string]any, bool) {
	combined := map[string]any{}
	for schemeName, scopes := range reqt.Schemes {
		scheme, ok := st.schemes[schemeName]
		if !ok {
			return nil, false
		}
		provider, ok := s.providers[schemeName]
		if !ok {
			return nil, false
		}
		if !provider.Validate(scheme, scopes, req) {
			return nil, false
		}
		for k, v := range provider.ExtractClaims(scheme, req) {
			combined[k] = v
		}
	}
	return combined, true
}

func (s *Server) validateRequest(st *state, meta *route.Meta, req *workerpool.HandlerRequest) error {
	if meta.RequestSchema == "" {
		if meta.RequestBodyRequired && len(req.Body) == 0 {
			return fmt.Errorf("request body required")
		}
		return nil
	}
	if len(req.Body) == 0 {
		if meta.RequestBodyRequired {
			return fmt.Errorf("request body required")
		}
		return nil
	}
	schema, err := st.validators.GetOrCompile(validator.Key(meta.HandlerName, validator.Request, 0), meta.RequestSchema)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(req.Body, &doc); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("request body: %w", err)
	}
	return nil
}

func (s *Server) validateResponse(st *state, meta *route.Meta, resp *workerpool.HandlerResponse) error {
	byContentType, ok := meta.Responses[resp.Status]
	if !ok {
		return nil
	}
	ct := resp.Headers["Content-Type"]
	spec, ok := byContentType[ct]
	if !ok || spec.Schema == "" {
		return nil
	}
	schema, err := st.validators.GetOrCompile(validator.Key(meta.HandlerName, validator.Response, resp.Status), spec.Schema)
	if err != nil {
		return err
	}
	if len(resp.Body) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return schema.Validate(doc)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, e *httperr.Error, requestID string) {
	body := httperr.Body{Error: e.Message, Details: e.Detail, RequestID: requestID}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(body)
}

func writeResponse(w http.ResponseWriter, resp *workerpool.HandlerResponse) {
	h := w.Header()
	for k, v := range resp.Headers {
		h.Set(k, v)
	}
	if _, ok := resp.Headers["Content-Type"]; !ok {
		h.Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
