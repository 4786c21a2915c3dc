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
	"fmt"
	"net"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/microscaler/brrtrouter/internal/route"
	"github.com/microscaler/brrtrouter/internal/workerpool"
)

// OriginValidation is one of the strategies CORS uses to decide whether a
// cross-origin request's Origin header is allowed.
type OriginValidation int

const (
	// OriginExact allows only origins in an exact-match whitelist.
	OriginExact OriginValidation = iota
	// OriginWildcard allows every origin ("*").
	OriginWildcard
	// OriginRegex allows origins matching any of a set of compiled patterns.
	OriginRegex
	// OriginCustom defers the decision to a caller-supplied predicate.
	OriginCustom
)

// GlobalCORSConfig is the process-wide CORS policy; per-route policies
// (route.CORSPolicy) layer on top of it per handler.
type GlobalCORSConfig struct {
	Strategy         OriginValidation
	AllowedOrigins   []string         // used by OriginExact
	OriginPatterns   []*regexp.Regexp // used by OriginRegex
	OriginPredicate  func(origin string) bool // used by OriginCustom
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int // seconds
}

// NewGlobalCORSConfig validates cfg and returns an error if it combines a
// wildcard origin strategy with credentials — a configuration error the spec
// requires be rejected at construction, not at request time.
func NewGlobalCORSConfig(cfg GlobalCORSConfig) (*GlobalCORSConfig, error) {
	if cfg.Strategy == OriginWildcard && cfg.AllowCredentials {
		return nil, fmt.Errorf("cors: wildcard origin cannot be combined with allow-credentials")
	}
	c := cfg
	return &c, nil
}

func (c *GlobalCORSConfig) validateOrigin(origin string) (allowed string, ok bool) {
	switch c.Strategy {
	case OriginWildcard:
		return "*", true
	case OriginCustom:
		if c.OriginPredicate != nil && c.OriginPredicate(origin) {
			return origin, true
		}
		return "", false
	case OriginRegex:
		for _, p := range c.OriginPatterns {
			if p.MatchString(origin) {
				return origin, true
			}
		}
		return "", false
	default: // OriginExact
		if slices.Contains(c.AllowedOrigins, origin) {
			return origin, true
		}
		return "", false
	}
}

func resolvedConfig(global *GlobalCORSConfig, meta *route.Meta) (*GlobalCORSConfig, bool) {
	if meta == nil || meta.CORS.Mode == route.CORSInherit {
		return global, true
	}
	if meta.CORS.Mode == route.CORSDisabled {
		return nil, false
	}
	custom := meta.CORS.Custom
	resolved := &GlobalCORSConfig{
		Strategy:         OriginExact,
		AllowedOrigins:   custom.AllowedOrigins,
		AllowedMethods:   custom.AllowedMethods,
		AllowedHeaders:   custom.AllowedHeaders,
		ExposeHeaders:    custom.ExposeHeaders,
		AllowCredentials: custom.AllowCredentials,
		MaxAge:           custom.MaxAge,
	}
	if slices.Contains(custom.AllowedOrigins, "*") {
		resolved.Strategy = OriginWildcard
	}
	return resolved, true
}

// CORS implements the route-aware preflight and simple-request algorithm
// from §4.6: a global policy combined with per-route Inherit/Disabled/Custom
// overrides, same-origin detection, and the six-step preflight decision.
type CORS struct {
	global *GlobalCORSConfig
}

// NewCORS builds the CORS middleware from an already-validated global config.
func NewCORS(global *GlobalCORSConfig) *CORS {
	return &CORS{global: global}
}

func (c *CORS) Name() string { return "cors" }

func (c *CORS) Before(req *workerpool.HandlerRequest) *workerpool.HandlerResponse {
	cfg, enabled := resolvedConfig(c.global, req.Route)

	// A Disabled route skips all CORS handling (§4.6): any OPTIONS request —
	// preflight-shaped or not — gets a bare 200 with no CORS headers, and
	// every other method falls straight through to the handler.
	if !enabled {
		if req.Method == http.MethodOptions {
			return &workerpool.HandlerResponse{Status: 200}
		}
		return nil
	}

	origin := firstHeader(req.Headers, "Origin")
	isPreflight := req.Method == http.MethodOptions && firstHeader(req.Headers, "Access-Control-Request-Method") != ""

	if isPreflight {
		return c.handlePreflight(req, cfg, origin)
	}

	if origin == "" {
		return nil // not a CORS request
	}
	if sameOrigin(origin, firstHeader(req.Headers, "Host")) {
		return nil
	}
	if _, ok := cfg.validateOrigin(origin); !ok {
		return workerpool.ErrorResponse(403, "cors rejection", "origin not allowed", req.RequestID)
	}
	return nil
}

// handlePreflight runs the six-step preflight decision for an enabled route;
// Before already handles the Disabled-route short-circuit before reaching here.
func (c *CORS) handlePreflight(req *workerpool.HandlerRequest, cfg *GlobalCORSConfig, origin string) *workerpool.HandlerResponse {
	if origin == "" {
		return &workerpool.HandlerResponse{Status: 200}
	}

	allowedOrigin, ok := cfg.validateOrigin(origin)
	if !ok {
		return &workerpool.HandlerResponse{Status: 403}
	}

	reqMethod := firstHeader(req.Headers, "Access-Control-Request-Method")
	if !slices.Contains(cfg.AllowedMethods, reqMethod) {
		return &workerpool.HandlerResponse{Status: 403}
	}

	if reqHeaders := firstHeader(req.Headers, "Access-Control-Request-Headers"); reqHeaders != "" {
		if !slices.Contains(cfg.AllowedHeaders, "*") {
			for _, h := range strings.Split(reqHeaders, ",") {
				if !containsFold(cfg.AllowedHeaders, strings.TrimSpace(h)) {
					return &workerpool.HandlerResponse{Status: 403}
				}
			}
		}
	}

	headers := map[string]string{
		"Access-Control-Allow-Origin":  allowedOrigin,
		"Access-Control-Allow-Methods": strings.Join(cfg.AllowedMethods, ", "),
		"Access-Control-Allow-Headers": strings.Join(cfg.AllowedHeaders, ", "),
		"Vary":                         "Origin",
	}
	if cfg.AllowCredentials {
		headers["Access-Control-Allow-Credentials"] = "true"
	}
	if cfg.MaxAge > 0 {
		headers["Access-Control-Max-Age"] = strconv.Itoa(cfg.MaxAge)
	}
	return &workerpool.HandlerResponse{Status: 200, Headers: headers}
}

func (c *CORS) After(req *workerpool.HandlerRequest, resp *workerpool.HandlerResponse, _ time.Duration) {
	if resp == nil || resp.Status == 403 {
		return
	}
	cfg, enabled := resolvedConfig(c.global, req.Route)
	origin := firstHeader(req.Headers, "Origin")
	if !enabled || origin == "" || sameOrigin(origin, firstHeader(req.Headers, "Host")) {
		return
	}
	allowedOrigin, ok := cfg.validateOrigin(origin)
	if !ok {
		return
	}

	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["Access-Control-Allow-Origin"] = allowedOrigin
	resp.Headers["Vary"] = "Origin"
	if len(cfg.ExposeHeaders) > 0 {
		resp.Headers["Access-Control-Expose-Headers"] = strings.Join(cfg.ExposeHeaders, ", ")
	}
	if cfg.AllowCredentials {
		resp.Headers["Access-Control-Allow-Credentials"] = "true"
	}
}

func firstHeader(headers map[string][]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// sameOrigin compares the Origin header against the request's Host header,
// accounting for IPv6 bracketed forms and default-port inference (80/443).
// The Host header carries no scheme, so the origin's own scheme supplies the
// default port for both sides of the comparison.
func sameOrigin(origin, host string) bool {
	if origin == "" || host == "" {
		return false
	}
	scheme, rest, ok := strings.Cut(origin, "://")
	if !ok {
		return false
	}
	defaultPort := "80"
	if strings.EqualFold(scheme, "https") {
		defaultPort = "443"
	}
	originHost, originPort := splitHostPort(rest, defaultPort)
	reqHost, reqPort := splitHostPort(host, defaultPort)
	return strings.EqualFold(originHost, reqHost) && originPort == reqPort
}

func splitHostPort(hostport, defaultPort string) (host, port string) {
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort
	}
	return h, p
}
