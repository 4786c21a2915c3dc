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

// Package security implements the runtime's credential validators: one
// Provider per OpenAPI security scheme type, from the trivial BearerJwt test
// double to the production JwksBearer with rotation-aware caching.
package security

import (
	"strings"

	"github.com/microscaler/brrtrouter/internal/route"
	"github.com/microscaler/brrtrouter/internal/workerpool"
)

// Claims is the decoded payload of a validated credential.
type Claims map[string]any

// Provider validates a request against one named OpenAPI security scheme
// plus a required scope list, and can optionally extract claims for
// propagation to handlers. The HTTP front-end walks a route's
// security-requirements list (an OR of ANDs) and authorizes the request if
// every scheme in any single requirement validates.
type Provider interface {
	// Validate reports whether req satisfies scheme with all of scopes present.
	Validate(scheme route.SecurityScheme, scopes []string, req *workerpool.HandlerRequest) bool
	// ExtractClaims returns the decoded claims for req under scheme, or nil
	// if the request carries no valid credential for it.
	ExtractClaims(scheme route.SecurityScheme, req *workerpool.HandlerRequest) Claims
}

// extractToken pulls a bearer credential from a configured cookie first (if
// cookieName is non-empty), falling back to the Authorization header.
func extractToken(req *workerpool.HandlerRequest, cookieName string) (string, bool) {
	if cookieName != "" {
		if v, ok := req.Cookies[cookieName]; ok {
			return v, true
		}
	}
	auth := firstHeader(req.Headers, "Authorization")
	if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return tok, true
	}
	return "", false
}

func firstHeader(headers map[string][]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func hasAllScopes(scopeClaim string, required []string) bool {
	present := strings.Fields(scopeClaim)
	for _, want := range required {
		found := false
		for _, have := range present {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
