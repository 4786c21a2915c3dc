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

package security

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/microscaler/brrtrouter/internal/route"
	"github.com/microscaler/brrtrouter/internal/workerpool"
)

// SPIFFE validates JWT-SVIDs: the `sub` claim must be a well-formed
// spiffe://<trust-domain>/<path> URI whose trust domain is allow-listed
// (an empty allow-list accepts any trust domain), and the `aud` claim
// (string or array) must intersect a configured audience set (an empty
// audience set skips the check). Signature verification against the
// workload's trust bundle is out of scope here; callers that need it
// should front this provider with a JwksBearer configured against the
// trust domain's JWKS endpoint.
type SPIFFE struct {
	TrustDomains []string // allow-list; empty = accept any
	Audiences    []string // required-intersection set; empty = skip
	CookieName   string
}

// NewSPIFFE builds a SPIFFE provider allow-listing trustDomains and
// requiring intersection with audiences (either may be empty).
func NewSPIFFE(trustDomains, audiences []string) *SPIFFE {
	return &SPIFFE{TrustDomains: trustDomains, Audiences: audiences}
}

func (s *SPIFFE) Validate(scheme route.SecurityScheme, scopes []string, req *workerpool.HandlerRequest) bool {
	claims, ok := s.decode(req)
	if !ok {
		return false
	}
	scopeClaim, _ := claims["scope"].(string)
	return hasAllScopes(scopeClaim, scopes)
}

func (s *SPIFFE) ExtractClaims(scheme route.SecurityScheme, req *workerpool.HandlerRequest) Claims {
	claims, ok := s.decode(req)
	if !ok {
		return nil
	}
	return claims
}

func (s *SPIFFE) decode(req *workerpool.HandlerRequest) (Claims, bool) {
	token, ok := extractToken(req, s.CookieName)
	if !ok {
		return nil, false
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, false
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, false
	}

	sub, _ := claims["sub"].(string)
	trustDomain, _, ok := parseSpiffeID(sub)
	if !ok {
		return nil, false
	}
	if len(s.TrustDomains) > 0 && !containsString(s.TrustDomains, trustDomain) {
		return nil, false
	}

	if len(s.Audiences) > 0 && !audienceIntersects(claims["aud"], s.Audiences) {
		return nil, false
	}

	return claims, true
}

// parseSpiffeID splits "spiffe://<trust-domain>/<path>" into its trust
// domain and path components.
func parseSpiffeID(id string) (trustDomain, path string, ok bool) {
	const prefix = "spiffe://"
	if !strings.HasPrefix(id, prefix) {
		return "", "", false
	}
	rest := id[len(prefix):]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return rest, "", rest != ""
	}
	trustDomain = rest[:slash]
	path = rest[slash:]
	return trustDomain, path, trustDomain != ""
}

func containsString(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// audienceIntersects reports whether aud (a JSON string or array of
// strings, as decoded by encoding/json into string or []any) shares at
// least one entry with required.
func audienceIntersects(aud any, required []string) bool {
	var present []string
	switch v := aud.(type) {
	case string:
		present = []string{v}
	case []any:
		for _, item := range v {
			if str, ok := item.(string); ok {
				present = append(present, str)
			}
		}
	default:
		return false
	}
	for _, want := range required {
		if containsString(present, want) {
			return true
		}
	}
	return false
}

// ExtractSpiffeID returns the SPIFFE ID carried in req's credential, if any.
func (s *SPIFFE) ExtractSpiffeID(req *workerpool.HandlerRequest) (string, bool) {
	claims, ok := s.decode(req)
	if !ok {
		return "", false
	}
	sub, ok := claims["sub"].(string)
	return sub, ok
}

// ExtractJTI returns the JWT ID carried in req's credential, if any — used
// by callers implementing token revocation or audit logging.
func (s *SPIFFE) ExtractJTI(req *workerpool.HandlerRequest) (string, bool) {
	claims, ok := s.decode(req)
	if !ok {
		return "", false
	}
	jti, ok := claims["jti"].(string)
	return jti, ok
}
