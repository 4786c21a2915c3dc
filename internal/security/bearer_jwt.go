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

// BearerJwt is a test-only bearer validator: it does not verify a real
// cryptographic signature. It splits the token on ".", compares the
// signature segment to a pre-shared string, and base64-decodes the payload
// segment to read claims. Never use this against production traffic — use
// JwksBearer instead.
type BearerJwt struct {
	SharedSignature string
	CookieName      string
}

// NewBearerJwt builds a test bearer provider comparing against sharedSignature.
func NewBearerJwt(sharedSignature string) *BearerJwt {
	return &BearerJwt{SharedSignature: sharedSignature}
}

func (b *BearerJwt) Validate(scheme route.SecurityScheme, scopes []string, req *workerpool.HandlerRequest) bool {
	if !strings.EqualFold(scheme.Type, "http") || !strings.EqualFold(scheme.Scheme, "bearer") {
		return false
	}
	claims, ok := b.decode(req)
	if !ok {
		return false
	}
	scopeClaim, _ := claims["scope"].(string)
	return hasAllScopes(scopeClaim, scopes)
}

func (b *BearerJwt) ExtractClaims(scheme route.SecurityScheme, req *workerpool.HandlerRequest) Claims {
	if !strings.EqualFold(scheme.Type, "http") || !strings.EqualFold(scheme.Scheme, "bearer") {
		return nil
	}
	claims, ok := b.decode(req)
	if !ok {
		return nil
	}
	return claims
}

func (b *BearerJwt) decode(req *workerpool.HandlerRequest) (Claims, bool) {
	token, ok := extractToken(req, b.CookieName)
	if !ok {
		return nil, false
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, false
	}
	if parts[2] != b.SharedSignature {
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
	return claims, true
}
