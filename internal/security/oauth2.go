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
	"strings"

	"github.com/microscaler/brrtrouter/internal/route"
	"github.com/microscaler/brrtrouter/internal/workerpool"
)

// OAuth2 performs the same shared-secret validation as BearerJwt, keyed by
// OpenAPI scheme type "oauth2" instead of HTTP bearer.
type OAuth2 struct {
	inner *BearerJwt
}

// NewOAuth2 builds an OAuth2 provider comparing against sharedSignature.
func NewOAuth2(sharedSignature string) *OAuth2 {
	return &OAuth2{inner: NewBearerJwt(sharedSignature)}
}

func (o *OAuth2) Validate(scheme route.SecurityScheme, scopes []string, req *workerpool.HandlerRequest) bool {
	if !strings.EqualFold(scheme.Type, "oauth2") {
		return false
	}
	claims, ok := o.inner.decode(req)
	if !ok {
		return false
	}
	scopeClaim, _ := claims["scope"].(string)
	return hasAllScopes(scopeClaim, scopes)
}

func (o *OAuth2) ExtractClaims(scheme route.SecurityScheme, req *workerpool.HandlerRequest) Claims {
	if !strings.EqualFold(scheme.Type, "oauth2") {
		return nil
	}
	claims, _ := o.inner.decode(req)
	return claims
}
