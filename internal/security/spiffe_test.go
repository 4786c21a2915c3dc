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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/microscaler/brrtrouter/internal/route"
)

func svidToken(t *testing.T, claims Claims) string {
	t.Helper()
	payload := encodeClaims(t, claims)
	return "header." + payload + ".sig"
}

func TestSPIFFETrustDomainAllowList(t *testing.T) {
	s := NewSPIFFE([]string{"prod.example.com"}, nil)

	good := svidToken(t, Claims{"sub": "spiffe://prod.example.com/payments/worker"})
	bad := svidToken(t, Claims{"sub": "spiffe://staging.example.com/payments/worker"})

	assert.True(t, s.Validate(route.SecurityScheme{}, nil, reqWithAuth("Bearer "+good)))
	assert.False(t, s.Validate(route.SecurityScheme{}, nil, reqWithAuth("Bearer "+bad)))
}

func TestSPIFFEEmptyAllowListAcceptsAnyTrustDomain(t *testing.T) {
	s := NewSPIFFE(nil, nil)
	tok := svidToken(t, Claims{"sub": "spiffe://anything.example/svc"})
	assert.True(t, s.Validate(route.SecurityScheme{}, nil, reqWithAuth("Bearer "+tok)))
}

func TestSPIFFERejectsMalformedSubject(t *testing.T) {
	s := NewSPIFFE(nil, nil)
	tok := svidToken(t, Claims{"sub": "not-a-spiffe-id"})
	assert.False(t, s.Validate(route.SecurityScheme{}, nil, reqWithAuth("Bearer "+tok)))
}

func TestSPIFFEAudienceIntersection(t *testing.T) {
	s := NewSPIFFE(nil, []string{"billing-api"})

	withAud := svidToken(t, Claims{"sub": "spiffe://example.com/svc", "aud": []any{"billing-api", "other"}})
	withoutAud := svidToken(t, Claims{"sub": "spiffe://example.com/svc", "aud": []any{"other"}})
	stringAud := svidToken(t, Claims{"sub": "spiffe://example.com/svc", "aud": "billing-api"})

	assert.True(t, s.Validate(route.SecurityScheme{}, nil, reqWithAuth("Bearer "+withAud)))
	assert.False(t, s.Validate(route.SecurityScheme{}, nil, reqWithAuth("Bearer "+withoutAud)))
	assert.True(t, s.Validate(route.SecurityScheme{}, nil, reqWithAuth("Bearer "+stringAud)))
}

func TestSPIFFEEmptyAudienceSetSkipsCheck(t *testing.T) {
	s := NewSPIFFE(nil, nil)
	tok := svidToken(t, Claims{"sub": "spiffe://example.com/svc"})
	assert.True(t, s.Validate(route.SecurityScheme{}, nil, reqWithAuth("Bearer "+tok)))
}

func TestSPIFFEExtractSpiffeIDAndJTI(t *testing.T) {
	s := NewSPIFFE(nil, nil)
	tok := svidToken(t, Claims{"sub": "spiffe://example.com/svc", "jti": "abc-123"})
	req := reqWithAuth("Bearer " + tok)

	id, ok := s.ExtractSpiffeID(req)
	assert.True(t, ok)
	assert.Equal(t, "spiffe://example.com/svc", id)

	jti, ok := s.ExtractJTI(req)
	assert.True(t, ok)
	assert.Equal(t, "abc-123", jti)
}
