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
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microscaler/brrtrouter/internal/route"
	"github.com/microscaler/brrtrouter/internal/workerpool"
)

type testRSAKey struct {
	kid     string
	private *rsa.PrivateKey
}

func newTestRSAKey(t *testing.T, kid string) testRSAKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return testRSAKey{kid: kid, private: priv}
}

func (k testRSAKey) jwksEntry() map[string]string {
	n := base64.RawURLEncoding.EncodeToString(k.private.PublicKey.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(k.private.PublicKey.E)).Bytes())
	return map[string]string{"kid": k.kid, "kty": "RSA", "alg": "RS256", "n": n, "e": e}
}

func (k testRSAKey) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = k.kid
	signed, err := tok.SignedString(k.private)
	require.NoError(t, err)
	return signed
}

// rotatingJWKSServer serves whatever key set was last installed via set().
type rotatingJWKSServer struct {
	mu   sync.Mutex
	keys []map[string]string
	srv  *httptest.Server
}

func newRotatingJWKSServer() *rotatingJWKSServer {
	r := &rotatingJWKSServer{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": r.keys})
	}))
	return r
}

func (r *rotatingJWKSServer) set(keys ...map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = keys
}

func (r *rotatingJWKSServer) URL() string { return r.srv.URL }
func (r *rotatingJWKSServer) Close()      { r.srv.Close() }

func jwksScheme() route.SecurityScheme {
	return route.SecurityScheme{Name: "jwksAuth", Type: "http", Scheme: "bearer"}
}

func TestJwksBearerURLValidation(t *testing.T) {
	_, err := NewJwksBearer("http://example.com/.well-known/jwks.json")
	assert.Error(t, err, "plain HTTP to a non-local host must be rejected")

	_, err = NewJwksBearer("http://localhost.attacker.com/jwks.json")
	assert.Error(t, err, "prefix-matching localhost must not be accepted")

	j, err := NewJwksBearer("http://localhost:1234/jwks.json")
	require.NoError(t, err)
	j.Close()

	j, err = NewJwksBearer("https://example.com/.well-known/jwks.json")
	require.NoError(t, err)
	j.Close()
}

func TestJwksBearerValidatesAndCachesClaims(t *testing.T) {
	server := newRotatingJWKSServer()
	defer server.Close()

	key := newTestRSAKey(t, "k1")
	server.set(key.jwksEntry())

	j, err := NewJwksBearer(server.URL(), WithCacheTTL(time.Hour))
	require.NoError(t, err)
	defer j.Close()
	j.refreshJWKS()

	token := key.sign(t, jwt.MapClaims{
		"sub":   "user-1",
		"scope": "read write",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	req := reqWithAuth("Bearer " + token)

	assert.True(t, j.Validate(jwksScheme(), []string{"read"}, req))
	stats := j.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(0), stats.Hits)

	assert.True(t, j.Validate(jwksScheme(), []string{"read"}, req))
	stats = j.Stats()
	assert.Equal(t, int64(1), stats.Hits, "second validation of the same token should hit the claims cache")
}

func TestJwksBearerRejectsMissingScope(t *testing.T) {
	server := newRotatingJWKSServer()
	defer server.Close()
	key := newTestRSAKey(t, "k1")
	server.set(key.jwksEntry())

	j, err := NewJwksBearer(server.URL(), WithCacheTTL(time.Hour))
	require.NoError(t, err)
	defer j.Close()
	j.refreshJWKS()

	token := key.sign(t, jwt.MapClaims{"scope": "read", "exp": time.Now().Add(time.Hour).Unix()})
	assert.False(t, j.Validate(jwksScheme(), []string{"admin"}, reqWithAuth("Bearer "+token)))
}

func TestJwksBearerMissingCredentialFails(t *testing.T) {
	server := newRotatingJWKSServer()
	defer server.Close()
	j, err := NewJwksBearer(server.URL())
	require.NoError(t, err)
	defer j.Close()

	assert.False(t, j.Validate(jwksScheme(), nil, reqWithAuth("")))
}

// TestJwksBearerKeyRotationInvalidatesCache covers the invariant that a
// claims-cache hit keyed "token|kid" must not be trusted once the JWKS
// refresh stops advertising that kid, even though the token's own expiry is
// still far in the future.
func TestJwksBearerKeyRotationInvalidatesCache(t *testing.T) {
	server := newRotatingJWKSServer()
	defer server.Close()

	k1 := newTestRSAKey(t, "k1")
	k2 := newTestRSAKey(t, "k2")
	server.set(k1.jwksEntry())

	j, err := NewJwksBearer(server.URL(), WithCacheTTL(time.Hour))
	require.NoError(t, err)
	defer j.Close()
	j.refreshJWKS()

	token := k1.sign(t, jwt.MapClaims{
		"scope": "read",
		"exp":   time.Now().Add(24 * time.Hour).Unix(),
	})
	req := reqWithAuth("Bearer " + token)

	require.True(t, j.Validate(jwksScheme(), []string{"read"}, req), "initial validation under k1 must succeed")
	require.True(t, j.Validate(jwksScheme(), []string{"read"}, req), "second validation should be served from cache")

	// Rotate: k1 drops out of the JWKS entirely.
	server.set(k2.jwksEntry())
	j.refreshJWKS()

	assert.False(t, j.Validate(jwksScheme(), []string{"read"}, req),
		"a token cached under a now-rotated-out kid must fail despite a future exp")
}

func TestJwksBearerAlgorithmWhitelistRejectsUnsupported(t *testing.T) {
	server := newRotatingJWKSServer()
	defer server.Close()
	key := newTestRSAKey(t, "k1")
	server.set(key.jwksEntry())

	j, err := NewJwksBearer(server.URL(), WithCacheTTL(time.Hour))
	require.NoError(t, err)
	defer j.Close()
	j.refreshJWKS()

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"scope": "read", "exp": time.Now().Add(time.Hour).Unix()})
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	assert.False(t, j.Validate(jwksScheme(), nil, reqWithAuth("Bearer "+signed)))
}

func TestJwksBearerClaimsCacheEvictionCounting(t *testing.T) {
	server := newRotatingJWKSServer()
	defer server.Close()
	key := newTestRSAKey(t, "k1")
	server.set(key.jwksEntry())

	j, err := NewJwksBearer(server.URL(), WithCacheTTL(time.Hour), WithClaimsCacheSize(1))
	require.NoError(t, err)
	defer j.Close()
	j.refreshJWKS()

	tokenA := key.sign(t, jwt.MapClaims{"scope": "read", "sub": "a", "exp": time.Now().Add(time.Hour).Unix()})
	tokenB := key.sign(t, jwt.MapClaims{"scope": "read", "sub": "b", "exp": time.Now().Add(time.Hour).Unix()})

	require.True(t, j.Validate(jwksScheme(), nil, reqWithAuth("Bearer "+tokenA)))
	assert.Equal(t, int64(0), j.Stats().Evictions, "first insert into an empty cache is never an eviction")

	require.True(t, j.Validate(jwksScheme(), nil, reqWithAuth("Bearer "+tokenB)))
	assert.Equal(t, int64(1), j.Stats().Evictions, "inserting past capacity evicts the oldest entry")
}

func TestJwksBearerInvalidateToken(t *testing.T) {
	server := newRotatingJWKSServer()
	defer server.Close()
	key := newTestRSAKey(t, "k1")
	server.set(key.jwksEntry())

	j, err := NewJwksBearer(server.URL(), WithCacheTTL(time.Hour))
	require.NoError(t, err)
	defer j.Close()
	j.refreshJWKS()

	token := key.sign(t, jwt.MapClaims{"scope": "read", "exp": time.Now().Add(time.Hour).Unix()})
	req := reqWithAuth("Bearer " + token)
	require.True(t, j.Validate(jwksScheme(), nil, req))
	assert.Equal(t, 1, j.Stats().Size)

	j.InvalidateToken(token)
	assert.Equal(t, 0, j.Stats().Size)
}

func TestJwksBearerRefreshDebounce(t *testing.T) {
	server := newRotatingJWKSServer()
	defer server.Close()
	var hits atomic.Int64
	base := server.srv.Config.Handler
	server.srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(20 * time.Millisecond)
		base.ServeHTTP(w, r)
	})

	j, err := NewJwksBearer(server.URL(), WithCacheTTL(time.Hour))
	require.NoError(t, err)
	defer j.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.refreshJWKS()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, hits.Load(), int64(2), "concurrent refreshes should debounce to at most one in-flight fetch")
}
