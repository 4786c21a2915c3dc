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
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/microscaler/brrtrouter/internal/route"
	"github.com/microscaler/brrtrouter/internal/workerpool"
)

// supportedAlgorithms whitelists the JWT signing algorithms this provider
// will ever trust, for both the jwt library's own validation and the
// up-front header check on the cache-miss path.
var supportedAlgorithms = []string{"HS256", "HS384", "HS512", "RS256", "RS384", "RS512"}

func isSupportedAlgorithm(alg string) bool {
	for _, a := range supportedAlgorithms {
		if a == alg {
			return true
		}
	}
	return false
}

type jwksKey struct {
	hmacSecret []byte
	rsaPublic  *rsa.PublicKey
}

type jwksState struct {
	fetchedAt time.Time
	keys      map[string]jwksKey
}

type claimsEntry struct {
	expWithLeeway int64
	claims        Claims
	kid           string
}

// CacheStats reports the claims-cache hit/miss/eviction counters.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
	Capacity  int
}

// JwksBearer is the production Bearer-JWT provider: it fetches signing keys
// from a JWKS endpoint, validates tokens against the configured whitelist of
// algorithms, and caches decoded claims keyed by "token|kid" so that
// rotating a key invalidates every claim cached under it.
type JwksBearer struct {
	jwksURL    string
	issuer     string
	audience   string
	leeway     time.Duration
	cookieName string
	client     *http.Client
	log        *slog.Logger

	cacheTTLSeconds atomic.Int64

	mu    sync.RWMutex
	state jwksState

	refreshing atomic.Bool
	stop       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	claims         *lru.Cache[string, claimsEntry]
	claimsCapacity int
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	cacheEvictions atomic.Int64
}

// JwksOption configures a JwksBearer at construction time.
type JwksOption func(*JwksBearer)

func WithIssuer(iss string) JwksOption          { return func(j *JwksBearer) { j.issuer = iss } }
func WithAudience(aud string) JwksOption        { return func(j *JwksBearer) { j.audience = aud } }
func WithLeeway(d time.Duration) JwksOption     { return func(j *JwksBearer) { j.leeway = d } }
func WithJwksCookieName(name string) JwksOption { return func(j *JwksBearer) { j.cookieName = name } }
func WithJwksLogger(log *slog.Logger) JwksOption {
	return func(j *JwksBearer) { j.log = log }
}
func WithJwksHTTPClient(c *http.Client) JwksOption { return func(j *JwksBearer) { j.client = c } }

// WithClaimsCacheSize sets the LRU claims-cache capacity (default 1024).
func WithClaimsCacheSize(size int) JwksOption {
	return func(j *JwksBearer) { j.claimsCapacity = size }
}

// WithCacheTTL sets the JWKS cache TTL (default 300s). The background
// refresh loop reads the TTL from an atomic on every iteration.
func WithCacheTTL(ttl time.Duration) JwksOption {
	return func(j *JwksBearer) { j.cacheTTLSeconds.Store(int64(ttl.Seconds())) }
}

// NewJwksBearer validates jwksURL (HTTPS required; HTTP allowed only for the
// exact hostnames "localhost" and "127.0.0.1" — a hostname parse, not a
// prefix match, closing the "localhost.attacker.com" bypass) and starts the
// background refresh goroutine.
func NewJwksBearer(jwksURL string, opts ...JwksOption) (*JwksBearer, error) {
	if err := validateJwksURL(jwksURL); err != nil {
		return nil, err
	}

	j := &JwksBearer{
		jwksURL:        jwksURL,
		leeway:         30 * time.Second,
		client:         &http.Client{Timeout: 200 * time.Millisecond},
		log:            slog.Default(),
		claimsCapacity: 1024,
		stop:           make(chan struct{}),
		state:          jwksState{keys: make(map[string]jwksKey)},
	}
	j.cacheTTLSeconds.Store(300)

	for _, opt := range opts {
		opt(j)
	}

	cache, err := lru.New[string, claimsEntry](j.claimsCapacity)
	if err != nil {
		return nil, fmt.Errorf("jwks: claims cache: %w", err)
	}
	j.claims = cache

	j.wg.Add(1)
	go j.backgroundRefresh()

	return j, nil
}

func validateJwksURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("jwks: invalid URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" {
			return nil
		}
		return fmt.Errorf("jwks: URL must use HTTPS for security (HTTP only allowed for localhost/127.0.0.1), got %q", raw)
	default:
		return fmt.Errorf("jwks: URL must use HTTPS or HTTP (localhost only), got %q", raw)
	}
}

// Close stops the background refresh goroutine and waits for it to exit.
func (j *JwksBearer) Close() {
	j.stopOnce.Do(func() { close(j.stop) })
	j.wg.Wait()
}

func (j *JwksBearer) backgroundRefresh() {
	defer j.wg.Done()
	for {
		ttl := time.Duration(j.cacheTTLSeconds.Load()) * time.Second
		interval := ttl - 10*time.Second
		if interval < time.Second {
			interval = time.Second
		}

		timer := time.NewTimer(interval)
		select {
		case <-j.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		j.mu.RLock()
		needsRefresh := time.Since(j.state.fetchedAt) >= ttl || len(j.state.keys) == 0
		j.mu.RUnlock()
		if needsRefresh {
			j.refreshJWKS()
		}
	}
}

// refreshIfNeeded blocks on a fetch only when the cache is empty (so the
// first validation never fails for want of keys); if another caller already
// holds the refresh, it polls with exponential backoff until that refresh
// finishes. An expired-but-populated cache refreshes in the background and
// serves stale keys in the meantime.
func (j *JwksBearer) refreshIfNeeded() {
	ttl := time.Duration(j.cacheTTLSeconds.Load()) * time.Second
	j.mu.RLock()
	empty := len(j.state.keys) == 0
	expired := time.Since(j.state.fetchedAt) >= ttl
	j.mu.RUnlock()

	if !empty && !expired {
		return
	}
	if empty {
		j.refreshJWKS()
		for wait := time.Millisecond; j.refreshing.Load(); wait = min(2*wait, 100*time.Millisecond) {
			time.Sleep(wait)
		}
		return
	}
	go j.refreshJWKS()
}

// refreshJWKS fetches and parses the JWKS document, debounced so only one
// fetch is in flight at a time; concurrent callers skip rather than queue.
func (j *JwksBearer) refreshJWKS() {
	if !j.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer j.refreshing.Store(false)

	resp, err := j.client.Get(j.jwksURL)
	if err != nil {
		j.log.Debug("jwks refresh failed", "error", err)
		return
	}
	defer resp.Body.Close()

	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Alg string `json:"alg"`
			K   string `json:"k"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		j.log.Debug("jwks refresh: invalid body", "error", err)
		return
	}

	keys := make(map[string]jwksKey, len(doc.Keys))
	for _, k := range doc.Keys {
		switch {
		case strings.EqualFold(k.Kty, "oct") && isHMACAlg(k.Alg):
			secret, err := base64.RawURLEncoding.DecodeString(k.K)
			if err != nil {
				continue
			}
			keys[k.Kid] = jwksKey{hmacSecret: secret}
		case strings.EqualFold(k.Kty, "RSA") && isRSAAlg(k.Alg):
			pub, err := rsaPublicKeyFromComponents(k.N, k.E)
			if err != nil {
				continue
			}
			keys[k.Kid] = jwksKey{rsaPublic: pub}
		}
	}

	j.mu.Lock()
	j.state = jwksState{fetchedAt: time.Now(), keys: keys}
	j.mu.Unlock()
}

func isHMACAlg(alg string) bool {
	return strings.EqualFold(alg, "HS256") || strings.EqualFold(alg, "HS384") || strings.EqualFold(alg, "HS512")
}

func isRSAAlg(alg string) bool {
	return strings.EqualFold(alg, "RS256") || strings.EqualFold(alg, "RS384") || strings.EqualFold(alg, "RS512")
}

func rsaPublicKeyFromComponents(nEnc, eEnc string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nEnc)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eEnc)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func (j *JwksBearer) getKeyFor(kid string) (jwksKey, bool) {
	j.refreshIfNeeded()
	j.mu.RLock()
	defer j.mu.RUnlock()
	k, ok := j.state.keys[kid]
	return k, ok
}

// decodeHeader reads the unverified "alg"/"kid" header fields, needed before
// cache lookup because the cache key includes kid.
func decodeHeader(token string) (kid, alg string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("jwks: malformed token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", "", fmt.Errorf("jwks: invalid header encoding: %w", err)
	}
	var hdr struct {
		Kid string `json:"kid"`
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return "", "", fmt.Errorf("jwks: invalid header json: %w", err)
	}
	return hdr.Kid, hdr.Alg, nil
}

func (j *JwksBearer) Validate(scheme route.SecurityScheme, scopes []string, req *workerpool.HandlerRequest) bool {
	claims, ok := j.authenticate(scheme, req)
	if !ok {
		return false
	}
	scopeClaim, _ := claims["scope"].(string)
	return hasAllScopes(scopeClaim, scopes)
}

func (j *JwksBearer) ExtractClaims(scheme route.SecurityScheme, req *workerpool.HandlerRequest) Claims {
	claims, ok := j.authenticate(scheme, req)
	if !ok {
		return nil
	}
	return claims
}

// authenticate is the full validation flow shared by Validate and
// ExtractClaims: cache lookup with a rotation check, then full signature
// verification on a miss.
func (j *JwksBearer) authenticate(scheme route.SecurityScheme, req *workerpool.HandlerRequest) (Claims, bool) {
	if !strings.EqualFold(scheme.Type, "http") || !strings.EqualFold(scheme.Scheme, "bearer") {
		return nil, false
	}
	token, ok := extractToken(req, j.cookieName)
	if !ok {
		return nil, false
	}

	kid, alg, err := decodeHeader(token)
	if err != nil || kid == "" {
		return nil, false
	}
	cacheKey := token + "|" + kid

	if entry, ok := j.claims.Get(cacheKey); ok {
		if _, stillPresent := j.getKeyFor(entry.kid); !stillPresent {
			j.claims.Remove(cacheKey)
		} else if time.Now().Unix() < entry.expWithLeeway {
			j.cacheHits.Add(1)
			return entry.claims, true
		} else {
			j.claims.Remove(cacheKey)
		}
	}

	j.cacheMisses.Add(1)

	if !isSupportedAlgorithm(alg) {
		return nil, false
	}
	key, ok := j.getKeyFor(kid)
	if !ok {
		return nil, false
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(supportedAlgorithms),
		jwt.WithLeeway(j.leeway),
		jwt.WithExpirationRequired(),
	}
	if j.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
	}
	if j.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(j.audience))
	}
	parser := jwt.NewParser(parserOpts...)

	parsed, err := parser.Parse(token, func(t *jwt.Token) (any, error) {
		if key.hmacSecret != nil {
			return key.hmacSecret, nil
		}
		return key.rsaPublic, nil
	})
	if err != nil || !parsed.Valid {
		return nil, false
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, false
	}

	if expFloat, ok := claims["exp"].(float64); ok {
		expWithLeeway := int64(expFloat) + int64(j.leeway.Seconds())
		if time.Now().Unix() < expWithLeeway {
			evicted := j.claims.Add(cacheKey, claimsEntry{expWithLeeway: expWithLeeway, claims: Claims(claims), kid: kid})
			if evicted {
				j.cacheEvictions.Add(1)
			}
		}
	}

	return Claims(claims), true
}

// InvalidateToken removes token's cached claims, if any. The cache key
// requires kid, so the token's header is parsed to recover it.
func (j *JwksBearer) InvalidateToken(token string) {
	kid, _, err := decodeHeader(token)
	if err != nil || kid == "" {
		return
	}
	j.InvalidateTokenWithKid(token, kid)
}

// InvalidateTokenWithKid removes the cache entry for token signed with kid.
func (j *JwksBearer) InvalidateTokenWithKid(token, kid string) {
	j.claims.Remove(token + "|" + kid)
}

// ClearClaimsCache purges every cached claim.
func (j *JwksBearer) ClearClaimsCache() {
	j.claims.Purge()
}

// Stats reports hit/miss/eviction counters and current size.
func (j *JwksBearer) Stats() CacheStats {
	return CacheStats{
		Hits:      j.cacheHits.Load(),
		Misses:    j.cacheMisses.Load(),
		Evictions: j.cacheEvictions.Load(),
		Size:      j.claims.Len(),
		Capacity:  j.claimsCapacity,
	}
}
