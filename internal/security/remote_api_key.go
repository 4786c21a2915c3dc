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
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/microscaler/brrtrouter/internal/route"
	"github.com/microscaler/brrtrouter/internal/workerpool"
)

type cachedVerdict struct {
	ok        bool
	expiresAt time.Time
}

// RemoteApiKey validates an API key against a remote verification endpoint,
// short-circuiting repeated checks for the same key via a TTL-bounded cache
// of both positive and negative outcomes.
type RemoteApiKey struct {
	HeaderName string // default "x-api-key"
	VerifyURL  string
	TTL        time.Duration
	Client     *http.Client

	mu    sync.Mutex
	cache map[string]cachedVerdict
}

// NewRemoteApiKey builds a RemoteApiKey provider verifying against verifyURL,
// caching outcomes for ttl.
func NewRemoteApiKey(verifyURL string, ttl time.Duration) *RemoteApiKey {
	return &RemoteApiKey{
		HeaderName: "x-api-key",
		VerifyURL:  verifyURL,
		TTL:        ttl,
		Client:     &http.Client{Timeout: 2 * time.Second},
		cache:      make(map[string]cachedVerdict),
	}
}

func (r *RemoteApiKey) Validate(scheme route.SecurityScheme, scopes []string, req *workerpool.HandlerRequest) bool {
	key, ok := r.extractKey(req)
	if !ok {
		return false
	}
	return r.verify(key)
}

func (r *RemoteApiKey) ExtractClaims(scheme route.SecurityScheme, req *workerpool.HandlerRequest) Claims {
	key, ok := r.extractKey(req)
	if !ok || !r.verify(key) {
		return nil
	}
	return Claims{"api_key": key}
}

func (r *RemoteApiKey) extractKey(req *workerpool.HandlerRequest) (string, bool) {
	headerName := r.HeaderName
	if headerName == "" {
		headerName = "x-api-key"
	}
	if v := firstHeader(req.Headers, headerName); v != "" {
		return v, true
	}
	auth := firstHeader(req.Headers, "Authorization")
	if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return tok, true
	}
	return "", false
}

func (r *RemoteApiKey) verify(key string) bool {
	r.mu.Lock()
	if v, ok := r.cache[key]; ok && time.Now().Before(v.expiresAt) {
		r.mu.Unlock()
		return v.ok
	}
	r.mu.Unlock()

	ok := r.verifyRemote(key)

	r.mu.Lock()
	r.cache[key] = cachedVerdict{ok: ok, expiresAt: time.Now().Add(r.TTL)}
	r.mu.Unlock()

	return ok
}

func (r *RemoteApiKey) verifyRemote(key string) bool {
	req, err := http.NewRequest(http.MethodGet, r.VerifyURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("X-API-Key", key)

	resp, err := r.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
