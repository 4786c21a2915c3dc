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

package router

import (
	"strings"

	"github.com/microscaler/brrtrouter/internal/route"
)

// Match is the result of a successful Lookup: a shared reference to the
// matched route and the path parameters extracted along the way.
type Match struct {
	Route       *route.Meta
	Params      map[string]string
	HandlerName string
}

// Router is the radix-tree route table built from a snapshot of route.Meta.
// Construction (Build) happens once per spec version; Lookup is safe for
// concurrent use once construction returns.
//
// Static (param-free) routes are additionally indexed in exact, guarded by a
// bloom filter: Lookup tests the filter first and returns an exact-table hit
// directly; it falls through to the radix descent when the filter says
// "definitely absent", or when it says "maybe present" but the exact table
// has no entry (as for any path matched only by a parameterized route).
type Router struct {
	root  *node
	exact map[string]*route.Meta
	bloom *bloomFilter
}

const bloomHashFuncs = 3

// Build constructs a Router from an ordered sequence of routes. It fails
// only if two routes share an identical (method, pattern) — a spec/programming
// error that must be caught at startup, not at request time.
func Build(routes []*route.Meta) (*Router, error) {
	root := newNode()
	exact := make(map[string]*route.Meta)
	for _, r := range routes {
		if err := root.insert(r.Method, r.Path, r); err != nil {
			return nil, err
		}
		if isStaticPath(r.Path) {
			exact[exactKey(r.Method, r.Path)] = r
		}
	}

	bloom := newBloomFilter(uint64(len(exact))*16, bloomHashFuncs)
	for key := range exact {
		bloom.Add([]byte(key))
	}

	return &Router{root: root, exact: exact, bloom: bloom}, nil
}

// exactKey normalizes (method, path) the same way for every route, so a
// request path with a different leading/trailing slash still matches the
// key a static route was indexed under.
func exactKey(method, path string) string {
	return method + "\x00" + strings.Join(splitSegments(path), "/")
}

// isStaticPath reports whether every segment of path is a literal — no
// parameter segments — making it eligible for the exact-match
// fast path.
func isStaticPath(path string) bool {
	for _, seg := range splitSegments(path) {
		if _, _, isParam := segmentKind(seg); isParam {
			return false
		}
	}
	return true
}

// Lookup resolves (method, path) to a Match. It never panics and never
// returns an error: "no match" is reported via the second return value, and
// callers surface that as a 404.
func (rt *Router) Lookup(method, path string) (Match, bool) {
	key := exactKey(method, path)
	if rt.bloom.Test([]byte(key)) {
		if meta, ok := rt.exact[key]; ok {
			return Match{Route: meta, HandlerName: meta.HandlerName}, true
		}
	}

	segments := splitSegments(path)
	meta, bindings, ok := rt.root.lookup(segments, method)
	if !ok {
		return Match{}, false
	}

	var params map[string]string
	if len(bindings) > 0 {
		params = make(map[string]string, len(bindings))
		for _, b := range bindings {
			// Last-write-wins for duplicate names across nested segments:
			// bindings are ordered outermost-first, so later assignments
			// here are the ones closer to the matched leaf.
			params[b.name] = b.value
		}
	}

	return Match{Route: meta, Params: params, HandlerName: meta.HandlerName}, true
}
