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

// Package router builds a compact prefix tree from a set of route.Meta path
// patterns and resolves (method, path) lookups to a Match in O(k) path
// length, independent of route count.
//
// Thread safety: routes are registered during a single-threaded construction
// phase (Build). After that the tree is immutable; concurrent Lookup
// calls need no locking of their own.
package router

import (
	"fmt"
	"strings"

	"github.com/microscaler/brrtrouter/internal/route"
)

// paramChild is one named-parameter branch at a node. Parameter children are
// keyed by name (not position) so sibling routes like /users/{user_id}/posts
// and /users/{id}/comments stay distinguishable, and tried in declaration
// order on backtrack.
type paramChild struct {
	name string
	node *node
}

// node is one segment of the radix tree.
type node struct {
	// children holds exact-literal next segments. Static segments are tried
	// before parameter children at the same node (tie-break rule).
	children map[string]*node
	// params holds named-parameter branches, tried in insertion order.
	params []*paramChild
	// methods is non-nil only at a terminal node: HTTP method -> route.
	methods map[string]*route.Meta
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

func (n *node) childFor(segment string) *node {
	if c, ok := n.children[segment]; ok {
		return c
	}
	c := newNode()
	n.children[segment] = c
	return c
}

func (n *node) paramFor(name string) *node {
	for _, p := range n.params {
		if p.name == name {
			return p.node
		}
	}
	c := newNode()
	n.params = append(n.params, &paramChild{name: name, node: c})
	return c
}

// splitSegments splits a path into non-empty segments, ignoring a leading
// and/or trailing slash.
func splitSegments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// segmentKind classifies one path pattern segment.
func segmentKind(seg string) (literal string, paramName string, isParam bool) {
	if len(seg) >= 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
		return "", seg[1 : len(seg)-1], true
	}
	return seg, "", false
}

// insert adds one (method, path) route to the tree rooted at n.
// Returns an error if an identical (method, pattern) route already exists —
// a programming error surfaced at startup, never at request time.
func (n *node) insert(method, path string, meta *route.Meta) error {
	cur := n
	for _, seg := range splitSegments(path) {
		if lit, name, isParam := segmentKind(seg); isParam {
			cur = cur.paramFor(name)
		} else {
			cur = cur.childFor(lit)
		}
	}
	if cur.methods == nil {
		cur.methods = make(map[string]*route.Meta)
	}
	if _, exists := cur.methods[method]; exists {
		return fmt.Errorf("router: duplicate route for %s %s", method, path)
	}
	cur.methods[method] = meta
	return nil
}

// paramBinding is one extracted path parameter.
type paramBinding struct {
	name  string
	value string
}

// lookup descends the tree for path, trying exact children first and then
// parameter children in declaration order, backtracking on dead ends.
// Order-preserving, last-write-wins semantics for duplicate parameter names
// are enforced by the caller overwriting earlier bindings of the same name.
func (n *node) lookup(segments []string, method string) (*route.Meta, []paramBinding, bool) {
	if len(segments) == 0 {
		if n.methods == nil {
			return nil, nil, false
		}
		m, ok := n.methods[method]
		return m, nil, ok
	}

	seg := segments[0]
	rest := segments[1:]

	// Priority 1: exact static match.
	if child, ok := n.children[seg]; ok {
		if m, bindings, ok := child.lookup(rest, method); ok {
			return m, bindings, true
		}
	}

	// Priority 2: parameter children, tried in declaration order.
	for _, p := range n.params {
		if m, bindings, ok := p.node.lookup(rest, method); ok {
			bindings = append([]paramBinding{{name: p.name, value: seg}}, bindings...)
			return m, bindings, true
		}
	}

	return nil, nil, false
}
