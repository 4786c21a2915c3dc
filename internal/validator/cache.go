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

// Package validator compiles and caches JSON Schema validators keyed by
// (handler, direction, status), so a schema is never compiled more than once
// per (handler, direction, status) across the life of a spec version.
package validator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/microscaler/brrtrouter/internal/route"
)

// Direction is "request" or "response", mirroring the spec's key format.
type Direction string

const (
	Request  Direction = "request"
	Response Direction = "response"
)

// Key builds the cache key "handler:direction[:status]".
func Key(handler string, dir Direction, status int) string {
	if status == 0 {
		return fmt.Sprintf("%s:%s", handler, dir)
	}
	return fmt.Sprintf("%s:%s:%s", handler, dir, strconv.Itoa(status))
}

// Cache is the shared, compile-once validator cache. Enabled==false makes
// GetOrCompile compile on demand without retaining the result, for
// BRRTR_SCHEMA_CACHE=off benchmarking.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*jsonschema.Schema
	enabled bool
	log     *slog.Logger
}

// New creates an empty Cache. enabled controls whether compiled schemas are
// retained across calls (BRRTR_SCHEMA_CACHE=off disables retention).
func New(enabled bool, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{entries: make(map[string]*jsonschema.Schema), enabled: enabled, log: log}
}

// GetOrCompile returns the shared compiled validator for key, compiling it
// from schemaJSON on first request. The fast path takes only a read lock;
// a miss upgrades to an exclusive lock, rechecks the key (another goroutine
// may have inserted it concurrently), and compiles on a true miss.
//
// Compilation failure is logged and returned as an error: callers must treat
// that as a validation error, not a crash.
func (c *Cache) GetOrCompile(key, schemaJSON string) (*jsonschema.Schema, error) {
	c.mu.RLock()
	if s, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		return s, nil
	}
	c.mu.RUnlock()

	if !c.enabled {
		schema, err := compile(key, schemaJSON)
		if err != nil {
			c.log.Error("schema compile failed", "key", key, "error", err)
			return nil, fmt.Errorf("validator: compile %s: %w", key, err)
		}
		return schema, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		// Another goroutine inserted it while we waited for the write lock;
		// every caller shares one compiled validator per key.
		return existing, nil
	}
	schema, err := compile(key, schemaJSON)
	if err != nil {
		c.log.Error("schema compile failed", "key", key, "error", err)
		return nil, fmt.Errorf("validator: compile %s: %w", key, err)
	}
	c.entries[key] = schema
	return schema, nil
}

// Clear atomically and totally clears the cache. Hot reload does not call
// it; reload builds a fresh cache with Clone instead.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*jsonschema.Schema)
}

// Clone returns a fresh, empty Cache with the same enabled/log settings.
// Hot reload precompiles a new spec version's schemas into a clone rather
// than clearing the live cache in place, so the currently-serving router
// never observes a half-repopulated cache mid-reload.
func (c *Cache) Clone() *Cache {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return New(c.enabled, c.log)
}

// Size reports the number of retained compiled validators. It is not
// exported on /metrics.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func compile(id, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()

	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		return nil, fmt.Errorf("invalid schema JSON: %w", err)
	}

	url := id
	if url == "" {
		url = "schema.json"
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// PrecompileRoutes eagerly compiles every request and response schema for
// every route, so the first request against a freshly (re)loaded spec never
// pays the compile cost. Invoked at startup and after every successful hot
// reload.
func PrecompileRoutes(c *Cache, routes []*route.Meta) {
	for _, r := range routes {
		if r.RequestSchema != "" {
			if _, err := c.GetOrCompile(Key(r.HandlerName, Request, 0), r.RequestSchema); err != nil {
				c.log.Warn("precompile request schema failed", "handler", r.HandlerName, "error", err)
			}
		}
		for status, byContentType := range r.Responses {
			for _, spec := range byContentType {
				if spec.Schema == "" {
					continue
				}
				if _, err := c.GetOrCompile(Key(r.HandlerName, Response, status), spec.Schema); err != nil {
					c.log.Warn("precompile response schema failed", "handler", r.HandlerName, "status", status, "error", err)
				}
			}
		}
	}
}
