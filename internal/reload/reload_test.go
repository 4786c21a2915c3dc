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

package reload

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microscaler/brrtrouter/internal/config"
	"github.com/microscaler/brrtrouter/internal/dispatcher"
	"github.com/microscaler/brrtrouter/internal/route"
	"github.com/microscaler/brrtrouter/internal/router"
	"github.com/microscaler/brrtrouter/internal/server"
	"github.com/microscaler/brrtrouter/internal/validator"
	"github.com/microscaler/brrtrouter/internal/workerpool"
)

func okHandler(req *workerpool.HandlerRequest) {
	req.Reply <- &workerpool.HandlerResponse{Status: 200, Headers: map[string]string{"Content-Type": "application/json"}, Body: []byte(`{}`)}
}

var poolCfg = config.WorkerPool{Workers: 2, QueueBound: 8, BackpressureMode: config.Block, BackpressureTimeout: 50}

func newHarness(t *testing.T) (*server.Server, *dispatcher.Dispatcher, *validator.Cache) {
	t.Helper()
	initialMeta := &route.Meta{Method: http.MethodGet, Path: "/v1/widgets", HandlerName: "get_widgets_v1"}
	rt, err := router.Build([]*route.Meta{initialMeta})
	require.NoError(t, err)

	disp := dispatcher.New(nil)
	disp.RegisterHandler("get_widgets_v1", poolCfg, okHandler)

	validators := validator.New(true, nil)
	srv := server.New(server.Config{
		Router:     rt,
		Dispatcher: disp,
		Validators: validators,
		Registry:   prometheus.NewRegistry(),
	})
	return srv, disp, validators
}

// TestReloadOnceSwapsRouterAtomically covers invariant #10: before a reload
// the old path resolves, and after it completes, requests against the old
// path 404 and the new path succeeds.
func TestReloadOnceSwapsRouterAtomically(t *testing.T) {
	srv, disp, validators := newHarness(t)

	// Pre-reload: old route resolves, new route doesn't exist yet.
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/widgets", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	newMeta := &route.Meta{Method: http.MethodGet, Path: "/v2/widgets", HandlerName: "get_widgets_v2"}
	load := func(string) ([]*route.Meta, map[string]route.SecurityScheme, error) {
		return []*route.Meta{newMeta}, nil, nil
	}
	register := func(d *dispatcher.Dispatcher, routes []*route.Meta) {
		for _, r := range routes {
			d.RegisterHandler(r.HandlerName, poolCfg, okHandler)
		}
	}

	w := &Watcher{specPath: "spec.yaml", load: load, register: register, srv: srv, disp: disp, validators: validators, log: noopLogger()}
	w.reloadOnce()

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/widgets", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "old route must be gone after reload")

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/widgets", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "new route must resolve after reload")
}

// TestReloadOnceNeverMutatesLiveValidatorCache guards against a hybrid
// old-router/new-validator state (§4.4's single write-lock window): the
// cache instance a request is actively validating against must never be
// mutated by a reload in progress. reloadOnce must clone it instead.
func TestReloadOnceNeverMutatesLiveValidatorCache(t *testing.T) {
	srv, disp, validators := newHarness(t)

	strictSchema := `{"type":"object","required":["name"]}`
	newMeta := &route.Meta{
		Method:        http.MethodGet,
		Path:          "/v1/widgets",
		HandlerName:   "get_widgets_v1",
		RequestSchema: strictSchema,
	}
	load := func(string) ([]*route.Meta, map[string]route.SecurityScheme, error) {
		return []*route.Meta{newMeta}, nil, nil
	}
	register := func(d *dispatcher.Dispatcher, routes []*route.Meta) {
		for _, r := range routes {
			d.RegisterHandler(r.HandlerName, poolCfg, okHandler)
		}
	}

	w := &Watcher{specPath: "spec.yaml", load: load, register: register, srv: srv, disp: disp, validators: validators, log: noopLogger()}
	w.reloadOnce()

	assert.Equal(t, 0, validators.Size(), "the cache passed in at construction must never be mutated by a reload")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/widgets", strings.NewReader(`{}`))
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "the post-reload router must validate against the newly compiled schema")
}

func TestReloadOnceKeepsPreviousStateOnLoadFailure(t *testing.T) {
	srv, disp, validators := newHarness(t)

	load := func(string) ([]*route.Meta, map[string]route.SecurityScheme, error) {
		return nil, nil, assertErr{}
	}
	w := &Watcher{specPath: "spec.yaml", load: load, register: func(*dispatcher.Dispatcher, []*route.Meta) {}, srv: srv, disp: disp, validators: validators, log: noopLogger()}
	w.reloadOnce()

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/widgets", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "a failed reload must not disturb the currently-serving router")
}

type assertErr struct{}

func (assertErr) Error() string { return "simulated load failure" }

func noopLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newCancelContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

// TestWatcherDetectsFileWrite exercises the real fsnotify path end to end:
// writing the watched spec file triggers a debounced reload.
func TestWatcherDetectsFileWrite(t *testing.T) {
	dir := t.TempDir()
	specPath := filepath.Join(dir, "spec.yaml")
	require.NoError(t, os.WriteFile(specPath, []byte("v1"), 0o644))

	srv, disp, validators := newHarness(t)
	reloaded := make(chan struct{}, 1)
	newMeta := &route.Meta{Method: http.MethodGet, Path: "/v2/widgets", HandlerName: "get_widgets_v2"}
	load := func(string) ([]*route.Meta, map[string]route.SecurityScheme, error) {
		return []*route.Meta{newMeta}, nil, nil
	}
	register := func(d *dispatcher.Dispatcher, routes []*route.Meta) {
		for _, r := range routes {
			d.RegisterHandler(r.HandlerName, poolCfg, okHandler)
		}
		select {
		case reloaded <- struct{}{}:
		default:
		}
	}

	w, err := New(specPath, load, register, srv, disp, validators, nil)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := newCancelContext()
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(specPath, []byte("v2"), 0o644))

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("reload was not triggered by file write")
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/widgets", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
