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

// Package reload implements the hot-reload protocol (§4.4): a filesystem
// watcher on the spec path that, on change, rebuilds the router, precompiles
// a fresh validator cache for the new routes, and atomically swaps the
// server's router/dispatcher/schemes/validators as one unit — all without
// ever stopping the listener.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/microscaler/brrtrouter/internal/dispatcher"
	"github.com/microscaler/brrtrouter/internal/route"
	"github.com/microscaler/brrtrouter/internal/router"
	"github.com/microscaler/brrtrouter/internal/server"
	"github.com/microscaler/brrtrouter/internal/validator"
)

// Loader parses the spec at path into the ordered route list and the
// security-scheme table. It is out of scope here (§1 excludes the spec
// parser); callers supply their own.
type Loader func(path string) ([]*route.Meta, map[string]route.SecurityScheme, error)

// Registrar re-registers every handler in routes against disp. It is
// caller-supplied because only the generator-produced handler registry
// knows which Go function backs each handler name; this package only
// guarantees it is invoked inside the single write-lock reload window.
type Registrar func(disp *dispatcher.Dispatcher, routes []*route.Meta)

// Watcher observes specPath and drives the reload protocol against srv.
type Watcher struct {
	specPath string
	load     Loader
	register Registrar
	srv      *server.Server
	disp     *dispatcher.Dispatcher
	// validators is the cache the server was started with; reloadOnce never
	// mutates it, and clones it on each reload to get a fresh cache with the
	// same enabled/log settings.
	validators *validator.Cache
	log        *slog.Logger

	fsw     *fsnotify.Watcher
	debounce time.Duration
}

// New builds a Watcher. disp is the single long-lived Dispatcher instance
// mutated in place on every reload (handlers are replaced, not the
// dispatcher itself); srv is told about the new router and scheme table
// once the swap is ready.
func New(specPath string, load Loader, register Registrar, srv *server.Server, disp *dispatcher.Dispatcher, validators *validator.Cache, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("reload: create watcher: %w", err)
	}
	// Watch the containing directory, not the file itself: editors and
	// deploy tooling commonly replace a file via rename rather than an
	// in-place write, which a direct file watch would silently miss.
	if err := fsw.Add(filepath.Dir(specPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("reload: watch %s: %w", specPath, err)
	}

	return &Watcher{
		specPath:   specPath,
		load:       load,
		register:   register,
		srv:        srv,
		disp:       disp,
		validators: validators,
		log:        log,
		fsw:        fsw,
		debounce:   100 * time.Millisecond,
	}, nil
}

// Run blocks, driving reloads until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	var pending *time.Timer
	target := filepath.Clean(w.specPath)

	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, w.reloadOnce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("reload watcher error", "error", err)
		}
	}
}

// reloadOnce performs one full reload cycle. A failure at any step aborts
// and leaves the currently-serving state untouched — a bad spec edit must
// never take the server down.
func (w *Watcher) reloadOnce() {
	routes, schemes, err := w.load(w.specPath)
	if err != nil {
		w.log.Error("reload: spec load failed, keeping previous state", "path", w.specPath, "error", err)
		return
	}

	newRouter, err := router.Build(routes)
	if err != nil {
		w.log.Error("reload: router build failed, keeping previous state", "error", err)
		return
	}

	// Precompile the new spec version's schemas into a fresh cache, never
	// the cache the currently-serving router is still validating against —
	// mutating that one in place would let a request matched by the old
	// router observe schemas compiled for the new spec version mid-reload.
	newValidators := w.validators.Clone()
	validator.PrecompileRoutes(newValidators, routes)

	w.register(w.disp, routes)

	// Single write-lock window (§4.4): router, dispatcher, schemes, and the
	// freshly warmed validator cache all become visible to new requests in
	// one atomic swap.
	w.srv.Reload(newRouter, w.disp, schemes, newValidators)

	w.log.Info("reload complete", "routes", len(routes))
}
