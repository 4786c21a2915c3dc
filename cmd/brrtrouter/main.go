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

// Package main wires the runtime's collaborators into a runnable server.
// The OpenAPI spec parser and the handler-registry generator are both
// out-of-scope collaborators (§1): in a generated project, loadRoutes and
// registerHandlers below are produced by the generator from the project's
// spec file. Here they're a small hand-written stand-in so the binary runs
// end to end.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/microscaler/brrtrouter/internal/config"
	"github.com/microscaler/brrtrouter/internal/dispatcher"
	"github.com/microscaler/brrtrouter/internal/middleware"
	"github.com/microscaler/brrtrouter/internal/obs"
	"github.com/microscaler/brrtrouter/internal/reload"
	"github.com/microscaler/brrtrouter/internal/route"
	"github.com/microscaler/brrtrouter/internal/router"
	"github.com/microscaler/brrtrouter/internal/security"
	"github.com/microscaler/brrtrouter/internal/server"
	"github.com/microscaler/brrtrouter/internal/validator"
	"github.com/microscaler/brrtrouter/internal/workerpool"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := obs.NewLogger(obs.Options{Level: os.Getenv("BRRTR_LOG_LEVEL"), Format: os.Getenv("BRRTR_LOG_FORMAT")})
	slog.SetDefault(logger)

	poolCfg := config.FromEnv()
	registry := prometheus.NewRegistry()
	validators := validator.New(poolCfg.SchemaCacheEnabled, logger)

	disp := dispatcher.New(logger)
	disp.AddMiddleware(middleware.NewTracing(otel.Tracer("brrtrouter")))
	disp.AddMiddleware(middleware.NewMetrics(registry))
	disp.AddMiddleware(middleware.NewMemory(registry, 10*time.Second))

	globalCORS, err := middleware.NewGlobalCORSConfig(middleware.GlobalCORSConfig{
		Strategy:         middleware.OriginExact,
		AllowedOrigins:   envList("BRRTR_CORS_ALLOWED_ORIGINS"),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: os.Getenv("BRRTR_CORS_ALLOW_CREDENTIALS") == "true",
	})
	if err != nil {
		logger.Error("invalid CORS configuration", "error", err)
		os.Exit(1)
	}
	disp.AddMiddleware(middleware.NewCORS(globalCORS))

	routes, schemes := demoRoutes()
	providers := buildProviders(schemes)

	rt, err := router.Build(routes)
	if err != nil {
		logger.Error("router build failed", "error", err)
		os.Exit(1)
	}
	registerHandlers(disp, routes)
	validator.PrecompileRoutes(validators, routes)

	srv := server.New(server.Config{
		Router:     rt,
		Dispatcher: disp,
		Schemes:    schemes,
		Providers:  providers,
		Validators: validators,
		Registry:   registry,
		Log:        logger,
	})

	if specPath := os.Getenv("BRRTR_SPEC_PATH"); specPath != "" {
		watcher, err := reload.New(specPath, loadRoutes, registerHandlers, srv, disp, validators, logger)
		if err != nil {
			logger.Error("reload watcher setup failed", "error", err)
			os.Exit(1)
		}
		go watcher.Run(ctx)
	}

	addr := os.Getenv("BRRTR_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	if err := srv.Start(ctx, addr, 10*time.Second); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range splitAndTrim(v, ',') {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitAndTrim(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			out = append(out, trimSpace(s[start:i]))
			start = i + 1
		}
	}
	out = append(out, trimSpace(s[start:]))
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}

// loadRoutes stands in for the generator-produced spec loader (§1's
// out-of-scope collaborator): it returns the same fixed demo route set every
// time, so touching BRRTR_SPEC_PATH demonstrates the reload mechanism
// without requiring a real OpenAPI parser in this module.
func loadRoutes(string) ([]*route.Meta, map[string]route.SecurityScheme, error) {
	routes, schemes := demoRoutes()
	return routes, schemes, nil
}

// registerHandlers stands in for the generator's emitted registry function
// (§6): it calls RegisterHandler once per route.
func registerHandlers(disp *dispatcher.Dispatcher, routes []*route.Meta) {
	cfg := config.FromEnv()
	for _, r := range routes {
		disp.RegisterHandler(r.HandlerName, cfg, demoHandler)
	}
}

func demoHandler(req *workerpool.HandlerRequest) {
	req.Reply <- &workerpool.HandlerResponse{
		Status:  http.StatusOK,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"message":"hello from ` + req.HandlerName + `"}`),
	}
}

func demoRoutes() ([]*route.Meta, map[string]route.SecurityScheme) {
	routes := []*route.Meta{
		{Method: http.MethodGet, Path: "/hello", HandlerName: "get_hello"},
		{
			Method:      http.MethodGet,
			Path:        "/secure/hello",
			HandlerName: "get_secure_hello",
			Security: []route.SecurityRequirement{
				{Schemes: map[string][]string{"bearerAuth": {"read"}}},
			},
		},
	}
	schemes := map[string]route.SecurityScheme{
		"bearerAuth": {Name: "bearerAuth", Type: "http", Scheme: "bearer"},
	}
	return routes, schemes
}

func buildProviders(schemes map[string]route.SecurityScheme) map[string]security.Provider {
	providers := make(map[string]security.Provider, len(schemes))
	for name, scheme := range schemes {
		switch {
		case scheme.Type == "http" && scheme.Scheme == "bearer":
			if jwksURL := os.Getenv("BRRTR_JWKS_URL"); jwksURL != "" {
				p, err := security.NewJwksBearer(jwksURL, security.WithJwksLogger(slog.Default()))
				if err != nil {
					log.Printf("jwks provider for %s disabled: %v", name, err)
					continue
				}
				providers[name] = p
			} else {
				providers[name] = security.NewBearerJwt(os.Getenv("BRRTR_TEST_BEARER_SIGNATURE"))
			}
		case scheme.Type == "oauth2":
			providers[name] = security.NewOAuth2(os.Getenv("BRRTR_TEST_BEARER_SIGNATURE"))
		case scheme.Type == "apiKey":
			if verifyURL := os.Getenv("BRRTR_API_KEY_VERIFY_URL"); verifyURL != "" {
				providers[name] = security.NewRemoteApiKey(verifyURL, time.Minute)
			}
		}
	}
	return providers
}
