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

// Package httperr maps the runtime's error taxonomy (§7) to HTTP status
// codes and the single JSON error shape every error path writes:
// {"error","details","request_id"}.
package httperr

import "net/http"

// Kind is one of the error categories the core distinguishes (§7).
type Kind int

const (
	KindRouteNotFound Kind = iota
	KindAuthFailure
	KindCORSRejection
	KindValidationFailure
	KindBackpressureShed
	KindHandlerCrash
	KindInternal
)

// Error carries a Kind plus a human message and optional details; HTTPStatus
// and Details expose them to the code that writes error responses.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
}

func (e *Error) Error() string { return e.Message }

// HTTPStatus maps Kind to the status code the spec assigns it.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindRouteNotFound:
		return http.StatusNotFound
	case KindAuthFailure:
		return http.StatusUnauthorized
	case KindCORSRejection:
		return http.StatusForbidden
	case KindValidationFailure:
		return http.StatusBadRequest
	case KindBackpressureShed:
		return http.StatusTooManyRequests
	case KindHandlerCrash:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Details exposes the Detail field to formatters that look for it.
func (e *Error) Details() any {
	if e.Detail == "" {
		return nil
	}
	return e.Detail
}

// New builds an *Error of the given kind.
func New(kind Kind, message, detail string) *Error {
	return &Error{Kind: kind, Message: message, Detail: detail}
}

// RouteNotFound, AuthFailure, CORSRejection, ValidationFailure,
// BackpressureShed, and HandlerCrash are convenience constructors for the
// taxonomy's named cases.
func RouteNotFound(path string) *Error {
	return New(KindRouteNotFound, "not found", "no route matches "+path)
}

func AuthFailure(detail string) *Error {
	return New(KindAuthFailure, "unauthorized", detail)
}

func CORSRejection(detail string) *Error {
	return New(KindCORSRejection, "cors rejection", detail)
}

func ValidationFailure(detail string) *Error {
	return New(KindValidationFailure, "request validation failed", detail)
}

func BackpressureShed(detail string) *Error {
	return New(KindBackpressureShed, "request shed", detail)
}

func HandlerCrash(detail string) *Error {
	return New(KindHandlerCrash, "handler crashed", detail)
}

// Body is the wire shape of every error response.
type Body struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id"`
}
