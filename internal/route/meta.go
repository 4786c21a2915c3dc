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

// Package route defines the data model produced by the (out-of-scope) OpenAPI
// spec loader: one Meta per operation, plus the security-scheme table the
// loader builds alongside it. Everything downstream — router, dispatcher,
// validator cache, security providers — consumes these types by reference.
package route

// ParamLocation is where a parameter is carried on the wire.
type ParamLocation string

const (
	ParamPath   ParamLocation = "path"
	ParamQuery  ParamLocation = "query"
	ParamHeader ParamLocation = "header"
	ParamCookie ParamLocation = "cookie"
)

// Param describes one operation parameter.
type Param struct {
	Name     string
	In       ParamLocation
	Required bool
	Schema   string // raw JSON Schema for this parameter, if any
	Style    string
	Explode  bool
}

// ResponseSpec is the schema+example for one (status, content-type) pair.
type ResponseSpec struct {
	Schema  string
	Example any
}

// CORSMode is the per-route CORS policy selector.
type CORSMode int

const (
	// CORSInherit uses the global CORS configuration (default).
	CORSInherit CORSMode = iota
	// CORSDisabled skips all CORS handling for this route.
	CORSDisabled
	// CORSCustom uses a route-specific override.
	CORSCustom
)

// CORSPolicy is the per-route CORS behavior attached to a Meta.
type CORSPolicy struct {
	Mode   CORSMode
	Custom *CustomCORSConfig // only set when Mode == CORSCustom
}

// CustomCORSConfig is a per-route override of the global CORS policy.
type CustomCORSConfig struct {
	AllowedOrigins   []string
	AllowedHeaders   []string
	AllowedMethods   []string
	AllowCredentials bool
	ExposeHeaders    []string
	MaxAge           int
}

// SecurityScheme is one named entry from the OpenAPI `components.securitySchemes`
// table (e.g. "bearerAuth"). Only the fields the runtime security providers
// need are modeled; schema/parameter details the providers don't consult are
// intentionally omitted.
type SecurityScheme struct {
	Name   string
	Type   string // "http", "oauth2", "apiKey", "openIdConnect"
	Scheme string // for Type == "http": "bearer", "basic", ...
	In     string // for Type == "apiKey": "header", "query", "cookie"
	Key    string // header/query/cookie name for apiKey schemes
}

// SecurityRequirement is one AND-of-schemes entry; a route's full
// requirements list is an OR of these.
type SecurityRequirement struct {
	Schemes map[string][]string // scheme name -> required scopes
}

// Meta is the complete description of one OpenAPI operation, the unit the
// router, dispatcher and validator cache all key off of.
type Meta struct {
	Method        string
	Path          string // pattern with {name} segments, e.g. /pets/{id}
	BasePath      string
	HandlerName   string
	Params        []Param
	RequestSchema string // empty if the operation has no request body
	RequestBodyRequired bool
	// Responses maps status code -> content-type -> spec.
	Responses map[int]map[string]ResponseSpec
	// Security is an OR of AND-requirements; empty means no auth required.
	Security []SecurityRequirement
	SSE      bool
	StackSize int // computed worker-coroutine stack size in bytes, 0 = use pool default
	CORS     CORSPolicy
}

// PathParamNames returns the ordered {name} segments declared in Path.
func (m *Meta) PathParamNames() []string {
	var names []string
	i := 0
	for i < len(m.Path) {
		if m.Path[i] == '{' {
			j := i + 1
			for j < len(m.Path) && m.Path[j] != '}' {
				j++
			}
			if j < len(m.Path) {
				names = append(names, m.Path[i+1:j])
				i = j + 1
				continue
			}
		}
		i++
	}
	return names
}
