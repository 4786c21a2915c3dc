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

package validator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microscaler/brrtrouter/internal/route"
)

const petSchema = `{"type":"object","required":["id"],"properties":{"id":{"type":"integer"}}}`

func TestGetOrCompileIdempotent(t *testing.T) {
	t.Parallel()

	c := New(true, nil)
	key := Key("get_pet", Request, 0)

	a, err := c.GetOrCompile(key, petSchema)
	require.NoError(t, err)
	b, err := c.GetOrCompile(key, petSchema)
	require.NoError(t, err)

	assert.Same(t, a, b, "GetOrCompile must return the same shared handle twice")
}

func TestGetOrCompileConcurrentSingleFlight(t *testing.T) {
	t.Parallel()

	c := New(true, nil)
	key := Key("get_pet", Request, 0)

	var wg sync.WaitGroup
	results := make([]*struct{ ok bool }, 32)
	var mu sync.Mutex
	var first any

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := c.GetOrCompile(key, petSchema)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if first == nil {
				first = s
			} else {
				assert.Same(t, first, s)
			}
			results[i] = &struct{ ok bool }{true}
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.NotNil(t, r)
	}
}

func TestCacheDisabledDoesNotRetain(t *testing.T) {
	t.Parallel()

	c := New(false, nil)
	key := Key("get_pet", Request, 0)

	_, err := c.GetOrCompile(key, petSchema)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Size())
}

func TestClearIsTotal(t *testing.T) {
	t.Parallel()

	c := New(true, nil)
	_, err := c.GetOrCompile(Key("h", Request, 0), petSchema)
	require.NoError(t, err)
	require.Equal(t, 1, c.Size())

	c.Clear()
	assert.Equal(t, 0, c.Size())
}

func TestCompileFailureIsNotCrash(t *testing.T) {
	t.Parallel()

	c := New(true, nil)
	_, err := c.GetOrCompile(Key("h", Request, 0), `{not json`)
	assert.Error(t, err)
}

func TestPrecompileRoutes(t *testing.T) {
	t.Parallel()

	c := New(true, nil)
	routes := []*route.Meta{
		{
			HandlerName:   "get_pet",
			RequestSchema: petSchema,
			Responses: map[int]map[string]route.ResponseSpec{
				200: {"application/json": {Schema: petSchema}},
			},
		},
	}
	PrecompileRoutes(c, routes)
	assert.Equal(t, 2, c.Size())
}
