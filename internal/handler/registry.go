// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package handler

import (
	"fmt"
	"sync"

	"ingestproxy/pkg/wf"
)

// Entity is the type-erased shape every concrete Handler[T] satisfies, so a
// single registry can hold handlers for points, histograms, spans, and so
// on side by side (design note §9: "tagged variant per entity type, with
// one interface {report, block, reject, shutdown}").
type Entity interface {
	Shutdown()
}

// Registry maps HandlerKey to its one handler (spec invariant 4: "for any
// HandlerKey there is exactly one handler"). Grounded on
// internal/ratelimiter/core/store.go's sync.Map-keyed registry, generalized
// from VSA instances to handlers.
type Registry struct {
	entities sync.Map // wf.HandlerKey -> Entity
}

func NewRegistry() *Registry { return &Registry{} }

// Register installs h for key. It panics on a duplicate key: that would
// violate the one-handler-per-key invariant and indicates a wiring bug, not
// a runtime condition callers should recover from.
func (r *Registry) Register(key wf.HandlerKey, h Entity) {
	if _, loaded := r.entities.LoadOrStore(key, h); loaded {
		panic(fmt.Sprintf("duplicate handler registration for %s", key))
	}
}

func (r *Registry) Get(key wf.HandlerKey) (Entity, bool) {
	v, ok := r.entities.Load(key)
	if !ok {
		return nil, false
	}
	return v.(Entity), true
}

// ShutdownAll calls Shutdown on every registered entity, used during
// process shutdown.
func (r *Registry) ShutdownAll() {
	r.entities.Range(func(_, v any) bool {
		v.(Entity).Shutdown()
		return true
	})
}
