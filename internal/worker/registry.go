// Copyright 2025 Tom Barlow
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

package worker

import (
	"fmt"
	"sync"

	"github.com/weldr-dev/runr/pkg/rerrors"
)

// Registry resolves a worker by its configured name ("codex", "claude",
// ...). The state machine and supervisor only ever reference workers by
// name, per spec §4.8 "dynamic dispatch", so swapping or fallback-ing a
// worker never touches the phase graph.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register adds or replaces the worker under name.
func (r *Registry) Register(name string, w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[name] = w
}

// Get resolves name to a Worker, returning a worker_unavailable
// WorkerError when the name isn't registered.
func (r *Registry) Get(name string) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	if !ok {
		return nil, &rerrors.WorkerError{
			Kind:   "worker_unavailable",
			Worker: name,
			Cause:  fmt.Errorf("no worker registered under name %q", name),
		}
	}
	return w, nil
}

// Names returns the registered worker names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	return names
}
