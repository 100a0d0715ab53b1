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

// Package agent defines the contract between the workflow engine and agent
// runtimes. The runtimes themselves (CLI transports, API clients) live
// outside the core; the engine only sees this typed surface.
package agent

import (
	"context"
	"sync"

	"github.com/tombee/foreman/pkg/errors"
)

// Config describes how an agent runtime should be instantiated for one step.
type Config struct {
	// CLIType selects the agent transport (e.g. "claude", "codex")
	CLIType string `yaml:"cli_type" json:"cli_type"`

	// Model is the model identifier passed through to the runtime
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// SessionID ties agent invocations to a foreman session
	SessionID string `yaml:"session_id,omitempty" json:"session_id,omitempty"`

	// WorkingDir is the primary working directory for the agent
	WorkingDir string `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`

	// WorkingDirectories lists additional directories the agent may access
	WorkingDirectories []string `yaml:"working_directories,omitempty" json:"working_directories,omitempty"`
}

// Runtime is an instantiated agent. Execute dispatches a named operation with
// typed inputs and returns an opaque JSON-compatible result.
type Runtime interface {
	Execute(ctx context.Context, operation string, inputs map[string]interface{}) (interface{}, error)
}

// Factory constructs a Runtime from a per-step Config.
type Factory func(cfg Config) (Runtime, error)

// Registry maps agent names to factories. Registration happens at startup;
// lookups of unknown names return a structured not-found error.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a named agent factory, replacing any previous registration.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get instantiates the named agent with the given config.
func (r *Registry) Get(name string, cfg Config) (Runtime, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "agent", ID: name}
	}
	return factory(cfg)
}

// Names returns the registered agent names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
