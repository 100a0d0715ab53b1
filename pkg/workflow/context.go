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

package workflow

import (
	"encoding/json"
	"sync"
	"time"
)

// StepStatus is the execution status of a workflow step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusPartial   StepStatus = "partial"
)

// IsTerminal reports whether the status is one of the terminal states.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusPartial:
		return true
	}
	return false
}

// StepResult records the outcome of one step execution.
type StepResult struct {
	StepID      string      `json:"step_id"`
	Status      StepStatus  `json:"status"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
	RetryCount  int         `json:"retry_count,omitempty"`
}

// Context carries the typed state of one workflow execution: inputs, step
// results, outputs, and metadata, plus transient variable bindings used by
// loop iterations.
//
// The engine owns a Context exclusively during execution; mu serializes the
// concurrent writes produced by parallel step children.
type Context struct {
	mu          sync.RWMutex
	inputs      map[string]interface{}
	stepResults map[string]*StepResult
	outputs     map[string]interface{}
	metadata    map[string]interface{}
	vars        map[string]interface{}
}

// NewContext creates a context with the given inputs.
func NewContext(inputs map[string]interface{}) *Context {
	if inputs == nil {
		inputs = make(map[string]interface{})
	}
	return &Context{
		inputs:      inputs,
		stepResults: make(map[string]*StepResult),
		outputs:     make(map[string]interface{}),
		metadata:    make(map[string]interface{}),
		vars:        make(map[string]interface{}),
	}
}

// Inputs returns the input map. Callers must not mutate it.
func (c *Context) Inputs() map[string]interface{} {
	return c.inputs
}

// SetStepResult records a step's result.
func (c *Context) SetStepResult(result *StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepResults[result.StepID] = result
}

// StepResult returns the recorded result for a step id.
func (c *Context) StepResult(stepID string) (*StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.stepResults[stepID]
	return r, ok
}

// StepResults returns a copy of the result map.
func (c *Context) StepResults() map[string]*StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*StepResult, len(c.stepResults))
	for k, v := range c.stepResults {
		out[k] = v
	}
	return out
}

// SetOutput records a workflow output value.
func (c *Context) SetOutput(name string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[name] = value
}

// Outputs returns a copy of the output map.
func (c *Context) Outputs() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]interface{}, len(c.outputs))
	for k, v := range c.outputs {
		out[k] = v
	}
	return out
}

// SetMetadata records an execution metadata value (e.g. session_id).
func (c *Context) SetMetadata(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Metadata returns the metadata value for a key.
func (c *Context) Metadata(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

// BindVar sets a transient variable binding (loop item variables), returning
// the previous value so callers can restore it.
func (c *Context) BindVar(name string, value interface{}) (prev interface{}, existed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, existed = c.vars[name]
	c.vars[name] = value
	return prev, existed
}

// RestoreVar restores a binding saved by BindVar.
func (c *Context) RestoreVar(name string, prev interface{}, existed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existed {
		c.vars[name] = prev
	} else {
		delete(c.vars, name)
	}
}

// Get resolves a dot path (inputs.X, steps.ID.result.PATH, steps.ID.status,
// steps.ID.error, outputs.X, or a bound variable), returning def when the
// path is missing.
func (c *Context) Get(path string, def interface{}) interface{} {
	if v, ok := c.Resolve(path); ok {
		return v
	}
	return def
}

// Resolve resolves a dot path against the context tree.
func (c *Context) Resolve(path string) (interface{}, bool) {
	return resolveDotPath(c.tree(), path)
}

// tree builds the navigable view of the context:
//
//	inputs.*   the input values
//	steps.ID.{result, status, error}
//	outputs.*  the recorded outputs
//	<var>      loop variable bindings at top level
func (c *Context) tree() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	steps := make(map[string]interface{}, len(c.stepResults))
	for id, r := range c.stepResults {
		steps[id] = map[string]interface{}{
			"result": r.Result,
			"status": string(r.Status),
			"error":  r.Error,
		}
	}

	tree := map[string]interface{}{
		"inputs":  c.inputs,
		"steps":   steps,
		"outputs": c.outputs,
	}
	for k, v := range c.vars {
		if _, taken := tree[k]; !taken {
			tree[k] = v
		}
	}
	return tree
}

// ExprContext returns the evaluation environment for condition and value
// expressions: the same tree the template resolver navigates.
func (c *Context) ExprContext() map[string]interface{} {
	return c.tree()
}

// contextState is the serialized form of a Context.
type contextState struct {
	Inputs      map[string]interface{} `json:"inputs"`
	StepResults map[string]*StepResult `json:"step_results"`
	Outputs     map[string]interface{} `json:"outputs"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// ToMap serializes the context for session persistence. The round trip
// through FromMap preserves step results and outputs.
func (c *Context) ToMap() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state := contextState{
		Inputs:      c.inputs,
		StepResults: c.stepResults,
		Outputs:     c.outputs,
		Metadata:    c.metadata,
	}
	// Round-trip through JSON to produce a plain-map representation that any
	// storage backend can persist.
	data, err := json.Marshal(state)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

// FromMap reconstructs a context from its serialized form.
func FromMap(m map[string]interface{}) (*Context, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var state contextState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}

	ctx := NewContext(state.Inputs)
	if state.StepResults != nil {
		ctx.stepResults = state.StepResults
	}
	if state.Outputs != nil {
		ctx.outputs = state.Outputs
	}
	if state.Metadata != nil {
		ctx.metadata = state.Metadata
	}
	return ctx, nil
}

// resolveDotPath navigates nested maps by dot-separated segments.
func resolveDotPath(root interface{}, path string) (interface{}, bool) {
	current := root
	start := 0
	for start <= len(path) {
		end := start
		for end < len(path) && path[end] != '.' {
			end++
		}
		segment := path[start:end]
		if segment == "" {
			return nil, false
		}
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
		if end == len(path) {
			return current, true
		}
		start = end + 1
	}
	return nil, false
}
