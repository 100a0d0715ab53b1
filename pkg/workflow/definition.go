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

// Package workflow provides declarative DAG execution over the command
// executor and agent runtimes: typed step variants, templated input
// resolution, dependency scheduling, retry policy, and session-backed state
// persistence with mid-workflow resume.
package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Definition represents a YAML-based workflow definition. Documents carry a
// single `workflow:` root key; optional fields may be omitted and receive the
// defaults documented on each type.
type Definition struct {
	// Name is the workflow identifier
	Name string `yaml:"name" json:"name"`

	// Description provides human-readable context about the workflow
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Version tracks the definition schema version (optional, defaults to "1.0")
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Inputs defines the expected input parameters for the workflow
	Inputs map[string]InputDefinition `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// Outputs define what data is returned when the workflow completes
	Outputs map[string]OutputDefinition `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	// Steps are the executable units of the workflow
	Steps []StepDefinition `yaml:"steps" json:"steps"`
}

// InputDefinition declares one workflow input parameter.
type InputDefinition struct {
	// Type is the expected value type (string, number, boolean, list, object)
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	// Required marks inputs that must be supplied at execution time
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`

	// Default is used when an optional input is not supplied
	Default interface{} `yaml:"default,omitempty" json:"default,omitempty"`

	// Description documents the input
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// OutputDefinition declares one workflow output, resolved from the final
// context when the workflow completes.
type OutputDefinition struct {
	// Value is a template expression resolved against the final context
	Value string `yaml:"value,omitempty" json:"value,omitempty"`

	// Description documents the output
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// StepType discriminates the step variants.
type StepType string

const (
	// StepTypeAgent dispatches an operation to a named agent runtime
	StepTypeAgent StepType = "agent"

	// StepTypeTransform computes a pure function of its resolved inputs
	StepTypeTransform StepType = "transform"

	// StepTypeLoop iterates an inner DAG over a resolved list
	StepTypeLoop StepType = "loop"

	// StepTypeConditional branches on a templated boolean expression
	StepTypeConditional StepType = "conditional"

	// StepTypeParallel executes nested steps concurrently
	StepTypeParallel StepType = "parallel"
)

// OnErrorPolicy selects how a step failure propagates.
type OnErrorPolicy string

const (
	// OnErrorStop aborts the workflow (the default)
	OnErrorStop OnErrorPolicy = "stop"

	// OnErrorContinue records the failure and proceeds
	OnErrorContinue OnErrorPolicy = "continue"

	// OnErrorRetry is folded into the retry configuration
	OnErrorRetry OnErrorPolicy = "retry"
)

// BackoffStrategy selects the retry delay computation.
type BackoffStrategy string

const (
	// BackoffFixed waits one second between attempts
	BackoffFixed BackoffStrategy = "fixed"

	// BackoffExponential waits multiplier^retry - 1 seconds
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryDefinition configures per-step retry behavior.
type RetryDefinition struct {
	// MaxAttempts is the total number of execution attempts (default 1)
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`

	// Backoff selects fixed or exponential delays (default exponential)
	Backoff BackoffStrategy `yaml:"backoff,omitempty" json:"backoff,omitempty"`

	// BackoffMultiplier is the exponential base (default 2)
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty" json:"backoff_multiplier,omitempty"`
}

// StepDefinition is the tagged union of step variants. Type selects which of
// the variant fields are meaningful; validation enforces the per-type
// constraints.
type StepDefinition struct {
	// ID is the unique step identifier within the definition, including
	// across nested substeps
	ID string `yaml:"id" json:"id"`

	// Type selects the step variant
	Type StepType `yaml:"type" json:"type"`

	// DependsOn lists step IDs that must complete before this step runs
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Inputs maps input names to values; string values may carry templates
	Inputs map[string]interface{} `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// Outputs maps workflow output names to paths in this step's result
	Outputs map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	// Config carries variant-specific configuration
	Config map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`

	// Retry configures retry-with-backoff for this step
	Retry *RetryDefinition `yaml:"retry,omitempty" json:"retry,omitempty"`

	// TimeoutSeconds bounds one execution attempt (0 = no timeout)
	TimeoutSeconds int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// OnError selects the failure policy (default stop)
	OnError OnErrorPolicy `yaml:"on_error,omitempty" json:"on_error,omitempty"`

	// Agent fields (type: agent)
	Agent     string `yaml:"agent,omitempty" json:"agent,omitempty"`
	Operation string `yaml:"operation,omitempty" json:"operation,omitempty"`

	// Transform fields (type: transform). Operation above names a registered
	// transform; Script is an opaque expression evaluated in-process.
	Script string `yaml:"script,omitempty" json:"script,omitempty"`

	// Loop fields (type: loop)
	Items   string `yaml:"items,omitempty" json:"items,omitempty"`
	ItemVar string `yaml:"item_var,omitempty" json:"item_var,omitempty"`

	// Conditional fields (type: conditional)
	Condition string           `yaml:"condition,omitempty" json:"condition,omitempty"`
	Then      []StepDefinition `yaml:"then,omitempty" json:"then,omitempty"`
	Else      []StepDefinition `yaml:"else,omitempty" json:"else,omitempty"`

	// Nested steps (type: loop, parallel)
	Steps []StepDefinition `yaml:"steps,omitempty" json:"steps,omitempty"`

	// MaxConcurrency limits concurrent children of a parallel step
	// (0 = unbounded)
	MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
}

// document is the YAML root wrapper.
type document struct {
	Workflow *Definition `yaml:"workflow"`
}

// Parse decodes a workflow definition from its YAML document form and applies
// defaults. Validation is separate; see Definition.Validate.
func Parse(data []byte) (*Definition, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	if doc.Workflow == nil {
		return nil, fmt.Errorf("workflow definition missing required root key 'workflow'")
	}
	def := doc.Workflow
	def.applyDefaults()
	return def, nil
}

// Serialize encodes the definition back to its YAML document form. Parsing
// the output yields an equivalent definition modulo default elision.
func (d *Definition) Serialize() ([]byte, error) {
	return yaml.Marshal(document{Workflow: d})
}

// applyDefaults fills omitted optional fields.
func (d *Definition) applyDefaults() {
	if d.Version == "" {
		d.Version = "1.0"
	}
	for i := range d.Steps {
		applyStepDefaults(&d.Steps[i])
	}
}

func applyStepDefaults(step *StepDefinition) {
	if step.OnError == "" {
		step.OnError = OnErrorStop
	}
	if step.Retry != nil {
		if step.Retry.MaxAttempts < 1 {
			step.Retry.MaxAttempts = 1
		}
		if step.Retry.Backoff == "" {
			step.Retry.Backoff = BackoffExponential
		}
		if step.Retry.BackoffMultiplier <= 0 {
			step.Retry.BackoffMultiplier = 2
		}
	}
	if step.Type == StepTypeLoop && step.ItemVar == "" {
		step.ItemVar = "item"
	}
	for i := range step.Steps {
		applyStepDefaults(&step.Steps[i])
	}
	for i := range step.Then {
		applyStepDefaults(&step.Then[i])
	}
	for i := range step.Else {
		applyStepDefaults(&step.Else[i])
	}
}

// walkSteps visits every step in the definition, including nested substeps,
// in declaration order.
func walkSteps(steps []StepDefinition, visit func(*StepDefinition)) {
	for i := range steps {
		step := &steps[i]
		visit(step)
		walkSteps(step.Steps, visit)
		walkSteps(step.Then, visit)
		walkSteps(step.Else, visit)
	}
}
