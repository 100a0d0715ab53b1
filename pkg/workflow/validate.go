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
	"fmt"
	"sort"
	"strings"

	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/workflow/expression"
)

// ValidationErrors aggregates every problem found in one validation pass.
// Static validation reports all errors, not just the first.
type ValidationErrors struct {
	Errors []error
}

// Error implements the error interface.
func (e *ValidationErrors) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("workflow validation failed with %d errors: %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Validate statically checks the definition: non-empty name and steps, unique
// step IDs across all nesting levels, resolvable depends_on references, known
// step types, and per-type constraints. All problems are collected and
// returned together.
func (d *Definition) Validate() error {
	var errs []error

	if d.Name == "" {
		errs = append(errs, &errors.ValidationError{Field: "workflow.name", Message: "name is required"})
	}
	if len(d.Steps) == 0 {
		errs = append(errs, &errors.ValidationError{Field: "workflow.steps", Message: "at least one step is required"})
	}

	ids := make(map[string]bool)
	walkSteps(d.Steps, func(step *StepDefinition) {
		if step.ID == "" {
			errs = append(errs, &errors.ValidationError{Field: "step.id", Message: "step id is required"})
			return
		}
		if ids[step.ID] {
			errs = append(errs, &errors.ValidationError{
				Field:   "step.id",
				Message: fmt.Sprintf("duplicate step id %q", step.ID),
			})
		}
		ids[step.ID] = true
	})

	knownIDs := make([]string, 0, len(ids))
	for id := range ids {
		knownIDs = append(knownIDs, id)
	}
	sort.Strings(knownIDs)
	eval := expression.New()

	walkSteps(d.Steps, func(step *StepDefinition) {
		for _, dep := range step.DependsOn {
			if !ids[dep] {
				errs = append(errs, &errors.ValidationError{
					Field:   fmt.Sprintf("step.%s.depends_on", step.ID),
					Message: fmt.Sprintf("unknown dependency %q", dep),
				})
			}
		}
		errs = append(errs, validateStepType(step)...)
		errs = append(errs, validateStepExpressions(step, knownIDs, eval)...)
	})

	for name, out := range d.Outputs {
		if err := expression.ValidateStepReferences(out.Value, knownIDs); err != nil {
			errs = append(errs, &errors.ValidationError{
				Field:   "workflow.outputs." + name,
				Message: err.Error(),
			})
		}
	}

	if len(errs) > 0 {
		return &ValidationErrors{Errors: errs}
	}
	return nil
}

// validateStepExpressions checks the step's expression fields at definition
// time: every steps.ID reference must name a known step, and template-free
// conditions must compile.
func validateStepExpressions(step *StepDefinition, knownIDs []string, eval *expression.Evaluator) []error {
	var errs []error
	field := func(name string) string { return fmt.Sprintf("step.%s.%s", step.ID, name) }

	refChecks := []struct {
		name string
		expr string
	}{
		{"condition", step.Condition},
		{"items", step.Items},
		{"script", step.Script},
	}
	for _, check := range refChecks {
		if check.expr == "" {
			continue
		}
		if err := expression.ValidateStepReferences(check.expr, knownIDs); err != nil {
			errs = append(errs, &errors.ValidationError{
				Field:      field(check.name),
				Message:    err.Error(),
				Suggestion: "reference steps by the id they declare in this workflow",
			})
		}
	}

	// Conditions without template markers are plain expr-lang and can be
	// syntax-checked now; templated ones are only resolvable at run time.
	if step.Condition != "" && !strings.Contains(step.Condition, "{{") {
		if err := eval.Compile(step.Condition); err != nil {
			errs = append(errs, &errors.ValidationError{
				Field:      field("condition"),
				Message:    fmt.Sprintf("invalid condition expression: %s", err.Error()),
				Suggestion: "check expression syntax; valid operators: ==, !=, <, >, <=, >=, &&, ||, !, in",
			})
		}
	}

	return errs
}

// validateStepType enforces the per-variant constraints.
func validateStepType(step *StepDefinition) []error {
	var errs []error
	field := func(name string) string { return fmt.Sprintf("step.%s.%s", step.ID, name) }

	switch step.Type {
	case StepTypeAgent:
		if step.Agent == "" {
			errs = append(errs, &errors.ValidationError{Field: field("agent"), Message: "agent is required for agent steps"})
		}
		if step.Operation == "" {
			errs = append(errs, &errors.ValidationError{Field: field("operation"), Message: "operation is required for agent steps"})
		}
	case StepTypeTransform:
		if step.Operation == "" && step.Script == "" {
			errs = append(errs, &errors.ValidationError{
				Field:      field("operation"),
				Message:    "transform steps require either operation or script",
				Suggestion: "name a registered transform operation, or provide an inline script expression",
			})
		}
	case StepTypeConditional:
		if step.Condition == "" {
			errs = append(errs, &errors.ValidationError{Field: field("condition"), Message: "condition is required for conditional steps"})
		}
	case StepTypeParallel:
		if len(step.Steps) == 0 {
			errs = append(errs, &errors.ValidationError{Field: field("steps"), Message: "parallel steps require at least one substep"})
		}
	case StepTypeLoop:
		if step.Items == "" {
			errs = append(errs, &errors.ValidationError{Field: field("items"), Message: "items is required for loop steps"})
		}
		if len(step.Steps) == 0 {
			errs = append(errs, &errors.ValidationError{Field: field("steps"), Message: "loop steps require at least one substep"})
		}
	default:
		errs = append(errs, &errors.ValidationError{
			Field:      field("type"),
			Message:    fmt.Sprintf("unknown step type %q", step.Type),
			Suggestion: "valid types: agent, transform, loop, conditional, parallel",
		})
	}

	return errs
}

// ValidateInputs checks that every declared required input is present, and
// fills defaults for omitted optional inputs. The returned map is a copy.
func (d *Definition) ValidateInputs(inputs map[string]interface{}) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		resolved[k] = v
	}

	var errs []error
	for name, decl := range d.Inputs {
		if _, ok := resolved[name]; ok {
			continue
		}
		if decl.Required {
			errs = append(errs, &errors.ValidationError{
				Field:   "inputs." + name,
				Message: "required input missing",
			})
			continue
		}
		if decl.Default != nil {
			resolved[name] = decl.Default
		}
	}

	if len(errs) > 0 {
		return nil, &ValidationErrors{Errors: errs}
	}
	return resolved, nil
}
