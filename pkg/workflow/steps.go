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
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/pkg/agent"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/workflow/expression"
)

// executeStepOnce runs a single attempt of one step and returns its result
// value. Retry and error policy live in the engine's runStep wrapper.
func (e *Engine) executeStepOnce(ctx context.Context, wctx *Context, step *StepDefinition) (interface{}, error) {
	switch step.Type {
	case StepTypeAgent:
		return e.executeAgentStep(ctx, wctx, step)
	case StepTypeTransform:
		return e.executeTransformStep(ctx, wctx, step)
	case StepTypeLoop:
		return e.executeLoopStep(ctx, wctx, step)
	case StepTypeConditional:
		return e.executeConditionalStep(ctx, wctx, step)
	case StepTypeParallel:
		return e.executeParallelStep(ctx, wctx, step)
	default:
		return nil, &errors.ValidationError{
			Field:   "step.type",
			Message: fmt.Sprintf("unknown step type %q", step.Type),
		}
	}
}

// executeAgentStep resolves inputs, instantiates the named agent, and
// dispatches the configured operation.
func (e *Engine) executeAgentStep(ctx context.Context, wctx *Context, step *StepDefinition) (interface{}, error) {
	if e.agents == nil {
		return nil, &errors.ValidationError{
			Field:   "step." + step.ID,
			Message: "no agent registry configured",
		}
	}

	cfg := agent.Config{}
	if v, ok := step.Config["cli_type"].(string); ok {
		cfg.CLIType = v
	}
	if v, ok := step.Config["model"].(string); ok {
		cfg.Model = v
	}
	if v, ok := step.Config["working_dir"].(string); ok {
		cfg.WorkingDir = v
	}
	if dirs, ok := step.Config["working_directories"].([]interface{}); ok {
		for _, d := range dirs {
			if s, ok := d.(string); ok {
				cfg.WorkingDirectories = append(cfg.WorkingDirectories, s)
			}
		}
	}
	if sessionID, ok := wctx.Metadata("session_id"); ok {
		cfg.SessionID, _ = sessionID.(string)
	}

	runtime, err := e.agents.Get(step.Agent, cfg)
	if err != nil {
		return nil, err
	}

	inputs := wctx.ResolveInputs(step.Inputs)
	return runtime.Execute(ctx, step.Operation, inputs)
}

// executeTransformStep dispatches a registered operation, or evaluates the
// step's script as a sandboxed expression over the resolved inputs.
func (e *Engine) executeTransformStep(ctx context.Context, wctx *Context, step *StepDefinition) (interface{}, error) {
	inputs := wctx.ResolveInputs(step.Inputs)

	if step.Operation != "" {
		fn, ok := e.transforms.Get(step.Operation)
		if !ok {
			if step.Script == "" {
				return nil, &errors.NotFoundError{Resource: "transform operation", ID: step.Operation}
			}
		} else {
			config := step.Config
			if config == nil {
				config = map[string]interface{}{}
			}
			return fn(ctx, config, inputs)
		}
	}

	// Script transform: the expression sees the step's resolved inputs
	// (layered over the workflow inputs) plus the surrounding context tree.
	env := wctx.ExprContext()
	scriptInputs := make(map[string]interface{}, len(wctx.Inputs())+len(inputs))
	for k, v := range wctx.Inputs() {
		scriptInputs[k] = v
	}
	for k, v := range inputs {
		scriptInputs[k] = v
	}
	env["inputs"] = scriptInputs
	value, err := e.eval.EvaluateValue(step.Script, env)
	if err != nil {
		return nil, err
	}
	if f, ok := value.(float64); ok && (math.IsInf(f, 0) || math.IsNaN(f)) {
		return nil, fmt.Errorf("script %q divided by zero or overflowed (result %v)", step.Script, f)
	}
	return value, nil
}

// executeConditionalStep evaluates the templated boolean condition and runs
// the selected branch as a sub-DAG.
func (e *Engine) executeConditionalStep(ctx context.Context, wctx *Context, step *StepDefinition) (interface{}, error) {
	env := wctx.ExprContext()
	condition, err := expression.PreprocessTemplate(step.Condition, env)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve condition templates: %w", err)
	}
	result, err := e.eval.Evaluate(condition, env)
	if err != nil {
		return nil, err
	}

	branch := step.Then
	branchName := "then"
	if !result {
		branch = step.Else
		branchName = "else"
	}
	e.logger.Debug("conditional evaluated",
		log.StepIDKey, step.ID, "condition", step.Condition, "result", result)

	if len(branch) == 0 {
		return map[string]interface{}{"condition": result, "branch": branchName, "executed": []string{}}, nil
	}

	executed, err := e.runDAG(ctx, wctx, branch, "")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"condition": result, "branch": branchName, "executed": executed}, nil
}

// executeParallelStep runs its children concurrently, respecting
// MaxConcurrency. Each child carries its own retry and error policy.
func (e *Engine) executeParallelStep(ctx context.Context, wctx *Context, step *StepDefinition) (interface{}, error) {
	limit := step.MaxConcurrency
	if limit <= 0 {
		limit = len(step.Steps)
	}
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	childErrs := make([]error, len(step.Steps))
	for i := range step.Steps {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			childErrs[idx] = e.runStep(ctx, wctx, &step.Steps[idx], "")
		}(i)
	}
	wg.Wait()

	results := make(map[string]interface{}, len(step.Steps))
	var firstErr error
	for i := range step.Steps {
		child := &step.Steps[i]
		if r, ok := wctx.StepResult(child.ID); ok {
			results[child.ID] = map[string]interface{}{
				"status": string(r.Status),
				"result": r.Result,
				"error":  r.Error,
			}
		}
		if childErrs[i] != nil && firstErr == nil {
			firstErr = childErrs[i]
		}
	}
	if firstErr != nil {
		return results, firstErr
	}
	return results, nil
}
