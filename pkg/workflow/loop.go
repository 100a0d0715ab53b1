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

	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/pkg/errors"
)

// IterationResult records one loop iteration.
type IterationResult struct {
	Index       int                    `json:"index"`
	Item        interface{}            `json:"item"`
	Status      StepStatus             `json:"status"`
	StepResults map[string]interface{} `json:"step_results,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// LoopResult is the aggregate result of a loop step. Successful + Failed
// always equals Iterations.
type LoopResult struct {
	Iterations int               `json:"iterations"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Results    []IterationResult `json:"results"`
}

// executeLoopStep resolves the items expression and runs the inner DAG once
// per item, sequentially. The item variable is bound for the duration of each
// iteration (saving and restoring any prior binding), and inner step results
// are namespaced as parentID.index.childID.
//
// An iteration whose child fails with on_error=stop is aborted; the loop
// continues with the next iteration. A child failing with on_error=continue
// does not abort the iteration but still marks it failed in the counts.
func (e *Engine) executeLoopStep(ctx context.Context, wctx *Context, step *StepDefinition) (interface{}, error) {
	items, err := e.resolveLoopItems(wctx, step)
	if err != nil {
		return nil, err
	}

	result := &LoopResult{Iterations: len(items)}
	for index, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		prev, existed := wctx.BindVar(step.ItemVar, item)
		prefix := fmt.Sprintf("%s.%d.", step.ID, index)
		_, iterErr := e.runDAG(ctx, wctx, step.Steps, prefix)
		wctx.RestoreVar(step.ItemVar, prev, existed)

		iteration := IterationResult{
			Index:       index,
			Item:        item,
			Status:      StepStatusCompleted,
			StepResults: collectIterationResults(wctx, step.Steps, prefix),
		}
		// Iteration status comes from the collected child results, not the
		// DAG error: a child failing under on_error=continue still fails its
		// iteration even though the error does not propagate.
		failure := iterationFailure(iteration.StepResults)
		if iterErr != nil {
			iteration.Status = StepStatusFailed
			iteration.Error = iterErr.Error()
		} else if failure != "" {
			iteration.Status = StepStatusFailed
			iteration.Error = failure
		}
		if iteration.Status == StepStatusFailed {
			result.Failed++
			e.logger.Warn("loop iteration failed",
				log.StepIDKey, step.ID, "iteration", index, "error", iteration.Error)
		} else {
			result.Successful++
		}
		result.Results = append(result.Results, iteration)
	}

	return result, nil
}

// resolveLoopItems evaluates the step's items expression to a list. The
// expression may be a template ({{ inputs.targets }}) or a bare context path.
func (e *Engine) resolveLoopItems(wctx *Context, step *StepDefinition) ([]interface{}, error) {
	resolved := wctx.ResolveTemplates(step.Items)

	// A bare path or expr-lang expression arrives back as the original string.
	if s, ok := resolved.(string); ok {
		value, err := e.eval.EvaluateValue(s, wctx.ExprContext())
		if err != nil {
			return nil, &errors.ValidationError{
				Field:   "step." + step.ID + ".items",
				Message: fmt.Sprintf("failed to resolve items expression %q: %v", step.Items, err),
			}
		}
		resolved = value
	}

	items, ok := resolved.([]interface{})
	if !ok {
		return nil, &errors.ValidationError{
			Field:   "step." + step.ID + ".items",
			Message: fmt.Sprintf("items expression must yield a list, got %T", resolved),
		}
	}
	return items, nil
}

// iterationFailure reports the first failed child in an iteration snapshot,
// returning its error text, or "" when every child succeeded.
func iterationFailure(stepResults map[string]interface{}) string {
	for childID, raw := range stepResults {
		child, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if child["status"] == string(StepStatusFailed) {
			if msg, ok := child["error"].(string); ok && msg != "" {
				return fmt.Sprintf("step %s failed: %s", childID, msg)
			}
			return fmt.Sprintf("step %s failed", childID)
		}
	}
	return ""
}

// collectIterationResults snapshots the namespaced inner step results of one
// iteration.
func collectIterationResults(wctx *Context, steps []StepDefinition, prefix string) map[string]interface{} {
	out := make(map[string]interface{})
	walkSteps(steps, func(child *StepDefinition) {
		if r, ok := wctx.StepResult(prefix + child.ID); ok {
			out[child.ID] = map[string]interface{}{
				"status": string(r.Status),
				"result": r.Result,
				"error":  r.Error,
			}
		}
	})
	return out
}

// loopStatus derives the loop step's own status from its iteration counts:
// completed iff every iteration completed, partial otherwise.
func loopStatus(result *LoopResult) StepStatus {
	if result.Failed > 0 {
		return StepStatusPartial
	}
	return StepStatusCompleted
}
