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
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/internal/metrics"
	"github.com/tombee/foreman/pkg/agent"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/session"
	"github.com/tombee/foreman/pkg/workflow/expression"
)

// Status is the final status of a workflow execution.
type Status string

const (
	// StatusCompleted means every step completed
	StatusCompleted Status = "completed"

	// StatusFailed means at least one step failed and none completed
	StatusFailed Status = "failed"

	// StatusPartial means some steps failed or never ran while at least one
	// completed
	StatusPartial Status = "partial"
)

// Result is the outcome of one workflow execution.
type Result struct {
	RunID       string                 `json:"run_id"`
	Status      Status                 `json:"status"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	StepResults map[string]*StepResult `json:"step_results"`
	SessionID   string                 `json:"session_id,omitempty"`
	Unexecuted  []string               `json:"unexecuted,omitempty"`
}

// Engine executes workflow definitions: dependency-ordered scheduling, retry
// with backoff, per-step error policy, and session-backed persistence with
// mid-workflow resume.
type Engine struct {
	agents     *agent.Registry
	transforms *TransformRegistry
	eval       *expression.Evaluator
	sessions   *session.Manager
	logger     *slog.Logger
	metrics    *metrics.Engine

	// persistMu serializes session writes: parallel step children finish
	// concurrently but the session store is single-writer per session
	persistMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithAgentRegistry wires the agent registry used by agent steps.
func WithAgentRegistry(r *agent.Registry) Option {
	return func(e *Engine) { e.agents = r }
}

// WithTransformRegistry replaces the default transform registry.
func WithTransformRegistry(r *TransformRegistry) Option {
	return func(e *Engine) { e.transforms = r }
}

// WithSessionManager enables session-backed persistence and resume.
func WithSessionManager(m *session.Manager) Option {
	return func(e *Engine) { e.sessions = m }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics wires the engine's Prometheus collectors.
func WithMetrics(m *metrics.Engine) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a workflow engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		transforms: NewTransformRegistry(),
		eval:       expression.New(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = log.WithComponent(e.logger, "engine")
	return e
}

// Transforms exposes the transform registry for startup wiring.
func (e *Engine) Transforms() *TransformRegistry { return e.transforms }

// Execute validates the definition and inputs, creates a session when
// persistence is enabled, and runs the DAG to a final status.
func (e *Engine) Execute(ctx context.Context, def *Definition, inputs map[string]interface{}) (*Result, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	resolvedInputs, err := def.ValidateInputs(inputs)
	if err != nil {
		return nil, err
	}

	wctx := NewContext(resolvedInputs)
	runID := uuid.NewString()
	wctx.SetMetadata("run_id", runID)

	var sessionID string
	if e.sessions != nil {
		sess, err := e.sessions.Create("", "workflow: "+def.Name, []string{"workflow"})
		if err != nil {
			return nil, err
		}
		sessionID = sess.Metadata.SessionID
		wctx.SetMetadata("session_id", sessionID)
		if err := e.sessions.UpdateData(sessionID, map[string]interface{}{
			"workflow_name":    def.Name,
			"workflow_version": def.Version,
		}); err != nil {
			return nil, err
		}
	}

	return e.run(ctx, def, wctx, runID, sessionID)
}

// ResumeFromSession reloads a persisted execution and re-enters the
// scheduling loop. Steps whose stored status is terminal are not re-executed.
func (e *Engine) ResumeFromSession(ctx context.Context, sessionID string, def *Definition) (*Result, error) {
	if e.sessions == nil {
		return nil, &errors.SessionError{SessionID: sessionID, Message: "no session manager configured"}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	storedName, _ := sess.Get("workflow_name", "").(string)
	if storedName != def.Name {
		return nil, &errors.SessionError{
			SessionID: sessionID,
			Message:   fmt.Sprintf("workflow name mismatch: session holds %q, definition is %q", storedName, def.Name),
		}
	}

	var wctx *Context
	if stored, ok := sess.Get("context", nil).(map[string]interface{}); ok {
		wctx, err = FromMap(stored)
		if err != nil {
			return nil, &errors.SessionError{SessionID: sessionID, Message: "failed to restore context", Cause: err}
		}
	} else {
		wctx = NewContext(nil)
	}

	runID := uuid.NewString()
	wctx.SetMetadata("run_id", runID)
	wctx.SetMetadata("session_id", sessionID)
	e.logger.Info("resuming workflow from session",
		log.SessionIDKey, sessionID, log.WorkflowKey, def.Name)

	return e.run(ctx, def, wctx, runID, sessionID)
}

// run drives the top-level DAG and finalizes status, outputs, and session
// state.
func (e *Engine) run(ctx context.Context, def *Definition, wctx *Context, runID, sessionID string) (*Result, error) {
	logger := log.WithRunContext(e.logger, runID, def.Name)
	logger.Info("workflow execution started", "steps", len(def.Steps))

	_, dagErr := e.runDAG(ctx, wctx, def.Steps, "")

	e.resolveWorkflowOutputs(def, wctx)

	result := &Result{
		RunID:       runID,
		Outputs:     wctx.Outputs(),
		StepResults: wctx.StepResults(),
		SessionID:   sessionID,
	}

	completed, failed := 0, 0
	for i := range def.Steps {
		r, ok := wctx.StepResult(def.Steps[i].ID)
		if !ok || !r.Status.IsTerminal() {
			result.Unexecuted = append(result.Unexecuted, def.Steps[i].ID)
			continue
		}
		switch r.Status {
		case StepStatusCompleted:
			completed++
		case StepStatusFailed:
			failed++
		}
	}

	switch {
	case completed == len(def.Steps):
		result.Status = StatusCompleted
	case completed == 0 && failed > 0:
		result.Status = StatusFailed
	default:
		result.Status = StatusPartial
	}

	if e.metrics != nil {
		e.metrics.WorkflowsTotal.WithLabelValues(string(result.Status)).Inc()
	}

	if sessionID != "" {
		e.persistProgress(wctx, sessionID, "")
		finalStatus := session.StatusCompleted
		if result.Status == StatusFailed || result.Status == StatusPartial {
			finalStatus = session.StatusFailed
		}
		if err := e.sessions.Complete(sessionID, finalStatus); err != nil {
			logger.Warn("failed to finalize session", log.SessionIDKey, sessionID, "error", err)
		}
	}

	logger.Info("workflow execution finished", "status", string(result.Status))

	if dagErr != nil {
		var deadlock *errors.DeadlockError
		if stdErrorsAs(dagErr, &deadlock) {
			// Deadlock finishes with partial completion; the remaining steps
			// are reported on the result rather than as a hard error.
			return result, nil
		}
		return result, dagErr
	}
	return result, nil
}

// runDAG executes a set of steps in dependency order. Steps already holding a
// terminal result in the context (resume, nested re-entry) are not
// re-executed. Returns the IDs executed during this call.
//
// When no step in a pass makes progress while unexecuted steps remain, the
// dependencies are unsatisfiable and a *errors.DeadlockError is returned.
func (e *Engine) runDAG(ctx context.Context, wctx *Context, steps []StepDefinition, prefix string) ([]string, error) {
	executed := make(map[string]bool, len(steps))
	for i := range steps {
		if r, ok := wctx.StepResult(prefix + steps[i].ID); ok && r.Status.IsTerminal() {
			executed[steps[i].ID] = true
		}
	}

	var ran []string
	for {
		if len(executed) == len(steps) {
			return ran, nil
		}

		progress := false
		for i := range steps {
			step := &steps[i]
			if executed[step.ID] {
				continue
			}
			if !e.canExecute(wctx, step, prefix, executed) {
				continue
			}

			err := e.runStep(ctx, wctx, step, prefix)
			executed[step.ID] = true
			ran = append(ran, step.ID)
			progress = true
			if err != nil {
				return ran, err
			}
		}

		if !progress {
			var remaining []string
			for i := range steps {
				if !executed[steps[i].ID] {
					remaining = append(remaining, steps[i].ID)
				}
			}
			e.logger.Warn("workflow deadlock: unsatisfiable dependencies", "remaining", remaining)
			return ran, &errors.DeadlockError{Remaining: remaining}
		}
	}
}

// canExecute reports whether every dependency of the step has completed.
// Dependencies are looked up in the step's namespace first, then globally.
func (e *Engine) canExecute(wctx *Context, step *StepDefinition, prefix string, executed map[string]bool) bool {
	for _, dep := range step.DependsOn {
		r, ok := wctx.StepResult(prefix + dep)
		if !ok {
			r, ok = wctx.StepResult(dep)
		}
		if !ok || r.Status != StepStatusCompleted {
			return false
		}
	}
	return true
}

// runStep executes one step with its retry policy and applies its error
// policy. The step's result is recorded under prefix+ID, its declared
// outputs are published, and partial progress is persisted. A returned error
// means the failure must stop the surrounding DAG.
func (e *Engine) runStep(ctx context.Context, wctx *Context, step *StepDefinition, prefix string) error {
	stepID := prefix + step.ID
	result := &StepResult{
		StepID:    stepID,
		Status:    StepStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	maxAttempts := 1
	backoff := BackoffExponential
	multiplier := 2.0
	if step.Retry != nil {
		maxAttempts = step.Retry.MaxAttempts
		backoff = step.Retry.Backoff
		multiplier = step.Retry.BackoffMultiplier
	}

	var value interface{}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		value, err = e.executeAttempt(ctx, wctx, step)
		if err == nil {
			break
		}
		if attempt == maxAttempts {
			break
		}
		result.RetryCount++
		delay := retryDelay(backoff, multiplier, result.RetryCount)
		e.logger.Warn("step failed, retrying",
			log.StepIDKey, stepID, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			err = ctx.Err()
			attempt = maxAttempts
		case <-time.After(delay):
		}
	}

	result.CompletedAt = time.Now().UTC()
	if err != nil {
		result.Status = StepStatusFailed
		result.Error = err.Error()
	} else {
		result.Status = StepStatusCompleted
		result.Result = normalizeResult(value)
		if step.Type == StepTypeLoop {
			if loop, ok := value.(*LoopResult); ok {
				result.Status = loopStatus(loop)
			}
		}
	}
	wctx.SetStepResult(result)

	if e.metrics != nil {
		e.metrics.StepsTotal.WithLabelValues(string(step.Type), string(result.Status)).Inc()
		e.metrics.StepDurationSeconds.Observe(result.CompletedAt.Sub(result.StartedAt).Seconds())
	}

	if err == nil {
		e.publishStepOutputs(wctx, step, result)
	}

	if sessionID, ok := wctx.Metadata("session_id"); ok {
		if sid, ok := sessionID.(string); ok && sid != "" {
			e.persistProgress(wctx, sid, stepID)
		}
	}

	if err != nil {
		if step.OnError == OnErrorContinue {
			e.logger.Warn("step failed, continuing per error policy",
				log.StepIDKey, stepID, "error", err)
			return nil
		}
		return &errors.StepError{StepID: stepID, Attempts: result.RetryCount + 1, Cause: err}
	}
	return nil
}

// executeAttempt runs one attempt, applying the step's timeout.
func (e *Engine) executeAttempt(ctx context.Context, wctx *Context, step *StepDefinition) (interface{}, error) {
	if step.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	return e.executeStepOnce(ctx, wctx, step)
}

// publishStepOutputs maps paths inside the step result to workflow outputs.
func (e *Engine) publishStepOutputs(wctx *Context, step *StepDefinition, result *StepResult) {
	for name, path := range step.Outputs {
		if path == "" {
			wctx.SetOutput(name, result.Result)
			continue
		}
		if v, ok := resolveDotPath(result.Result, path); ok {
			wctx.SetOutput(name, v)
		}
	}
}

// resolveWorkflowOutputs resolves the definition-level output templates.
func (e *Engine) resolveWorkflowOutputs(def *Definition, wctx *Context) {
	for name, out := range def.Outputs {
		if out.Value == "" {
			continue
		}
		wctx.SetOutput(name, wctx.ResolveTemplates(out.Value))
	}
}

// persistProgress writes the context, outputs, and last-completed-step into
// the session. Persistence failures are logged, never fatal to the run.
func (e *Engine) persistProgress(wctx *Context, sessionID, lastStep string) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	values := map[string]interface{}{
		"context": wctx.ToMap(),
		"outputs": wctx.Outputs(),
	}
	if lastStep != "" {
		values["last_completed_step"] = lastStep
	}
	if err := e.sessions.UpdateData(sessionID, values); err != nil {
		e.logger.Warn("failed to persist workflow progress",
			log.SessionIDKey, sessionID, "error", err)
	}
}

// normalizeResult converts typed step results into their JSON-shaped form so
// context round trips and template paths behave uniformly.
func normalizeResult(value interface{}) interface{} {
	switch v := value.(type) {
	case *LoopResult:
		results := make([]interface{}, 0, len(v.Results))
		for _, iter := range v.Results {
			results = append(results, map[string]interface{}{
				"index":        iter.Index,
				"item":         iter.Item,
				"status":       string(iter.Status),
				"step_results": iter.StepResults,
				"error":        iter.Error,
			})
		}
		return map[string]interface{}{
			"iterations": v.Iterations,
			"successful": v.Successful,
			"failed":     v.Failed,
			"results":    results,
		}
	default:
		return value
	}
}

// retryDelay computes the wait before the next attempt: one second for fixed
// backoff, multiplier^retry - 1 seconds for exponential.
func retryDelay(strategy BackoffStrategy, multiplier float64, retryCount int) time.Duration {
	if strategy == BackoffFixed {
		return time.Second
	}
	seconds := math.Pow(multiplier, float64(retryCount)) - 1
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}
