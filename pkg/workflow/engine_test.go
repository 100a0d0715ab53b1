package workflow

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/foreman/pkg/agent"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/session"
)

// fakeRuntime is a scripted agent runtime for engine tests.
type fakeRuntime struct {
	execute func(ctx context.Context, operation string, inputs map[string]interface{}) (interface{}, error)
}

func (f *fakeRuntime) Execute(ctx context.Context, operation string, inputs map[string]interface{}) (interface{}, error) {
	return f.execute(ctx, operation, inputs)
}

func echoAgentRegistry() *agent.Registry {
	reg := agent.NewRegistry()
	reg.Register("echo", func(cfg agent.Config) (agent.Runtime, error) {
		return &fakeRuntime{execute: func(_ context.Context, operation string, inputs map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{
				"operation": operation,
				"inputs":    inputs,
			}, nil
		}}, nil
	})
	return reg
}

func TestEngine_LinearDependencies(t *testing.T) {
	def := &Definition{
		Name: "linear",
		Steps: []StepDefinition{
			// Declared out of dependency order on purpose.
			{ID: "second", Type: StepTypeTransform, Script: "steps.first.result + 1", DependsOn: []string{"first"}},
			{ID: "first", Type: StepTypeTransform, Script: "inputs.start * 2"},
			{ID: "third", Type: StepTypeTransform, Script: "steps.second.result * 10", DependsOn: []string{"second"}},
		},
	}

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), def, map[string]interface{}{"start": 5})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 10, result.StepResults["first"].Result)
	assert.Equal(t, 11, result.StepResults["second"].Result)
	assert.Equal(t, 110, result.StepResults["third"].Result)
	assert.Empty(t, result.Unexecuted)
}

func TestEngine_AgentStep(t *testing.T) {
	def := &Definition{
		Name: "agents",
		Steps: []StepDefinition{
			{
				ID:        "ask",
				Type:      StepTypeAgent,
				Agent:     "echo",
				Operation: "summarize",
				Inputs:    map[string]interface{}{"topic": "{{ inputs.topic }}"},
				Config:    map[string]interface{}{"cli_type": "test", "model": "small"},
			},
		},
	}

	engine := NewEngine(WithAgentRegistry(echoAgentRegistry()))
	result, err := engine.Execute(context.Background(), def, map[string]interface{}{"topic": "rates"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)

	out := result.StepResults["ask"].Result.(map[string]interface{})
	assert.Equal(t, "summarize", out["operation"])
	assert.Equal(t, "rates", out["inputs"].(map[string]interface{})["topic"])
}

func TestEngine_UnknownAgent(t *testing.T) {
	def := &Definition{
		Name: "agents",
		Steps: []StepDefinition{
			{ID: "ask", Type: StepTypeAgent, Agent: "nope", Operation: "op"},
		},
	}

	engine := NewEngine(WithAgentRegistry(echoAgentRegistry()))
	result, err := engine.Execute(context.Background(), def, nil)
	require.Error(t, err)
	var stepErr *errors.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StatusFailed, result.Status)
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	var calls int32
	engine := NewEngine()
	engine.Transforms().Register("flaky", func(_ context.Context, _, _ map[string]interface{}) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, fmt.Errorf("transient failure")
		}
		return "recovered", nil
	})

	def := &Definition{
		Name: "retry",
		Steps: []StepDefinition{
			{
				ID:        "flaky-step",
				Type:      StepTypeTransform,
				Operation: "flaky",
				// Multiplier 1 keeps exponential delays at zero for the test.
				Retry: &RetryDefinition{MaxAttempts: 3, Backoff: BackoffExponential, BackoffMultiplier: 1},
			},
		},
	}

	result, err := engine.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "recovered", result.StepResults["flaky-step"].Result)
	assert.Equal(t, 2, result.StepResults["flaky-step"].RetryCount)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestEngine_RetryExhaustion(t *testing.T) {
	engine := NewEngine()
	engine.Transforms().Register("always-fails", func(_ context.Context, _, _ map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("permanent failure")
	})

	def := &Definition{
		Name: "retry",
		Steps: []StepDefinition{
			{
				ID:        "doomed",
				Type:      StepTypeTransform,
				Operation: "always-fails",
				Retry:     &RetryDefinition{MaxAttempts: 2, Backoff: BackoffExponential, BackoffMultiplier: 1},
			},
		},
	}

	result, err := engine.Execute(context.Background(), def, nil)
	var stepErr *errors.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "doomed", stepErr.StepID)
	assert.Equal(t, 2, stepErr.Attempts)

	r := result.StepResults["doomed"]
	assert.Equal(t, StepStatusFailed, r.Status)
	assert.Contains(t, r.Error, "permanent failure")
}

func TestEngine_OnErrorContinue(t *testing.T) {
	engine := NewEngine()
	engine.Transforms().Register("boom", func(_ context.Context, _, _ map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("boom")
	})

	def := &Definition{
		Name: "continue",
		Steps: []StepDefinition{
			{ID: "fails", Type: StepTypeTransform, Operation: "boom", OnError: OnErrorContinue},
			{ID: "runs", Type: StepTypeTransform, Script: `"still running"`},
		},
	}

	result, err := engine.Execute(context.Background(), def, nil)
	require.NoError(t, err, "continue policy swallows the failure")
	assert.Equal(t, StatusPartial, result.Status)
	assert.Equal(t, StepStatusFailed, result.StepResults["fails"].Status)
	assert.Equal(t, StepStatusCompleted, result.StepResults["runs"].Status)
}

func TestEngine_StopOnErrorLeavesDependentsUnexecuted(t *testing.T) {
	engine := NewEngine()
	engine.Transforms().Register("boom", func(_ context.Context, _, _ map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("boom")
	})

	def := &Definition{
		Name: "stop",
		Steps: []StepDefinition{
			{ID: "fails", Type: StepTypeTransform, Operation: "boom"},
			{ID: "never", Type: StepTypeTransform, Script: "1", DependsOn: []string{"fails"}},
		},
	}

	result, err := engine.Execute(context.Background(), def, nil)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Unexecuted, "never")
}

func TestEngine_LoopWithFailures(t *testing.T) {
	def := &Definition{
		Name: "loop-divide",
		Steps: []StepDefinition{
			{
				ID:      "divide-all",
				Type:    StepTypeLoop,
				Items:   "{{ inputs.values }}",
				ItemVar: "item",
				Steps: []StepDefinition{
					{ID: "divide", Type: StepTypeTransform, Script: "10 / item"},
				},
			},
		},
	}

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), def, map[string]interface{}{
		"values": []interface{}{1, 0, 5},
	})
	require.NoError(t, err)

	loop := result.StepResults["divide-all"]
	assert.Equal(t, StepStatusPartial, loop.Status, "a failed iteration makes the loop partial")

	loopResult := loop.Result.(map[string]interface{})
	assert.Equal(t, 3, loopResult["iterations"])
	assert.Equal(t, 2, loopResult["successful"])
	assert.Equal(t, 1, loopResult["failed"])

	iterations := loopResult["results"].([]interface{})
	require.Len(t, iterations, 3)
	second := iterations[1].(map[string]interface{})
	assert.Equal(t, "failed", second["status"])
	assert.Equal(t, 0, second["item"])
}

func TestEngine_LoopWithContinuePolicyCountsFailures(t *testing.T) {
	def := &Definition{
		Name: "loop-divide-continue",
		Steps: []StepDefinition{
			{
				ID:      "divide-all",
				Type:    StepTypeLoop,
				Items:   "{{ inputs.values }}",
				ItemVar: "item",
				Steps: []StepDefinition{
					{ID: "divide", Type: StepTypeTransform, Script: "10 / item", OnError: OnErrorContinue},
				},
			},
		},
	}

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), def, map[string]interface{}{
		"values": []interface{}{1, 0, 5},
	})
	require.NoError(t, err)

	loop := result.StepResults["divide-all"]
	loopResult := loop.Result.(map[string]interface{})
	assert.Equal(t, 3, loopResult["iterations"])
	assert.Equal(t, 2, loopResult["successful"],
		"a continue-policy child failure still fails its iteration")
	assert.Equal(t, 1, loopResult["failed"])

	iterations := loopResult["results"].([]interface{})
	require.Len(t, iterations, 3)
	second := iterations[1].(map[string]interface{})
	assert.Equal(t, "failed", second["status"])
	assert.Contains(t, second["error"].(string), "divide")

	// The failed child is recorded in its iteration snapshot.
	childResults := second["step_results"].(map[string]interface{})
	child := childResults["divide"].(map[string]interface{})
	assert.Equal(t, "failed", child["status"])

	// Successful iterations carry their computed results.
	first := iterations[0].(map[string]interface{})
	firstChild := first["step_results"].(map[string]interface{})["divide"].(map[string]interface{})
	assert.Equal(t, "completed", firstChild["status"])
	assert.Equal(t, 10.0, firstChild["result"])
}

func TestEngine_LoopNamespacesAndBindings(t *testing.T) {
	def := &Definition{
		Name: "loop-ns",
		Steps: []StepDefinition{
			{
				ID:      "each",
				Type:    StepTypeLoop,
				Items:   "{{ inputs.names }}",
				ItemVar: "name",
				Steps: []StepDefinition{
					{ID: "upper", Type: StepTypeTransform, Script: `upper(name)`},
				},
			},
		},
	}

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), def, map[string]interface{}{
		"names": []interface{}{"ada", "grace"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	// Iteration results are namespaced parentID.index.childID.
	first, ok := result.StepResults["each.0.upper"]
	require.True(t, ok)
	assert.Equal(t, "ADA", first.Result)
	second, ok := result.StepResults["each.1.upper"]
	require.True(t, ok)
	assert.Equal(t, "GRACE", second.Result)

	loopResult := result.StepResults["each"].Result.(map[string]interface{})
	assert.Equal(t, 2, loopResult["successful"])
}

func TestEngine_Conditional(t *testing.T) {
	def := &Definition{
		Name: "branching",
		Steps: []StepDefinition{
			{
				ID:        "route",
				Type:      StepTypeConditional,
				Condition: "inputs.mode == \"fast\"",
				Then: []StepDefinition{
					{ID: "fast-path", Type: StepTypeTransform, Script: `"took fast path"`},
				},
				Else: []StepDefinition{
					{ID: "slow-path", Type: StepTypeTransform, Script: `"took slow path"`},
				},
			},
		},
	}

	engine := NewEngine()

	fast, err := engine.Execute(context.Background(), def, map[string]interface{}{"mode": "fast"})
	require.NoError(t, err)
	_, fastRan := fast.StepResults["fast-path"]
	_, slowRan := fast.StepResults["slow-path"]
	assert.True(t, fastRan)
	assert.False(t, slowRan)

	slow, err := engine.Execute(context.Background(), def, map[string]interface{}{"mode": "thorough"})
	require.NoError(t, err)
	_, fastRan = slow.StepResults["fast-path"]
	_, slowRan = slow.StepResults["slow-path"]
	assert.False(t, fastRan)
	assert.True(t, slowRan)
}

func TestEngine_ConditionalTemplatedCondition(t *testing.T) {
	def := &Definition{
		Name: "branching",
		Steps: []StepDefinition{
			{ID: "probe", Type: StepTypeTransform, Script: `"ready"`},
			{
				ID:        "route",
				Type:      StepTypeConditional,
				DependsOn: []string{"probe"},
				Condition: `{{ steps.probe.status }} == "completed"`,
				Then: []StepDefinition{
					{ID: "go", Type: StepTypeTransform, Script: "1"},
				},
			},
		},
	}

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	_, ran := result.StepResults["go"]
	assert.True(t, ran)
}

func TestEngine_ParallelChildren(t *testing.T) {
	var concurrent, peak int32
	engine := NewEngine()
	engine.Transforms().Register("tracked", func(ctx context.Context, _, _ map[string]interface{}) (interface{}, error) {
		n := atomic.AddInt32(&concurrent, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		defer atomic.AddInt32(&concurrent, -1)
		return "done", nil
	})

	def := &Definition{
		Name: "fanout",
		Steps: []StepDefinition{
			{
				ID:             "fan",
				Type:           StepTypeParallel,
				MaxConcurrency: 2,
				Steps: []StepDefinition{
					{ID: "w1", Type: StepTypeTransform, Operation: "tracked"},
					{ID: "w2", Type: StepTypeTransform, Operation: "tracked"},
					{ID: "w3", Type: StepTypeTransform, Operation: "tracked"},
				},
			},
		},
	}

	result, err := engine.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2), "max_concurrency bounds sibling parallelism")

	fan := result.StepResults["fan"].Result.(map[string]interface{})
	for _, child := range []string{"w1", "w2", "w3"} {
		childResult := fan[child].(map[string]interface{})
		assert.Equal(t, "completed", childResult["status"])
	}
}

func TestEngine_Deadlock(t *testing.T) {
	def := &Definition{
		Name: "cycle",
		Steps: []StepDefinition{
			{ID: "a", Type: StepTypeTransform, Script: "1", DependsOn: []string{"b"}},
			{ID: "b", Type: StepTypeTransform, Script: "1", DependsOn: []string{"a"}},
			{ID: "c", Type: StepTypeTransform, Script: "1"},
		},
	}

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), def, nil)
	require.NoError(t, err, "deadlock finishes with partial completion, not a hard error")
	assert.Equal(t, StatusPartial, result.Status)
	assert.ElementsMatch(t, []string{"a", "b"}, result.Unexecuted)
	assert.Equal(t, StepStatusCompleted, result.StepResults["c"].Status)
}

func TestEngine_WorkflowOutputs(t *testing.T) {
	def := &Definition{
		Name: "outputs",
		Outputs: map[string]OutputDefinition{
			"answer":  {Value: "{{ steps.compute.result }}"},
			"message": {Value: "computed {{ steps.compute.result }}"},
		},
		Steps: []StepDefinition{
			{ID: "compute", Type: StepTypeTransform, Script: "6 * 7"},
		},
	}

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, result.Outputs["answer"])
	assert.Equal(t, "computed 42", result.Outputs["message"])
}

func TestEngine_StepOutputs(t *testing.T) {
	def := &Definition{
		Name: "step-outputs",
		Steps: []StepDefinition{
			{
				ID:      "produce",
				Type:    StepTypeTransform,
				Script:  `{"score": 7, "label": "ok"}`,
				Outputs: map[string]string{"score": "score", "everything": ""},
			},
		},
	}

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, result.Outputs["score"])
	assert.NotNil(t, result.Outputs["everything"])
}

func TestEngine_SessionPersistenceAndResume(t *testing.T) {
	storage := session.NewMemoryStorage()
	sessions := session.NewManager(storage, nil)

	var step1Runs, step2Runs, step3Runs int32
	engine := NewEngine(WithSessionManager(sessions))
	engine.Transforms().Register("step1", func(_ context.Context, _, _ map[string]interface{}) (interface{}, error) {
		atomic.AddInt32(&step1Runs, 1)
		return "one", nil
	})
	engine.Transforms().Register("step2", func(_ context.Context, _, _ map[string]interface{}) (interface{}, error) {
		atomic.AddInt32(&step2Runs, 1)
		return "two", nil
	})
	engine.Transforms().Register("step3", func(_ context.Context, _, _ map[string]interface{}) (interface{}, error) {
		atomic.AddInt32(&step3Runs, 1)
		return "three", nil
	})

	def := &Definition{
		Name: "resumable",
		Steps: []StepDefinition{
			{ID: "s1", Type: StepTypeTransform, Operation: "step1"},
			{ID: "s2", Type: StepTypeTransform, Operation: "step2", DependsOn: []string{"s1"}},
			{ID: "s3", Type: StepTypeTransform, Operation: "step3", DependsOn: []string{"s2"}},
		},
	}

	// Simulate a crash after step 1 persisted: the session holds a context
	// with s1 completed and no record for s2 or s3.
	sess, err := sessions.Create("", "workflow: resumable", []string{"workflow"})
	require.NoError(t, err)

	crashed := NewContext(nil)
	crashed.SetStepResult(&StepResult{StepID: "s1", Status: StepStatusCompleted, Result: "one"})
	require.NoError(t, sessions.UpdateData(sess.Metadata.SessionID, map[string]interface{}{
		"workflow_name":       "resumable",
		"context":             crashed.ToMap(),
		"last_completed_step": "s1",
	}))

	resumed, err := engine.ResumeFromSession(context.Background(), sess.Metadata.SessionID, def)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&step1Runs), "step 1 result is reused, not re-executed")
	assert.Equal(t, int32(1), atomic.LoadInt32(&step2Runs))
	assert.Equal(t, int32(1), atomic.LoadInt32(&step3Runs))
	assert.Equal(t, "one", resumed.StepResults["s1"].Result)
	assert.Equal(t, StepStatusCompleted, resumed.StepResults["s3"].Status)

	// The session finishes in a terminal state.
	final, err := sessions.Get(sess.Metadata.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, final.Metadata.Status)
}

func TestEngine_ExecutePersistsProgress(t *testing.T) {
	sessions := session.NewManager(session.NewMemoryStorage(), nil)
	engine := NewEngine(WithSessionManager(sessions))

	def := &Definition{
		Name:  "persisted",
		Steps: []StepDefinition{{ID: "only", Type: StepTypeTransform, Script: `"value"`}},
	}

	result, err := engine.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.SessionID)

	sess, err := sessions.Get(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", sess.Get("workflow_name", ""))
	assert.Equal(t, "only", sess.Get("last_completed_step", ""))
	stored, ok := sess.Get("context", nil).(map[string]interface{})
	require.True(t, ok)
	restored, err := FromMap(stored)
	require.NoError(t, err)
	r, ok := restored.StepResult("only")
	require.True(t, ok)
	assert.Equal(t, StepStatusCompleted, r.Status)
}

func TestEngine_ResumeNameMismatch(t *testing.T) {
	sessions := session.NewManager(session.NewMemoryStorage(), nil)
	engine := NewEngine(WithSessionManager(sessions))

	def := &Definition{
		Name:  "original",
		Steps: []StepDefinition{{ID: "s1", Type: StepTypeTransform, Script: "1"}},
	}
	result, err := engine.Execute(context.Background(), def, nil)
	require.NoError(t, err)

	other := &Definition{
		Name:  "different",
		Steps: []StepDefinition{{ID: "s1", Type: StepTypeTransform, Script: "1"}},
	}
	_, err = engine.ResumeFromSession(context.Background(), result.SessionID, other)
	var sessErr *errors.SessionError
	require.ErrorAs(t, err, &sessErr)
	assert.Contains(t, sessErr.Message, "mismatch")
}

func TestEngine_InvalidDefinitionRejected(t *testing.T) {
	engine := NewEngine()
	_, err := engine.Execute(context.Background(), &Definition{}, nil)
	var verrs *ValidationErrors
	require.ErrorAs(t, err, &verrs)
}

func TestEngine_MissingRequiredInput(t *testing.T) {
	def := &Definition{
		Name:   "needs-input",
		Inputs: map[string]InputDefinition{"must": {Required: true}},
		Steps:  []StepDefinition{{ID: "s", Type: StepTypeTransform, Script: "1"}},
	}
	engine := NewEngine()
	_, err := engine.Execute(context.Background(), def, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required input missing")
}
