package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{
			&ValidationError{Field: "rate_limit.burst_size", Message: "must be >= 1, got 0"},
			"validation failed on rate_limit.burst_size: must be >= 1, got 0",
		},
		{
			&ValidationError{Message: "bad config"},
			"validation failed: bad config",
		},
		{
			&NotFoundError{Resource: "process", ID: "tok-1"},
			"process not found: tok-1",
		},
		{
			&QueueFullError{Capacity: 5},
			"request queue full (capacity 5)",
		},
		{
			&DeadlockError{Remaining: []string{"a", "b"}},
			"workflow deadlock: 2 steps have unsatisfiable dependencies [a b]",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}

func TestKindPredicates(t *testing.T) {
	rateErr := fmt.Errorf("wrapped: %w", &RateLimitError{UserID: "u", RetryAfter: time.Second})
	assert.True(t, IsRateLimited(rateErr))
	assert.False(t, IsRateLimited(fmt.Errorf("other")))

	concErr := fmt.Errorf("wrapped: %w", &ConcurrencyError{UserID: "u", Reason: "user_limit"})
	assert.True(t, IsConcurrencyLimited(concErr))

	assert.True(t, IsNotFound(&NotFoundError{Resource: "x", ID: "y"}))
	assert.True(t, IsTimeout(&TimeoutError{Operation: "command", Duration: time.Second}))
	assert.True(t, IsValidation(&ValidationError{Message: "m"}))
	assert.True(t, IsCancelled(&CancelledError{Reason: "shutdown"}))
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")

	wrapped := []error{
		&TimeoutError{Operation: "op", Duration: time.Second, Cause: cause},
		&TempFileError{Dir: "/tmp", Attempts: 3, Cause: cause},
		&StepError{StepID: "s", Attempts: 2, Cause: cause},
		&SessionError{SessionID: "sess", Message: "m", Cause: cause},
	}
	for _, err := range wrapped {
		assert.ErrorIs(t, err, cause, "%T should unwrap to its cause", err)
	}
}

func TestConcurrencyError_QueueableMessage(t *testing.T) {
	err := &ConcurrencyError{
		UserID:        "alice",
		Reason:        "global_limit",
		Queueable:     true,
		QueuePosition: 3,
		EstimatedWait: 90 * time.Second,
	}
	msg := err.Error()
	assert.Contains(t, msg, "queueable at position 3")
	assert.Contains(t, msg, "1m30s")
}
