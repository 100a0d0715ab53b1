package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/foreman/pkg/errors"
)

func newTestConcurrency(t *testing.T, cfg ConcurrencyConfig) *ConcurrencyManager {
	t.Helper()
	m := NewConcurrencyManager(cfg, nil)
	t.Cleanup(m.Close)
	return m
}

func TestConcurrencyManager_GlobalCap(t *testing.T) {
	m := newTestConcurrency(t, ConcurrencyConfig{
		MaxConcurrentProcesses: 2,
		MaxProcessesPerUser:    2,
		ProcessQueueSize:       0,
		Enabled:                true,
	})

	require.NoError(t, m.Check("user1"))
	m.Register("tok1", "user1", "sleep 5", 100)
	require.NoError(t, m.Check("user2"))
	m.Register("tok2", "user2", "sleep 5", 101)

	err := m.Check("user3")
	var concErr *errors.ConcurrencyError
	require.ErrorAs(t, err, &concErr)
	assert.Equal(t, "global_limit", concErr.Reason)
	assert.False(t, concErr.Queueable, "queue size 0 means hard rejection")
}

func TestConcurrencyManager_PerUserCap(t *testing.T) {
	m := newTestConcurrency(t, ConcurrencyConfig{
		MaxConcurrentProcesses: 10,
		MaxProcessesPerUser:    1,
		ProcessQueueSize:       5,
		Enabled:                true,
	})

	require.NoError(t, m.Check("user1"))
	m.Register("tok1", "user1", "sleep 5", 100)

	err := m.Check("user1")
	var concErr *errors.ConcurrencyError
	require.ErrorAs(t, err, &concErr)
	assert.Equal(t, "user_limit", concErr.Reason)

	// A different user is still admitted.
	assert.NoError(t, m.Check("user2"))
}

func TestConcurrencyManager_QueueablePositionAndETA(t *testing.T) {
	m := newTestConcurrency(t, ConcurrencyConfig{
		MaxConcurrentProcesses: 1,
		MaxProcessesPerUser:    1,
		ProcessQueueSize:       5,
		Enabled:                true,
	})

	m.Register("tok1", "user1", "sleep 5", 100)

	err := m.Check("user2")
	var concErr *errors.ConcurrencyError
	require.ErrorAs(t, err, &concErr)
	assert.True(t, concErr.Queueable)
	assert.Equal(t, 1, concErr.QueuePosition)
	assert.Greater(t, concErr.EstimatedWait, time.Duration(0))
}

func TestConcurrencyManager_UnregisterKeepsIndexesConsistent(t *testing.T) {
	m := newTestConcurrency(t, ConcurrencyConfig{
		MaxConcurrentProcesses: 2,
		MaxProcessesPerUser:    2,
		ProcessQueueSize:       0,
		Enabled:                true,
	})

	m.Register("tok1", "user1", "cmd", 100)
	m.Register("tok2", "user1", "cmd", 101)
	assert.Equal(t, 2, m.RunningCount())

	m.Unregister("tok1")
	assert.Equal(t, 1, m.RunningCount())
	status := m.UserStatus("user1")
	assert.Equal(t, 1, status["concurrent_processes"])

	m.Unregister("tok2")
	assert.Equal(t, 0, m.RunningCount())

	// Unregistering an unknown token is a no-op.
	m.Unregister("missing")
	assert.Equal(t, 0, m.RunningCount())
}

func TestConcurrencyManager_QueueFull(t *testing.T) {
	m := newTestConcurrency(t, ConcurrencyConfig{
		MaxConcurrentProcesses: 1,
		MaxProcessesPerUser:    1,
		ProcessQueueSize:       1,
		Enabled:                true,
	})

	_, err := m.QueueRequest("cmd", "user1", 0)
	require.NoError(t, err)

	_, err = m.QueueRequest("cmd", "user2", 0)
	var fullErr *errors.QueueFullError
	require.ErrorAs(t, err, &fullErr)
	assert.Equal(t, 1, fullErr.Capacity)
}

func TestConcurrencyManager_QueueWorkerAdmitsWhenCapacityFrees(t *testing.T) {
	m := newTestConcurrency(t, ConcurrencyConfig{
		MaxConcurrentProcesses: 1,
		MaxProcessesPerUser:    1,
		ProcessQueueSize:       5,
		Enabled:                true,
	})

	m.Register("tok1", "user1", "cmd", 100)

	req, err := m.QueueRequest("cmd", "user2", 0)
	require.NoError(t, err)

	select {
	case <-req.Admitted:
		t.Fatal("request should not be admitted while at the global cap")
	case <-time.After(250 * time.Millisecond):
	}

	m.Unregister("tok1")

	select {
	case admitErr := <-req.Admitted:
		assert.NoError(t, admitErr)
	case <-time.After(2 * time.Second):
		t.Fatal("queued request was not admitted after capacity freed")
	}
}

func TestConcurrencyManager_QueueFIFO(t *testing.T) {
	m := newTestConcurrency(t, ConcurrencyConfig{
		MaxConcurrentProcesses: 1,
		MaxProcessesPerUser:    1,
		ProcessQueueSize:       5,
		Enabled:                true,
	})

	m.Register("tok1", "user1", "cmd", 100)

	first, err := m.QueueRequest("cmd", "user2", 0)
	require.NoError(t, err)
	second, err := m.QueueRequest("cmd", "user3", 0)
	require.NoError(t, err)

	m.Unregister("tok1")

	select {
	case <-first.Admitted:
		// The admitted caller occupies the freed slot.
		m.Register("tok2", "user2", "cmd", 101)
	case <-time.After(2 * time.Second):
		t.Fatal("head of queue was not admitted first")
	}

	select {
	case <-second.Admitted:
		t.Fatal("second request admitted before capacity freed again")
	case <-time.After(250 * time.Millisecond):
	}
}

func TestConcurrencyManager_CloseCancelsQueued(t *testing.T) {
	m := NewConcurrencyManager(ConcurrencyConfig{
		MaxConcurrentProcesses: 1,
		MaxProcessesPerUser:    1,
		ProcessQueueSize:       5,
		Enabled:                true,
	}, nil)

	m.Register("tok1", "user1", "cmd", 100)
	req, err := m.QueueRequest("cmd", "user2", 0)
	require.NoError(t, err)

	m.Close()

	select {
	case admitErr := <-req.Admitted:
		var cancelled *errors.CancelledError
		require.ErrorAs(t, admitErr, &cancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("queued request was not cancelled at shutdown")
	}
}

func TestConcurrencyManager_Disabled(t *testing.T) {
	m := newTestConcurrency(t, ConcurrencyConfig{
		MaxConcurrentProcesses: 1,
		MaxProcessesPerUser:    1,
		ProcessQueueSize:       0,
		Enabled:                false,
	})
	m.Register("tok1", "user1", "cmd", 100)
	assert.NoError(t, m.Check("user1"), "disabled manager admits everything")
}

func TestConcurrencyManager_QueueStatus(t *testing.T) {
	m := newTestConcurrency(t, ConcurrencyConfig{
		MaxConcurrentProcesses: 3,
		MaxProcessesPerUser:    2,
		ProcessQueueSize:       10,
		Enabled:                true,
	})
	m.Register("tok1", "user1", "cmd", 100)

	status := m.QueueStatus()
	assert.Equal(t, 1, status.Processing)
	assert.Equal(t, 3, status.MaxConcurrent)
	assert.Equal(t, 10, status.MaxQueueSize)
	assert.Equal(t, 0, status.QueueSize)
}
