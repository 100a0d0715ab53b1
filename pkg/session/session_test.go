package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_InvocationInvariant(t *testing.T) {
	sess := New("s1", "alice", "testing", nil)

	sess.AddInvocation("inv1", 120)
	sess.AddInvocation("inv2", 80)

	assert.Equal(t, len(sess.InvocationIDs), sess.Metadata.TotalInvocations,
		"total_invocations always equals len(invocation_ids)")
	assert.Equal(t, 200.0, sess.Metadata.TotalDurationMS)
}

func TestSession_ToolsUsedSetSemantics(t *testing.T) {
	sess := New("s1", "", "", nil)

	sess.AddToolUsed("browser")
	sess.AddToolUsed("executor")
	sess.AddToolUsed("browser")

	assert.Equal(t, []string{"browser", "executor"}, sess.Metadata.ToolsUsed)
}

func TestSession_DataAccess(t *testing.T) {
	sess := New("s1", "", "", nil)

	assert.Equal(t, "fallback", sess.Get("missing", "fallback"))

	sess.Set("key", 42)
	assert.Equal(t, 42, sess.Get("key", nil))

	sess.Delete("key")
	assert.Nil(t, sess.Get("key", nil))
}

func TestSession_MutationBumpsUpdatedAt(t *testing.T) {
	sess := New("s1", "", "", nil)
	before := sess.Metadata.UpdatedAt

	time.Sleep(time.Millisecond)
	sess.AddMessage("user", "hello", "", "")

	assert.True(t, sess.Metadata.UpdatedAt.After(before))
}

func TestSession_JSONRoundTrip(t *testing.T) {
	sess := New("s1", "alice", "round trip", []string{"a", "b"})
	sess.AddInvocation("inv1", 50)
	sess.AddToolUsed("executor")
	sess.AddMessage("user", "run it", "executor", "inv1")
	sess.Set("checkpoint", "step2")

	data, err := json.Marshal(sess)
	require.NoError(t, err)

	var restored Session
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, sess.Metadata.SessionID, restored.Metadata.SessionID)
	assert.Equal(t, sess.Metadata.Tags, restored.Metadata.Tags)
	assert.Equal(t, sess.InvocationIDs, restored.InvocationIDs)
	assert.Equal(t, len(sess.Conversation), len(restored.Conversation))
	assert.Equal(t, "step2", restored.Data["checkpoint"])
	assert.Equal(t, sess.Metadata.TotalInvocations, restored.Metadata.TotalInvocations)
}

func TestSession_CloneIsolation(t *testing.T) {
	sess := New("s1", "", "", []string{"x"})
	sess.Set("k", "v")

	clone := sess.Clone()
	clone.Set("k", "changed")
	clone.AddInvocation("inv1", 0)
	clone.Metadata.Tags = append(clone.Metadata.Tags, "y")

	assert.Equal(t, "v", sess.Get("k", nil))
	assert.Empty(t, sess.InvocationIDs)
	assert.Equal(t, []string{"x"}, sess.Metadata.Tags)
}

func TestInvocationID_RoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)
	id := InvocationID(ts, "azure_repo_client")

	assert.Equal(t, "2025-03-14_09-26-53_589793_azure_repo_client", id)

	parsed, tool, err := ParseInvocationID(id)
	require.NoError(t, err)
	assert.Equal(t, "azure_repo_client", tool, "underscores inside tool names survive")
	assert.Equal(t, ts.Format("2006-01-02 15:04:05"), parsed.Format("2006-01-02 15:04:05"))
}

func TestParseInvocationID_Invalid(t *testing.T) {
	_, _, err := ParseInvocationID("garbage")
	assert.Error(t, err)

	_, _, err = ParseInvocationID("2025-13-99_00-00-00_123_tool")
	assert.Error(t, err)
}
