package session

import (
	"fmt"
	"strings"
	"time"
)

// InvocationID formats an invocation directory name as
// YYYY-MM-DD_HH-MM-SS_<microseconds>_<tool_name>. Tool names may themselves
// contain underscores.
func InvocationID(ts time.Time, toolName string) string {
	return fmt.Sprintf("%s_%06d_%s",
		ts.Format("2006-01-02_15-04-05"),
		ts.Nanosecond()/1000,
		toolName)
}

// ParseInvocationID splits an invocation directory name into its timestamp
// and tool name. Everything after the third underscore-separated field is the
// tool name, so underscores inside tool names survive the round trip.
func ParseInvocationID(id string) (time.Time, string, error) {
	parts := strings.SplitN(id, "_", 4)
	if len(parts) < 4 {
		return time.Time{}, "", fmt.Errorf("invalid invocation id %q", id)
	}
	ts, err := time.Parse("2006-01-02_15-04-05", parts[0]+"_"+parts[1])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid invocation timestamp in %q: %w", id, err)
	}
	var micros int
	if _, err := fmt.Sscanf(parts[2], "%d", &micros); err != nil {
		return time.Time{}, "", fmt.Errorf("invalid invocation microseconds in %q: %w", id, err)
	}
	return ts.Add(time.Duration(micros) * time.Microsecond), parts[3], nil
}
