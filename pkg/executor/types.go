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

package executor

import "time"

// Process states surfaced by the executor.
const (
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusTerminated = "terminated"
	StatusTimeout    = "timeout"
	StatusNotFound   = "not_found"
)

// ProgressFunc is invoked periodically by the progress monitor. Total is nil
// while the expected duration is unknown; the final notification carries
// progress == *total == the command duration. Errors and panics raised by the
// callback are swallowed and logged; they never fail the command.
type ProgressFunc func(progress float64, total *float64, message string)

// CommandResult is the result of a synchronous execution.
type CommandResult struct {
	Success    bool          `json:"success"`
	ReturnCode int           `json:"return_code"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	PID        int           `json:"pid"`
	Duration   time.Duration `json:"duration"`
}

// AsyncHandle is returned by a successful ExecuteAsync launch.
type AsyncHandle struct {
	Token  string `json:"token"`
	Status string `json:"status"`
	PID    int    `json:"pid"`
}

// ProcessStatus describes a live process. The psutil-derived fields are
// merged in best-effort; a vanished process leaves them zeroed.
//
// Deprecated surface: polling ProcessStatus is discouraged in favor of
// progress callbacks; the Hint field says so in the payload.
type ProcessStatus struct {
	Status       string  `json:"status"`
	Token        string  `json:"token,omitempty"`
	PID          int     `json:"pid,omitempty"`
	Command      string  `json:"command,omitempty"`
	Runtime      float64 `json:"runtime,omitempty"`
	CPUPercent   float64 `json:"cpu_percent,omitempty"`
	MemoryMB     float64 `json:"memory_mb,omitempty"`
	MemoryPeakMB float64 `json:"memory_peak_mb,omitempty"`
	OSStatus     string  `json:"os_status,omitempty"`
	Hint         string  `json:"hint,omitempty"`
}

// ProcessResult is the final result of an async execution.
type ProcessResult struct {
	Status     string        `json:"status"`
	Success    bool          `json:"success"`
	ReturnCode int           `json:"return_code"`
	Output     string        `json:"output"`
	Error      string        `json:"error,omitempty"`
	PID        int           `json:"pid"`
	Duration   time.Duration `json:"duration"`
}

// RunningProcessInfo is one row of a ListRunningProcesses snapshot.
type RunningProcessInfo struct {
	TokenPrefix string  `json:"token_prefix"`
	PID         int     `json:"pid"`
	Command     string  `json:"command"`
	Runtime     string  `json:"runtime"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryMB    float64 `json:"memory_mb"`
	Status      string  `json:"status"`
}
