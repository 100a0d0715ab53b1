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

// Package executor provides asynchronous subprocess execution with temp-file
// output capture, token-indexed status queries, periodic progress
// notifications, per-user rate limiting, global and per-user concurrency
// control with optional queueing, and resource monitoring with enforcement.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/internal/metrics"
	"github.com/tombee/foreman/pkg/errors"
)

// progressInterval is the cadence of periodic progress notifications.
const progressInterval = 5 * time.Second

// defaultUserID is used when a launch does not carry a user identity.
const defaultUserID = "anonymous"

// maxCommandDisplayLength bounds command strings in listings and progress
// messages.
const maxCommandDisplayLength = 80

// runningProcess is the registry record for one live subprocess.
//
// The exit fields (exitCode, waitErr, endTime) are written by the waiter
// goroutine before done is closed and read only after done is closed, so the
// channel provides the happens-before edge. terminated and terminationReason
// are guarded by the executor's mu.
type runningProcess struct {
	token      string
	userID     string
	command    string
	pid        int
	startTime  time.Time
	stdoutPath string
	stderrPath string
	progressFn ProgressFunc

	cmd  *exec.Cmd
	done chan struct{}

	exitCode int
	waitErr  error
	endTime  time.Time

	terminated        bool
	terminationReason string
}

// CommandExecutor launches and tracks shell subprocesses. All bookkeeping
// mutations (processes, tokens, and registration with the collaborating
// managers) happen under mu; the subprocesses themselves run in OS
// parallelism.
type CommandExecutor struct {
	config Config
	logger *slog.Logger

	tempFiles   *TempFileManager
	rateLimiter *RateLimiter
	concurrency *ConcurrencyManager
	monitor     *ResourceMonitor
	metrics     *metrics.Executor

	// mu guards processes, tokens, and the terminated flags on records
	mu        sync.Mutex
	processes map[int]*runningProcess
	tokens    map[string]int

	reporterStop chan struct{}
	reporterWG   sync.WaitGroup
}

// New creates a CommandExecutor from configuration. The metrics argument may
// be nil when no collector registry is wired.
func New(config Config, logger *slog.Logger, m *metrics.Executor) (*CommandExecutor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	tfCfg := DefaultTempFileConfig()
	tfCfg.Dir = config.TempDir

	e := &CommandExecutor{
		config:      config,
		logger:      log.WithComponent(logger, "executor"),
		tempFiles:   NewTempFileManager(tfCfg, logger),
		rateLimiter: NewRateLimiter(config.RateLimit),
		concurrency: NewConcurrencyManager(config.Concurrency, logger),
		monitor:     NewResourceMonitor(config.ResourceLimits, logger),
		metrics:     m,
		processes:   make(map[int]*runningProcess),
		tokens:      make(map[string]int),
	}

	e.monitor.SetTerminationHandler(func(pid int, check LimitCheck) {
		e.mu.Lock()
		if rec, ok := e.processes[pid]; ok {
			rec.terminated = true
			rec.terminationReason = check.Message
		}
		e.mu.Unlock()
	})

	return e, nil
}

// RateLimiter exposes the rate limiter for status queries and live updates.
func (e *CommandExecutor) RateLimiter() *RateLimiter { return e.rateLimiter }

// Concurrency exposes the concurrency manager for status queries.
func (e *CommandExecutor) Concurrency() *ConcurrencyManager { return e.concurrency }

// Monitor exposes the resource monitor for status queries.
func (e *CommandExecutor) Monitor() *ResourceMonitor { return e.monitor }

// TempFiles exposes the temp file manager for diagnostics.
func (e *CommandExecutor) TempFiles() *TempFileManager { return e.tempFiles }

// Execute runs command synchronously to completion or timeout. The
// subprocess's stdout and stderr are captured through a temp file pair that
// is removed before returning.
func (e *CommandExecutor) Execute(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error) {
	stdoutPath, stderrPath, err := e.tempFiles.CreatePair("sync_")
	if err != nil {
		return nil, err
	}

	cmd := shellCommand(redirectedCommand(command, stdoutPath, stderrPath))
	start := time.Now()
	if err := cmd.Start(); err != nil {
		removePair(trackedPair{stdoutPath: stdoutPath, stderrPath: stderrPath})
		return nil, fmt.Errorf("failed to start command: %w", err)
	}
	pid := cmd.Process.Pid
	e.tempFiles.Register(pid, stdoutPath, stderrPath)
	if e.metrics != nil {
		e.metrics.CommandsStarted.Inc()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	timedOut := false
	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		timedOut = true
		_ = cmd.Process.Signal(syscall.SIGTERM)
		waitErr = <-done
	case <-timeoutCh:
		timedOut = true
		_ = cmd.Process.Signal(syscall.SIGTERM)
		waitErr = <-done
	}
	duration := time.Since(start)

	stdout := readOutputFile(stdoutPath)
	stderr := readOutputFile(stderrPath)

	// Sync executions clean their files before returning.
	removePair(trackedPair{stdoutPath: stdoutPath, stderrPath: stderrPath})
	e.tempFiles.ScheduleCleanup(pid)

	result := &CommandResult{
		ReturnCode: exitCode(waitErr),
		Stdout:     stdout,
		Stderr:     stderr,
		PID:        pid,
		Duration:   duration,
	}
	result.Success = result.ReturnCode == 0 && !timedOut

	if e.metrics != nil {
		status := StatusCompleted
		if timedOut {
			status = StatusTerminated
		}
		e.metrics.CommandsCompleted.WithLabelValues(status).Inc()
		e.metrics.CommandDurationSeconds.Observe(duration.Seconds())
	}

	if timedOut {
		return result, &errors.TimeoutError{Operation: "command", Duration: timeout}
	}
	return result, nil
}

// AsyncOptions configures an asynchronous launch.
type AsyncOptions struct {
	// Timeout terminates the subprocess when exceeded. Zero means no timeout.
	Timeout time.Duration

	// UserID attributes the launch for rate and concurrency accounting.
	// Defaults to "anonymous".
	UserID string

	// Progress switches the launch into periodic progress mode.
	Progress ProgressFunc
}

// ExecuteAsync launches command in the background and returns a token handle.
// Admission runs rate limiting first, then concurrency control; a rejection
// is returned as a structured error (*errors.RateLimitError or
// *errors.ConcurrencyError). When queueing is enabled and the rejection is
// queueable, the call blocks until the queue worker admits the request or ctx
// is cancelled.
func (e *CommandExecutor) ExecuteAsync(ctx context.Context, command string, opts AsyncOptions) (*AsyncHandle, error) {
	userID := opts.UserID
	if userID == "" {
		userID = defaultUserID
	}

	if err := e.rateLimiter.Check(userID); err != nil {
		if e.metrics != nil {
			e.metrics.RateLimitRejections.Inc()
		}
		e.logger.Info("launch rejected by rate limiter", log.UserIDKey, userID)
		return nil, err
	}

	if err := e.concurrency.Check(userID); err != nil {
		var concErr *errors.ConcurrencyError
		if stdAs(err, &concErr) && concErr.Queueable && e.config.Concurrency.EnableQueueing {
			if admitErr := e.waitForAdmission(ctx, command, userID, opts.Timeout); admitErr != nil {
				return nil, admitErr
			}
		} else {
			if e.metrics != nil {
				e.metrics.ConcurrencyRejections.Inc()
			}
			e.logger.Info("launch rejected by concurrency manager", log.UserIDKey, userID)
			return nil, err
		}
	}

	return e.launch(command, userID, opts)
}

// waitForAdmission queues the request and blocks on its completion promise.
func (e *CommandExecutor) waitForAdmission(ctx context.Context, command, userID string, timeout time.Duration) error {
	req, err := e.concurrency.QueueRequest(command, userID, timeout)
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.QueueDepth.Inc()
		defer e.metrics.QueueDepth.Dec()
	}
	select {
	case admitErr := <-req.Admitted:
		return admitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// launch performs the admitted part of an async start: temp files, spawn,
// registration, progress and timeout watchers.
func (e *CommandExecutor) launch(command, userID string, opts AsyncOptions) (*AsyncHandle, error) {
	stdoutPath, stderrPath, err := e.tempFiles.CreatePair("async_")
	if err != nil {
		return nil, err
	}

	cmd := shellCommand(redirectedCommand(command, stdoutPath, stderrPath))
	if err := cmd.Start(); err != nil {
		removePair(trackedPair{stdoutPath: stdoutPath, stderrPath: stderrPath})
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	pid := cmd.Process.Pid
	token := uuid.NewString()
	rec := &runningProcess{
		token:      token,
		userID:     userID,
		command:    command,
		pid:        pid,
		startTime:  time.Now(),
		stdoutPath: stdoutPath,
		stderrPath: stderrPath,
		progressFn: opts.Progress,
		cmd:        cmd,
		done:       make(chan struct{}),
	}

	// Registration with the concurrency manager, resource monitor, temp file
	// manager, and the local indexes happens under one critical section.
	e.mu.Lock()
	e.processes[pid] = rec
	e.tokens[token] = pid
	e.concurrency.Register(token, userID, command, pid)
	if e.config.ResourceLimits.Enabled {
		e.monitor.Add(pid)
	}
	e.tempFiles.Register(pid, stdoutPath, stderrPath)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.CommandsStarted.Inc()
		e.metrics.RunningProcesses.Inc()
	}
	e.logger.Info("command started",
		log.TokenKey, token, log.PIDKey, pid, log.UserIDKey, userID,
		"command", truncateCommand(command, maxCommandDisplayLength))

	// Waiter: the only goroutine that calls cmd.Wait.
	go func() {
		waitErr := cmd.Wait()
		rec.waitErr = waitErr
		rec.exitCode = exitCode(waitErr)
		rec.endTime = time.Now()
		close(rec.done)
	}()

	if rec.progressFn != nil {
		e.safeProgress(rec, 0, nil, "Started: "+truncateCommand(command, maxCommandDisplayLength))
		go e.progressMonitor(rec)
	}

	if opts.Timeout > 0 {
		go e.timeoutWatcher(rec, opts.Timeout)
	}

	return &AsyncHandle{Token: token, Status: StatusRunning, PID: pid}, nil
}

// timeoutWatcher terminates the subprocess when the per-command timeout
// expires; the normal completion path then reports status "terminated".
func (e *CommandExecutor) timeoutWatcher(rec *runningProcess, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-rec.done:
	case <-timer.C:
		e.mu.Lock()
		rec.terminated = true
		if rec.terminationReason == "" {
			rec.terminationReason = fmt.Sprintf("Command timed out after %s", timeout)
		}
		e.mu.Unlock()
		e.logger.Warn("command timed out, terminating", log.PIDKey, rec.pid, "timeout", timeout)
		_ = rec.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// progressMonitor sends periodic progress notifications until the process
// reaches a terminal state, then sends exactly one final notification with
// progress == total.
func (e *CommandExecutor) progressMonitor(rec *runningProcess) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rec.done:
			duration := rec.endTime.Sub(rec.startTime).Seconds()
			e.mu.Lock()
			terminated := rec.terminated
			e.mu.Unlock()
			msg := "Command completed"
			if terminated || rec.exitCode != 0 {
				msg = "Command failed"
			}
			e.safeProgress(rec, duration, &duration, msg)
			return
		case <-ticker.C:
			runtime := time.Since(rec.startTime).Seconds()
			msg := fmt.Sprintf("Running for %.0fs", runtime)
			if proc, err := process.NewProcess(int32(rec.pid)); err == nil {
				cpu, _ := proc.CPUPercent()
				var memMB float64
				if memInfo, err := proc.MemoryInfo(); err == nil {
					memMB = float64(memInfo.RSS) / (1024 * 1024)
				}
				msg = fmt.Sprintf("Running for %.0fs | CPU %.1f%% | Memory %.1fMB", runtime, cpu, memMB)
			}
			e.safeProgress(rec, runtime, nil, msg)
		}
	}
}

// safeProgress invokes the progress callback, swallowing and logging panics
// so a faulty callback can never fail the underlying command.
func (e *CommandExecutor) safeProgress(rec *runningProcess, progress float64, total *float64, message string) {
	if rec.progressFn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("progress callback panicked", log.TokenKey, rec.token, "panic", r)
		}
	}()
	rec.progressFn(progress, total, message)
}

// GetProcessStatus returns the live status for a token. Once the process has
// been released by WaitForProcess the token is unknown and a
// *errors.NotFoundError is returned.
func (e *CommandExecutor) GetProcessStatus(token string) (*ProcessStatus, error) {
	e.mu.Lock()
	pid, ok := e.tokens[token]
	var rec *runningProcess
	if ok {
		rec = e.processes[pid]
	}
	e.mu.Unlock()
	if rec == nil {
		return nil, &errors.NotFoundError{Resource: "process", ID: token}
	}

	status := &ProcessStatus{
		Status:  StatusRunning,
		Token:   token,
		PID:     pid,
		Command: rec.command,
		Runtime: time.Since(rec.startTime).Seconds(),
		Hint:    "polling is deprecated; prefer a progress callback on ExecuteAsync",
	}

	select {
	case <-rec.done:
		status.Status = StatusCompleted
		e.mu.Lock()
		if rec.terminated {
			status.Status = StatusTerminated
		}
		e.mu.Unlock()
		status.Runtime = rec.endTime.Sub(rec.startTime).Seconds()
		return status, nil
	default:
	}

	e.mergeProcessMetrics(status, pid)
	return status, nil
}

// mergeProcessMetrics folds best-effort OS metrics into a status snapshot.
func (e *CommandExecutor) mergeProcessMetrics(status *ProcessStatus, pid int) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		status.OSStatus = "not_found"
		return
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		status.CPUPercent = cpu
	}
	if memInfo, err := proc.MemoryInfo(); err == nil {
		status.MemoryMB = float64(memInfo.RSS) / (1024 * 1024)
	}
	if sample := e.monitor.Stats(pid); sample != nil {
		status.MemoryPeakMB = sample.MemoryPeakMB
	}
	if statuses, err := proc.Status(); err == nil && len(statuses) > 0 {
		status.OSStatus = statuses[0]
	}
}

// QueryResult is returned by QueryProcess: Status is set for a still-running
// non-waiting query, Result for a terminal one.
type QueryResult struct {
	Status *ProcessStatus `json:"status,omitempty"`
	Result *ProcessResult `json:"result,omitempty"`
}

// QueryProcess inspects a process by token. With wait=false it behaves like
// GetProcessStatus; with wait=true it blocks until the process reaches a
// terminal state or timeout elapses, returning the final result.
func (e *CommandExecutor) QueryProcess(ctx context.Context, token string, wait bool, timeout time.Duration) (*QueryResult, error) {
	if !wait {
		status, err := e.GetProcessStatus(token)
		if err != nil {
			return nil, err
		}
		return &QueryResult{Status: status}, nil
	}
	result, err := e.WaitForProcess(ctx, token, timeout)
	if err != nil {
		return nil, err
	}
	return &QueryResult{Result: result}, nil
}

// WaitForProcess blocks until the process identified by token reaches a
// terminal state, then reads the captured output, releases the registry
// entries, and schedules temp file cleanup. A timeout returns a result with
// status "timeout" and does NOT terminate the process; the caller chooses
// whether to call TerminateByToken.
func (e *CommandExecutor) WaitForProcess(ctx context.Context, token string, timeout time.Duration) (*ProcessResult, error) {
	e.mu.Lock()
	pid, ok := e.tokens[token]
	var rec *runningProcess
	if ok {
		rec = e.processes[pid]
	}
	e.mu.Unlock()
	if rec == nil {
		return nil, &errors.NotFoundError{Resource: "process", ID: token}
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-rec.done:
	case <-ctx.Done():
		return &ProcessResult{
			Status: StatusTimeout,
			PID:    pid,
			Error:  ctx.Err().Error(),
		}, nil
	case <-timeoutCh:
		return &ProcessResult{
			Status: StatusTimeout,
			PID:    pid,
			Error:  fmt.Sprintf("process still running after %s; it was not terminated", timeout),
		}, nil
	}

	duration := rec.endTime.Sub(rec.startTime)
	output := readOutputFile(rec.stdoutPath)
	stderr := readOutputFile(rec.stderrPath)

	e.mu.Lock()
	terminated := rec.terminated
	reason := rec.terminationReason
	delete(e.tokens, token)
	delete(e.processes, pid)
	e.mu.Unlock()

	// Release order: registry entries first, temp files second.
	e.concurrency.Unregister(token)
	e.monitor.Remove(pid)
	e.tempFiles.ScheduleCleanup(pid)

	status := StatusCompleted
	if terminated {
		status = StatusTerminated
	}
	errText := stderr
	if reason != "" {
		if errText != "" {
			errText = reason + "\n" + errText
		} else {
			errText = reason
		}
	}

	result := &ProcessResult{
		Status:     status,
		Success:    rec.exitCode == 0 && !terminated,
		ReturnCode: rec.exitCode,
		Output:     output,
		Error:      errText,
		PID:        pid,
		Duration:   duration,
	}

	if e.metrics != nil {
		e.metrics.RunningProcesses.Dec()
		e.metrics.CommandsCompleted.WithLabelValues(status).Inc()
		e.metrics.CommandDurationSeconds.Observe(duration.Seconds())
	}
	e.logger.Info("command finished",
		log.TokenKey, token, log.PIDKey, pid, "status", status,
		"return_code", rec.exitCode, log.DurationKey, duration.Milliseconds())

	return result, nil
}

// TerminateByToken sends the graceful termination signal to the process and
// marks its record terminated. Returns false when the token is unknown.
func (e *CommandExecutor) TerminateByToken(token string) bool {
	e.mu.Lock()
	pid, ok := e.tokens[token]
	var rec *runningProcess
	if ok {
		rec = e.processes[pid]
	}
	if rec != nil {
		rec.terminated = true
		if rec.terminationReason == "" {
			rec.terminationReason = "Terminated by request"
		}
	}
	e.mu.Unlock()
	if rec == nil {
		return false
	}
	if err := rec.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		e.logger.Warn("terminate signal failed", log.PIDKey, pid, "error", err)
		return false
	}
	return true
}

// ListRunningProcesses returns a display snapshot of every registered
// process.
func (e *CommandExecutor) ListRunningProcesses() []RunningProcessInfo {
	e.mu.Lock()
	recs := make([]*runningProcess, 0, len(e.processes))
	for _, rec := range e.processes {
		recs = append(recs, rec)
	}
	e.mu.Unlock()

	infos := make([]RunningProcessInfo, 0, len(recs))
	for _, rec := range recs {
		info := RunningProcessInfo{
			TokenPrefix: rec.token[:8],
			PID:         rec.pid,
			Command:     truncateCommand(rec.command, maxCommandDisplayLength),
			Runtime:     formatDuration(time.Since(rec.startTime)),
			Status:      StatusRunning,
		}
		if proc, err := process.NewProcess(int32(rec.pid)); err == nil {
			if cpu, err := proc.CPUPercent(); err == nil {
				info.CPUPercent = cpu
			}
			if memInfo, err := proc.MemoryInfo(); err == nil {
				info.MemoryMB = float64(memInfo.RSS) / (1024 * 1024)
			}
			if statuses, err := proc.Status(); err == nil && len(statuses) > 0 {
				info.Status = statuses[0]
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// StartStatusReporter begins logging a periodic report of running processes.
func (e *CommandExecutor) StartStatusReporter(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	e.mu.Lock()
	if e.reporterStop != nil {
		e.mu.Unlock()
		return
	}
	e.reporterStop = make(chan struct{})
	stop := e.reporterStop
	e.mu.Unlock()

	e.reporterWG.Add(1)
	go func() {
		defer e.reporterWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				infos := e.ListRunningProcesses()
				e.logger.Info("process status report", "running", len(infos))
				for _, info := range infos {
					e.logger.Info("running process",
						"token_prefix", info.TokenPrefix, log.PIDKey, info.PID,
						"command", info.Command, "runtime", info.Runtime,
						"cpu_percent", info.CPUPercent, "memory_mb", info.MemoryMB)
				}
			}
		}
	}()
}

// StopStatusReporter stops the periodic report.
func (e *CommandExecutor) StopStatusReporter() {
	e.mu.Lock()
	stop := e.reporterStop
	e.reporterStop = nil
	e.mu.Unlock()
	if stop != nil {
		close(stop)
		e.reporterWG.Wait()
	}
}

// Close shuts down the executor's background components. Queued requests are
// cancelled; running subprocesses are left to their own watchers.
func (e *CommandExecutor) Close() {
	e.StopStatusReporter()
	e.concurrency.Close()
	e.monitor.Close()
	e.tempFiles.Close()
}

// exitCode extracts a process exit code from a Wait error.
func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if stdAs(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// formatDuration renders a runtime as "45s", "2m 30s", or "1h 15m".
func formatDuration(d time.Duration) string {
	secs := int(d.Seconds())
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
	}
}

// truncateCommand bounds a command string for display.
func truncateCommand(command string, maxLen int) string {
	command = strings.TrimSpace(command)
	if len(command) <= maxLen {
		return command
	}
	return command[:maxLen-3] + "..."
}
