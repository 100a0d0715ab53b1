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

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/tombee/foreman/internal/log"
)

// sampleInterval is the resource sampling cadence.
const sampleInterval = time.Second

// terminateGracePeriod is how long a limit-breaching process gets after the
// graceful signal before it is force-killed.
const terminateGracePeriod = 5 * time.Second

// Breach reasons reported by LimitCheck.
const (
	ReasonMemoryLimit        = "memory_limit"
	ReasonCPUTimeLimit       = "cpu_time_limit"
	ReasonExecutionTimeLimit = "execution_time_limit"
)

// ResourceSample is an on-demand snapshot of one subprocess's usage.
type ResourceSample struct {
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPeakMB  float64 `json:"memory_peak_mb"`
	CPUTimeUsedS  float64 `json:"cpu_time_used"`
	ExecutionTime float64 `json:"execution_time"`
	OSStatus      string  `json:"os_status"`
}

// LimitCheck is the result of checking one pid against the configured bounds.
type LimitCheck struct {
	Exceeded bool    `json:"exceeded"`
	Reason   string  `json:"reason,omitempty"`
	Limit    float64 `json:"limit,omitempty"`
	Current  float64 `json:"current,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// monitoredProcess tracks per-pid sampling state. Peak memory is monotonic.
type monitoredProcess struct {
	pid          int
	startTime    time.Time
	cpuTimeStart float64
	memoryPeakMB float64
	terminated   bool
}

// ResourceMonitor samples every tracked subprocess for memory RSS,
// accumulated CPU time, and wall-clock runtime, and terminates any process
// that exceeds a configured limit.
type ResourceMonitor struct {
	// mu guards config and tracked
	mu      sync.Mutex
	config  ResourceLimitConfig
	tracked map[int]*monitoredProcess

	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup

	// onTerminated is invoked after a limit breach terminates a process
	onTerminated func(pid int, check LimitCheck)
}

// NewResourceMonitor creates a monitor and starts its sampling loop.
func NewResourceMonitor(config ResourceLimitConfig, logger *slog.Logger) *ResourceMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &ResourceMonitor{
		config:  config,
		tracked: make(map[int]*monitoredProcess),
		logger:  log.WithComponent(logger, "resources"),
		stopCh:  make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sampleLoop()
	return m
}

// SetTerminationHandler registers a callback invoked after a breach
// terminates a process.
func (m *ResourceMonitor) SetTerminationHandler(fn func(pid int, check LimitCheck)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminated = fn
}

// Add begins monitoring pid. The initial CPU time is captured so only time
// accrued under monitoring counts against the limit.
func (m *ResourceMonitor) Add(pid int) {
	mp := &monitoredProcess{pid: pid, startTime: time.Now()}
	if proc, err := process.NewProcess(int32(pid)); err == nil {
		if times, err := proc.Times(); err == nil {
			mp.cpuTimeStart = times.User + times.System
		}
	}
	m.mu.Lock()
	m.tracked[pid] = mp
	m.mu.Unlock()
}

// Remove stops monitoring pid and returns the final sample, or nil when the
// pid was not tracked.
func (m *ResourceMonitor) Remove(pid int) *ResourceSample {
	m.mu.Lock()
	mp, ok := m.tracked[pid]
	delete(m.tracked, pid)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	sample := m.sample(mp)
	return &sample
}

// sample collects the current metrics for one tracked process. A process
// that is gone or denies access yields a zeroed sample with status
// "not_found"; the sampler never errors on it.
func (m *ResourceMonitor) sample(mp *monitoredProcess) ResourceSample {
	proc, err := process.NewProcess(int32(mp.pid))
	if err != nil {
		return ResourceSample{
			MemoryPeakMB:  mp.memoryPeakMB,
			ExecutionTime: time.Since(mp.startTime).Seconds(),
			OSStatus:      "not_found",
		}
	}

	sample := ResourceSample{
		MemoryPeakMB:  mp.memoryPeakMB,
		ExecutionTime: time.Since(mp.startTime).Seconds(),
	}

	if memInfo, err := proc.MemoryInfo(); err == nil {
		sample.MemoryMB = float64(memInfo.RSS) / (1024 * 1024)
		m.mu.Lock()
		if sample.MemoryMB > mp.memoryPeakMB {
			mp.memoryPeakMB = sample.MemoryMB
		}
		sample.MemoryPeakMB = mp.memoryPeakMB
		m.mu.Unlock()
	}

	if times, err := proc.Times(); err == nil {
		sample.CPUTimeUsedS = (times.User + times.System) - mp.cpuTimeStart
	}

	if statuses, err := proc.Status(); err == nil && len(statuses) > 0 {
		sample.OSStatus = statuses[0]
	} else {
		sample.OSStatus = "not_found"
	}

	return sample
}

// Stats returns the current sample for pid, or nil when not tracked.
func (m *ResourceMonitor) Stats(pid int) *ResourceSample {
	m.mu.Lock()
	mp, ok := m.tracked[pid]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	sample := m.sample(mp)
	return &sample
}

// Check evaluates pid against the configured limits.
func (m *ResourceMonitor) Check(pid int) LimitCheck {
	m.mu.Lock()
	cfg := m.config
	mp, ok := m.tracked[pid]
	m.mu.Unlock()
	if !ok || !cfg.Enabled {
		return LimitCheck{}
	}

	sample := m.sample(mp)
	if sample.OSStatus == "not_found" {
		return LimitCheck{}
	}

	if sample.MemoryMB > float64(cfg.MaxMemoryPerProcessMB) {
		return LimitCheck{
			Exceeded: true,
			Reason:   ReasonMemoryLimit,
			Limit:    float64(cfg.MaxMemoryPerProcessMB),
			Current:  sample.MemoryMB,
			Message:  fmt.Sprintf("Memory usage %.1fMB exceeds limit %dMB", sample.MemoryMB, cfg.MaxMemoryPerProcessMB),
		}
	}
	if sample.CPUTimeUsedS > float64(cfg.MaxCPUTimeSeconds) {
		return LimitCheck{
			Exceeded: true,
			Reason:   ReasonCPUTimeLimit,
			Limit:    float64(cfg.MaxCPUTimeSeconds),
			Current:  sample.CPUTimeUsedS,
			Message:  fmt.Sprintf("CPU time %.1fs exceeds limit %ds", sample.CPUTimeUsedS, cfg.MaxCPUTimeSeconds),
		}
	}
	if sample.ExecutionTime > float64(cfg.MaxExecutionTimeSeconds) {
		return LimitCheck{
			Exceeded: true,
			Reason:   ReasonExecutionTimeLimit,
			Limit:    float64(cfg.MaxExecutionTimeSeconds),
			Current:  sample.ExecutionTime,
			Message:  fmt.Sprintf("Execution time %.1fs exceeds limit %ds", sample.ExecutionTime, cfg.MaxExecutionTimeSeconds),
		}
	}
	return LimitCheck{}
}

// sampleLoop checks every tracked pid once per sampleInterval and terminates
// breaching processes.
func (m *ResourceMonitor) sampleLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkAll()
		}
	}
}

func (m *ResourceMonitor) checkAll() {
	m.mu.Lock()
	if !m.config.Enabled {
		m.mu.Unlock()
		return
	}
	pids := make([]int, 0, len(m.tracked))
	for pid, mp := range m.tracked {
		if !mp.terminated {
			pids = append(pids, pid)
		}
	}
	m.mu.Unlock()

	for _, pid := range pids {
		check := m.Check(pid)
		if !check.Exceeded {
			continue
		}
		m.logger.Warn("resource limit exceeded, terminating process",
			log.PIDKey, pid, "reason", check.Reason, "current", check.Current, "limit", check.Limit)
		m.terminate(pid, check)
	}
}

// terminate sends the graceful signal, waits up to terminateGracePeriod, then
// force-kills, and marks the record terminated.
func (m *ResourceMonitor) terminate(pid int, check LimitCheck) {
	proc, err := process.NewProcess(int32(pid))
	if err == nil {
		if err := proc.Terminate(); err != nil {
			m.logger.Warn("graceful terminate failed", log.PIDKey, pid, "error", err)
		}
		deadline := time.Now().Add(terminateGracePeriod)
		for time.Now().Before(deadline) {
			if exists, _ := process.PidExists(int32(pid)); !exists {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if exists, _ := process.PidExists(int32(pid)); exists {
			if err := proc.Kill(); err != nil {
				m.logger.Error("force kill failed", log.PIDKey, pid, "error", err)
			}
		}
	}

	m.mu.Lock()
	if mp, ok := m.tracked[pid]; ok {
		mp.terminated = true
	}
	handler := m.onTerminated
	m.mu.Unlock()

	if handler != nil {
		handler(pid, check)
	}
}

// AllStats returns samples for every tracked pid.
func (m *ResourceMonitor) AllStats() map[int]ResourceSample {
	m.mu.Lock()
	tracked := make([]*monitoredProcess, 0, len(m.tracked))
	for _, mp := range m.tracked {
		tracked = append(tracked, mp)
	}
	m.mu.Unlock()

	stats := make(map[int]ResourceSample, len(tracked))
	for _, mp := range tracked {
		stats[mp.pid] = m.sample(mp)
	}
	return stats
}

// UpdateConfig replaces the limits live; the next sampling pass applies them.
func (m *ResourceMonitor) UpdateConfig(config ResourceLimitConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = config
}

// Close stops the sampling loop.
func (m *ResourceMonitor) Close() {
	close(m.stopCh)
	m.wg.Wait()
}
