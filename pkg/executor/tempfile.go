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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/pkg/errors"
)

const (
	stdoutPrefix = "cmd_out_"
	stderrPrefix = "cmd_err_"
)

// TempFileConfig configures the temp file manager.
type TempFileConfig struct {
	// Dir is the preferred temp directory. Empty means the OS temp dir.
	Dir string

	// CreateRetryAttempts is how many times file creation is retried per directory
	CreateRetryAttempts int

	// CleanupRetryAttempts is how many times removal is retried per cleanup request
	CleanupRetryAttempts int

	// CleanupRetryDelay is the base delay between cleanup retries (doubles each retry)
	CleanupRetryDelay time.Duration

	// OrphanInterval is how often the orphan sweeper runs
	OrphanInterval time.Duration

	// OrphanMaxAge is the minimum mtime age before an untracked file is swept
	OrphanMaxAge time.Duration
}

// DefaultTempFileConfig returns the default temp file configuration.
func DefaultTempFileConfig() TempFileConfig {
	return TempFileConfig{
		CreateRetryAttempts:  3,
		CleanupRetryAttempts: 3,
		CleanupRetryDelay:    time.Second,
		OrphanInterval:       time.Hour,
		OrphanMaxAge:         2 * time.Hour,
	}
}

// TempFileMetrics is a snapshot of temp file activity counters.
type TempFileMetrics struct {
	FilesCreated     int64 `json:"files_created"`
	FilesCleaned     int64 `json:"files_cleaned"`
	CleanupFailures  int64 `json:"cleanup_failures"`
	OrphansCleaned   int64 `json:"orphans_cleaned"`
	CreationFailures int64 `json:"creation_failures"`
	Tracked          int   `json:"tracked"`
	QueueDepth       int   `json:"queue_depth"`
}

// trackedPair records the temp files owned by one subprocess.
type trackedPair struct {
	stdoutPath string
	stderrPath string
	createdAt  time.Time
}

// TempFileManager creates and tracks the stdout/stderr capture files for
// subprocesses, cleans them up asynchronously after termination, and
// periodically sweeps orphans left behind by crashes.
//
// Cleanup is strictly fire-and-forget: filesystem errors are retried inside
// the component and never propagate to callers.
type TempFileManager struct {
	cfg    TempFileConfig
	logger *slog.Logger

	// mu guards tracked, activeDir, and the metrics counters
	mu        sync.Mutex
	tracked   map[int]trackedPair
	activeDir string
	metrics   TempFileMetrics

	cleanupQueue chan int
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewTempFileManager creates a manager and starts its background workers.
func NewTempFileManager(cfg TempFileConfig, logger *slog.Logger) *TempFileManager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CreateRetryAttempts < 1 {
		cfg.CreateRetryAttempts = 3
	}
	if cfg.CleanupRetryAttempts < 1 {
		cfg.CleanupRetryAttempts = 3
	}
	if cfg.CleanupRetryDelay <= 0 {
		cfg.CleanupRetryDelay = time.Second
	}
	if cfg.OrphanInterval <= 0 {
		cfg.OrphanInterval = time.Hour
	}
	if cfg.OrphanMaxAge <= 0 {
		cfg.OrphanMaxAge = 2 * time.Hour
	}

	m := &TempFileManager{
		cfg:          cfg,
		logger:       log.WithComponent(logger, "tempfile"),
		tracked:      make(map[int]trackedPair),
		cleanupQueue: make(chan int, 256),
		stopCh:       make(chan struct{}),
	}

	m.wg.Add(2)
	go m.cleanupWorker()
	go m.orphanWorker()

	return m
}

// fallbackDirs returns the directory search order: configured dir, OS temp
// dir, home ".tmp", then the platform conventional temp path.
func (m *TempFileManager) fallbackDirs() []string {
	var dirs []string
	if m.cfg.Dir != "" {
		dirs = append(dirs, m.cfg.Dir)
	}
	dirs = append(dirs, os.TempDir())
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".tmp"))
	}
	dirs = append(dirs, platformTempDir())
	return dirs
}

// CreatePair reserves two uniquely-named files for stdout and stderr capture.
// Creation is retried with exponential backoff in the active directory, then
// through each fallback directory. The first writable directory is cached for
// subsequent calls.
func (m *TempFileManager) CreatePair(prefix string) (stdoutPath, stderrPath string, err error) {
	m.mu.Lock()
	active := m.activeDir
	m.mu.Unlock()

	var dirs []string
	if active != "" {
		dirs = append(dirs, active)
	}
	for _, d := range m.fallbackDirs() {
		if d != active {
			dirs = append(dirs, d)
		}
	}

	attempts := 0
	var lastErr error
	var lastDir string
	for _, dir := range dirs {
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			lastErr, lastDir = mkErr, dir
			continue
		}
		for i := 0; i < m.cfg.CreateRetryAttempts; i++ {
			attempts++
			outPath, errPath, createErr := createPairIn(dir, prefix)
			if createErr == nil {
				m.mu.Lock()
				m.activeDir = dir
				m.metrics.FilesCreated += 2
				m.mu.Unlock()
				return outPath, errPath, nil
			}
			lastErr, lastDir = createErr, dir
			m.logger.Warn("temp file creation failed, retrying",
				"dir", dir, "attempt", i+1, "error", createErr)
			time.Sleep(backoffDelay(i, 100*time.Millisecond))
		}
	}

	m.mu.Lock()
	m.metrics.CreationFailures++
	m.mu.Unlock()
	return "", "", &errors.TempFileError{Dir: lastDir, Attempts: attempts, Cause: lastErr}
}

// createPairIn atomically creates a uniquely-named stdout/stderr pair in dir.
// The handles are closed immediately so the child process can open them.
func createPairIn(dir, prefix string) (string, string, error) {
	id := uuid.NewString()[:8]
	outPath := filepath.Join(dir, fmt.Sprintf("%s%s%s.out", stdoutPrefix, prefix, id))
	errPath := filepath.Join(dir, fmt.Sprintf("%s%s%s.err", stderrPrefix, prefix, id))

	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", "", err
	}
	outFile.Close()

	errFile, err := os.OpenFile(errPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		os.Remove(outPath)
		return "", "", err
	}
	errFile.Close()

	return outPath, errPath, nil
}

// Register records the temp file pair owned by pid.
func (m *TempFileManager) Register(pid int, stdoutPath, stderrPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[pid] = trackedPair{
		stdoutPath: stdoutPath,
		stderrPath: stderrPath,
		createdAt:  time.Now(),
	}
}

// ScheduleCleanup enqueues a cleanup request for pid. Non-blocking: if the
// queue is full the entry stays tracked for the orphan sweeper.
func (m *TempFileManager) ScheduleCleanup(pid int) {
	select {
	case m.cleanupQueue <- pid:
	default:
		m.logger.Warn("cleanup queue full, deferring to orphan sweeper", log.PIDKey, pid)
	}
}

// cleanupWorker drains the cleanup queue, retrying removals with exponential
// backoff. Failures are logged, never propagated; failed entries remain
// tracked so the orphan sweeper can retry them.
func (m *TempFileManager) cleanupWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case pid := <-m.cleanupQueue:
			m.cleanupPID(pid)
		}
	}
}

func (m *TempFileManager) cleanupPID(pid int) {
	m.mu.Lock()
	pair, ok := m.tracked[pid]
	m.mu.Unlock()
	if !ok {
		return
	}

	for i := 0; i < m.cfg.CleanupRetryAttempts; i++ {
		if removePair(pair) {
			m.mu.Lock()
			delete(m.tracked, pid)
			m.metrics.FilesCleaned += 2
			m.mu.Unlock()
			return
		}
		time.Sleep(backoffDelay(i, m.cfg.CleanupRetryDelay))
	}

	m.mu.Lock()
	m.metrics.CleanupFailures++
	m.mu.Unlock()
	m.logger.Warn("temp file cleanup failed, entry remains tracked", log.PIDKey, pid)
}

// removePair removes both files, tolerating already-missing entries.
func removePair(pair trackedPair) bool {
	ok := true
	for _, p := range []string{pair.stdoutPath, pair.stderrPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			ok = false
		}
	}
	return ok
}

// orphanWorker periodically sweeps the active directory for files matching
// the temp naming convention that no live subprocess owns.
func (m *TempFileManager) orphanWorker() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.OrphanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.SweepOrphans()
		}
	}
}

// SweepOrphans removes orphaned temp files and returns how many were deleted.
// A file is orphaned when it matches the naming convention, its mtime is older
// than OrphanMaxAge, and either no tracked pid owns it or the owning pid no
// longer exists in the OS process table.
func (m *TempFileManager) SweepOrphans() int {
	m.mu.Lock()
	dir := m.activeDir
	m.mu.Unlock()
	if dir == "" {
		if m.cfg.Dir != "" {
			dir = m.cfg.Dir
		} else {
			dir = os.TempDir()
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		m.logger.Warn("orphan sweep failed to read dir", "dir", dir, "error", err)
		return 0
	}

	now := time.Now()
	cleaned := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, stdoutPrefix) && !strings.HasPrefix(name, stderrPrefix) {
			continue
		}
		path := filepath.Join(dir, name)
		if !m.isOrphaned(path, now) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove orphaned temp file", "path", path, "error", err)
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		m.mu.Lock()
		m.metrics.OrphansCleaned += int64(cleaned)
		m.mu.Unlock()
		m.logger.Info("orphan sweep completed", "cleaned", cleaned)
	}
	return cleaned
}

func (m *TempFileManager) isOrphaned(path string, now time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if now.Sub(info.ModTime()) < m.cfg.OrphanMaxAge {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for pid, pair := range m.tracked {
		if path == pair.stdoutPath || path == pair.stderrPath {
			// Tracked: orphaned only when the owner is gone from the process table.
			exists, err := process.PidExists(int32(pid))
			if err != nil {
				return false
			}
			return !exists
		}
	}
	// Untracked and old enough.
	return true
}

// ForceCleanupResult summarizes a ForceCleanupAll pass.
type ForceCleanupResult struct {
	Initial   int `json:"initial"`
	Cleaned   int `json:"cleaned"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// ForceCleanupAll synchronously removes every tracked pair. Intended for
// shutdown and diagnostics.
func (m *TempFileManager) ForceCleanupAll() ForceCleanupResult {
	m.mu.Lock()
	pids := make([]int, 0, len(m.tracked))
	for pid := range m.tracked {
		pids = append(pids, pid)
	}
	m.mu.Unlock()

	result := ForceCleanupResult{Initial: len(pids)}
	for _, pid := range pids {
		m.mu.Lock()
		pair, ok := m.tracked[pid]
		m.mu.Unlock()
		if !ok {
			continue
		}
		if removePair(pair) {
			m.mu.Lock()
			delete(m.tracked, pid)
			m.metrics.FilesCleaned += 2
			m.mu.Unlock()
			result.Cleaned++
		} else {
			result.Failed++
		}
	}

	m.mu.Lock()
	result.Remaining = len(m.tracked)
	m.mu.Unlock()
	return result
}

// Metrics returns a snapshot of activity counters.
func (m *TempFileManager) Metrics() TempFileMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.metrics
	snap.Tracked = len(m.tracked)
	snap.QueueDepth = len(m.cleanupQueue)
	return snap
}

// Close stops the background workers. Tracked files are left for a final
// ForceCleanupAll or the next process's orphan sweep.
func (m *TempFileManager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}

// backoffDelay returns base * 2^attempt.
func backoffDelay(attempt int, base time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}
