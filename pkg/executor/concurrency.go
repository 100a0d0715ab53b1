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
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/pkg/errors"
)

// assumedAvgProcessSeconds is the advisory average process duration used for
// queue wait estimates.
const assumedAvgProcessSeconds = 30

// queueWorkerInterval is how often the queue worker re-checks the head of the
// queue against the caps.
const queueWorkerInterval = 100 * time.Millisecond

// QueuedRequest is a request waiting for concurrency admission. Admitted is
// signalled exactly once: with nil on admission, or with a structured
// cancellation error when the queue is drained at shutdown.
type QueuedRequest struct {
	ID       string
	Command  string
	UserID   string
	Timeout  time.Duration
	QueuedAt time.Time

	// Admitted receives the admission decision. Buffered so the queue worker
	// never blocks on a caller that gave up.
	Admitted chan error
}

// processInfo is the registry record for one admitted process.
type processInfo struct {
	Token    string
	UserID   string
	Command  string
	PID      int
	StartsAt time.Time
}

// ConcurrencyManager enforces the global and per-user process caps and
// maintains the bounded queue of waiting requests.
//
// mu guards running, userProcs, and queue together: registry mutation and
// queue head/tail mutation are one critical section so admission decisions
// and registration stay consistent.
type ConcurrencyManager struct {
	mu        sync.Mutex
	config    ConcurrencyConfig
	running   map[string]processInfo
	userProcs map[string][]string
	queue     []*QueuedRequest

	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewConcurrencyManager creates a manager and starts its queue worker.
func NewConcurrencyManager(config ConcurrencyConfig, logger *slog.Logger) *ConcurrencyManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &ConcurrencyManager{
		config:    config,
		running:   make(map[string]processInfo),
		userProcs: make(map[string][]string),
		logger:    log.WithComponent(logger, "concurrency"),
		stopCh:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.queueWorker()
	return m
}

// Check admits a launch for userID or returns a *errors.ConcurrencyError.
// When the caps are exceeded but the queue has room, the error carries
// Queueable=true plus the estimated queue position and wait.
func (m *ConcurrencyManager) Check(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.config.Enabled {
		return nil
	}

	if len(m.running) >= m.config.MaxConcurrentProcesses {
		if len(m.queue) >= m.config.ProcessQueueSize {
			return &errors.ConcurrencyError{UserID: userID, Reason: "global_limit", Queueable: false}
		}
		position := len(m.queue) + 1
		return &errors.ConcurrencyError{
			UserID:        userID,
			Reason:        "global_limit",
			Queueable:     true,
			QueuePosition: position,
			EstimatedWait: m.estimateWaitLocked(),
		}
	}

	if len(m.userProcs[userID]) >= m.config.MaxProcessesPerUser {
		if len(m.queue) >= m.config.ProcessQueueSize {
			return &errors.ConcurrencyError{UserID: userID, Reason: "user_limit", Queueable: false}
		}
		return &errors.ConcurrencyError{
			UserID:        userID,
			Reason:        "user_limit",
			Queueable:     true,
			QueuePosition: len(m.queue) + 1,
			EstimatedWait: m.estimateWaitLocked(),
		}
	}

	return nil
}

// Register records an admitted process. The token and user indexes are
// mutated in lock-step under one critical section.
func (m *ConcurrencyManager) Register(token, userID, command string, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[token] = processInfo{
		Token:    token,
		UserID:   userID,
		Command:  command,
		PID:      pid,
		StartsAt: time.Now(),
	}
	m.userProcs[userID] = append(m.userProcs[userID], token)
}

// Unregister removes a process from both indexes.
func (m *ConcurrencyManager) Unregister(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.running[token]
	if !ok {
		return
	}
	delete(m.running, token)
	tokens := m.userProcs[info.UserID]
	for i, t := range tokens {
		if t == token {
			m.userProcs[info.UserID] = append(tokens[:i], tokens[i+1:]...)
			break
		}
	}
	if len(m.userProcs[info.UserID]) == 0 {
		delete(m.userProcs, info.UserID)
	}
}

// QueueRequest appends a request to the bounded queue, or returns
// *errors.QueueFullError when it is at capacity.
func (m *ConcurrencyManager) QueueRequest(command, userID string, timeout time.Duration) (*QueuedRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) >= m.config.ProcessQueueSize {
		return nil, &errors.QueueFullError{Capacity: m.config.ProcessQueueSize}
	}

	req := &QueuedRequest{
		ID:       uuid.NewString(),
		Command:  command,
		UserID:   userID,
		Timeout:  timeout,
		QueuedAt: time.Now(),
		Admitted: make(chan error, 1),
	}
	m.queue = append(m.queue, req)
	m.logger.Info("request queued", log.UserIDKey, userID, "queue_depth", len(m.queue))
	return req, nil
}

// queueWorker peeks the head of the queue; when admitting it would satisfy
// both caps the request is dequeued and its promise signalled. Otherwise the
// worker sleeps briefly and retries. Admission out of the queue is FIFO.
func (m *ConcurrencyManager) queueWorker() {
	defer m.wg.Done()
	ticker := time.NewTicker(queueWorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			m.cancelQueued("executor shutting down")
			return
		case <-ticker.C:
			m.admitHead()
		}
	}
}

func (m *ConcurrencyManager) admitHead() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return
	}
	if len(m.running) >= m.config.MaxConcurrentProcesses {
		return
	}
	head := m.queue[0]
	if len(m.userProcs[head.UserID]) >= m.config.MaxProcessesPerUser {
		// Head stays queued; FIFO order is preserved.
		return
	}
	m.queue = m.queue[1:]
	head.Admitted <- nil
	m.logger.Info("request dequeued for admission", log.UserIDKey, head.UserID, "request_id", head.ID)
}

// cancelQueued drains the queue, signalling a structured cancellation to
// every pending promise.
func (m *ConcurrencyManager) cancelQueued(reason string) {
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, req := range pending {
		req.Admitted <- &errors.CancelledError{Reason: reason}
	}
}

// estimateWaitLocked returns the advisory queue wait. Must be called with mu
// held.
func (m *ConcurrencyManager) estimateWaitLocked() time.Duration {
	available := m.config.MaxConcurrentProcesses - len(m.running)
	if available < 1 {
		available = 1
	}
	ahead := len(m.queue) + 1
	batches := (ahead + available - 1) / available
	return time.Duration(batches*assumedAvgProcessSeconds) * time.Second
}

// QueueStatus is a snapshot of the queue and running set.
type QueueStatus struct {
	QueueSize     int `json:"queue_size"`
	MaxQueueSize  int `json:"max_queue_size"`
	Processing    int `json:"processing"`
	MaxConcurrent int `json:"max_concurrent"`
}

// QueueStatus returns the current queue snapshot.
func (m *ConcurrencyManager) QueueStatus() QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return QueueStatus{
		QueueSize:     len(m.queue),
		MaxQueueSize:  m.config.ProcessQueueSize,
		Processing:    len(m.running),
		MaxConcurrent: m.config.MaxConcurrentProcesses,
	}
}

// UserStatus reports a user's current usage against the per-user cap.
func (m *ConcurrencyManager) UserStatus(userID string) map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]interface{}{
		"user_id":              userID,
		"concurrent_processes": len(m.userProcs[userID]),
		"max_processes":        m.config.MaxProcessesPerUser,
	}
}

// Running returns a snapshot of all registered processes.
func (m *ConcurrencyManager) Running() []processInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]processInfo, 0, len(m.running))
	for _, info := range m.running {
		infos = append(infos, info)
	}
	return infos
}

// RunningCount returns the number of registered processes.
func (m *ConcurrencyManager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// UpdateConfig replaces the configuration live. Queued requests and running
// registrations are preserved; new caps apply from the next admission check.
func (m *ConcurrencyManager) UpdateConfig(config ConcurrencyConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = config
}

// Close stops the queue worker and cancels all pending queued requests.
func (m *ConcurrencyManager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}
