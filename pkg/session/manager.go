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

package session

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/foreman/internal/log"
)

// Manager caches active sessions in memory and writes through to the storage
// backend on every mutation.
type Manager struct {
	storage Storage
	logger  *slog.Logger

	// mu guards the active-session cache
	mu     sync.Mutex
	active map[string]*Session
}

// NewManager creates a session manager over the given storage.
func NewManager(storage Storage, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		storage: storage,
		logger:  log.WithComponent(logger, "sessions"),
		active:  make(map[string]*Session),
	}
}

// Create starts a new active session and persists it.
func (m *Manager) Create(userID, purpose string, tags []string) (*Session, error) {
	sessionID := generateSessionID()
	sess := New(sessionID, userID, purpose, tags)
	if err := m.storage.Save(sess); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active[sessionID] = sess
	m.mu.Unlock()

	m.logger.Info("session created", log.SessionIDKey, sessionID, log.UserIDKey, userID)
	return sess, nil
}

// Get returns a session, consulting the active cache first.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	if sess, ok := m.active[sessionID]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	sess, err := m.storage.Load(sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if sess.Metadata.Status == StatusActive {
		m.active[sessionID] = sess
	}
	m.mu.Unlock()
	return sess, nil
}

// LinkInvocation attaches an invocation to the session, updating the
// invocation count, tool set, and accumulated duration.
func (m *Manager) LinkInvocation(sessionID, invocationID, toolName, invocationDir string, durationMS float64) error {
	sess, err := m.Get(sessionID)
	if err != nil {
		return err
	}

	sess.AddInvocation(invocationID, durationMS)
	if toolName != "" {
		sess.AddToolUsed(toolName)
	}
	if err := m.storage.Save(sess); err != nil {
		return err
	}
	if invocationDir != "" {
		if err := m.storage.LinkInvocation(sessionID, invocationID, invocationDir); err != nil {
			return err
		}
	}
	return nil
}

// AddMessage appends a conversation message and persists the session.
func (m *Manager) AddMessage(sessionID, role, content, toolName, invocationID string) error {
	sess, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	sess.AddMessage(role, content, toolName, invocationID)
	return m.storage.Save(sess)
}

// UpdateData merges key/value pairs into the session's data bag.
func (m *Manager) UpdateData(sessionID string, values map[string]interface{}) error {
	sess, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	for k, v := range values {
		sess.Set(k, v)
	}
	return m.storage.Save(sess)
}

// UpdateMetadata applies a mutation to the session metadata and persists it.
func (m *Manager) UpdateMetadata(sessionID string, mutate func(*Metadata)) error {
	sess, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	mutate(&sess.Metadata)
	sess.Metadata.UpdatedAt = time.Now().UTC()
	return m.storage.Save(sess)
}

// Complete transitions the session to a terminal status and drops it from
// the active cache.
func (m *Manager) Complete(sessionID string, status Status) error {
	sess, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	sess.Metadata.Status = status
	sess.Metadata.UpdatedAt = time.Now().UTC()
	if err := m.storage.Save(sess); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.active, sessionID)
	m.mu.Unlock()

	m.logger.Info("session completed", log.SessionIDKey, sessionID, "status", string(status))
	return nil
}

// List returns sessions matching the filter.
func (m *Manager) List(filter ListFilter) ([]*Session, error) {
	return m.storage.List(filter)
}

// Delete removes a session from the cache and storage.
func (m *Manager) Delete(sessionID string) error {
	m.mu.Lock()
	delete(m.active, sessionID)
	m.mu.Unlock()
	return m.storage.Delete(sessionID)
}

// CleanupOld deletes terminal sessions older than maxAgeDays. Active sessions
// are kept regardless of age.
func (m *Manager) CleanupOld(maxAgeDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	return m.storage.Cleanup(cutoff)
}

// Statistics summarizes one session.
func (m *Manager) Statistics(sessionID string) (map[string]interface{}, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"session_id":        sess.Metadata.SessionID,
		"status":            string(sess.Metadata.Status),
		"duration_seconds":  sess.Metadata.UpdatedAt.Sub(sess.Metadata.CreatedAt).Seconds(),
		"total_invocations": sess.Metadata.TotalInvocations,
		"total_duration_ms": sess.Metadata.TotalDurationMS,
		"message_count":     len(sess.Conversation),
		"tools_used":        sess.Metadata.ToolsUsed,
		"token_usage":       sess.Metadata.TokenUsage,
	}, nil
}

// generateSessionID returns a compact unique session identifier.
func generateSessionID() string {
	return "sess-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
