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

// Package session provides durable per-session state: metadata, conversation
// log, invocation links, and arbitrary key/value data. The workflow engine
// uses sessions for checkpoint and resume.
package session

import (
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// Metadata holds the summary fields of a session. TotalInvocations always
// equals the length of the session's invocation list, and ToolsUsed is the
// set of tool names across linked invocations.
type Metadata struct {
	SessionID        string    `json:"session_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Status           Status    `json:"status"`
	UserID           string    `json:"user_id,omitempty"`
	Purpose          string    `json:"purpose,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	ToolsUsed        []string  `json:"tools_used,omitempty"`
	TokenUsage       int64     `json:"token_usage,omitempty"`
	TotalInvocations int       `json:"total_invocations"`
	TotalDurationMS  float64   `json:"total_duration_ms"`
}

// Message is one conversation entry. Serialized one JSON object per line in
// conversation.jsonl.
type Message struct {
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	ToolName     string    `json:"tool_name,omitempty"`
	InvocationID string    `json:"invocation_id,omitempty"`
}

// Session is the full durable state of one session.
type Session struct {
	Metadata      Metadata               `json:"metadata"`
	InvocationIDs []string               `json:"invocation_ids"`
	Conversation  []Message              `json:"conversation"`
	Data          map[string]interface{} `json:"data"`
}

// New creates an active session with the given id.
func New(sessionID, userID, purpose string, tags []string) *Session {
	now := time.Now().UTC()
	return &Session{
		Metadata: Metadata{
			SessionID: sessionID,
			CreatedAt: now,
			UpdatedAt: now,
			Status:    StatusActive,
			UserID:    userID,
			Purpose:   purpose,
			Tags:      tags,
		},
		Data: make(map[string]interface{}),
	}
}

// AddInvocation links an invocation id and keeps the invariant
// TotalInvocations == len(InvocationIDs).
func (s *Session) AddInvocation(invocationID string, durationMS float64) {
	s.InvocationIDs = append(s.InvocationIDs, invocationID)
	s.Metadata.TotalInvocations = len(s.InvocationIDs)
	s.Metadata.TotalDurationMS += durationMS
	s.touch()
}

// AddToolUsed records a tool name in the set-semantics ToolsUsed list.
func (s *Session) AddToolUsed(toolName string) {
	for _, t := range s.Metadata.ToolsUsed {
		if t == toolName {
			return
		}
	}
	s.Metadata.ToolsUsed = append(s.Metadata.ToolsUsed, toolName)
	s.touch()
}

// AddMessage appends a conversation message.
func (s *Session) AddMessage(role, content, toolName, invocationID string) {
	s.Conversation = append(s.Conversation, Message{
		Role:         role,
		Content:      content,
		Timestamp:    time.Now().UTC(),
		ToolName:     toolName,
		InvocationID: invocationID,
	})
	s.touch()
}

// Get retrieves a data value, returning def when absent.
func (s *Session) Get(key string, def interface{}) interface{} {
	if v, ok := s.Data[key]; ok {
		return v
	}
	return def
}

// Set stores a data value.
func (s *Session) Set(key string, value interface{}) {
	if s.Data == nil {
		s.Data = make(map[string]interface{})
	}
	s.Data[key] = value
	s.touch()
}

// Delete removes a data value.
func (s *Session) Delete(key string) {
	delete(s.Data, key)
	s.touch()
}

// touch bumps UpdatedAt; called on every mutation.
func (s *Session) touch() {
	s.Metadata.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy. Data values are copied one level deep, which is
// sufficient for the JSON-shaped values sessions carry.
func (s *Session) Clone() *Session {
	out := &Session{
		Metadata:      s.Metadata,
		InvocationIDs: append([]string(nil), s.InvocationIDs...),
		Conversation:  append([]Message(nil), s.Conversation...),
		Data:          make(map[string]interface{}, len(s.Data)),
	}
	out.Metadata.Tags = append([]string(nil), s.Metadata.Tags...)
	out.Metadata.ToolsUsed = append([]string(nil), s.Metadata.ToolsUsed...)
	for k, v := range s.Data {
		out.Data[k] = v
	}
	return out
}
