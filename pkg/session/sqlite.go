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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/foreman/pkg/errors"
)

// SQLiteStorage persists sessions in a single SQLite database. Each session
// row carries the full serialized state plus indexed filter columns, so List
// does not deserialize non-matching sessions.
type SQLiteStorage struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '[]',
	updated_at TEXT NOT NULL,
	state      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

CREATE TABLE IF NOT EXISTS invocation_links (
	session_id     TEXT NOT NULL,
	invocation_id  TEXT NOT NULL,
	invocation_dir TEXT NOT NULL,
	PRIMARY KEY (session_id, invocation_id)
);
`

// NewSQLiteStorage opens (and migrates) the database at path. Use ":memory:"
// for an ephemeral store.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	// Serialize writers; sqlite handles one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate session database: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close releases the database handle.
func (ss *SQLiteStorage) Close() error {
	return ss.db.Close()
}

// Save upserts the full session state.
func (ss *SQLiteStorage) Save(sess *Session) error {
	state, err := json.Marshal(sess)
	if err != nil {
		return &errors.SessionError{SessionID: sess.Metadata.SessionID, Message: "failed to serialize session", Cause: err}
	}
	tags, err := json.Marshal(sess.Metadata.Tags)
	if err != nil {
		return &errors.SessionError{SessionID: sess.Metadata.SessionID, Message: "failed to serialize tags", Cause: err}
	}

	_, err = ss.db.Exec(`
		INSERT INTO sessions (session_id, user_id, status, tags, updated_at, state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			tags = excluded.tags,
			updated_at = excluded.updated_at,
			state = excluded.state`,
		sess.Metadata.SessionID,
		sess.Metadata.UserID,
		string(sess.Metadata.Status),
		string(tags),
		sess.Metadata.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(state),
	)
	if err != nil {
		return &errors.SessionError{SessionID: sess.Metadata.SessionID, Message: "failed to save session", Cause: err}
	}
	return nil
}

// Load retrieves a session by id.
func (ss *SQLiteStorage) Load(sessionID string) (*Session, error) {
	var state string
	err := ss.db.QueryRow(`SELECT state FROM sessions WHERE session_id = ?`, sessionID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "session", ID: sessionID}
	}
	if err != nil {
		return nil, &errors.SessionError{SessionID: sessionID, Message: "failed to load session", Cause: err}
	}

	var sess Session
	if err := json.Unmarshal([]byte(state), &sess); err != nil {
		return nil, &errors.SessionError{SessionID: sessionID, Message: "failed to deserialize session", Cause: err}
	}
	if sess.Data == nil {
		sess.Data = make(map[string]interface{})
	}
	return &sess, nil
}

// LinkInvocation records the invocation link as a row.
func (ss *SQLiteStorage) LinkInvocation(sessionID, invocationID, invocationDir string) error {
	_, err := ss.db.Exec(`
		INSERT INTO invocation_links (session_id, invocation_id, invocation_dir)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id, invocation_id) DO UPDATE SET invocation_dir = excluded.invocation_dir`,
		sessionID, invocationID, invocationDir)
	if err != nil {
		return &errors.SessionError{SessionID: sessionID, Message: "failed to link invocation", Cause: err}
	}
	return nil
}

// List returns matching sessions sorted by UpdatedAt descending.
func (ss *SQLiteStorage) List(filter ListFilter) ([]*Session, error) {
	query := `SELECT state, tags FROM sessions WHERE 1=1`
	var args []interface{}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := ss.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var state, tagsJSON string
		if err := rows.Scan(&state, &tagsJSON); err != nil {
			return nil, err
		}
		if len(filter.Tags) > 0 {
			var tags []string
			if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
				continue
			}
			if !tagsIntersect(tags, filter.Tags) {
				continue
			}
		}
		var sess Session
		if err := json.Unmarshal([]byte(state), &sess); err != nil {
			continue
		}
		sessions = append(sessions, &sess)
		if filter.Limit > 0 && len(sessions) >= filter.Limit {
			break
		}
	}
	return sessions, rows.Err()
}

// Exists reports whether a session row is present.
func (ss *SQLiteStorage) Exists(sessionID string) bool {
	var one int
	err := ss.db.QueryRow(`SELECT 1 FROM sessions WHERE session_id = ?`, sessionID).Scan(&one)
	return err == nil
}

// Delete removes a session and its invocation links.
func (ss *SQLiteStorage) Delete(sessionID string) error {
	res, err := ss.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return &errors.SessionError{SessionID: sessionID, Message: "failed to delete session", Cause: err}
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return &errors.NotFoundError{Resource: "session", ID: sessionID}
	}
	_, _ = ss.db.Exec(`DELETE FROM invocation_links WHERE session_id = ?`, sessionID)
	return nil
}

// Cleanup removes terminal sessions updated before the cutoff.
func (ss *SQLiteStorage) Cleanup(cutoff time.Time) (int, error) {
	res, err := ss.db.Exec(`
		DELETE FROM sessions
		WHERE status != ? AND updated_at < ?`,
		string(StatusActive), cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sessions: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// tagsIntersect reports whether the two tag lists share any element.
func tagsIntersect(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}
