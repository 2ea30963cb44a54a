// Package db provides the durable action store backing the sync queue.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/AlencarRonaldo/app-treino-sub001/internal/models"
)

// Store persists queued actions and conflict records. It is the single
// source of truth for the queue: in-memory state is rebuilt from it on
// process restart, and every mutation is written here before any
// in-memory view is updated.
type Store struct {
	db *sql.DB

	// Prepared statement cache for the hot enqueue/claim path.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewStore creates a new Store instance.
func NewStore(db *DB) *Store {
	return &Store{db: db.DB}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (s *Store) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

const actionColumns = `id, entity_type, operation, payload, natural_key, owner_id, priority,
	attempts, max_attempts, created_at, last_attempt_at, next_eligible_at,
	status, last_error, server_state, metadata`

// InsertAction persists a newly enqueued action.
func (s *Store) InsertAction(a *models.QueuedAction) error {
	metadata, err := marshalMetadata(a.Metadata)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO action_queue (` + actionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(a.ID, a.EntityType, a.Operation, []byte(a.Payload), a.NaturalKey,
		a.OwnerID, a.Priority, a.Attempts, a.MaxAttempts, a.CreatedAt,
		a.LastAttemptAt, a.NextEligibleAt, a.Status, a.LastError,
		nullableBlob(a.ServerState), metadata)
	return err
}

// UpdateAction rewrites the stored row for an action.
func (s *Store) UpdateAction(a *models.QueuedAction) error {
	metadata, err := marshalMetadata(a.Metadata)
	if err != nil {
		return err
	}

	query := `
	UPDATE action_queue
	SET entity_type = ?, operation = ?, payload = ?, natural_key = ?, owner_id = ?,
		priority = ?, attempts = ?, max_attempts = ?, created_at = ?,
		last_attempt_at = ?, next_eligible_at = ?, status = ?, last_error = ?,
		server_state = ?, metadata = ?
	WHERE id = ?
	`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return err
	}
	res, err := stmt.Exec(a.EntityType, a.Operation, []byte(a.Payload), a.NaturalKey,
		a.OwnerID, a.Priority, a.Attempts, a.MaxAttempts, a.CreatedAt,
		a.LastAttemptAt, a.NextEligibleAt, a.Status, a.LastError,
		nullableBlob(a.ServerState), metadata, a.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return err
}

// DeleteAction removes an action row. Used on success, explicit caller
// removal, and permanent-failure acknowledgment; never called by retry
// logic.
func (s *Store) DeleteAction(id models.UUID) error {
	stmt, err := s.PrepareStmt("DELETE FROM action_queue WHERE id = ?")
	if err != nil {
		return err
	}
	_, err = stmt.Exec(id)
	return err
}

// DeleteAllActions clears the queue table.
func (s *Store) DeleteAllActions() error {
	_, err := s.db.Exec("DELETE FROM action_queue")
	return err
}

// GetAction retrieves a single action by id.
func (s *Store) GetAction(id models.UUID) (*models.QueuedAction, error) {
	stmt, err := s.PrepareStmt("SELECT " + actionColumns + " FROM action_queue WHERE id = ?")
	if err != nil {
		return nil, err
	}
	return scanAction(stmt.QueryRow(id))
}

// ListActions returns every stored action in enqueue order. Used to
// rebuild the in-memory queue view after a restart.
func (s *Store) ListActions() ([]*models.QueuedAction, error) {
	rows, err := s.db.Query("SELECT " + actionColumns + " FROM action_queue ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*models.QueuedAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// InsertConflict records a detected conflict for user awareness.
func (s *Store) InsertConflict(c *models.ConflictRecord) error {
	query := `
	INSERT INTO conflict_log (id, action_id, entity_type, natural_key, local_payload,
		server_state, local_timestamp, remote_timestamp, resolution, detected_at, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, c.ID, c.ActionID, c.EntityType, c.NaturalKey,
		[]byte(c.LocalPayload), []byte(c.ServerState), c.LocalTimestamp,
		c.RemoteTimestamp, c.Resolution, c.DetectedAt, c.ResolvedAt)
	return err
}

// MarkConflictResolved stamps a conflict record with its final resolution.
func (s *Store) MarkConflictResolved(actionID models.UUID, resolution string, resolvedAt int64) error {
	query := `
	UPDATE conflict_log SET resolution = ?, resolved_at = ?
	WHERE action_id = ? AND resolved_at = 0
	`
	_, err := s.db.Exec(query, resolution, resolvedAt, actionID)
	return err
}

// ListConflicts returns conflict records, optionally only unresolved ones.
func (s *Store) ListConflicts(unresolvedOnly bool) ([]*models.ConflictRecord, error) {
	query := `
	SELECT id, action_id, entity_type, natural_key, local_payload, server_state,
		local_timestamp, remote_timestamp, resolution, detected_at, resolved_at
	FROM conflict_log
	`
	if unresolvedOnly {
		query += " WHERE resolved_at = 0"
	}
	query += " ORDER BY detected_at ASC"

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.ConflictRecord
	for rows.Next() {
		c := &models.ConflictRecord{}
		var local, server []byte
		if err := rows.Scan(&c.ID, &c.ActionID, &c.EntityType, &c.NaturalKey,
			&local, &server, &c.LocalTimestamp, &c.RemoteTimestamp,
			&c.Resolution, &c.DetectedAt, &c.ResolvedAt); err != nil {
			return nil, err
		}
		c.LocalPayload = json.RawMessage(local)
		c.ServerState = json.RawMessage(server)
		records = append(records, c)
	}
	return records, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (*models.QueuedAction, error) {
	a := &models.QueuedAction{}
	var payload []byte
	var serverState []byte
	var metadata string
	err := row.Scan(&a.ID, &a.EntityType, &a.Operation, &payload, &a.NaturalKey,
		&a.OwnerID, &a.Priority, &a.Attempts, &a.MaxAttempts, &a.CreatedAt,
		&a.LastAttemptAt, &a.NextEligibleAt, &a.Status, &a.LastError,
		&serverState, &metadata)
	if err != nil {
		return nil, err
	}
	a.Payload = json.RawMessage(payload)
	if len(serverState) > 0 {
		a.ServerState = json.RawMessage(serverState)
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action metadata: %w", err)
		}
	}
	return a, nil
}

func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal action metadata: %w", err)
	}
	return string(data), nil
}

func nullableBlob(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
