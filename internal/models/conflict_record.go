// Package models provides data model definitions for the sync core.
package models

import (
	"encoding/json"
	"time"
)

// ConflictRecord records a submission rejected because server state
// diverged from the assumed base, kept for user awareness and manual
// resolution.
type ConflictRecord struct {
	ID              UUID            `db:"id" json:"id"`
	ActionID        UUID            `db:"action_id" json:"action_id"`
	EntityType      string          `db:"entity_type" json:"entity_type"`
	NaturalKey      string          `db:"natural_key" json:"natural_key,omitempty"`
	LocalPayload    json.RawMessage `db:"local_payload" json:"local_payload"`
	ServerState     json.RawMessage `db:"server_state" json:"server_state"`
	LocalTimestamp  int64           `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64           `db:"remote_timestamp" json:"remote_timestamp"`
	Resolution      string          `db:"resolution" json:"resolution"` // local_wins, remote_wins, last_writer_wins, manual, unresolved
	DetectedAt      int64           `db:"detected_at" json:"detected_at"`
	ResolvedAt      int64           `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflict_log"
}

// DetectedTime returns DetectedAt as time.Time.
func (c *ConflictRecord) DetectedTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
