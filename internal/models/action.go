// Package models provides data model definitions for the sync core.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// Operation represents the kind of mutation an action carries.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether the operation is one of the known kinds.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Priority orders actions within a connectivity window. It never
// overrides the per-entity FIFO guarantee.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Weight returns the numeric ordering weight of the priority.
// Unknown values sort with medium.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// ActionStatus represents the lifecycle state of a queued action.
type ActionStatus string

const (
	ActionStatusPending    ActionStatus = "pending"
	ActionStatusInFlight   ActionStatus = "in_flight"
	ActionStatusSucceeded  ActionStatus = "succeeded"
	ActionStatusFailed     ActionStatus = "failed"
	ActionStatusConflicted ActionStatus = "conflicted"
)

// QueuedAction represents a pending mutation awaiting submission.
type QueuedAction struct {
	ID          UUID            `db:"id" json:"id"`
	EntityType  string          `db:"entity_type" json:"entity_type"` // e.g. message, progress, profile
	Operation   Operation       `db:"operation" json:"operation"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	NaturalKey  string          `db:"natural_key" json:"natural_key,omitempty"`
	OwnerID     string          `db:"owner_id" json:"owner_id,omitempty"`
	Priority    Priority        `db:"priority" json:"priority"`
	Attempts    int             `db:"attempts" json:"attempts"`
	MaxAttempts int             `db:"max_attempts" json:"max_attempts"`
	// Timestamps in Unix milliseconds; millisecond resolution keeps the
	// jittered backoff eligibility meaningful for sub-second base delays.
	CreatedAt      int64           `db:"created_at" json:"created_at"`
	LastAttemptAt  int64           `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	NextEligibleAt int64           `db:"next_eligible_at" json:"next_eligible_at,omitempty"`
	Status         ActionStatus    `db:"status" json:"status"`
	LastError      string          `db:"last_error" json:"last_error,omitempty"`
	ServerState    json.RawMessage `db:"server_state" json:"server_state,omitempty"`
	// Metadata is caller/telemetry-owned annotation; the queue never
	// reads it.
	Metadata map[string]string `db:"metadata" json:"metadata,omitempty"`
}

// TableName returns the table name for QueuedAction.
func (QueuedAction) TableName() string {
	return "action_queue"
}

// CreatedTime returns CreatedAt as time.Time.
func (a *QueuedAction) CreatedTime() time.Time {
	return time.UnixMilli(a.CreatedAt)
}

// DedupKey identifies the logical record an action targets. Actions
// with an empty natural key never collapse.
func (a *QueuedAction) DedupKey() string {
	if a.NaturalKey == "" {
		return ""
	}
	return a.EntityType + "\x00" + string(a.Operation) + "\x00" + a.NaturalKey
}

// EntityKey groups actions that must be submitted in FIFO order.
func (a *QueuedAction) EntityKey() string {
	if a.NaturalKey == "" {
		return string(a.ID)
	}
	return a.EntityType + "\x00" + a.NaturalKey
}

// Clone returns a deep-enough copy safe to hand to callers.
func (a *QueuedAction) Clone() *QueuedAction {
	c := *a
	if a.Payload != nil {
		c.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	if a.ServerState != nil {
		c.ServerState = append(json.RawMessage(nil), a.ServerState...)
	}
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// QueueStats is an O(1) snapshot of queue composition for UI callers.
type QueueStats struct {
	QueuedCount     int `json:"queued_count"`
	InFlightCount   int `json:"in_flight_count"`
	FailedCount     int `json:"failed_count"`
	ConflictedCount int `json:"conflicted_count"`
}
