// Package models provides data model definitions for the sync core.
package models

// Subscription describes a live interest registration. The handler
// itself lives in the realtime manager; the model carries only the
// identifying fields.
type Subscription struct {
	ID          string `json:"id"`
	Topic       string `json:"topic"`
	EventFilter string `json:"event_filter,omitempty"`
	IsActive    bool   `json:"is_active"`
}
