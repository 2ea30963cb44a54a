// Package models provides data model definitions for the sync core.
package models

import "time"

// ConnectionPhase represents the push-channel connection state.
type ConnectionPhase string

const (
	ConnectionDisconnected ConnectionPhase = "disconnected"
	ConnectionConnecting   ConnectionPhase = "connecting"
	ConnectionConnected    ConnectionPhase = "connected"
	ConnectionDegraded     ConnectionPhase = "degraded"
)

// AllowsDrain reports whether the sync coordinator may submit queued
// actions in this phase. Degraded still drains; only subscription
// freshness is suspect there.
func (p ConnectionPhase) AllowsDrain() bool {
	return p == ConnectionConnected || p == ConnectionDegraded
}

// ConnectionState is the process-wide connection snapshot published by
// the connection monitor.
type ConnectionState struct {
	Phase           ConnectionPhase `json:"phase"`
	LastConnectedAt int64           `json:"last_connected_at,omitempty"` // Unix milliseconds
	LastError       string          `json:"last_error,omitempty"`
}

// LastConnectedTime returns LastConnectedAt as time.Time.
func (s ConnectionState) LastConnectedTime() time.Time {
	return time.UnixMilli(s.LastConnectedAt)
}
