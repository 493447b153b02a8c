// Package protocol defines the wire types exchanged with the VirtFleet
// control plane.
package protocol

import "time"

// Command lifecycle statuses reported back to the control plane.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// QueuedCommand is one unit of work fetched from the per-agent queue. The
// payload arrives untyped and is validated before use; the agent never
// mutates a command beyond reading it.
type QueuedCommand struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	CommandType string         `json:"command_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      string         `json:"status,omitempty"`
	QueuedAt    *time.Time     `json:"queued_at,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
}

// Expired reports whether the command's deadline has passed.
func (c *QueuedCommand) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// CommandOutcome is a status transition or terminal report for a queued
// command, sent via PATCH /commands/{id}.
type CommandOutcome struct {
	Status       string         `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// HeartbeatRequest is the payload for POST /agents/heartbeat.
type HeartbeatRequest struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name,omitempty"`
	Version   string `json:"version,omitempty"`
}
