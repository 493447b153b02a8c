package protocol

import (
	"fmt"
	"regexp"
)

// commandTypeRe matches namespaced command types like "hv.vm_start".
var commandTypeRe = regexp.MustCompile(`^[a-z][a-z0-9]*(\.[a-z][a-z0-9_]*)+$`)

const maxIDLen = 128

// ValidateCommand checks a queued command for the fields the dispatch loop
// depends on. It returns the list of problems; an empty list means the
// command is usable. A malformed command is dropped by the caller, never
// escalated.
func ValidateCommand(c *QueuedCommand) []string {
	if c == nil {
		return []string{"command is null"}
	}

	var reasons []string

	if c.ID == "" {
		reasons = append(reasons, "missing id")
	} else if len(c.ID) > maxIDLen {
		reasons = append(reasons, fmt.Sprintf("id too long (%d chars, max %d)", len(c.ID), maxIDLen))
	}

	if c.CommandType == "" {
		reasons = append(reasons, "missing command_type")
	} else if !commandTypeRe.MatchString(c.CommandType) {
		reasons = append(reasons, fmt.Sprintf("malformed command_type: %q", c.CommandType))
	}

	if c.QueuedAt != nil && c.ExpiresAt != nil && c.ExpiresAt.Before(*c.QueuedAt) {
		reasons = append(reasons, "expires_at precedes queued_at")
	}

	return reasons
}
