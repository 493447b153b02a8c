package sshexec

import "regexp"

// The allowlist is deny-by-default: a command runs only when it matches one
// of these anchored patterns exactly. VM ids are constrained to the range
// the hypervisor actually allocates (100 and up). The qm patterns are
// case-insensitive because operators habitually type "QM"; the paths in
// pvesh invocations are not.
var allowedCommands = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^qm (start|stop|shutdown|reset|reboot) [1-9][0-9]{2,8}$`),
	regexp.MustCompile(`(?i)^qm status [1-9][0-9]{2,8}( --verbose)?$`),
	regexp.MustCompile(`^pvesh get /nodes/[a-z0-9.-]+/status$`),
	regexp.MustCompile(`^uptime$`),
}

// IsCommandAllowed reports whether command matches the execution allowlist.
func IsCommandAllowed(command string) bool {
	for _, re := range allowedCommands {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
