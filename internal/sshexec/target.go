// Package sshexec executes allowlisted commands on hypervisor hosts over
// SSH: credential resolution, allowlist enforcement, timeout-bounded
// execution, and failure classification.
package sshexec

import (
	"net/url"
	"strings"
)

// AuthMode says which credential a resolved target authenticates with.
type AuthMode string

const (
	AuthPassword AuthMode = "password"
	AuthKey      AuthMode = "key"
	AuthNone     AuthMode = "none"
)

const defaultSSHPort = 22

// StoredTarget is the persisted half of target resolution: the hypervisor
// API endpoint identity plus the SSH defaults configured for it.
type StoredTarget struct {
	APIURL      string
	APIUsername string
	Host        string
	Port        int
	User        string
	Password    string
	PrivateKey  string
}

// Overrides are the per-call fields pulled out of a command payload.
type Overrides struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey string
}

// ResolvedTarget is the connection recipe for one execution. Never
// persisted; recomputed per call.
type ResolvedTarget struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey string
	AuthMode   AuthMode
	Configured bool
}

// ResolveTarget merges per-call overrides over stored defaults. It is a
// pure function of its inputs: identical inputs always yield an identical
// target.
func ResolveTarget(o Overrides, stored StoredTarget) ResolvedTarget {
	t := ResolvedTarget{Port: defaultSSHPort}

	t.Host = firstNonEmpty(o.Host, stored.Host, hostFromURL(stored.APIURL))

	switch {
	case o.Port > 0:
		t.Port = o.Port
	case stored.Port > 0:
		t.Port = stored.Port
	}

	// An explicit username is used verbatim; only a username derived from
	// the shared API identity has its realm suffix stripped ("root@pam"
	// logs in over SSH as "root").
	switch {
	case o.User != "":
		t.User = o.User
	case stored.User != "":
		t.User = stored.User
	default:
		t.User = stripRealm(stored.APIUsername)
	}

	t.Password = firstNonEmpty(o.Password, stored.Password)
	t.PrivateKey = firstNonEmpty(o.PrivateKey, stored.PrivateKey)

	switch {
	case t.PrivateKey != "":
		t.AuthMode = AuthKey
	case t.Password != "":
		t.AuthMode = AuthPassword
	default:
		t.AuthMode = AuthNone
	}

	t.Configured = t.Host != "" && t.User != "" && t.AuthMode != AuthNone
	return t
}

func stripRealm(user string) string {
	if i := strings.Index(user, "@"); i >= 0 {
		return user[:i]
	}
	return user
}

func hostFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
