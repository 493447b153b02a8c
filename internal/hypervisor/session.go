// Package hypervisor implements the authenticated session and request
// layer for Proxmox-compatible hypervisor APIs: ticket login with a cached
// session per credential fingerprint, a single re-login retry on auth
// failure, and bounded task/status polling.
package hypervisor

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// sessionTTL bounds how long a ticket is reused before a fresh login.
const sessionTTL = 90 * time.Minute

// Credentials identify one hypervisor API endpoint.
type Credentials struct {
	BaseURL  string
	Username string
	Password string
}

// NormalizedUsername lowercases the name and appends the default "@pam"
// realm when none is given, so equivalent logins share a fingerprint.
func (c Credentials) NormalizedUsername() string {
	u := strings.ToLower(strings.TrimSpace(c.Username))
	if u != "" && !strings.Contains(u, "@") {
		u += "@pam"
	}
	return u
}

// Fingerprint derives the session cache key for a credential set.
func (c Credentials) Fingerprint() string {
	h := sha256.Sum256([]byte(strings.TrimRight(c.BaseURL, "/") + "\x00" + c.NormalizedUsername() + "\x00" + c.Password))
	return hex.EncodeToString(h[:])
}

// Session is one authenticated exchange with a hypervisor.
type Session struct {
	Ticket      string
	CSRFToken   string
	ExpiresAt   time.Time
	BaseURL     string
	Fingerprint string
}

func (s *Session) live(now time.Time) bool {
	return s != nil && now.Before(s.ExpiresAt)
}

// SessionCache holds at most one live session and is the single source of
// truth for reuse decisions. Replacement is atomic under the lock; a cached
// session is never returned for a different fingerprint.
type SessionCache struct {
	mu  sync.Mutex
	cur *Session
}

// NewSessionCache creates an empty cache.
func NewSessionCache() *SessionCache {
	return &SessionCache{}
}

// Get returns the cached session when it matches fp and has not expired.
func (sc *SessionCache) Get(fp string) (*Session, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.cur == nil || sc.cur.Fingerprint != fp || !sc.cur.live(time.Now()) {
		return nil, false
	}
	return sc.cur, true
}

// Put replaces the cached session.
func (sc *SessionCache) Put(s *Session) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cur = s
}

// Invalidate drops the cached session if it matches fp.
func (sc *SessionCache) Invalidate(fp string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.cur != nil && sc.cur.Fingerprint == fp {
		sc.cur = nil
	}
}
