package hypervisor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/virtfleet-io/vf-agent/internal/logging"
)

const requestTimeout = 30 * time.Second

// AuthError marks an authentication exchange rejected with HTTP 401/403,
// which almost always means bad credentials rather than a transient fault.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("likely bad credentials (HTTP %d): %s", e.Status, e.Message)
}

// StatusError reports a non-2xx hypervisor API response other than an auth
// rejection.
type StatusError struct {
	Status  int
	Method  string
	Path    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed (HTTP %d): %s", e.Method, e.Path, e.Status, e.Message)
}

// Client issues authenticated requests against Proxmox-compatible APIs. One
// client serves any number of credential sets; the injected cache enforces
// the one-session-per-fingerprint invariant.
type Client struct {
	httpClient *http.Client
	cache      *SessionCache
	log        *slog.Logger

	// loginMu keeps a single login exchange in flight. Callers that lose
	// the race re-check the cache and reuse the session just produced.
	loginMu sync.Mutex
}

// NewClient creates a hypervisor client backed by cache. Hypervisor hosts
// commonly run self-signed certificates; insecureTLS skips verification for
// those fleets.
func NewClient(cache *SessionCache, insecureTLS bool) *Client {
	transport := &http.Transport{}
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout, Transport: transport},
		cache:      cache,
		log:        logging.Component("hypervisor"),
	}
}

// Login returns a session for creds, reusing the cache unless forceFresh is
// set or the cached session expired.
func (c *Client) Login(ctx context.Context, creds Credentials, forceFresh bool) (*Session, error) {
	fp := creds.Fingerprint()
	if !forceFresh {
		if s, ok := c.cache.Get(fp); ok {
			return s, nil
		}
	}

	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	// Another caller may have finished a login while we waited.
	if !forceFresh {
		if s, ok := c.cache.Get(fp); ok {
			return s, nil
		}
	}

	s, err := c.exchange(ctx, creds, fp)
	if err != nil {
		return nil, err
	}
	c.cache.Put(s)
	c.log.Debug("hypervisor login", "base_url", s.BaseURL, "user", creds.NormalizedUsername())
	return s, nil
}

func (c *Client) exchange(ctx context.Context, creds Credentials, fp string) (*Session, error) {
	base := strings.TrimRight(creds.BaseURL, "/")

	form := url.Values{}
	form.Set("username", creds.NormalizedUsername())
	form.Set("password", creds.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api2/json/access/ticket", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hypervisor login: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read login response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &StatusError{Status: resp.StatusCode, Method: http.MethodPost, Path: "/access/ticket", Message: strings.TrimSpace(string(body))}
	}

	var out struct {
		Data struct {
			Ticket    string `json:"ticket"`
			CSRFToken string `json:"CSRFPreventionToken"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	if out.Data.Ticket == "" {
		return nil, fmt.Errorf("login response carried no ticket")
	}

	return &Session{
		Ticket:      out.Data.Ticket,
		CSRFToken:   out.Data.CSRFToken,
		ExpiresAt:   time.Now().Add(sessionTTL),
		BaseURL:     base,
		Fingerprint: fp,
	}, nil
}

// Do performs an authenticated API call. When the hypervisor rejects the
// ticket with 401/403 the cached session is invalidated and the call is
// retried exactly once with a fresh login; a second rejection propagates.
func (c *Client) Do(ctx context.Context, creds Credentials, method, path string, form url.Values) (json.RawMessage, error) {
	s, err := c.Login(ctx, creds, false)
	if err != nil {
		return nil, err
	}

	data, status, err := c.request(ctx, s, method, path, form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		return data, nil
	}

	// Force a fresh login only when the cache still holds the session we
	// just used; if it was already replaced, a plain login picks up the
	// replacement.
	force := false
	if cached, ok := c.cache.Get(s.Fingerprint); ok && cached.Ticket == s.Ticket {
		c.cache.Invalidate(s.Fingerprint)
		force = true
	}
	c.log.Warn("hypervisor rejected session, retrying once", "status", status, "path", path)

	s, err = c.Login(ctx, creds, force)
	if err != nil {
		return nil, err
	}
	data, status, err = c.request(ctx, s, method, path, form)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, &AuthError{Status: status, Message: "session rejected after fresh login"}
	}
	return data, nil
}

// request performs one authenticated call. Auth rejections are signalled
// through the status return so Do can apply its retry policy; every other
// non-2xx response is an error.
func (c *Client) request(ctx context.Context, s *Session, method, path string, form url.Values) (json.RawMessage, int, error) {
	var reqBody io.Reader
	if len(form) > 0 {
		reqBody = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, s.BaseURL+"/api2/json"+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.AddCookie(&http.Cookie{Name: "PVEAuthCookie", Value: s.Ticket})
	if method != http.MethodGet {
		req.Header.Set("CSRFPreventionToken", s.CSRFToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("hypervisor request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, resp.StatusCode, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, resp.StatusCode, &StatusError{Status: resp.StatusCode, Method: method, Path: path, Message: strings.TrimSpace(string(body))}
	}

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return env.Data, resp.StatusCode, nil
}
