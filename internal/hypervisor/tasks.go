package hypervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Polling bounds. Callers pass their own timeout and interval; both are
// clamped so a misconfigured caller can neither busy-loop nor wait forever.
const (
	minWaitTimeout  = 5 * time.Second
	maxWaitTimeout  = 30 * time.Minute
	minPollInterval = 500 * time.Millisecond
	maxPollInterval = 30 * time.Second
)

func clampWait(timeout, interval time.Duration) (time.Duration, time.Duration) {
	if timeout < minWaitTimeout {
		timeout = minWaitTimeout
	}
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}
	if interval < minPollInterval {
		interval = minPollInterval
	}
	if interval > maxPollInterval {
		interval = maxPollInterval
	}
	return timeout, interval
}

// WaitTimeoutError reports a polling helper that ran out its deadline.
type WaitTimeoutError struct {
	What    string
	Elapsed time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s after %s", e.What, e.Elapsed.Round(time.Second))
}

// TaskStatus is the state of an asynchronous hypervisor task (UPID).
type TaskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}

// Finished reports whether the task left the running state.
func (t *TaskStatus) Finished() bool {
	return t.Status != "" && t.Status != "running"
}

// OK reports whether a finished task succeeded.
func (t *TaskStatus) OK() bool {
	return t.ExitStatus == "OK"
}

// TaskStatusOnce fetches the current status of a task without waiting.
func (c *Client) TaskStatusOnce(ctx context.Context, creds Credentials, node, upid string) (*TaskStatus, error) {
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", url.PathEscape(node), url.PathEscape(upid))
	data, err := c.Do(ctx, creds, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var st TaskStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode task status: %w", err)
	}
	return &st, nil
}

// WaitForTask polls a UPID until it leaves the running state or the
// (clamped) timeout passes.
func (c *Client) WaitForTask(ctx context.Context, creds Credentials, node, upid string, timeout, interval time.Duration) (*TaskStatus, error) {
	var last *TaskStatus
	err := c.waitFor(ctx, "task "+upid, timeout, interval, func(ctx context.Context) (bool, error) {
		st, err := c.TaskStatusOnce(ctx, creds, node, upid)
		if err != nil {
			return false, err
		}
		last = st
		return st.Finished(), nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// WaitForVMStatus polls a VM until its status equals want ("running",
// "stopped", ...) or the timeout passes.
func (c *Client) WaitForVMStatus(ctx context.Context, creds Credentials, node string, vmid int, want string, timeout, interval time.Duration) error {
	path := fmt.Sprintf("/nodes/%s/qemu/%d/status/current", url.PathEscape(node), vmid)
	what := fmt.Sprintf("vm %d to reach %q", vmid, want)
	return c.waitFor(ctx, what, timeout, interval, func(ctx context.Context) (bool, error) {
		data, err := c.Do(ctx, creds, http.MethodGet, path, nil)
		if err != nil {
			return false, err
		}
		var st struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(data, &st); err != nil {
			return false, fmt.Errorf("decode vm status: %w", err)
		}
		return st.Status == want, nil
	})
}

// WaitForPresence polls an API path until the resource exists (present=true)
// or stops existing (present=false). Existence is judged by whether the read
// returns HTTP 404.
func (c *Client) WaitForPresence(ctx context.Context, creds Credentials, path string, present bool, timeout, interval time.Duration) error {
	what := fmt.Sprintf("%s to be present", path)
	if !present {
		what = fmt.Sprintf("%s to be absent", path)
	}
	return c.waitFor(ctx, what, timeout, interval, func(ctx context.Context) (bool, error) {
		_, err := c.Do(ctx, creds, http.MethodGet, path, nil)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Status == http.StatusNotFound {
				return !present, nil
			}
			return false, err
		}
		return present, nil
	})
}

// waitFor is the shared polling loop: probe, sleep, repeat until the probe
// reports done, the deadline passes, or the caller's context is cancelled.
// The last sleep is shortened to whatever time remains so the full timeout
// is honored and a final probe lands at the deadline. It never spins; every
// iteration sleeps.
func (c *Client) waitFor(ctx context.Context, what string, timeout, interval time.Duration, probe func(context.Context) (bool, error)) error {
	timeout, interval = clampWait(timeout, interval)
	start := time.Now()
	deadline := start.Add(timeout)

	for {
		done, err := probe(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &WaitTimeoutError{What: what, Elapsed: time.Since(start)}
		}
		sleepFor := interval
		if remaining < sleepFor {
			sleepFor = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepFor):
		}
	}
}
