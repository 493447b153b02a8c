package hypervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// vmPowerActions are the qemu status endpoints the router may invoke.
var vmPowerActions = map[string]bool{
	"start":    true,
	"stop":     true,
	"shutdown": true,
	"reset":    true,
	"reboot":   true,
}

// VMPower issues a power action against a VM. Most actions are
// asynchronous; the returned UPID is empty when the hypervisor completed
// the action inline.
func (c *Client) VMPower(ctx context.Context, creds Credentials, node string, vmid int, action string) (string, error) {
	if !vmPowerActions[action] {
		return "", fmt.Errorf("unsupported power action: %q", action)
	}

	path := fmt.Sprintf("/nodes/%s/qemu/%d/status/%s", url.PathEscape(node), vmid, action)
	data, err := c.Do(ctx, creds, http.MethodPost, path, nil)
	if err != nil {
		return "", err
	}

	var v any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return "", fmt.Errorf("decode power response: %w", err)
		}
	}
	upid, _ := ExtractTaskID(v, MaxExtractDepth)
	return upid, nil
}

// VMStatus returns the current status object for a VM.
func (c *Client) VMStatus(ctx context.Context, creds Credentials, node string, vmid int) (map[string]any, error) {
	path := fmt.Sprintf("/nodes/%s/qemu/%d/status/current", url.PathEscape(node), vmid)
	return c.getObject(ctx, creds, path)
}

// NodeStatus returns the status object for a node.
func (c *Client) NodeStatus(ctx context.Context, creds Credentials, node string) (map[string]any, error) {
	path := fmt.Sprintf("/nodes/%s/status", url.PathEscape(node))
	return c.getObject(ctx, creds, path)
}

func (c *Client) getObject(ctx context.Context, creds Credentials, path string) (map[string]any, error) {
	data, err := c.Do(ctx, creds, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return obj, nil
}
