// Package router maps queued command types onto local handlers: hypervisor
// API operations, SSH executions, and agent-local queries.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/virtfleet-io/vf-agent/internal/config"
	"github.com/virtfleet-io/vf-agent/internal/hypervisor"
	"github.com/virtfleet-io/vf-agent/internal/logging"
	"github.com/virtfleet-io/vf-agent/internal/sshexec"
)

const (
	powerWaitTimeout  = 5 * time.Minute
	powerWaitInterval = 2 * time.Second
)

// ExecFunc runs a command over SSH. Injected so tests can stub the
// transport.
type ExecFunc func(ctx context.Context, command string, target sshexec.ResolvedTarget, timeout time.Duration, unsafe bool) (*sshexec.ExecResult, error)

// Router dispatches commands by namespace.
type Router struct {
	targets []config.Target
	active  string
	hv      *hypervisor.Client
	exec    ExecFunc
	log     *slog.Logger
}

// New builds a Router over the configured targets. active names the target
// that wins when a command does not request one.
func New(targets []config.Target, active string, hv *hypervisor.Client) *Router {
	return &Router{
		targets: targets,
		active:  active,
		hv:      hv,
		exec:    sshexec.Execute,
		log:     logging.Component("router"),
	}
}

// TargetInfo is the offline view of one configured target. Credentials are
// never included.
type TargetInfo struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Node   string `json:"node,omitempty"`
	Active bool   `json:"active"`
}

// Dispatch routes a command by its namespaced type and returns the handler
// result.
func (r *Router) Dispatch(ctx context.Context, commandType string, payload map[string]any) (map[string]any, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	switch commandType {
	case "targets.list":
		return r.listTargets(), nil
	case "noop.echo":
		return payload, nil
	}

	ns, op, ok := strings.Cut(commandType, ".")
	if !ok {
		return nil, fmt.Errorf("unroutable command type %q", commandType)
	}

	switch ns {
	case "hv":
		return r.dispatchHypervisor(ctx, op, payload)
	case "ssh":
		return r.dispatchSSH(ctx, op, payload)
	default:
		return nil, fmt.Errorf("unknown command namespace %q", ns)
	}
}

// listTargets needs no network I/O; it reports configuration only, with
// the active target first and the rest alphabetical.
func (r *Router) listTargets() map[string]any {
	infos := make([]TargetInfo, 0, len(r.targets))
	for _, t := range r.targets {
		infos = append(infos, TargetInfo{
			Name:   t.Name,
			URL:    t.URL,
			Node:   t.Node,
			Active: r.isActive(t),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Active != infos[j].Active {
			return infos[i].Active
		}
		return infos[i].Name < infos[j].Name
	})
	return map[string]any{"targets": infos}
}

func (r *Router) isActive(t config.Target) bool {
	if r.active != "" {
		return t.Name == r.active
	}
	return t.Default
}

var vmPowerOps = map[string]string{
	"vm_start":    "start",
	"vm_stop":     "stop",
	"vm_shutdown": "shutdown",
	"vm_reset":    "reset",
	"vm_reboot":   "reboot",
}

func (r *Router) dispatchHypervisor(ctx context.Context, op string, payload map[string]any) (map[string]any, error) {
	target, err := r.resolveTarget(payload)
	if err != nil {
		return nil, err
	}
	creds := hypervisor.Credentials{
		BaseURL:  target.URL,
		Username: target.Username,
		Password: target.Password,
	}
	node, err := r.nodeFor(target, payload)
	if err != nil {
		return nil, err
	}

	if action, ok := vmPowerOps[op]; ok {
		vmid, err := intField(payload, "vmid")
		if err != nil {
			return nil, err
		}
		return r.vmPower(ctx, creds, node, vmid, action)
	}

	switch op {
	case "vm_status":
		vmid, err := intField(payload, "vmid")
		if err != nil {
			return nil, err
		}
		return r.hv.VMStatus(ctx, creds, node, vmid)
	case "node_status":
		return r.hv.NodeStatus(ctx, creds, node)
	case "task_status":
		upid, err := stringField(payload, "upid")
		if err != nil {
			return nil, err
		}
		st, err := r.hv.TaskStatusOnce(ctx, creds, node, upid)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"status":     st.Status,
			"exitstatus": st.ExitStatus,
			"finished":   st.Finished(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown hypervisor operation %q", op)
	}
}

func (r *Router) vmPower(ctx context.Context, creds hypervisor.Credentials, node string, vmid int, action string) (map[string]any, error) {
	upid, err := r.hv.VMPower(ctx, creds, node, vmid, action)
	if err != nil {
		return nil, err
	}
	result := map[string]any{"action": action, "vmid": vmid}
	if upid == "" {
		// The API accepted the request but spawned no task to watch.
		result["status"] = "accepted"
		return result, nil
	}
	result["upid"] = upid

	st, err := r.hv.WaitForTask(ctx, creds, node, upid, powerWaitTimeout, powerWaitInterval)
	if err != nil {
		return nil, err
	}
	if !st.OK() {
		return nil, fmt.Errorf("%s of VM %d failed: task %s exited %q", action, vmid, upid, st.ExitStatus)
	}
	result["status"] = st.Status
	result["exitstatus"] = st.ExitStatus
	return result, nil
}

func (r *Router) dispatchSSH(ctx context.Context, op string, payload map[string]any) (map[string]any, error) {
	target, err := r.resolveTarget(payload)
	if err != nil {
		return nil, err
	}
	resolved := sshexec.ResolveTarget(overridesFromPayload(payload), storedFromConfig(target))

	var command string
	switch op {
	case "exec":
		command, err = stringField(payload, "command")
		if err != nil {
			return nil, err
		}
	case "vm_power":
		action, err := stringField(payload, "action")
		if err != nil {
			return nil, err
		}
		if _, ok := vmPowerOps["vm_"+action]; !ok {
			return nil, fmt.Errorf("unknown power action %q", action)
		}
		vmid, err := intField(payload, "vmid")
		if err != nil {
			return nil, err
		}
		command = fmt.Sprintf("qm %s %d", action, vmid)
	default:
		return nil, fmt.Errorf("unknown ssh operation %q", op)
	}

	unsafe, _ := payload["unsafe"].(bool)
	var timeout time.Duration
	if raw, ok := payload["timeout_s"]; ok {
		secs, err := toInt(raw)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("timeout_s must be a positive integer")
		}
		timeout = time.Duration(secs) * time.Second
	}
	if unsafe {
		r.log.Warn("executing with allowlist disabled",
			"target", target.Name, "command", command)
	}

	res, err := r.exec(ctx, command, resolved, timeout, unsafe)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"exit_code": res.ExitCode,
	}, nil
}

// resolveTarget picks the hypervisor a command runs against: an explicit
// payload "target" wins, then the configured active target, then the
// legacy default flag, then a lone configured target.
func (r *Router) resolveTarget(payload map[string]any) (config.Target, error) {
	if name, _ := payload["target"].(string); name != "" {
		for _, t := range r.targets {
			if t.Name == name {
				return t, nil
			}
		}
		return config.Target{}, fmt.Errorf("unknown target %q", name)
	}
	if r.active != "" {
		for _, t := range r.targets {
			if t.Name == r.active {
				return t, nil
			}
		}
		return config.Target{}, fmt.Errorf("active target %q not configured", r.active)
	}
	for _, t := range r.targets {
		if t.Default {
			return t, nil
		}
	}
	if len(r.targets) > 0 {
		return r.targets[0], nil
	}
	return config.Target{}, fmt.Errorf("no hypervisor targets configured")
}

func (r *Router) nodeFor(t config.Target, payload map[string]any) (string, error) {
	if node, _ := payload["node"].(string); node != "" {
		return node, nil
	}
	if t.Node != "" {
		return t.Node, nil
	}
	return "", fmt.Errorf("target %q has no node and the command named none", t.Name)
}

func storedFromConfig(t config.Target) sshexec.StoredTarget {
	return sshexec.StoredTarget{
		APIURL:      t.URL,
		APIUsername: t.Username,
		Host:        t.SSH.Host,
		Port:        t.SSH.Port,
		User:        t.SSH.Username,
		Password:    t.SSH.Password,
		PrivateKey:  t.SSH.PrivateKey,
	}
}

func overridesFromPayload(payload map[string]any) sshexec.Overrides {
	o := sshexec.Overrides{}
	o.Host, _ = payload["ssh_host"].(string)
	o.User, _ = payload["ssh_user"].(string)
	o.Password, _ = payload["ssh_password"].(string)
	o.PrivateKey, _ = payload["ssh_key"].(string)
	if raw, ok := payload["ssh_port"]; ok {
		if port, err := toInt(raw); err == nil && port > 0 {
			o.Port = port
		}
	}
	return o
}

func intField(payload map[string]any, key string) (int, error) {
	raw, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("payload field %q is required", key)
	}
	n, err := toInt(raw)
	if err != nil {
		return 0, fmt.Errorf("payload field %q: %w", key, err)
	}
	return n, nil
}

// toInt accepts the shapes an integer takes after a JSON round trip.
func toInt(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case float64:
		n := int(v)
		if float64(n) != v {
			return 0, fmt.Errorf("not an integer: %v", v)
		}
		return n, nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("not an integer: %T", raw)
	}
}

func stringField(payload map[string]any, key string) (string, error) {
	v, _ := payload[key].(string)
	if v == "" {
		return "", fmt.Errorf("payload field %q is required", key)
	}
	return v, nil
}
