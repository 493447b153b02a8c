// Package dispatch runs the agent's command loop: heartbeat the control
// plane, long-poll for queued commands, execute them, and report outcomes.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/virtfleet-io/vf-agent/internal/audit"
	"github.com/virtfleet-io/vf-agent/internal/controlplane"
	"github.com/virtfleet-io/vf-agent/internal/logging"
	"github.com/virtfleet-io/vf-agent/internal/protocol"
)

// Status is the agent's connection state as surfaced to observers.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusOnline     Status = "online"
	StatusError      Status = "error"
	StatusRevoked    Status = "revoked"
)

const (
	heartbeatInterval = 30 * time.Second
	rateLimitCooldown = 45 * time.Second
	cooldownRecheck   = 500 * time.Millisecond
	errorBackoff      = 1500 * time.Millisecond
	reportTimeout     = 30 * time.Second
)

// StatusFunc observes status transitions. It is called with the loop's
// internal lock released and may be slow; panics are swallowed so a broken
// observer cannot kill the loop.
type StatusFunc func(status Status, detail string)

// ControlPlane is the slice of the control-plane client the loop needs.
type ControlPlane interface {
	Heartbeat(ctx context.Context, hb protocol.HeartbeatRequest) error
	NextCommand(ctx context.Context, agentID string) (*protocol.QueuedCommand, error)
	Report(ctx context.Context, commandID string, outcome protocol.CommandOutcome) error
}

// Executor runs a validated command and produces its result.
type Executor interface {
	Dispatch(ctx context.Context, commandType string, payload map[string]any) (map[string]any, error)
}

type processResult int

const (
	resultDone processResult = iota
	resultSkipped
	resultRateLimited
)

// Loop is the agent's dispatch loop. Start and Stop may be called
// repeatedly; a revoked loop stays revoked until restarted.
type Loop struct {
	cp       ControlPlane
	exec     Executor
	agentID  string
	name     string
	version  string
	onStatus StatusFunc
	log      *slog.Logger
	audit    *audit.Logger

	// instanceID distinguishes loop incarnations in logs across restarts.
	instanceID string

	mu            sync.Mutex
	running       bool
	status        Status
	cooldownUntil time.Time
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// New builds a stopped Loop. onStatus may be nil.
func New(cp ControlPlane, exec Executor, agentID, name, version string, onStatus StatusFunc) *Loop {
	return &Loop{
		cp:       cp,
		exec:     exec,
		agentID:  agentID,
		name:     name,
		version:  version,
		onStatus: onStatus,
		status:   StatusIdle,
		log:      logging.Component("dispatch"),
	}
}

// SetAudit attaches an audit trail. Call before Start.
func (l *Loop) SetAudit(a *audit.Logger) {
	l.audit = a
}

// auditEvent records a command lifecycle event; a broken audit trail is
// logged but never blocks dispatch.
func (l *Loop) auditEvent(event string, cmd *protocol.QueuedCommand, detail string) {
	if l.audit == nil {
		return
	}
	target, _ := cmd.Payload["target"].(string)
	err := l.audit.Log(audit.Entry{
		EventType:   event,
		CommandID:   cmd.ID,
		CommandType: cmd.CommandType,
		Target:      target,
		Detail:      detail,
	})
	if err != nil {
		l.log.Error("audit write failed", "error", err)
	}
}

// Status returns the current connection state.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Start brings the loop up: one synchronous heartbeat, then the heartbeat
// ticker and the poll loop in the background. Starting a running loop is a
// no-op. Restarting after revocation clears the revoked state.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.instanceID = uuid.NewString()
	l.cooldownUntil = time.Time{}
	if l.status == StatusRevoked {
		l.status = StatusIdle
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	l.log.Info("dispatch loop starting",
		"agent_id", l.agentID, "instance", l.instanceID)
	l.setStatus(StatusConnecting, "")

	l.heartbeat(ctx)

	l.wg.Add(2)
	go l.heartbeatLoop(ctx)
	go l.pollLoop(ctx)
}

// Stop cancels the background work. It does not wait; use Wait.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	if l.status != StatusRevoked {
		l.status = StatusIdle
	}
	status, detail := l.status, ""
	l.mu.Unlock()

	cancel()
	l.notify(status, detail)
	l.log.Info("dispatch loop stopped", "instance", l.instanceID)
}

// Wait blocks until the background goroutines have exited.
func (l *Loop) Wait() {
	l.wg.Wait()
}

func (l *Loop) heartbeatLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.heartbeatTick(ctx)
		}
	}
}

// heartbeatTick is one ticker firing. A rate-limit cooldown suspends all
// outbound calls, heartbeats included; the ticker keeps running so the
// first tick after the cooldown resumes them.
func (l *Loop) heartbeatTick(ctx context.Context) {
	if l.coolingDown() {
		return
	}
	l.heartbeat(ctx)
}

func (l *Loop) heartbeat(ctx context.Context) {
	err := l.cp.Heartbeat(ctx, protocol.HeartbeatRequest{
		AgentID:   l.agentID,
		AgentName: l.name,
		Version:   l.version,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.handleLoopError(err)
		return
	}
	l.setStatus(StatusOnline, "")
}

func (l *Loop) pollLoop(ctx context.Context) {
	defer l.wg.Done()
	for ctx.Err() == nil {
		l.pollOnce(ctx)
	}
}

// pollOnce is one iteration of the poll loop: respect cooldown, long-poll
// for a command, validate, execute, report.
func (l *Loop) pollOnce(ctx context.Context) {
	if l.coolingDown() {
		sleep(ctx, cooldownRecheck)
		return
	}

	cmd, err := l.cp.NextCommand(ctx, l.agentID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.handleLoopError(err)
		if classifyError(err) != resultRateLimited {
			sleep(ctx, errorBackoff)
		}
		return
	}
	if cmd == nil {
		// Poll window closed empty; go straight back around.
		return
	}

	if reasons := protocol.ValidateCommand(cmd); len(reasons) > 0 {
		joined := strings.Join(reasons, "; ")
		l.log.Warn("dropping malformed command",
			"command_id", cmd.ID, "reasons", joined)
		l.auditEvent(audit.EventDropped, cmd, "malformed: "+joined)
		return
	}
	l.auditEvent(audit.EventReceived, cmd, "")

	if l.process(ctx, cmd) == resultRateLimited {
		l.startCooldown()
	}
}

// process takes one validated command through claim, execution, and
// report. A rate-limited claim abandons the command unexecuted so the
// control plane re-queues it.
func (l *Loop) process(ctx context.Context, cmd *protocol.QueuedCommand) processResult {
	log := l.log.With("command_id", cmd.ID, "command_type", cmd.CommandType)

	if cmd.Expired(time.Now()) {
		log.Warn("command expired before execution")
		l.auditEvent(audit.EventDropped, cmd, "expired before execution")
		l.reportBestEffort(cmd.ID, protocol.CommandOutcome{
			Status:       protocol.StatusFailed,
			ErrorMessage: "expired before execution",
		})
		return resultSkipped
	}

	// Claim first: a command we cannot mark running must not run.
	if err := l.report(ctx, cmd.ID, protocol.CommandOutcome{Status: protocol.StatusRunning}); err != nil {
		if classifyError(err) == resultRateLimited {
			log.Warn("claim rate limited, abandoning for requeue")
			return resultRateLimited
		}
		log.Error("claim failed", "error", err)
		return resultSkipped
	}

	log.Info("executing command")
	started := time.Now()
	result, err := l.exec.Dispatch(ctx, cmd.CommandType, cmd.Payload)
	elapsed := time.Since(started).Round(time.Millisecond)
	if err != nil {
		log.Error("command failed", "duration", elapsed, "error", err)
		l.auditEvent(audit.EventFailed, cmd, err.Error())
		l.reportBestEffort(cmd.ID, protocol.CommandOutcome{
			Status:       protocol.StatusFailed,
			ErrorMessage: err.Error(),
		})
		if classifyError(err) == resultRateLimited {
			return resultRateLimited
		}
		return resultDone
	}

	log.Info("command succeeded", "duration", elapsed)
	if result == nil {
		result = map[string]any{}
	}
	l.auditEvent(audit.EventSucceeded, cmd, "")
	if err := l.report(ctx, cmd.ID, protocol.CommandOutcome{
		Status: protocol.StatusSucceeded,
		Result: result,
	}); err != nil {
		// The work is done; losing the report must not fail the loop.
		log.Error("result report failed", "error", err)
		if classifyError(err) == resultRateLimited {
			return resultRateLimited
		}
	}
	return resultDone
}

func (l *Loop) report(ctx context.Context, commandID string, outcome protocol.CommandOutcome) error {
	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()
	return l.cp.Report(ctx, commandID, outcome)
}

// reportBestEffort reports on a fresh context so shutdown does not drop
// terminal outcomes.
func (l *Loop) reportBestEffort(commandID string, outcome protocol.CommandOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := l.cp.Report(ctx, commandID, outcome); err != nil {
		l.log.Error("best-effort report failed",
			"command_id", commandID, "error", err)
	}
}

// handleLoopError folds a control-plane failure into loop state.
func (l *Loop) handleLoopError(err error) {
	switch classifyError(err) {
	case resultRateLimited:
		l.startCooldown()
		detail := fmt.Sprintf("rate limited, retry in %.0fs", rateLimitCooldown.Seconds())
		l.log.Warn("control plane rate limited", "cooldown", rateLimitCooldown)
		l.setStatus(StatusError, detail)
	default:
		if isRevoked(err) {
			l.log.Error("agent credentials revoked, stopping")
			l.setStatus(StatusRevoked, err.Error())
			go l.Stop()
			return
		}
		l.log.Warn("control plane error", "error", err)
		l.setStatus(StatusError, err.Error())
	}
}

func (l *Loop) startCooldown() {
	l.mu.Lock()
	l.cooldownUntil = time.Now().Add(rateLimitCooldown)
	l.mu.Unlock()
}

func (l *Loop) coolingDown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Now().Before(l.cooldownUntil)
}

// setStatus records a transition and notifies the observer. Revoked is
// terminal for the incarnation: nothing short of a restart clears it.
func (l *Loop) setStatus(status Status, detail string) {
	l.mu.Lock()
	if l.status == StatusRevoked && status != StatusRevoked {
		l.mu.Unlock()
		return
	}
	changed := l.status != status
	l.status = status
	l.mu.Unlock()

	if changed || detail != "" {
		l.notify(status, detail)
	}
}

func (l *Loop) notify(status Status, detail string) {
	if l.onStatus == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("status observer panicked", "panic", r)
		}
	}()
	l.onStatus(status, detail)
}

// classifyError buckets control-plane and executor failures. Typed API
// errors are authoritative; message sniffing is the fallback for errors
// that crossed an untyped boundary.
func classifyError(err error) processResult {
	if apiErr, ok := controlplane.AsAPIError(err); ok {
		switch apiErr.Code {
		case controlplane.CodeRateLimited:
			return resultRateLimited
		case controlplane.CodeAgentRevoked:
			return resultSkipped
		}
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "too many requests") || strings.Contains(lower, "rate limit") {
		return resultRateLimited
	}
	return resultDone
}

func isRevoked(err error) bool {
	if apiErr, ok := controlplane.AsAPIError(err); ok {
		return apiErr.Code == controlplane.CodeAgentRevoked
	}
	return strings.Contains(strings.ToLower(err.Error()), "revoked")
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
