package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/virtfleet-io/vf-agent/internal/controlplane"
	"github.com/virtfleet-io/vf-agent/internal/protocol"
)

// fakePlane scripts the control plane and records every call.
type fakePlane struct {
	mu sync.Mutex

	heartbeatErr error
	nextQueue    []*protocol.QueuedCommand
	nextErr      error
	reportErrs   map[string]error

	heartbeats int
	polls      int
	reports    []reportCall
}

type reportCall struct {
	commandID string
	outcome   protocol.CommandOutcome
}

func (f *fakePlane) Heartbeat(ctx context.Context, hb protocol.HeartbeatRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return f.heartbeatErr
}

func (f *fakePlane) NextCommand(ctx context.Context, agentID string) (*protocol.QueuedCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.nextErr != nil {
		return nil, f.nextErr
	}
	if len(f.nextQueue) == 0 {
		return nil, nil
	}
	cmd := f.nextQueue[0]
	f.nextQueue = f.nextQueue[1:]
	return cmd, nil
}

func (f *fakePlane) Report(ctx context.Context, commandID string, outcome protocol.CommandOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, reportCall{commandID, outcome})
	if err, ok := f.reportErrs[outcome.Status]; ok {
		return err
	}
	return nil
}

func (f *fakePlane) reportLog() []reportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reportCall(nil), f.reports...)
}

func (f *fakePlane) counts() (heartbeats, polls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats, f.polls
}

// fakeExec scripts the executor.
type fakeExec struct {
	mu     sync.Mutex
	result map[string]any
	err    error
	calls  []string
}

func (f *fakeExec) Dispatch(ctx context.Context, commandType string, payload map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, commandType)
	return f.result, f.err
}

func (f *fakeExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestLoop(cp ControlPlane, exec Executor, onStatus StatusFunc) *Loop {
	return New(cp, exec, "agent-1", "lab agent", "test", onStatus)
}

func queuedCommand(id, commandType string) *protocol.QueuedCommand {
	return &protocol.QueuedCommand{
		ID:          id,
		AgentID:     "agent-1",
		CommandType: commandType,
	}
}

func TestProcessHappyPath(t *testing.T) {
	cp := &fakePlane{}
	exec := &fakeExec{}
	l := newTestLoop(cp, exec, nil)

	got := l.process(context.Background(), queuedCommand("cmd-1", "noop.echo"))
	if got != resultDone {
		t.Fatalf("process = %v, want done", got)
	}

	reports := cp.reportLog()
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want claim + result", len(reports))
	}
	if reports[0].outcome.Status != protocol.StatusRunning {
		t.Errorf("first report = %s, want running", reports[0].outcome.Status)
	}
	if reports[1].outcome.Status != protocol.StatusSucceeded {
		t.Errorf("second report = %s, want succeeded", reports[1].outcome.Status)
	}
	// A nil executor result still reports a non-null result object.
	if reports[1].outcome.Result == nil {
		t.Error("succeeded report carried a nil result")
	}
	if exec.callCount() != 1 {
		t.Errorf("executor called %d times", exec.callCount())
	}
}

func TestProcessExpiredCommandNeverExecutes(t *testing.T) {
	cp := &fakePlane{}
	exec := &fakeExec{}
	l := newTestLoop(cp, exec, nil)

	past := time.Now().Add(-time.Minute)
	cmd := queuedCommand("cmd-old", "noop.echo")
	cmd.ExpiresAt = &past

	if got := l.process(context.Background(), cmd); got != resultSkipped {
		t.Fatalf("process = %v, want skipped", got)
	}
	if exec.callCount() != 0 {
		t.Fatal("expired command was executed")
	}
	reports := cp.reportLog()
	if len(reports) != 1 || reports[0].outcome.Status != protocol.StatusFailed {
		t.Fatalf("reports = %+v, want one failed report", reports)
	}
	if !strings.Contains(reports[0].outcome.ErrorMessage, "expired") {
		t.Errorf("error message = %q", reports[0].outcome.ErrorMessage)
	}
}

func TestProcessClaimRateLimitedAbandons(t *testing.T) {
	cp := &fakePlane{reportErrs: map[string]error{
		protocol.StatusRunning: &controlplane.APIError{
			Code: controlplane.CodeRateLimited, HTTPStatus: 429, Message: "slow down",
		},
	}}
	exec := &fakeExec{}
	l := newTestLoop(cp, exec, nil)

	if got := l.process(context.Background(), queuedCommand("cmd-2", "noop.echo")); got != resultRateLimited {
		t.Fatalf("process = %v, want rate-limited", got)
	}
	// Abandoned unexecuted so the control plane can requeue it.
	if exec.callCount() != 0 {
		t.Fatal("command executed despite failed claim")
	}
	if len(cp.reportLog()) != 1 {
		t.Fatalf("got %d reports, want only the claim attempt", len(cp.reportLog()))
	}
}

func TestProcessClaimErrorSkips(t *testing.T) {
	cp := &fakePlane{reportErrs: map[string]error{
		protocol.StatusRunning: errors.New("boom"),
	}}
	exec := &fakeExec{}
	l := newTestLoop(cp, exec, nil)

	if got := l.process(context.Background(), queuedCommand("cmd-3", "noop.echo")); got != resultSkipped {
		t.Fatalf("process = %v, want skipped", got)
	}
	if exec.callCount() != 0 {
		t.Fatal("command executed despite failed claim")
	}
}

func TestProcessExecutorFailureReported(t *testing.T) {
	cp := &fakePlane{}
	exec := &fakeExec{err: errors.New("qm start 104 exploded")}
	l := newTestLoop(cp, exec, nil)

	if got := l.process(context.Background(), queuedCommand("cmd-4", "hv.vm_start")); got != resultDone {
		t.Fatalf("process = %v, want done", got)
	}
	reports := cp.reportLog()
	last := reports[len(reports)-1]
	if last.outcome.Status != protocol.StatusFailed {
		t.Fatalf("final report = %s, want failed", last.outcome.Status)
	}
	if !strings.Contains(last.outcome.ErrorMessage, "exploded") {
		t.Errorf("error message = %q", last.outcome.ErrorMessage)
	}
}

func TestProcessExecutorRateLimitTextStartsCooldown(t *testing.T) {
	cp := &fakePlane{}
	exec := &fakeExec{err: errors.New("upstream said too many requests")}
	l := newTestLoop(cp, exec, nil)

	if got := l.process(context.Background(), queuedCommand("cmd-5", "hv.vm_start")); got != resultRateLimited {
		t.Fatalf("process = %v, want rate-limited", got)
	}
	reports := cp.reportLog()
	last := reports[len(reports)-1]
	if last.outcome.Status != protocol.StatusFailed {
		t.Fatalf("final report = %s, want failed", last.outcome.Status)
	}
}

func TestProcessResultReportFailureTolerated(t *testing.T) {
	cp := &fakePlane{reportErrs: map[string]error{
		protocol.StatusSucceeded: errors.New("boom"),
	}}
	exec := &fakeExec{result: map[string]any{"ok": true}}
	l := newTestLoop(cp, exec, nil)

	if got := l.process(context.Background(), queuedCommand("cmd-6", "noop.echo")); got != resultDone {
		t.Fatalf("process = %v, want done", got)
	}
}

func TestPollOnceDropsMalformedCommand(t *testing.T) {
	cp := &fakePlane{nextQueue: []*protocol.QueuedCommand{
		{ID: "cmd-bad", CommandType: "rm -rf /"},
		queuedCommand("cmd-good", "noop.echo"),
	}}
	exec := &fakeExec{}
	l := newTestLoop(cp, exec, nil)

	ctx := context.Background()
	l.pollOnce(ctx)
	if exec.callCount() != 0 {
		t.Fatal("malformed command was executed")
	}
	// The loop keeps going: the next poll picks up the well-formed one.
	l.pollOnce(ctx)
	if exec.callCount() != 1 {
		t.Fatalf("executor called %d times after second poll", exec.callCount())
	}
}

func TestPollOnceEmptyWindow(t *testing.T) {
	cp := &fakePlane{}
	l := newTestLoop(cp, &fakeExec{}, nil)
	l.pollOnce(context.Background())
	if len(cp.reportLog()) != 0 {
		t.Fatal("empty poll produced reports")
	}
}

func TestHeartbeatRateLimitSetsCooldownAndErrorStatus(t *testing.T) {
	cp := &fakePlane{heartbeatErr: &controlplane.APIError{
		Code: controlplane.CodeRateLimited, HTTPStatus: 429, Message: "Too Many Requests",
	}}

	var mu sync.Mutex
	var lastStatus Status
	var lastDetail string
	l := newTestLoop(cp, &fakeExec{}, func(s Status, detail string) {
		mu.Lock()
		defer mu.Unlock()
		lastStatus, lastDetail = s, detail
	})

	l.heartbeat(context.Background())

	mu.Lock()
	status, detail := lastStatus, lastDetail
	mu.Unlock()
	if status != StatusError {
		t.Fatalf("status = %s, want error", status)
	}
	if !strings.Contains(detail, "45") {
		t.Errorf("detail = %q, want the cooldown duration in it", detail)
	}
	if !l.coolingDown() {
		t.Fatal("cooldown not started")
	}

	// The cooldown suppresses polling instead of killing the loop.
	l.pollOnce(context.Background())
	if _, polls := cp.counts(); polls != 0 {
		t.Fatalf("polled %d times during cooldown", polls)
	}
}

func TestCooldownSuspendsHeartbeats(t *testing.T) {
	cp := &fakePlane{heartbeatErr: &controlplane.APIError{
		Code: controlplane.CodeRateLimited, HTTPStatus: 429, Message: "Too Many Requests",
	}}
	l := newTestLoop(cp, &fakeExec{}, nil)

	ctx := context.Background()
	l.heartbeat(ctx)
	if !l.coolingDown() {
		t.Fatal("cooldown not started")
	}
	hb, _ := cp.counts()
	if hb != 1 {
		t.Fatalf("heartbeats = %d before tick", hb)
	}

	// Ticks inside the cooldown must not go out to the control plane.
	l.heartbeatTick(ctx)
	l.heartbeatTick(ctx)
	if hb, _ := cp.counts(); hb != 1 {
		t.Fatalf("heartbeats = %d, cooldown did not suspend the ticker path", hb)
	}

	// Once the cooldown passes, the next tick resumes heartbeating.
	l.mu.Lock()
	l.cooldownUntil = time.Now().Add(-time.Second)
	l.mu.Unlock()
	cp.mu.Lock()
	cp.heartbeatErr = nil
	cp.mu.Unlock()

	l.heartbeatTick(ctx)
	if hb, _ := cp.counts(); hb != 2 {
		t.Fatalf("heartbeats = %d after cooldown expiry, want 2", hb)
	}
	if l.Status() != StatusOnline {
		t.Fatalf("status = %s, want online after resumed heartbeat", l.Status())
	}
}

func TestHeartbeatRevokedStopsLoop(t *testing.T) {
	cp := &fakePlane{heartbeatErr: &controlplane.APIError{
		Code: controlplane.CodeAgentRevoked, HTTPStatus: 401, Message: "agent revoked",
	}}
	l := newTestLoop(cp, &fakeExec{}, nil)

	l.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for l.Status() != StatusRevoked {
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want revoked", l.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}
	l.Wait()

	// Revoked survives Stop and later status updates.
	l.setStatus(StatusOnline, "")
	if l.Status() != StatusRevoked {
		t.Fatal("revoked status was clobbered")
	}

	// A restart is an explicit operator decision and clears the state.
	cp.mu.Lock()
	cp.heartbeatErr = nil
	cp.mu.Unlock()
	l.Start(context.Background())
	defer func() { l.Stop(); l.Wait() }()

	deadline = time.Now().Add(2 * time.Second)
	for l.Status() != StatusOnline {
		if time.Now().After(deadline) {
			t.Fatalf("status after restart = %s, want online", l.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	cp := &fakePlane{}
	l := newTestLoop(cp, &fakeExec{}, nil)

	if l.Status() != StatusIdle {
		t.Fatalf("initial status = %s", l.Status())
	}

	l.Start(context.Background())
	l.Start(context.Background()) // second Start is a no-op

	deadline := time.Now().Add(2 * time.Second)
	for l.Status() != StatusOnline {
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want online", l.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}

	l.Stop()
	l.Wait()
	if l.Status() != StatusIdle {
		t.Fatalf("status after stop = %s, want idle", l.Status())
	}

	hb, _ := cp.counts()
	if hb != 1 {
		t.Errorf("heartbeats = %d, want the one synchronous heartbeat", hb)
	}
}

func TestStatusObserverPanicTolerated(t *testing.T) {
	cp := &fakePlane{}
	l := newTestLoop(cp, &fakeExec{}, func(Status, string) {
		panic("observer bug")
	})

	l.heartbeat(context.Background())
	if l.Status() != StatusOnline {
		t.Fatalf("status = %s, want online despite panicking observer", l.Status())
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		desc string
		err  error
		want processResult
	}{
		{"typed rate limit", &controlplane.APIError{Code: controlplane.CodeRateLimited}, resultRateLimited},
		{"typed revoked", &controlplane.APIError{Code: controlplane.CodeAgentRevoked}, resultSkipped},
		{"typed network", &controlplane.APIError{Code: controlplane.CodeNetworkError, Message: "dial failed"}, resultDone},
		{"text too many requests", errors.New("HTTP 429: too many requests"), resultRateLimited},
		{"text rate limit", errors.New("tenant rate limit exceeded"), resultRateLimited},
		{"plain error", errors.New("boom"), resultDone},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			if got := classifyError(tc.err); got != tc.want {
				t.Errorf("classifyError = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsRevoked(t *testing.T) {
	if !isRevoked(&controlplane.APIError{Code: controlplane.CodeAgentRevoked}) {
		t.Error("typed revoked not detected")
	}
	if !isRevoked(errors.New("agent has been revoked")) {
		t.Error("revoked text not detected")
	}
	if isRevoked(&controlplane.APIError{Code: controlplane.CodeRateLimited, Message: "slow down"}) {
		t.Error("rate limit misread as revocation")
	}
}
