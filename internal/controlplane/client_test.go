package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/virtfleet-io/vf-agent/internal/protocol"
)

func TestHeartbeatSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents/heartbeat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("unexpected auth header %q", auth)
		}
		var hb protocol.HeartbeatRequest
		json.NewDecoder(r.Body).Decode(&hb)
		if hb.AgentID != "agent-1" {
			t.Errorf("agent_id: got %q", hb.AgentID)
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	if err := c.Heartbeat(context.Background(), protocol.HeartbeatRequest{AgentID: "agent-1"}); err != nil {
		t.Fatal(err)
	}
}

func TestRateLimitedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	err := c.Heartbeat(context.Background(), protocol.HeartbeatRequest{AgentID: "a"})
	ae, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if ae.Code != CodeRateLimited {
		t.Errorf("code: got %s", ae.Code)
	}
	if ae.HTTPStatus != 429 {
		t.Errorf("status: got %d", ae.HTTPStatus)
	}
}

func TestRevokedStatus(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		c := NewClient(server.URL, "tok")
		err := c.Heartbeat(context.Background(), protocol.HeartbeatRequest{AgentID: "a"})
		server.Close()

		ae, ok := AsAPIError(err)
		if !ok {
			t.Fatalf("HTTP %d: expected APIError, got %v", status, err)
		}
		if ae.Code != CodeAgentRevoked {
			t.Errorf("HTTP %d: code %s", status, ae.Code)
		}
	}
}

func TestEnvelopeErrorPassthrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   map[string]string{"code": "BAD_REQUEST", "message": "unknown agent"},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	err := c.Heartbeat(context.Background(), protocol.HeartbeatRequest{AgentID: "a"})
	ae, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if ae.Code != CodeBadRequest || ae.Message != "unknown agent" {
		t.Errorf("got %s / %q", ae.Code, ae.Message)
	}
}

func TestFailureWithoutErrorPayloadRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false})
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	err := c.Heartbeat(context.Background(), protocol.HeartbeatRequest{AgentID: "a"})
	ae, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if ae.Code != CodeParseError {
		t.Errorf("contract violation should be PARSE_ERROR, got %s", ae.Code)
	}
}

func TestNonJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>proxy error</html>"))
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	err := c.Heartbeat(context.Background(), protocol.HeartbeatRequest{AgentID: "a"})
	ae, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if ae.Code != CodeParseError {
		t.Errorf("code: got %s", ae.Code)
	}
}

func TestNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse connections

	c := NewClient(server.URL, "tok")
	err := c.Heartbeat(context.Background(), protocol.HeartbeatRequest{AgentID: "a"})
	ae, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if ae.Code != CodeNetworkError {
		t.Errorf("code: got %s", ae.Code)
	}
}

func TestNextCommandNull(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": nil})
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	cmd, err := c.NextCommand(context.Background(), "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if cmd != nil {
		t.Errorf("expected nil command, got %+v", cmd)
	}
}

func TestNextCommandDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("agent_id"); got != "agent-1" {
			t.Errorf("agent_id query: got %q", got)
		}
		if r.URL.Query().Get("timeout_ms") == "" {
			t.Error("timeout_ms query missing")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"id":           "c1",
				"command_type": "noop.echo",
				"payload":      map[string]any{"k": "v"},
			},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	cmd, err := c.NextCommand(context.Background(), "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if cmd == nil || cmd.ID != "c1" || cmd.CommandType != "noop.echo" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if cmd.Payload["k"] != "v" {
		t.Errorf("payload not decoded: %+v", cmd.Payload)
	}
}

func TestReportOutcome(t *testing.T) {
	var gotMethod, gotPath string
	var gotOutcome protocol.CommandOutcome
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotOutcome)
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	err := c.Report(context.Background(), "c1", protocol.CommandOutcome{
		Status: protocol.StatusSucceeded,
		Result: map[string]any{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPatch {
		t.Errorf("method: got %s", gotMethod)
	}
	if gotPath != "/api/v1/commands/c1" {
		t.Errorf("path: got %s", gotPath)
	}
	if gotOutcome.Status != protocol.StatusSucceeded {
		t.Errorf("status: got %s", gotOutcome.Status)
	}
}

func TestSetCredentials(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer server.Close()

	c := NewClient("http://stale.invalid", "old-token")
	c.SetCredentials(server.URL, "new-token")

	if err := c.Heartbeat(context.Background(), protocol.HeartbeatRequest{AgentID: "a"}); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer new-token" {
		t.Errorf("auth after swap: got %q", gotAuth)
	}
}
