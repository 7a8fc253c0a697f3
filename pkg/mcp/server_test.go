package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakeBackend struct {
	lastRun  RunArgs
	lastShow string
}

func (f *fakeBackend) ListScenarios(context.Context) (map[string]any, error) {
	return map[string]any{"scenarios": []string{"stdp"}}, nil
}

func (f *fakeBackend) RunScenario(_ context.Context, args RunArgs) (map[string]any, error) {
	f.lastRun = args
	if args.Scenario == "broken" {
		return nil, fmt.Errorf("unknown scenario")
	}
	return map[string]any{"run_id": "r1"}, nil
}

func (f *fakeBackend) ListRuns(_ context.Context, scenario string, limit int) (map[string]any, error) {
	return map[string]any{"scenario": scenario, "limit": limit}, nil
}

func (f *fakeBackend) ShowRun(_ context.Context, id string, samples bool) (map[string]any, error) {
	f.lastShow = id
	return map[string]any{"run_id": id, "samples": samples}, nil
}

type toolResponse struct {
	Result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	} `json:"result"`
}

func callTool(t *testing.T, cfg Config, b Backend, name string, args map[string]any) toolResponse {
	t.Helper()
	req, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	})
	msg := newServer(cfg, b).HandleMessage(context.Background(), req)
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var out toolResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unexpected response %s: %v", raw, err)
	}
	return out
}

func TestRunScenarioTool(t *testing.T) {
	b := &fakeBackend{}
	out := callTool(t, Config{}, b, toolRunScenario, map[string]any{
		"name": "stdp", "duration_ms": 250.0, "seed": 9.0, "save": true,
	})
	if out.Result.IsError {
		t.Fatalf("unexpected error result: %+v", out.Result)
	}
	if b.lastRun.Scenario != "stdp" || b.lastRun.Duration != 250*time.Millisecond {
		t.Errorf("unexpected run args %+v", b.lastRun)
	}
	if b.lastRun.Seed == nil || *b.lastRun.Seed != 9 || b.lastRun.Save == nil || !*b.lastRun.Save {
		t.Errorf("seed/save not forwarded: %+v", b.lastRun)
	}
	if len(out.Result.Content) != 2 || !strings.Contains(out.Result.Content[1].Text, `"run_id":"r1"`) {
		t.Errorf("unexpected content %+v", out.Result.Content)
	}
}

func TestRunScenarioToolRejectsLongRuns(t *testing.T) {
	b := &fakeBackend{}
	out := callTool(t, Config{MaxDuration: time.Second}, b, toolRunScenario, map[string]any{
		"name": "stdp", "duration_ms": 5000.0,
	})
	if !out.Result.IsError {
		t.Fatal("expected duration above the limit to be rejected")
	}
	if b.lastRun.Scenario != "" {
		t.Error("backend must not be called for rejected runs")
	}
}

func TestRunScenarioToolBackendError(t *testing.T) {
	out := callTool(t, Config{}, &fakeBackend{}, toolRunScenario, map[string]any{"name": "broken"})
	if !out.Result.IsError || !strings.Contains(out.Result.Content[0].Text, "unknown scenario") {
		t.Errorf("expected backend error to surface, got %+v", out.Result)
	}
}

func TestShowRunTool(t *testing.T) {
	b := &fakeBackend{}
	if out := callTool(t, Config{}, b, toolShowRun, map[string]any{}); !out.Result.IsError {
		t.Error("expected missing run_id to be rejected")
	}
	out := callTool(t, Config{}, b, toolShowRun, map[string]any{"run_id": "abc", "samples": true})
	if out.Result.IsError || b.lastShow != "abc" {
		t.Errorf("unexpected result %+v", out.Result)
	}
}

func TestParseRunArgs(t *testing.T) {
	cases := []struct {
		name string
		args map[string]any
		ok   bool
	}{
		{"missing name", map[string]any{}, false},
		{"blank name", map[string]any{"name": "  "}, false},
		{"negative duration", map[string]any{"name": "stdp", "duration_ms": -1.0}, false},
		{"defaults", map[string]any{"name": "stdp"}, true},
		{"at limit", map[string]any{"name": "stdp", "duration_ms": 1000.0}, true},
		{"over limit", map[string]any{"name": "stdp", "duration_ms": 1000.5}, false},
	}
	for _, tc := range cases {
		_, msg := parseRunArgs(tc.args, time.Second)
		if (msg == "") != tc.ok {
			t.Errorf("%s: expected ok=%v, got message %q", tc.name, tc.ok, msg)
		}
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	h := apiKeyMiddleware("secret", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, tc := range []struct {
		header, value string
		want          int
	}{
		{"", "", http.StatusUnauthorized},
		{"X-API-Key", "wrong", http.StatusUnauthorized},
		{"X-API-Key", "secret", http.StatusNoContent},
		{"Authorization", "Bearer secret", http.StatusNoContent},
	} {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		if tc.header != "" {
			req.Header.Set(tc.header, tc.value)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Errorf("%s=%q: expected %d, got %d", tc.header, tc.value, tc.want, rr.Code)
		}
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl := newRateLimiter(0.001, 2)
	if !rl.allow("a") || !rl.allow("a") {
		t.Fatal("burst of 2 should be allowed")
	}
	if rl.allow("a") {
		t.Error("third request should be limited")
	}
	if !rl.allow("b") {
		t.Error("other clients have their own bucket")
	}
}

func TestClientAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := clientAddr(req); got != "10.0.0.1" {
		t.Errorf("expected 10.0.0.1, got %s", got)
	}
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	if got := clientAddr(req); got != "1.2.3.4" {
		t.Errorf("expected 1.2.3.4, got %s", got)
	}
}
