package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

const (
	toolListScenarios = "neurosim_list_scenarios"
	toolRunScenario   = "neurosim_run_scenario"
	toolListRuns      = "neurosim_list_runs"
	toolShowRun       = "neurosim_show_run"
)

// Config controls MCP route behavior.
type Config struct {
	APIKey         string
	Stateless      bool
	RateLimitRPS   float64
	RateLimitBurst int
	EnablePrompts  bool
	AllowedTools   []string
	MaxDuration    time.Duration // cap on simulated time per run; 0 = none
}

// RunArgs are the validated arguments of a run request.
type RunArgs struct {
	Scenario string
	Duration time.Duration // 0 = scenario default
	Seed     *int64
	Save     *bool
}

// Backend is the minimal capability contract exposed to MCP tools.
type Backend interface {
	ListScenarios(ctx context.Context) (map[string]any, error)
	RunScenario(ctx context.Context, args RunArgs) (map[string]any, error)
	ListRuns(ctx context.Context, scenario string, limit int) (map[string]any, error)
	ShowRun(ctx context.Context, runID string, samples bool) (map[string]any, error)
}

// NewHandler builds an MCP streamable HTTP handler with optional API-key auth
// and endpoint-local rate limiting.
func NewHandler(cfg Config, backend Backend) (http.Handler, error) {
	if backend == nil {
		return nil, fmt.Errorf("mcp backend is required")
	}

	s := newServer(cfg, backend)
	streamable := mcpserver.NewStreamableHTTPServer(s, mcpserver.WithStateLess(cfg.Stateless))
	var h http.Handler = http.HandlerFunc(streamable.ServeHTTP)

	if strings.TrimSpace(cfg.APIKey) != "" {
		h = apiKeyMiddleware(strings.TrimSpace(cfg.APIKey), h)
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst > 0 {
		h = rateLimitMiddleware(newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), h)
	}

	return h, nil
}

func newServer(cfg Config, backend Backend) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer(
		"neurosim-mcp",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(cfg.EnablePrompts),
		mcpserver.WithRecovery(),
	)
	registerTools(s, backend, cfg)
	if cfg.EnablePrompts {
		registerPrompts(s)
	}
	return s
}

func registerTools(s *mcpserver.MCPServer, backend Backend, cfg Config) {
	allowedSet := make(map[string]struct{}, len(cfg.AllowedTools))
	for _, name := range cfg.AllowedTools {
		name = strings.TrimSpace(name)
		if name != "" {
			allowedSet[name] = struct{}{}
		}
	}
	isAllowed := func(name string) bool {
		if len(allowedSet) == 0 {
			return true
		}
		_, ok := allowedSet[name]
		return ok
	}

	if isAllowed(toolListScenarios) {
		s.AddTool(mcpproto.NewTool(toolListScenarios,
			mcpproto.WithDescription("List the built-in simulation scenarios with their default durations."),
		), func(ctx context.Context, _ mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			result, err := backend.ListScenarios(ctx)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("scenarios listed", result)
		})
	}

	if isAllowed(toolRunScenario) {
		s.AddTool(mcpproto.NewTool(toolRunScenario,
			mcpproto.WithDescription("Run a simulation scenario and return its summary statistics."),
			mcpproto.WithString("name", mcpproto.Required(), mcpproto.Description("Scenario name, see neurosim_list_scenarios.")),
			mcpproto.WithNumber("duration_ms", mcpproto.Description("Simulated time in milliseconds (optional, scenario default).")),
			mcpproto.WithNumber("seed", mcpproto.Description("Random seed for connectivity and Poisson input (optional).")),
			mcpproto.WithBoolean("save", mcpproto.Description("Persist the recording so neurosim_show_run can return samples (optional).")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args, msg := parseRunArgs(req.GetArguments(), cfg.MaxDuration)
			if msg != "" {
				return errResult(msg), nil
			}
			result, err := backend.RunScenario(ctx, args)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("run completed", result)
		})
	}

	if isAllowed(toolListRuns) {
		s.AddTool(mcpproto.NewTool(toolListRuns,
			mcpproto.WithDescription("List previous runs, newest last."),
			mcpproto.WithString("scenario", mcpproto.Description("Only runs of this scenario (optional).")),
			mcpproto.WithNumber("limit", mcpproto.Description("Return at most this many of the newest runs (optional, default 50).")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args := req.GetArguments()
			result, err := backend.ListRuns(ctx, getString(args, "scenario", ""), getInt(args, "limit", 50))
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("runs listed", result)
		})
	}

	if isAllowed(toolShowRun) {
		s.AddTool(mcpproto.NewTool(toolShowRun,
			mcpproto.WithDescription("Show one run: metadata, summary and, for saved runs, recorded series."),
			mcpproto.WithString("run_id", mcpproto.Required(), mcpproto.Description("Run id returned by neurosim_run_scenario.")),
			mcpproto.WithBoolean("samples", mcpproto.Description("Include recorded samples and spikes (optional, default false).")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args := req.GetArguments()
			id := getString(args, "run_id", "")
			if id == "" {
				return errResult("run_id is required"), nil
			}
			result, err := backend.ShowRun(ctx, id, getBool(args, "samples", false))
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("run fetched", result)
		})
	}
}

// parseRunArgs validates run arguments; a non-empty message rejects the call.
func parseRunArgs(args map[string]any, maxDuration time.Duration) (RunArgs, string) {
	out := RunArgs{Scenario: strings.TrimSpace(getString(args, "name", ""))}
	if out.Scenario == "" {
		return out, "name is required"
	}
	if ms, ok := getFloat(args, "duration_ms"); ok {
		if ms <= 0 {
			return out, "duration_ms must be positive"
		}
		out.Duration = time.Duration(ms * float64(time.Millisecond))
		if maxDuration > 0 && out.Duration > maxDuration {
			return out, fmt.Sprintf("duration_ms exceeds the limit of %v", maxDuration)
		}
	}
	if v, ok := getFloat(args, "seed"); ok {
		seed := int64(v)
		out.Seed = &seed
	}
	if v, ok := args["save"].(bool); ok {
		out.Save = &v
	}
	return out, ""
}

func registerPrompts(s *mcpserver.MCPServer) {
	s.AddPrompt(mcpproto.NewPrompt("neurosim_explore_scenario",
		mcpproto.WithPromptDescription("Run a scenario and explain what the recorded activity shows."),
		mcpproto.WithArgument("name", mcpproto.RequiredArgument(), mcpproto.ArgumentDescription("Scenario name.")),
	), func(_ context.Context, req mcpproto.GetPromptRequest) (*mcpproto.GetPromptResult, error) {
		name := req.Params.Arguments["name"]
		return &mcpproto.GetPromptResult{
			Description: "neurosim scenario walkthrough",
			Messages: []mcpproto.PromptMessage{
				{
					Role: mcpproto.RoleUser,
					Content: mcpproto.TextContent{
						Type: "text",
						Text: fmt.Sprintf("Call neurosim_run_scenario for %q with save=true, then neurosim_show_run with samples=true, and explain the membrane dynamics and spiking the summary reports.", name),
					},
				},
			},
		}, nil
	})
}

func errResult(msg string) *mcpproto.CallToolResult {
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: "Error: " + msg},
		},
		IsError: true,
	}
}

func structuredResult(summary string, data any) (*mcpproto.CallToolResult, error) {
	blob, err := json.Marshal(data)
	if err != nil {
		return errResult(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: summary},
			mcpproto.TextContent{Type: "text", Text: string(blob)},
		},
	}, nil
}

func getString(args map[string]any, key string, def string) string {
	if args == nil {
		return def
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func getInt(args map[string]any, key string, def int) int {
	if args == nil {
		return def
	}
	v, ok := args[key].(float64)
	if !ok {
		return def
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return int(v)
}

func getFloat(args map[string]any, key string) (float64, bool) {
	v, ok := args[key].(float64)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func getBool(args map[string]any, key string, def bool) bool {
	if args == nil {
		return def
	}
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func apiKeyMiddleware(expected string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		provided := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if provided == "" {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				provided = strings.TrimSpace(auth[7:])
			}
		}

		if provided == "" || provided != expected {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type rateLimitEntry struct {
	tokens float64
	last   time.Time
}

type rateLimiter struct {
	rps   float64
	burst float64

	mu      sync.Mutex
	clients map[string]rateLimitEntry
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		rps:     rps,
		burst:   float64(burst),
		clients: make(map[string]rateLimitEntry),
	}
}

func (rl *rateLimiter) allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.clients[key]
	if !ok {
		rl.clients[key] = rateLimitEntry{tokens: rl.burst - 1, last: now}
		return true
	}

	elapsed := now.Sub(entry.last).Seconds()
	entry.tokens = math.Min(rl.burst, entry.tokens+elapsed*rl.rps)
	entry.last = now
	if entry.tokens < 1 {
		rl.clients[key] = entry
		return false
	}
	entry.tokens -= 1
	rl.clients[key] = entry
	return true
}

func rateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientAddr(r)
		if !rl.allow(key) {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if strings.TrimSpace(r.RemoteAddr) != "" {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return "unknown"
}
