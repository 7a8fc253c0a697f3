package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/denizumutdereli/neurosim/pkg/api/apierr"
	"github.com/denizumutdereli/neurosim/pkg/core"
	"github.com/denizumutdereli/neurosim/pkg/engine"
	mcpapi "github.com/denizumutdereli/neurosim/pkg/mcp"
	"github.com/denizumutdereli/neurosim/pkg/persistence"
	"github.com/denizumutdereli/neurosim/pkg/registry"
)

// Server is the HTTP/REST API server.
type Server struct {
	engine *engine.Engine
	config *core.Config

	httpServer *http.Server
	addr       string
	mcpPath    string

	rateLimitEnabled  bool
	rateLimitRequests int
	rateLimitWindow   time.Duration
	rateLimitMu       sync.Mutex
	rateLimitEntries  map[string]rateLimitEntry
}

const (
	defaultRunsLimit        = 50
	maxRunsLimit            = 1000
	maxRequestBody          = 1 << 20
	defaultRateLimitWindow  = time.Minute
	defaultRateLimitRequest = 600
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// runRequest is the body of POST /v1/runs.
type runRequest struct {
	Scenario   string  `json:"scenario"`
	DurationMs float64 `json:"durationMs"`
	Seed       *int64  `json:"seed"`
	Save       *bool   `json:"save"`
}

// NewServer creates a new API server
func NewServer(eng *engine.Engine) *Server {
	cfg := eng.Config()
	s := &Server{
		engine:            eng,
		config:            cfg,
		addr:              cfg.Server.HTTPAddr,
		rateLimitEnabled:  true,
		rateLimitRequests: defaultRateLimitRequest,
		rateLimitWindow:   defaultRateLimitWindow,
		rateLimitEntries:  make(map[string]rateLimitEntry),
	}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("/health", s.handleHealth)

	// Scenarios and runs
	mux.HandleFunc("/v1/scenarios", s.handleScenarios)
	mux.HandleFunc("/v1/runs", s.handleRuns)
	mux.HandleFunc("/v1/runs/", s.handleRun)

	// Stats
	mux.HandleFunc("/v1/stats", s.handleStats)

	if cfg.MCP.Enabled {
		path := cfg.MCP.Path
		if strings.TrimSpace(path) == "" {
			path = "/mcp"
		}
		if len(path) > 1 {
			path = strings.TrimRight(path, "/")
		}

		mcpHandler, err := mcpapi.NewHandler(mcpapi.Config{
			APIKey:         cfg.MCP.APIKey,
			Stateless:      cfg.MCP.Stateless,
			RateLimitRPS:   cfg.MCP.RateLimitRPS,
			RateLimitBurst: cfg.MCP.RateLimitBurst,
			EnablePrompts:  cfg.MCP.EnablePrompts,
			AllowedTools:   cfg.MCP.AllowedTools,
			MaxDuration:    cfg.MCP.MaxDuration,
		}, newMCPBackend(eng))
		if err != nil {
			log.Printf("⚠ MCP endpoint disabled: %v", err)
		} else {
			s.mcpPath = path
			mux.Handle(path, mcpHandler)
			log.Printf("MCP endpoint enabled at %s (stateless=%v)", path, cfg.MCP.Stateless)
		}
	}

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.withMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// withMiddleware adds common middleware (CORS, rate limit, body limit, logging).
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isMCPPath(r.URL.Path) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Printf("%s %s %v", r.Method, r.URL.Path, time.Since(start))
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if !s.allowRequestByRateLimit(r) {
			retryAfter := int(s.rateLimitWindow.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			apierr.TooManyRequests(w, "rate limit exceeded")
			return
		}

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		}
		w.Header().Set("Content-Type", "application/json")

		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) isMCPPath(path string) bool {
	if s.mcpPath == "" {
		return false
	}
	if path == s.mcpPath {
		return true
	}
	return strings.HasPrefix(path, s.mcpPath+"/")
}

// writeRunError maps engine errors to HTTP API errors.
func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrUnknownScenario):
		apierr.NotFound(w, apierr.CodeScenarioNotFound, err.Error())
	case errors.Is(err, core.ErrRunNotFound), errors.Is(err, core.ErrRecordingNotFound):
		apierr.NotFound(w, apierr.CodeRunNotFound, err.Error())
	case errors.Is(err, core.ErrConfiguration), errors.Is(err, core.ErrSchedulingInconsistency):
		apierr.BadRequest(w, apierr.CodeInvalidRun, err.Error())
	case errors.Is(err, core.ErrNumericDivergence):
		apierr.Unprocessable(w, apierr.CodeRunDiverged, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		apierr.Unavailable(w, err.Error())
	default:
		apierr.Internal(w, err.Error())
	}
}

func decodeJSONRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierr.PayloadTooLarge(w, err.Error())
			return false
		}
		apierr.InvalidJSON(w)
		return false
	}
	return true
}

func clampPositive(value, fallback, maxValue int) int {
	if value <= 0 {
		value = fallback
	}
	if maxValue > 0 && value > maxValue {
		return maxValue
	}
	return value
}

func parsePositiveQueryInt(raw string) int {
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}

// newest returns the last limit entries of an oldest-first list.
func newest(entries []registry.Entry, limit int) []registry.Entry {
	if len(entries) > limit {
		return entries[len(entries)-limit:]
	}
	return entries
}

func (s *Server) allowRequestByRateLimit(r *http.Request) bool {
	if !s.rateLimitEnabled || s.rateLimitRequests <= 0 || s.rateLimitWindow <= 0 {
		return true
	}

	key := r.RemoteAddr
	if ip := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); ip != "" {
		parts := strings.Split(ip, ",")
		key = strings.TrimSpace(parts[0])
	} else if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		key = ip
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		key = host
	}
	if key == "" {
		key = "unknown"
	}

	now := time.Now()
	s.rateLimitMu.Lock()
	defer s.rateLimitMu.Unlock()

	entry := s.rateLimitEntries[key]
	if entry.windowStart.IsZero() || now.Sub(entry.windowStart) >= s.rateLimitWindow {
		s.rateLimitEntries[key] = rateLimitEntry{windowStart: now, count: 1}
		return true
	}
	if entry.count >= s.rateLimitRequests {
		return false
	}
	entry.count++
	s.rateLimitEntries[key] = entry
	return true
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start starts the server.
func (s *Server) Start() error {
	log.Printf("🚀 neurosim API server starting on %s", s.addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleHealth returns health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"timestamp": time.Now(),
		"runs":      s.engine.Registry().Count(),
	})
}

// handleScenarios lists the built-in scenarios.
func (s *Server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierr.MethodNotAllowed(w)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"ok":        true,
		"scenarios": scenarioDocs(s.engine),
	})
}

// handleRuns lists runs (GET) or starts one (POST).
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := clampPositive(parsePositiveQueryInt(r.URL.Query().Get("limit")), defaultRunsLimit, maxRunsLimit)
		runs := newest(s.engine.Runs(r.URL.Query().Get("scenario")), limit)
		json.NewEncoder(w).Encode(map[string]any{
			"ok":    true,
			"count": len(runs),
			"runs":  runs,
		})

	case http.MethodPost:
		var req runRequest
		if !decodeJSONRequest(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Scenario) == "" {
			apierr.ScenarioRequired(w)
			return
		}
		if req.DurationMs < 0 {
			apierr.BadRequest(w, apierr.CodeInvalidRun, "durationMs must be >= 0")
			return
		}
		res, err := s.engine.Run(r.Context(), engine.RunRequest{
			Scenario: strings.TrimSpace(req.Scenario),
			Duration: time.Duration(req.DurationMs * float64(time.Millisecond)),
			Seed:     req.Seed,
			Save:     req.Save,
		})
		if err != nil {
			writeRunError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"ok":   true,
			"run":  res.Entry,
			"path": res.Path,
		})

	default:
		apierr.MethodNotAllowed(w)
	}
}

// handleRun serves /v1/runs/{id} (GET, DELETE).
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := core.RunID(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/runs/"), "/"))
	if id == "" {
		apierr.RunIDRequired(w)
		return
	}

	switch r.Method {
	case http.MethodGet:
		entry, rec, err := s.engine.Show(id)
		if err != nil {
			writeRunError(w, err)
			return
		}
		doc := map[string]any{"ok": true, "run": entry}
		if rec != nil {
			doc["recording"] = recordingDoc(rec, r.URL.Query().Get("samples") == "true")
		}
		json.NewEncoder(w).Encode(doc)

	case http.MethodDelete:
		if err := s.engine.Delete(id); err != nil {
			writeRunError(w, err)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "deleted": id})

	default:
		apierr.MethodNotAllowed(w)
	}
}

// handleStats returns engine statistics
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.engine.Stats())
}

func scenarioDocs(eng *engine.Engine) []map[string]any {
	list := eng.Scenarios()
	out := make([]map[string]any, 0, len(list))
	for _, sc := range list {
		out = append(out, map[string]any{
			"name":        sc.Name,
			"description": sc.Description,
			"durationMs":  sc.Duration * 1e3,
		})
	}
	return out
}

// recordingDoc describes a recording. Samples and spike events are only
// included on request since they dominate the payload.
func recordingDoc(rec *persistence.Recording, samples bool) map[string]any {
	states := make([]map[string]any, 0, len(rec.States))
	for _, st := range rec.States {
		doc := map[string]any{
			"source":  st.Source,
			"var":     st.Var,
			"index":   st.Index,
			"samples": len(st.Samples),
		}
		if samples {
			doc["samples"] = st.Samples
		}
		states = append(states, doc)
	}
	spikes := make([]map[string]any, 0, len(rec.Spikes))
	for _, tr := range rec.Spikes {
		doc := map[string]any{
			"source": tr.Source,
			"size":   tr.Size,
			"count":  len(tr.Events),
		}
		if samples {
			doc["events"] = tr.Events
		}
		spikes = append(spikes, doc)
	}
	return map[string]any{
		"runId":    rec.RunID,
		"scenario": rec.Scenario,
		"dt":       rec.Dt,
		"duration": rec.Duration,
		"steps":    rec.Steps,
		"states":   states,
		"spikes":   spikes,
		"curves":   rec.Curves,
		"summary":  rec.Summary,
	}
}
