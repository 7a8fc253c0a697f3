package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "neurosim.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp yaml: %v", err)
	}
	return path
}

func clearNeurosimEnvs(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "NEUROSIM_") {
			t.Setenv(key, "")
		}
	}
}

// ---------------------------------------------------------------------------
// DefaultConfig tests
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig must not return nil")
	}
	if cfg.Simulation.Dt != 100*time.Microsecond {
		t.Errorf("expected Simulation.Dt 100us, got %v", cfg.Simulation.Dt)
	}
	if !cfg.Simulation.StrictDuration {
		t.Error("expected Simulation.StrictDuration to be true by default")
	}
	if cfg.Simulation.ParallelGrain != DefaultParallelGrain {
		t.Errorf("expected Simulation.ParallelGrain %d, got %d", DefaultParallelGrain, cfg.Simulation.ParallelGrain)
	}
	if cfg.Storage.DataPath != "./data" {
		t.Errorf("expected Storage.DataPath './data', got %q", cfg.Storage.DataPath)
	}
	if !cfg.Storage.Compress {
		t.Error("expected Storage.Compress to be true by default")
	}
	if cfg.Recording.Save {
		t.Error("expected Recording.Save to be false by default")
	}
	if cfg.Server.HTTPAddr != ":6070" {
		t.Errorf("expected Server.HTTPAddr ':6070', got %q", cfg.Server.HTTPAddr)
	}
	if cfg.MCP.Path != "/mcp" {
		t.Errorf("expected MCP.Path '/mcp', got %q", cfg.MCP.Path)
	}
	if cfg.MCP.MaxDuration != 10*time.Second {
		t.Errorf("expected MCP.MaxDuration 10s, got %v", cfg.MCP.MaxDuration)
	}
}

func TestDefaultConfigPassesValidation(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig should pass validation, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// YAML config file tests
// ---------------------------------------------------------------------------

func TestConfigFromFile_PartialOverride(t *testing.T) {
	path := writeTempYAML(t, `
simulation:
  dt: 50us
  seed: 42
storage:
  compress: false
`)

	cfg, err := ConfigFromFile(path)
	if err != nil {
		t.Fatalf("ConfigFromFile failed: %v", err)
	}
	if cfg.Simulation.Dt != 50*time.Microsecond {
		t.Errorf("expected dt 50us, got %v", cfg.Simulation.Dt)
	}
	if cfg.Simulation.Seed != 42 {
		t.Errorf("expected seed 42, got %d", cfg.Simulation.Seed)
	}
	if cfg.Storage.Compress {
		t.Error("expected compress false")
	}
	// Untouched fields keep defaults
	if cfg.Storage.DataPath != "./data" {
		t.Errorf("expected default DataPath, got %q", cfg.Storage.DataPath)
	}
	if !cfg.Simulation.StrictDuration {
		t.Error("expected default StrictDuration true")
	}
}

func TestConfigFromFile_NotFound(t *testing.T) {
	_, err := ConfigFromFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestConfigFromFile_InvalidYAML(t *testing.T) {
	path := writeTempYAML(t, "simulation: [unclosed")
	_, err := ConfigFromFile(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

// ---------------------------------------------------------------------------
// Environment variable override tests
// ---------------------------------------------------------------------------

func TestConfigFromEnv_Vars(t *testing.T) {
	clearNeurosimEnvs(t)
	t.Setenv("NEUROSIM_DT", "10us")
	t.Setenv("NEUROSIM_STRICT_DURATION", "false")
	t.Setenv("NEUROSIM_SEED", "7")
	t.Setenv("NEUROSIM_WORKERS", "3")
	t.Setenv("NEUROSIM_DATA_PATH", "/var/lib/neurosim")
	t.Setenv("NEUROSIM_SAVE", "true")
	t.Setenv("NEUROSIM_KERNEL_LIB", "/opt/kernels/libmodel.so")
	t.Setenv("NEUROSIM_KERNEL_LIF_SYMBOL", "lif_step")
	t.Setenv("NEUROSIM_MCP_RATE_LIMIT_RPS", "2.5")
	t.Setenv("NEUROSIM_MCP_ALLOWED_TOOLS", "neurosim_run_scenario, neurosim_list_runs")

	cfg := ConfigFromEnv(nil)

	if cfg.Simulation.Dt != 10*time.Microsecond {
		t.Errorf("expected dt 10us, got %v", cfg.Simulation.Dt)
	}
	if cfg.Simulation.StrictDuration {
		t.Error("expected StrictDuration false")
	}
	if cfg.Simulation.Seed != 7 {
		t.Errorf("expected seed 7, got %d", cfg.Simulation.Seed)
	}
	if cfg.Simulation.Workers != 3 {
		t.Errorf("expected workers 3, got %d", cfg.Simulation.Workers)
	}
	if cfg.Storage.DataPath != "/var/lib/neurosim" {
		t.Errorf("expected '/var/lib/neurosim', got %q", cfg.Storage.DataPath)
	}
	if !cfg.Recording.Save {
		t.Error("expected Save true")
	}
	if cfg.Kernel.LibraryPath != "/opt/kernels/libmodel.so" {
		t.Errorf("unexpected kernel path %q", cfg.Kernel.LibraryPath)
	}
	if cfg.Kernel.LIFSymbol != "lif_step" {
		t.Errorf("unexpected LIF kernel symbol %q", cfg.Kernel.LIFSymbol)
	}
	if cfg.MCP.RateLimitRPS != 2.5 {
		t.Errorf("expected RateLimitRPS 2.5, got %f", cfg.MCP.RateLimitRPS)
	}
	if len(cfg.MCP.AllowedTools) != 2 || cfg.MCP.AllowedTools[0] != "neurosim_run_scenario" {
		t.Errorf("unexpected AllowedTools %v", cfg.MCP.AllowedTools)
	}
}

func TestConfigFromEnv_IgnoresInvalidValues(t *testing.T) {
	clearNeurosimEnvs(t)
	t.Setenv("NEUROSIM_DT", "fast")
	t.Setenv("NEUROSIM_WORKERS", "many")
	t.Setenv("NEUROSIM_SAVE", "perhaps")

	cfg := ConfigFromEnv(nil)
	if cfg.Simulation.Dt != DefaultDt {
		t.Errorf("invalid dt should be ignored, got %v", cfg.Simulation.Dt)
	}
	if cfg.Simulation.Workers != 0 {
		t.Errorf("invalid workers should be ignored, got %d", cfg.Simulation.Workers)
	}
	if cfg.Recording.Save {
		t.Error("invalid bool should be ignored")
	}
}

func TestLoadConfig_YAMLThenEnv(t *testing.T) {
	path := writeTempYAML(t, `
server:
  httpAddr: ":7070"
`)
	clearNeurosimEnvs(t)
	t.Setenv("NEUROSIM_HTTP_ADDR", ":8080")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("env should override YAML: expected ':8080', got %q", cfg.Server.HTTPAddr)
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/file.yaml")
	if err == nil {
		t.Error("expected error for nonexistent config file")
	}
}

// ---------------------------------------------------------------------------
// Validation tests
// ---------------------------------------------------------------------------

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"zero dt", func(c *Config) { c.Simulation.Dt = 0 }, "simulation.dt"},
		{"negative duration", func(c *Config) { c.Simulation.Duration = -time.Second }, "simulation.duration"},
		{"negative workers", func(c *Config) { c.Simulation.Workers = -1 }, "simulation.workers"},
		{"zero grain", func(c *Config) { c.Simulation.ParallelGrain = 0 }, "simulation.parallelGrain"},
		{"empty data path", func(c *Config) { c.Storage.DataPath = "" }, "storage.dataPath"},
		{"negative max samples", func(c *Config) { c.Recording.MaxSamples = -1 }, "recording.maxSamples"},
		{"empty addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.httpAddr"},
		{"mcp path", func(c *Config) { c.MCP.Path = "mcp" }, "mcp.path"},
		{"mcp rps", func(c *Config) { c.MCP.RateLimitRPS = -1 }, "mcp.rateLimitRPS"},
		{"mcp max duration", func(c *Config) { c.MCP.MaxDuration = 0 }, "mcp.maxDuration"},
		{"mcp unknown tool", func(c *Config) { c.MCP.AllowedTools = []string{"qubit_flip"} }, "qubit_flip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_NormalizesMCPFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MCP.Path = "/tools/"
	cfg.MCP.AllowedTools = []string{" neurosim_run_scenario ", "neurosim_run_scenario", ""}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.MCP.Path != "/tools" {
		t.Errorf("expected trimmed path '/tools', got %q", cfg.MCP.Path)
	}
	if len(cfg.MCP.AllowedTools) != 1 {
		t.Errorf("expected deduplicated tools, got %v", cfg.MCP.AllowedTools)
	}
}

// ---------------------------------------------------------------------------
// CLI overrides tests
// ---------------------------------------------------------------------------

func TestApplyCLIOverrides_NilOverrides(t *testing.T) {
	cfg := DefaultConfig()
	original := cfg.Simulation.Dt
	cfg.ApplyCLIOverrides(nil)
	if cfg.Simulation.Dt != original {
		t.Error("nil overrides should not change config")
	}
}

func TestApplyCLIOverrides_WinsOverEnvAndYAML(t *testing.T) {
	path := writeTempYAML(t, `
simulation:
  seed: 11
`)
	clearNeurosimEnvs(t)
	t.Setenv("NEUROSIM_SEED", "22")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	seed := int64(33)
	dt := 25 * time.Microsecond
	cfg.ApplyCLIOverrides(&CLIOverrides{Seed: &seed, Dt: &dt})

	if cfg.Simulation.Seed != 33 {
		t.Errorf("CLI should win: expected seed 33, got %d", cfg.Simulation.Seed)
	}
	if cfg.DtSeconds() != 25e-6 {
		t.Errorf("expected dt 25e-6 s, got %g", cfg.DtSeconds())
	}
}
