package core

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultDt is the integration step used when nothing else is configured.
	DefaultDt = 100 * time.Microsecond

	// DefaultParallelGrain is the smallest entity range handed to one worker.
	DefaultParallelGrain = 256
)

var builtInMCPTools = map[string]struct{}{
	"neurosim_list_scenarios": {},
	"neurosim_run_scenario":   {},
	"neurosim_list_runs":      {},
	"neurosim_show_run":       {},
}

// ---------------------------------------------------------------------------
// Config is the central configuration for a neurosim process.
//
// The configuration is resolved through a four-level hierarchy where each
// layer overrides values set by the layer beneath it:
//
//	Priority (highest → lowest):
//	  1. Programmatic overrides (e.g. CLI flags applied after loading)
//	  2. YAML configuration file
//	  3. Environment variables (NEUROSIM_* prefix)
//	  4. Built-in defaults
//
// Duration fields accept Go duration strings ("100us", "0.1ms", "1s").
// ---------------------------------------------------------------------------

// SimulationConfig groups integration settings.
type SimulationConfig struct {
	// Dt is the fixed integration step.
	Dt time.Duration `yaml:"dt"`

	// Duration overrides a scenario's own run length when > 0.
	Duration time.Duration `yaml:"duration"`

	// StrictDuration rejects durations that are not a whole number of steps.
	// When false they are rounded to the nearest step and the rounding is logged.
	StrictDuration bool `yaml:"strictDuration"`

	// Seed feeds the random source used for connectivity and Poisson input.
	Seed int64 `yaml:"seed"`

	// Workers bounds data-parallel integration. 0 = one per logical core.
	Workers int `yaml:"workers"`

	// ParallelGrain is the minimum number of entities per worker chunk.
	ParallelGrain int `yaml:"parallelGrain"`
}

// StorageConfig groups persistence-related settings.
type StorageConfig struct {
	// DataPath is the directory holding recordings and the run index.
	DataPath string `yaml:"dataPath"`

	// Compress enables gzip on top of msgpack for recordings.
	Compress bool `yaml:"compress"`

	// Retention removes runs older than this while serving. 0 keeps everything.
	Retention time.Duration `yaml:"retention"`

	// CheckInterval schedules recording integrity checks while serving.
	// 0 disables them.
	CheckInterval time.Duration `yaml:"checkInterval"`
}

// RecordingConfig groups run output settings.
type RecordingConfig struct {
	// Save persists every run's monitors to the data path.
	Save bool `yaml:"save"`

	// MaxSamples caps stored samples per recorded series. 0 = unlimited.
	MaxSamples int `yaml:"maxSamples"`
}

// KernelConfig groups settings for externally compiled update kernels.
type KernelConfig struct {
	// LibraryPath is an explicit path to the kernel shared library.
	// Empty means search the standard library directories.
	LibraryPath string `yaml:"libraryPath"`

	// LIFSymbol names an exported step function that replaces the built-in
	// integrator of every LIF population. Empty keeps the built-in rule.
	LIFSymbol string `yaml:"lifSymbol"`
}

// ServerConfig groups network listener settings.
type ServerConfig struct {
	// HTTPAddr is the TCP address `neurosim serve` binds to.
	HTTPAddr string `yaml:"httpAddr"`

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `yaml:"readTimeout"`

	// WriteTimeout bounds response writes. Runs happen inside a request,
	// so keep this above the longest expected scenario.
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// MCPConfig groups Model Context Protocol endpoint settings.
type MCPConfig struct {
	// Enabled controls whether the MCP endpoint is exposed.
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP route for MCP transport.
	Path string `yaml:"path"`

	// APIKey is optional shared secret validated from X-API-Key or Bearer token.
	APIKey string `yaml:"apiKey"`

	// Stateless enables stateless session-id handling for streamable HTTP.
	Stateless bool `yaml:"stateless"`

	// RateLimitRPS controls per-client rate limiting in requests/second.
	// Set to 0 to disable MCP-specific rate limiting.
	RateLimitRPS float64 `yaml:"rateLimitRPS"`

	// RateLimitBurst controls burst capacity for MCP-specific rate limiting.
	RateLimitBurst int `yaml:"rateLimitBurst"`

	// EnablePrompts exposes the built-in MCP prompts.
	EnablePrompts bool `yaml:"enablePrompts"`

	// MaxDuration caps the simulated time a single MCP run may request.
	MaxDuration time.Duration `yaml:"maxDuration"`

	// AllowedTools is an optional allowlist; empty means all built-in MCP tools.
	AllowedTools []string `yaml:"allowedTools"`
}

// Config is the root configuration object.
type Config struct {
	Simulation SimulationConfig `yaml:"simulation"`
	Storage    StorageConfig    `yaml:"storage"`
	Recording  RecordingConfig  `yaml:"recording"`
	Kernel     KernelConfig     `yaml:"kernel"`
	Server     ServerConfig     `yaml:"server"`
	MCP        MCPConfig        `yaml:"mcp"`
}

// ---------------------------------------------------------------------------
// Factory functions
// ---------------------------------------------------------------------------

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Simulation: SimulationConfig{
			Dt:             DefaultDt,
			StrictDuration: true,
			Seed:           1,
			Workers:        0,
			ParallelGrain:  DefaultParallelGrain,
		},
		Storage: StorageConfig{
			DataPath: "./data",
			Compress: true,
		},
		Recording: RecordingConfig{
			Save:       false,
			MaxSamples: 0,
		},
		Server: ServerConfig{
			HTTPAddr:     ":6070",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
		MCP: MCPConfig{
			Enabled:        true,
			Path:           "/mcp",
			Stateless:      true,
			RateLimitRPS:   5,
			RateLimitBurst: 10,
			MaxDuration:    10 * time.Second,
		},
	}
}

// ConfigFromFile reads a YAML configuration file and merges it on top of
// the built-in defaults. Fields absent from the file retain their defaults.
func ConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return cfg, nil
}

// ConfigFromEnv applies environment variable overrides to the given Config.
// If cfg is nil a new default Config is created first.
//
// Environment variable mapping (all optional, prefix NEUROSIM_):
//
//	NEUROSIM_DT                 → Simulation.Dt             (duration string)
//	NEUROSIM_DURATION           → Simulation.Duration       (duration string)
//	NEUROSIM_STRICT_DURATION    → Simulation.StrictDuration ("true"/"false")
//	NEUROSIM_SEED               → Simulation.Seed           (integer)
//	NEUROSIM_WORKERS            → Simulation.Workers        (integer)
//	NEUROSIM_PARALLEL_GRAIN     → Simulation.ParallelGrain  (integer)
//	NEUROSIM_DATA_PATH          → Storage.DataPath
//	NEUROSIM_COMPRESS           → Storage.Compress          ("true"/"false")
//	NEUROSIM_RETENTION          → Storage.Retention         (duration string)
//	NEUROSIM_CHECK_INTERVAL     → Storage.CheckInterval     (duration string)
//	NEUROSIM_SAVE               → Recording.Save            ("true"/"false")
//	NEUROSIM_MAX_SAMPLES        → Recording.MaxSamples      (integer)
//	NEUROSIM_KERNEL_LIB         → Kernel.LibraryPath
//	NEUROSIM_KERNEL_LIF_SYMBOL  → Kernel.LIFSymbol
//	NEUROSIM_HTTP_ADDR          → Server.HTTPAddr
//	NEUROSIM_READ_TIMEOUT       → Server.ReadTimeout        (duration string)
//	NEUROSIM_WRITE_TIMEOUT      → Server.WriteTimeout       (duration string)
//	NEUROSIM_MCP_ENABLED        → MCP.Enabled               ("true"/"false")
//	NEUROSIM_MCP_PATH           → MCP.Path
//	NEUROSIM_MCP_API_KEY        → MCP.APIKey
//	NEUROSIM_MCP_STATELESS      → MCP.Stateless             ("true"/"false")
//	NEUROSIM_MCP_RATE_LIMIT_RPS → MCP.RateLimitRPS          (float)
//	NEUROSIM_MCP_RATE_LIMIT_BURST → MCP.RateLimitBurst      (integer)
//	NEUROSIM_MCP_ENABLE_PROMPTS → MCP.EnablePrompts         ("true"/"false")
//	NEUROSIM_MCP_MAX_DURATION   → MCP.MaxDuration           (duration string)
//	NEUROSIM_MCP_ALLOWED_TOOLS  → MCP.AllowedTools          (comma-separated)
func ConfigFromEnv(cfg *Config) *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// -- Simulation --
	setEnvDuration("NEUROSIM_DT", &cfg.Simulation.Dt)
	setEnvDuration("NEUROSIM_DURATION", &cfg.Simulation.Duration)
	setEnvBool("NEUROSIM_STRICT_DURATION", &cfg.Simulation.StrictDuration)
	setEnvInt64("NEUROSIM_SEED", &cfg.Simulation.Seed)
	setEnvInt("NEUROSIM_WORKERS", &cfg.Simulation.Workers)
	setEnvInt("NEUROSIM_PARALLEL_GRAIN", &cfg.Simulation.ParallelGrain)

	// -- Storage --
	setEnvStr("NEUROSIM_DATA_PATH", &cfg.Storage.DataPath)
	setEnvBool("NEUROSIM_COMPRESS", &cfg.Storage.Compress)
	setEnvDuration("NEUROSIM_RETENTION", &cfg.Storage.Retention)
	setEnvDuration("NEUROSIM_CHECK_INTERVAL", &cfg.Storage.CheckInterval)

	// -- Recording --
	setEnvBool("NEUROSIM_SAVE", &cfg.Recording.Save)
	setEnvInt("NEUROSIM_MAX_SAMPLES", &cfg.Recording.MaxSamples)

	// -- Kernel --
	setEnvStr("NEUROSIM_KERNEL_LIB", &cfg.Kernel.LibraryPath)
	setEnvStr("NEUROSIM_KERNEL_LIF_SYMBOL", &cfg.Kernel.LIFSymbol)

	// -- Server --
	setEnvStr("NEUROSIM_HTTP_ADDR", &cfg.Server.HTTPAddr)
	setEnvDuration("NEUROSIM_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	setEnvDuration("NEUROSIM_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)

	// -- MCP --
	setEnvBool("NEUROSIM_MCP_ENABLED", &cfg.MCP.Enabled)
	setEnvStr("NEUROSIM_MCP_PATH", &cfg.MCP.Path)
	setEnvStr("NEUROSIM_MCP_API_KEY", &cfg.MCP.APIKey)
	setEnvBool("NEUROSIM_MCP_STATELESS", &cfg.MCP.Stateless)
	setEnvFloat("NEUROSIM_MCP_RATE_LIMIT_RPS", &cfg.MCP.RateLimitRPS)
	setEnvInt("NEUROSIM_MCP_RATE_LIMIT_BURST", &cfg.MCP.RateLimitBurst)
	setEnvBool("NEUROSIM_MCP_ENABLE_PROMPTS", &cfg.MCP.EnablePrompts)
	setEnvDuration("NEUROSIM_MCP_MAX_DURATION", &cfg.MCP.MaxDuration)
	setEnvCSV("NEUROSIM_MCP_ALLOWED_TOOLS", &cfg.MCP.AllowedTools)

	return cfg
}

// LoadConfig implements the full four-level configuration hierarchy:
//
//  1. Start with built-in defaults.
//  2. If configPath is non-empty, overlay the YAML file.
//  3. Apply environment variable overrides.
//  4. The caller may then apply programmatic overrides (e.g. CLI flags).
func LoadConfig(configPath string) (*Config, error) {
	var cfg *Config

	if configPath != "" {
		var err error
		cfg, err = ConfigFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = DefaultConfig()
	}

	cfg = ConfigFromEnv(cfg)
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate performs structural validation of the entire configuration.
// Returns a descriptive error for the first invalid field encountered.
func (c *Config) Validate() error {
	// Simulation
	if c.Simulation.Dt <= 0 {
		return fmt.Errorf("simulation.dt must be > 0")
	}
	if c.Simulation.Duration < 0 {
		return fmt.Errorf("simulation.duration must be >= 0")
	}
	if c.Simulation.Workers < 0 {
		return fmt.Errorf("simulation.workers must be >= 0, got %d", c.Simulation.Workers)
	}
	if c.Simulation.ParallelGrain < 1 {
		return fmt.Errorf("simulation.parallelGrain must be >= 1, got %d", c.Simulation.ParallelGrain)
	}
	if c.Simulation.Dt > time.Millisecond {
		log.Printf("⚠ WARNING: simulation.dt=%v is coarse; conductance-based models may diverge", c.Simulation.Dt)
	}
	if c.Simulation.Workers > 4*runtime.NumCPU() {
		log.Printf("⚠ WARNING: simulation.workers=%d far exceeds %d CPUs", c.Simulation.Workers, runtime.NumCPU())
	}

	// Storage
	if c.Storage.DataPath == "" {
		return fmt.Errorf("storage.dataPath must not be empty")
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention must be >= 0 (0 = keep all runs)")
	}
	if c.Storage.CheckInterval < 0 {
		return fmt.Errorf("storage.checkInterval must be >= 0 (0 = disabled)")
	}

	// Recording
	if c.Recording.MaxSamples < 0 {
		return fmt.Errorf("recording.maxSamples must be >= 0 (0 = unlimited)")
	}

	// Server
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.httpAddr must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.readTimeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.writeTimeout must be > 0")
	}

	// MCP
	mcpPath := strings.TrimSpace(c.MCP.Path)
	if mcpPath == "" {
		mcpPath = "/mcp"
	}
	if !strings.HasPrefix(mcpPath, "/") {
		return fmt.Errorf("mcp.path must start with '/'")
	}
	if len(mcpPath) > 1 {
		mcpPath = strings.TrimRight(mcpPath, "/")
	}
	c.MCP.Path = mcpPath
	if c.MCP.RateLimitRPS < 0 {
		return fmt.Errorf("mcp.rateLimitRPS must be >= 0")
	}
	if c.MCP.RateLimitBurst < 0 {
		return fmt.Errorf("mcp.rateLimitBurst must be >= 0")
	}
	if c.MCP.MaxDuration <= 0 {
		return fmt.Errorf("mcp.maxDuration must be > 0")
	}
	if len(c.MCP.AllowedTools) > 0 {
		dedup := make(map[string]struct{}, len(c.MCP.AllowedTools))
		invalid := make(map[string]struct{})
		tools := make([]string, 0, len(c.MCP.AllowedTools))
		for _, name := range c.MCP.AllowedTools {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, ok := dedup[name]; ok {
				continue
			}
			if _, ok := builtInMCPTools[name]; !ok {
				invalid[name] = struct{}{}
				continue
			}
			dedup[name] = struct{}{}
			tools = append(tools, name)
		}
		if len(invalid) > 0 {
			invalidTools := make([]string, 0, len(invalid))
			for name := range invalid {
				invalidTools = append(invalidTools, name)
			}
			sort.Strings(invalidTools)
			return fmt.Errorf("mcp.allowedTools contains unsupported tools: %s", strings.Join(invalidTools, ", "))
		}
		c.MCP.AllowedTools = tools
	}

	return nil
}

// DtSeconds returns the configured step in seconds.
func (c *Config) DtSeconds() float64 { return c.Simulation.Dt.Seconds() }

// ---------------------------------------------------------------------------
// Environment variable helpers
// ---------------------------------------------------------------------------

// setEnvStr sets *target to the value of the named env var if it is non-empty.
func setEnvStr(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// setEnvBool sets *target to the parsed boolean value of the named env var.
// Accepted values: "true", "1" → true; "false", "0" → false.
func setEnvBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func setEnvInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func setEnvInt64(key string, target *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// setEnvDuration sets *target to the parsed duration of the named env var.
// Uses time.ParseDuration, so accepts "100us", "0.1ms", "2s", etc.
func setEnvDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

func setEnvFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// setEnvCSV sets *target to a comma-separated env var list.
func setEnvCSV(key string, target *[]string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		*target = out
	}
}

// ---------------------------------------------------------------------------
// CLI flag overrides, the final layer of the configuration hierarchy.
// ---------------------------------------------------------------------------

// CLIOverrides carries optional values set via command-line flags.
// Pointer fields are nil when the flag was not explicitly provided,
// allowing the caller to distinguish "not set" from the zero value.
type CLIOverrides struct {
	ConfigPath     *string
	Dt             *time.Duration
	Duration       *time.Duration
	StrictDuration *bool
	Seed           *int64
	Workers        *int
	DataPath       *string
	Compress       *bool
	Save           *bool
	MaxSamples     *int
	KernelLib      *string
	KernelSymbol   *string
	HTTPAddr       *string
	MCPAPIKey      *string
}

// ApplyCLIOverrides patches the Config with any explicitly-set CLI flags.
func (c *Config) ApplyCLIOverrides(o *CLIOverrides) {
	if o == nil {
		return
	}
	if o.Dt != nil {
		c.Simulation.Dt = *o.Dt
	}
	if o.Duration != nil {
		c.Simulation.Duration = *o.Duration
	}
	if o.StrictDuration != nil {
		c.Simulation.StrictDuration = *o.StrictDuration
	}
	if o.Seed != nil {
		c.Simulation.Seed = *o.Seed
	}
	if o.Workers != nil {
		c.Simulation.Workers = *o.Workers
	}
	if o.DataPath != nil {
		c.Storage.DataPath = *o.DataPath
	}
	if o.Compress != nil {
		c.Storage.Compress = *o.Compress
	}
	if o.Save != nil {
		c.Recording.Save = *o.Save
	}
	if o.MaxSamples != nil {
		c.Recording.MaxSamples = *o.MaxSamples
	}
	if o.KernelLib != nil {
		c.Kernel.LibraryPath = *o.KernelLib
	}
	if o.KernelSymbol != nil {
		c.Kernel.LIFSymbol = *o.KernelSymbol
	}
	if o.HTTPAddr != nil {
		c.Server.HTTPAddr = *o.HTTPAddr
	}
	if o.MCPAPIKey != nil {
		c.MCP.APIKey = *o.MCPAPIKey
	}
}

// ---------------------------------------------------------------------------
// Lifecycle helpers
// ---------------------------------------------------------------------------

// WaitForShutdown blocks until an OS interrupt or termination signal is
// received, then cancels the provided context.
func WaitForShutdown(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %v, initiating shutdown...", sig)
		cancel()
	case <-ctx.Done():
	}
}

// PrintBanner prints the neurosim banner to stdout.
func PrintBanner() {
	banner := `
  _ __   ___ _   _ _ __ ___  ___(_)_ __ ___
 | '_ \ / _ \ | | | '__/ _ \/ __| | '_ ' _ \
 | | | |  __/ |_| | | | (_) \__ \ | | | | | |
 |_| |_|\___|\__,_|_|  \___/|___/_|_| |_| |_|

    Spiking network simulation engine
    ─────────────────────────────────
`
	fmt.Print(banner)
}
