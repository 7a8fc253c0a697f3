package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/denizumutdereli/neurosim/pkg/api"
	"github.com/denizumutdereli/neurosim/pkg/core"
	"github.com/denizumutdereli/neurosim/pkg/daemon"
	"github.com/denizumutdereli/neurosim/pkg/engine"
	"github.com/denizumutdereli/neurosim/pkg/kernel"
	"github.com/denizumutdereli/neurosim/pkg/persistence"
	"github.com/denizumutdereli/neurosim/pkg/registry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cliOverrides core.CLIOverrides

	rootCmd := &cobra.Command{
		Use:          "neurosim",
		Short:        "neurosim - spiking neural network simulator",
		Long:         "Clock-driven simulation of spiking neuron populations, synapses and multicompartment cells, with recorded runs served over HTTP and MCP.",
		SilenceUsage: true,
	}

	// CLI flags - highest priority in the config hierarchy.
	f := rootCmd.PersistentFlags()

	cliOverrides.ConfigPath = f.StringP("config", "f", "", "Path to YAML config file (overrides NEUROSIM_CONFIG env)")
	cliOverrides.Dt = f.Duration("dt", 0, "Simulation time step (e.g. 100us)")
	cliOverrides.Duration = f.Duration("duration", 0, "Simulated duration, 0 = scenario default (e.g. 250ms)")
	cliOverrides.StrictDuration = f.Bool("strict-duration", true, "Reject durations that are not a whole number of steps")
	cliOverrides.Seed = f.Int64("seed", 0, "Random seed")
	cliOverrides.Workers = f.Int("workers", 0, "Step parallelism, 0 = one per logical core")
	cliOverrides.DataPath = f.String("data-path", "", "Data directory for recordings and the run index")
	cliOverrides.Compress = f.Bool("compress", false, "Compress recording files")
	cliOverrides.Save = f.Bool("save", false, "Save the recording of each run")
	cliOverrides.MaxSamples = f.Int("max-samples", 0, "Keep at most this many samples per recorded series, 0 = all")
	cliOverrides.KernelLib = f.String("kernel-lib", "", "Path to the native kernel library")
	cliOverrides.KernelSymbol = f.String("kernel-lif", "", "Kernel symbol that integrates LIF populations")
	cliOverrides.HTTPAddr = f.String("http-addr", "", "HTTP listen address")
	cliOverrides.MCPAPIKey = f.String("mcp-api-key", "", "API key required by the MCP endpoint")

	load := func(cmd *cobra.Command) (*core.Config, error) {
		return loadConfig(cmd.Flags(), &cliOverrides)
	}
	open := func(cmd *cobra.Command) (*engine.Engine, error) {
		cfg, err := load(cmd)
		if err != nil {
			return nil, err
		}
		return engine.New(cfg)
	}

	// ── Scenarios ───────────────────────────────────────────
	rootCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List built-in scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := open(cmd)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDURATION\tDESCRIPTION")
			for _, sc := range eng.Scenarios() {
				fmt.Fprintf(w, "%s\t%gms\t%s\n", sc.Name, sc.Duration*1e3, sc.Description)
			}
			return w.Flush()
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run <scenario>",
		Short: "Run a scenario and print its summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := open(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go core.WaitForShutdown(ctx, cancel)

			res, err := eng.Run(ctx, engine.RunRequest{Scenario: args[0]})
			if err != nil {
				return err
			}
			printEntry(cmd.OutOrStdout(), res.Entry)
			if res.Path != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "saved:    %s\n", res.Path)
			}
			return nil
		},
	})

	// ── Runs ────────────────────────────────────────────────
	var limit int
	runsCmd := &cobra.Command{
		Use:   "runs [scenario]",
		Short: "List recorded runs, newest last",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := open(cmd)
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			entries := eng.Runs(name)
			if limit > 0 && len(entries) > limit {
				entries = entries[len(entries)-limit:]
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tSCENARIO\tCREATED\tSTEPS\tSPIKES\tSAVED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%v\n", e.RunID, e.Scenario,
					e.CreatedAt.Local().Format(time.DateTime), e.Steps, e.Spikes, e.Saved)
			}
			return w.Flush()
		},
	}
	runsCmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show only the newest n runs")
	rootCmd.AddCommand(runsCmd)

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := open(cmd)
			if err != nil {
				return err
			}
			entry, rec, err := eng.Show(core.RunID(args[0]))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"run": entry, "recording": rec})
			}
			printEntry(out, entry)
			if rec != nil {
				printRecording(out, rec)
			}
			return nil
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "Print the run and its full recording as JSON")
	rootCmd.AddCommand(showCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := open(cmd)
			if err != nil {
				return err
			}
			if err := eng.Delete(core.RunID(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	})

	var olderThan time.Duration
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			eng, err := open(cmd)
			if err != nil {
				return err
			}
			n, err := eng.Prune(time.Now().Add(-olderThan))
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d runs\n", n)
			return err
		},
	}
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age cutoff (e.g. 72h)")
	rootCmd.AddCommand(pruneCmd)

	var repair bool
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate recording checksums",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := open(cmd)
			if err != nil {
				return err
			}
			report, err := eng.Check(repair)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d, corrupt %d, removed %d\n",
				report.CheckedFiles, report.CorruptFiles, report.RemovedFiles)
			if report.CorruptFiles > report.RemovedFiles {
				return fmt.Errorf("%d corrupt recordings (rerun with --repair to remove them)",
					report.CorruptFiles-report.RemovedFiles)
			}
			return nil
		},
	}
	checkCmd.Flags().BoolVar(&repair, "repair", false, "Remove corrupt recordings")
	rootCmd.AddCommand(checkCmd)

	// ── Kernels ─────────────────────────────────────────────
	kernelCmd := &cobra.Command{
		Use:   "kernel",
		Short: "Native kernel library tools",
	}
	var symbols []string
	kernelCheckCmd := &cobra.Command{
		Use:   "check",
		Short: "Locate the kernel library and resolve step symbols",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			lib, err := kernel.Open(cfg.Kernel.LibraryPath)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), kernel.ResolveLibraryError(err))
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "library: %s\n", lib.Path())
			for _, sym := range symbols {
				if _, err := lib.Step(sym); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "symbol:  %s ok\n", sym)
			}
			return nil
		},
	}
	kernelCheckCmd.Flags().StringSliceVar(&symbols, "symbol", nil, "Step symbols to resolve")
	kernelCmd.AddCommand(kernelCheckCmd)
	rootCmd.AddCommand(kernelCmd)

	// ── Server ──────────────────────────────────────────────
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and the MCP endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	})

	return rootCmd
}

// loadConfig resolves the configuration hierarchy: defaults, YAML file,
// environment, then explicitly set flags.
func loadConfig(flags *pflag.FlagSet, cliOverrides *core.CLIOverrides) (*core.Config, error) {
	// Resolve config path: --config flag > NEUROSIM_CONFIG env var
	configPath := ""
	if cliOverrides.ConfigPath != nil && *cliOverrides.ConfigPath != "" {
		configPath = *cliOverrides.ConfigPath
	} else {
		configPath = os.Getenv("NEUROSIM_CONFIG")
	}

	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	applyExplicitFlags(flags, cfg, cliOverrides)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// serve implements the server startup sequence after flags are resolved.
func serve(cfg *core.Config) error {
	core.PrintBanner()

	log.Printf("Data path: %s", cfg.Storage.DataPath)
	log.Printf("HTTP: %s", cfg.Server.HTTPAddr)

	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	log.Printf("Run index initialized (%d entries)", eng.Registry().Count())

	if report, err := eng.Check(false); err != nil {
		log.Printf("⚠ WARNING: startup integrity check failed: %v", err)
	} else if report.CorruptFiles > 0 {
		log.Printf("⚠ WARNING: %d corrupt recordings found at startup", report.CorruptFiles)
	}

	if kernel.IsLibraryAvailable() {
		log.Println("Native kernel library found")
	}

	daemons := daemon.NewDaemonManager(eng, cfg.Storage.Retention, cfg.Storage.CheckInterval)
	daemons.Start()

	httpServer := api.NewServer(eng)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := httpServer.Start(); err != nil {
			log.Printf("HTTP server error: %v", err)
			cancel()
		}
	}()

	log.Println("neurosim is ready!")
	log.Println("--------------------------------------------")

	// Wait for shutdown signal
	core.WaitForShutdown(ctx, cancel)

	log.Println("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	daemons.Stop()

	log.Println("neurosim shutdown complete")
	return nil
}

// applyExplicitFlags applies only the CLI flags that were explicitly set
// by the user on the command line. Unset flags are ignored so they do not
// override values resolved from YAML or environment variables.
func applyExplicitFlags(flags *pflag.FlagSet, cfg *core.Config, o *core.CLIOverrides) {
	overrides := core.CLIOverrides{}

	if flags.Changed("dt") {
		overrides.Dt = o.Dt
	}
	if flags.Changed("duration") {
		overrides.Duration = o.Duration
	}
	if flags.Changed("strict-duration") {
		overrides.StrictDuration = o.StrictDuration
	}
	if flags.Changed("seed") {
		overrides.Seed = o.Seed
	}
	if flags.Changed("workers") {
		overrides.Workers = o.Workers
	}
	if flags.Changed("data-path") {
		overrides.DataPath = o.DataPath
	}
	if flags.Changed("compress") {
		overrides.Compress = o.Compress
	}
	if flags.Changed("save") {
		overrides.Save = o.Save
	}
	if flags.Changed("max-samples") {
		overrides.MaxSamples = o.MaxSamples
	}
	if flags.Changed("kernel-lib") {
		overrides.KernelLib = o.KernelLib
	}
	if flags.Changed("kernel-lif") {
		overrides.KernelSymbol = o.KernelSymbol
	}
	if flags.Changed("http-addr") {
		overrides.HTTPAddr = o.HTTPAddr
	}
	if flags.Changed("mcp-api-key") {
		overrides.MCPAPIKey = o.MCPAPIKey
	}

	cfg.ApplyCLIOverrides(&overrides)
}

func printEntry(w io.Writer, e registry.Entry) {
	fmt.Fprintf(w, "run:      %s\n", e.RunID)
	fmt.Fprintf(w, "scenario: %s\n", e.Scenario)
	fmt.Fprintf(w, "duration: %gms (%d steps, dt %gms)\n", e.Duration*1e3, e.Steps, e.Dt*1e3)
	fmt.Fprintf(w, "seed:     %d\n", e.Seed)
	fmt.Fprintf(w, "spikes:   %d\n", e.Spikes)
	fmt.Fprintf(w, "elapsed:  %v\n", e.Elapsed.Round(time.Microsecond))

	keys := make([]string, 0, len(e.Summary))
	for k := range e.Summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-22s %g\n", k, e.Summary[k])
	}
}

func printRecording(w io.Writer, rec *persistence.Recording) {
	for _, st := range rec.States {
		fmt.Fprintf(w, "state  %s.%s[%d]: %d samples\n", st.Source, st.Var, st.Index, len(st.Samples))
	}
	for _, sp := range rec.Spikes {
		fmt.Fprintf(w, "spikes %s (%d neurons): %d events\n", sp.Source, sp.Size, len(sp.Events))
	}
	for _, c := range rec.Curves {
		fmt.Fprintf(w, "curve  %s: %d points (%s vs %s)\n", c.Name, len(c.X), c.YLabel, c.XLabel)
	}
}
