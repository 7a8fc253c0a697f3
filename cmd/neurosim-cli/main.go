package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/denizumutdereli/neurosim/pkg/core"
	"github.com/spf13/cobra"
)

// cli holds the shared state for all subcommands.
type cli struct {
	conn       *core.ConnInfo
	httpClient *http.Client
	out        io.Writer
	errOut     io.Writer
}

// runOptions is the body of a remote run.
type runOptions struct {
	Scenario   string  `json:"scenario"`
	DurationMs float64 `json:"durationMs,omitempty"`
	Seed       *int64  `json:"seed,omitempty"`
	Save       *bool   `json:"save,omitempty"`
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var connectStr string
	var interactive bool

	c := &cli{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		out:        stdout,
		errOut:     stderr,
	}

	rootCmd := &cobra.Command{
		Use:   "neurosim-cli",
		Short: "neurosim CLI - client for a running neurosim server",
		Long:  "A command-line client that starts, lists and inspects simulation runs on a `neurosim serve` instance.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if connectStr == "" {
				connectStr = os.Getenv("NEUROSIM_URL")
			}
			if connectStr == "" {
				connectStr = "neurosim://localhost:" + core.DefaultHTTPPort
			}
			info, err := core.ParseConnString(connectStr)
			if err != nil {
				return fmt.Errorf("invalid connection string: %w", err)
			}
			c.conn = info
			return nil
		},
		// When called with no subcommand, drop into interactive shell.
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL(c, os.Stdin)
		},
		SilenceUsage: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.PersistentFlags().StringVar(&connectStr, "connect", "", "Connection string (neurosim://host[:port][/scenario])")
	rootCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Start interactive shell (default when no subcommand given)")

	// ── Health ──────────────────────────────────────────────
	rootCmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.getJSON("/health")
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show server statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.getJSON("/v1/stats")
		},
	})

	// ── Scenarios ───────────────────────────────────────────
	rootCmd.AddCommand(&cobra.Command{
		Use:   "scenarios",
		Short: "List built-in scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.getJSON("/v1/scenarios")
		},
	})

	// ── Runs ────────────────────────────────────────────────
	runCmd := &cobra.Command{
		Use:   "run [scenario]",
		Short: "Run a scenario on the server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := runOptions{Scenario: c.conn.Scenario}
			if len(args) == 1 {
				opts.Scenario = args[0]
			}
			if opts.Scenario == "" {
				return fmt.Errorf("scenario required (argument or connection string path)")
			}
			if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
				opts.DurationMs = float64(d) / float64(time.Millisecond)
			}
			if cmd.Flags().Changed("seed") {
				seed, _ := cmd.Flags().GetInt64("seed")
				opts.Seed = &seed
			}
			if cmd.Flags().Changed("save") {
				save, _ := cmd.Flags().GetBool("save")
				opts.Save = &save
			}
			return c.startRun(opts)
		},
	}
	runCmd.Flags().Duration("duration", 0, "Simulated duration (e.g. 250ms), 0 = scenario default")
	runCmd.Flags().Int64("seed", 0, "Random seed")
	runCmd.Flags().Bool("save", false, "Save the recording on the server")
	rootCmd.AddCommand(runCmd)

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs, newest last",
		RunE: func(cmd *cobra.Command, args []string) error {
			scenario, _ := cmd.Flags().GetString("scenario")
			if scenario == "" {
				scenario = c.conn.Scenario
			}
			limit, _ := cmd.Flags().GetInt("limit")
			return c.getJSON(runsPath(scenario, limit))
		},
	}
	runsCmd.Flags().String("scenario", "", "Only runs of this scenario")
	runsCmd.Flags().Int("limit", 0, "Show only the newest n runs")
	rootCmd.AddCommand(runsCmd)

	showCmd := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show a run and its recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			samples, _ := cmd.Flags().GetBool("samples")
			return c.getJSON(runPath(args[0], samples))
		},
	}
	showCmd.Flags().Bool("samples", false, "Include every sample and spike event")
	rootCmd.AddCommand(showCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "delete [run-id]",
		Short: "Delete a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.deleteJSON(runPath(args[0], false))
		},
	})

	return rootCmd
}

func runsPath(scenario string, limit int) string {
	q := url.Values{}
	if scenario != "" {
		q.Set("scenario", scenario)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return "/v1/runs"
	}
	return "/v1/runs?" + q.Encode()
}

func runPath(id string, samples bool) string {
	p := "/v1/runs/" + url.PathEscape(id)
	if samples {
		p += "?samples=true"
	}
	return p
}

// ── HTTP helpers ────────────────────────────────────────────

func (c *cli) startRun(opts runOptions) error {
	body, err := json.Marshal(opts)
	if err != nil {
		return err
	}
	return c.postJSON("/v1/runs", string(body))
}

func (c *cli) doRequest(method, path, body string) error {
	data, err := c.roundTrip(method, path, body)
	if err != nil {
		return err
	}

	// Pretty-print JSON
	var pretty any
	if err := json.Unmarshal(data, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Fprintln(c.out, string(out))
	} else {
		fmt.Fprintln(c.out, string(data))
	}
	return nil
}

// roundTrip performs one request and returns the body of a successful
// response. Error responses are reported on errOut.
func (c *cli) roundTrip(method, path, body string) ([]byte, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, c.conn.BaseURL()+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			fmt.Fprintf(c.errOut, "Error %d %s: %s\n", resp.StatusCode, apiErr.Code, apiErr.Error)
		} else {
			fmt.Fprintf(c.errOut, "Error %d: %s\n", resp.StatusCode, string(data))
		}
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return data, nil
}

func (c *cli) getJSON(path string) error {
	return c.doRequest(http.MethodGet, path, "")
}

func (c *cli) postJSON(path, body string) error {
	return c.doRequest(http.MethodPost, path, body)
}

func (c *cli) deleteJSON(path string) error {
	return c.doRequest(http.MethodDelete, path, "")
}

// silentGet performs a request without printing output, used for the
// connection check at REPL startup.
func (c *cli) silentGet(path string) error {
	_, err := c.roundTrip(http.MethodGet, path, "")
	return err
}
