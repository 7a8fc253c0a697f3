package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const replHelp = `
neurosim interactive shell, available commands:

  Server:
    ping                              Check server health
    stats                             Server statistics
    scenarios                         List built-in scenarios

  Runs:
    run [scenario]                    Run a scenario (default: active scenario)
      run stdp --duration 500ms --seed 3 --save
    runs [--limit N]                  List runs of the active scenario (all when unset)
    show <run-id> [--samples]         Show a run and its recording
    delete <run-id>                   Delete a run

  Shell:
    \help                             Show this help
    \scenario [name]                  Show/switch active scenario
    \status                           Show connection info
    \quit  (or exit, quit, Ctrl-D)    Exit
`

// runREPL starts the interactive shell. conn and httpClient are already
// initialised by the cobra PersistentPreRunE.
func runREPL(c *cli, in io.Reader) error {
	if err := c.silentGet("/health"); err != nil {
		return fmt.Errorf("cannot reach %s: %w", c.conn.BaseURL(), err)
	}

	fmt.Fprintf(c.out, "Connected to neurosim at %s\nType \\help for commands, \\quit to exit.\n\n", c.conn.BaseURL())

	activeScenario := c.conn.Scenario
	scanner := bufio.NewScanner(in)

	for {
		prompt := "neurosim"
		if activeScenario != "" {
			prompt = fmt.Sprintf("neurosim[%s]", activeScenario)
		}
		fmt.Fprintf(c.out, "%s> ", prompt)

		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if done := dispatchREPL(c, line, &activeScenario); done {
			fmt.Fprintln(c.out, "Bye.")
			break
		}
	}
	return scanner.Err()
}

// dispatchREPL parses and executes one REPL line.
// Returns true when the user wants to quit.
func dispatchREPL(c *cli, line string, activeScenario *string) bool {
	parts := tokenize(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])

	switch cmd {
	// ── Quit ────────────────────────────────────────────────
	case `\quit`, `\q`, "exit", "quit":
		return true

	// ── Help ────────────────────────────────────────────────
	case `\help`, `\h`, "help":
		fmt.Fprint(c.out, replHelp)

	// ── Scenario switch ─────────────────────────────────────
	case `\scenario`:
		if len(parts) < 2 {
			if *activeScenario == "" {
				fmt.Fprintln(c.out, "no active scenario (use \\scenario <name> to set one)")
			} else {
				fmt.Fprintf(c.out, "active scenario: %s\n", *activeScenario)
			}
		} else {
			*activeScenario = parts[1]
			fmt.Fprintf(c.out, "switched to scenario: %s\n", *activeScenario)
		}

	// ── Status ──────────────────────────────────────────────
	case `\status`:
		fmt.Fprintf(c.out, "server:   %s\n", c.conn.BaseURL())
		scenario := *activeScenario
		if scenario == "" {
			scenario = "(none)"
		}
		fmt.Fprintf(c.out, "scenario: %s\n", scenario)

	// ── Server ──────────────────────────────────────────────
	case "ping":
		c.getJSON("/health") //nolint:errcheck

	case "stats":
		c.getJSON("/v1/stats") //nolint:errcheck

	case "scenarios":
		c.getJSON("/v1/scenarios") //nolint:errcheck

	// ── Runs ────────────────────────────────────────────────
	case "run":
		opts, err := parseReplRun(parts[1:], *activeScenario)
		if err != nil {
			fmt.Fprintf(c.errOut, "error: %v\n", err)
			break
		}
		c.startRun(opts) //nolint:errcheck

	case "runs":
		limit := 0
		for i := 1; i < len(parts)-1; i++ {
			if parts[i] == "--limit" {
				limit, _ = strconv.Atoi(parts[i+1])
			}
		}
		c.getJSON(runsPath(*activeScenario, limit)) //nolint:errcheck

	case "show":
		if len(parts) < 2 {
			fmt.Fprintln(c.errOut, "usage: show <run-id> [--samples]")
		} else {
			c.getJSON(runPath(parts[1], len(parts) > 2 && parts[2] == "--samples")) //nolint:errcheck
		}

	case "delete":
		if len(parts) < 2 {
			fmt.Fprintln(c.errOut, "usage: delete <run-id>")
		} else {
			c.deleteJSON(runPath(parts[1], false)) //nolint:errcheck
		}

	default:
		fmt.Fprintf(c.errOut, "unknown command %q, type \\help for available commands\n", cmd)
	}

	return false
}

// ── REPL command helpers ─────────────────────────────────────

func parseReplRun(args []string, activeScenario string) (runOptions, error) {
	opts := runOptions{Scenario: activeScenario}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--duration", "-d":
			if i+1 < len(args) {
				i++
				d, err := time.ParseDuration(args[i])
				if err != nil {
					return opts, fmt.Errorf("invalid duration %q: %w", args[i], err)
				}
				opts.DurationMs = float64(d) / float64(time.Millisecond)
			}
		case "--seed":
			if i+1 < len(args) {
				i++
				seed, err := strconv.ParseInt(args[i], 10, 64)
				if err != nil {
					return opts, fmt.Errorf("invalid seed %q", args[i])
				}
				opts.Seed = &seed
			}
		case "--save":
			save := true
			opts.Save = &save
		default:
			if strings.HasPrefix(args[i], "-") {
				return opts, fmt.Errorf("unknown flag %s", args[i])
			}
			opts.Scenario = args[i]
		}
	}
	if opts.Scenario == "" {
		return opts, fmt.Errorf("usage: run <scenario> [--duration D] [--seed N] [--save]")
	}
	return opts, nil
}

// tokenize splits a line into tokens respecting quoted strings.
func tokenize(line string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	quoteChar := rune(0)

	for _, ch := range line {
		switch {
		case inQuote:
			if ch == quoteChar {
				inQuote = false
			} else {
				cur.WriteRune(ch)
			}
		case ch == '"' || ch == '\'':
			inQuote = true
			quoteChar = ch
		case ch == ' ' || ch == '\t':
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(ch)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}
