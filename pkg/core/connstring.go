package core

import (
	"fmt"
	"net/url"
	"strings"
)

// ---------------------------------------------------------------------------
// Connection String Parser
// ---------------------------------------------------------------------------
//
// neurosim connection strings address a running `neurosim serve`:
//
//   neurosim://host1[:port1][,host2[:port2]...][/scenario]
//
// Examples:
//   neurosim://localhost
//   neurosim://lab-box:6070/stdp
//   neurosim+tls://sim.example.org:443
//
// The optional path names the default scenario for commands that take one.
// Multiple hosts are accepted; callers talk to the first.

// DefaultHTTPPort is appended to hosts given without a port.
const DefaultHTTPPort = "6070"

// ConnInfo holds parsed connection string components.
type ConnInfo struct {
	// Scheme is "neurosim" or "neurosim+tls".
	Scheme string

	// Hosts is a list of host:port pairs. At least one is always present.
	Hosts []string

	// Scenario is the optional default scenario.
	Scenario string

	// TLS is true when the scheme is "neurosim+tls".
	TLS bool
}

// ParseConnString parses a neurosim connection string.
func ParseConnString(raw string) (*ConnInfo, error) {
	if raw == "" {
		return nil, fmt.Errorf("connection string must not be empty")
	}

	info := &ConnInfo{}
	switch {
	case strings.HasPrefix(raw, "neurosim+tls://"):
		info.Scheme = "neurosim+tls"
		info.TLS = true
	case strings.HasPrefix(raw, "neurosim://"):
		info.Scheme = "neurosim"
	default:
		return nil, fmt.Errorf("connection string must start with neurosim:// or neurosim+tls://, got: %s", raw)
	}

	// net/url only knows http; the host list is split afterwards.
	parsed, err := url.Parse(strings.Replace(raw, info.Scheme+"://", "http://", 1))
	if err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}
	if parsed.User != nil {
		return nil, fmt.Errorf("connection string must not carry credentials")
	}

	for _, h := range strings.Split(parsed.Host, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if !strings.Contains(h, ":") {
			h += ":" + DefaultHTTPPort
		}
		info.Hosts = append(info.Hosts, h)
	}
	if len(info.Hosts) == 0 {
		return nil, fmt.Errorf("connection string must contain at least one host")
	}

	info.Scenario = strings.Trim(parsed.Path, "/")
	if strings.Contains(info.Scenario, "/") {
		return nil, fmt.Errorf("connection string path must be a single scenario name, got %q", info.Scenario)
	}

	return info, nil
}

// String reconstructs the connection string.
func (c *ConnInfo) String() string {
	s := c.Scheme + "://" + strings.Join(c.Hosts, ",")
	if c.Scenario != "" {
		s += "/" + c.Scenario
	}
	return s
}

// PrimaryHost returns the first host in the list.
func (c *ConnInfo) PrimaryHost() string {
	if len(c.Hosts) == 0 {
		return ""
	}
	return c.Hosts[0]
}

// BaseURL returns the HTTP(S) base URL for the primary host.
func (c *ConnInfo) BaseURL() string {
	scheme := "http"
	if c.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, c.PrimaryHost())
}
