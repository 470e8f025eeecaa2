package toolserver

import (
	"fmt"
	"time"

	apperrors "github.com/loopgate/loopgate/pkg/errors"
)

// TransportKind selects how the proxy talks to a tool server.
type TransportKind string

const (
	// TransportStdio spawns the server as a child process and speaks
	// line-delimited JSON-RPC over its standard streams.
	TransportStdio TransportKind = "stdio"
	// TransportHTTPSSE posts JSON-RPC requests to an HTTP endpoint and reads
	// responses from a persistent SSE channel.
	TransportHTTPSSE TransportKind = "http-sse"
)

// Defaults applied by Normalize when a field is unset.
const (
	DefaultCallTimeout   = 30 * time.Second
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 5 * time.Second
)

// ServerConfig is the immutable descriptor of one tool server. It is
// validated at registration; records built from an invalid config never
// enter the registry.
type ServerConfig struct {
	Name          string            `json:"name"`
	Transport     TransportKind     `json:"transport"`
	Command       string            `json:"command,omitempty"`
	Args          []string          `json:"args,omitempty"`
	URL           string            `json:"url,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Enabled       bool              `json:"enabled"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
	RetryAttempts int               `json:"retry_attempts,omitempty"`
	RetryDelay    time.Duration     `json:"retry_delay,omitempty"`
}

// Normalize fills zero-valued tuning fields with their defaults.
func (c *ServerConfig) Normalize() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultCallTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
}

// Validate rejects incomplete or contradictory descriptors.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return apperrors.NewConfigInvalidError("server name is required")
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return apperrors.NewConfigInvalidError(
				fmt.Sprintf("server %s: stdio transport requires a command", c.Name))
		}
	case TransportHTTPSSE:
		if c.URL == "" {
			return apperrors.NewConfigInvalidError(
				fmt.Sprintf("server %s: http-sse transport requires a url", c.Name))
		}
	default:
		return apperrors.NewConfigInvalidError(
			fmt.Sprintf("server %s: unknown transport %q", c.Name, c.Transport))
	}
	return nil
}
