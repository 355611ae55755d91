// Package transport contains the wire contract between the multiregistry host and plugin
// binaries, and the helpers both sides use to talk HTTP over a unix socket or TCP.
//
// A plugin binary supports two invocations:
//
//	<plugin> capabilities          prints Capabilities as JSON and exits
//	<plugin> --config <Config>     serves the steps until shut down
//
// When serving, the plugin prints one line in OutputFormat to stdout as soon as it listens, and
// logs to stderr. Every supported step is served under StepPath with a StepRequest as body.
package transport

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ocm.software/open-component-model/multiregistry/lifecycle"
)

// ConnectionType is the network a plugin listens on.
type ConnectionType string

const (
	Socket ConnectionType = "unix"
	TCP    ConnectionType = "tcp"
)

// OutputFormat is the format of the line a plugin prints once it listens: ConnectionType|Location,
// for example unix|/tmp/multiregistry-github-123/plugin.sock or tcp|127.0.0.1:12345.
// The line break matters, the host reads stdout line by line.
const OutputFormat = "%s|%s\n"

const (
	// CapabilitiesCommand is the argument that makes a plugin print its capabilities.
	CapabilitiesCommand = "capabilities"
	// ConfigFlag is the flag carrying the serialized Config.
	ConfigFlag = "--config"

	HealthzPath  = "/healthz"
	ShutdownPath = "/shutdown"
)

// Config is handed to the plugin on startup.
type Config struct {
	// ID is the registry identifier the plugin instance serves.
	ID string `json:"id"`
	// Type of the connection.
	Type ConnectionType `json:"type"`
	// Location is the socket path the plugin listens on. It is chosen by the host for sockets
	// and ignored for TCP, where the plugin picks a free port.
	Location string `json:"location,omitempty"`
	// IdleTimeout sets how long the plugin should sit around without work to do.
	IdleTimeout *time.Duration `json:"idleTimeout,omitempty"`
}

// Capabilities is what a plugin reports about itself.
type Capabilities struct {
	// Steps lists the lifecycle steps the plugin implements.
	Steps []lifecycle.Step `json:"steps"`
	// OptionsSchema optionally holds a JSON schema the merged options of a step must satisfy.
	OptionsSchema json.RawMessage `json:"optionsSchema,omitempty"`
}

// Validate checks that all reported steps are known.
func (c *Capabilities) Validate() error {
	for _, step := range c.Steps {
		if !step.Valid() {
			return fmt.Errorf("plugin reported unknown step %q", step)
		}
	}
	return nil
}

// Supports reports whether step is among the reported steps.
func (c *Capabilities) Supports(step lifecycle.Step) bool {
	for _, s := range c.Steps {
		if s == step {
			return true
		}
	}
	return false
}

// StepRequest is the body of a step call.
type StepRequest struct {
	Options lifecycle.Options  `json:"options"`
	Context *lifecycle.Context `json:"context"`
}

// StepPath returns the endpoint a step is served under.
func StepPath(step lifecycle.Step) string {
	return "/steps/" + step.String()
}

// ParseLocation parses a line printed by a plugin in OutputFormat.
func ParseLocation(line string) (ConnectionType, string, bool) {
	typ, location, ok := strings.Cut(strings.TrimSpace(line), "|")
	if !ok || location == "" {
		return "", "", false
	}
	switch ConnectionType(typ) {
	case Socket, TCP:
		return ConnectionType(typ), location, true
	}
	return "", "", false
}
