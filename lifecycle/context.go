package lifecycle

import (
	"log/slog"
	"maps"
)

// Release describes a release that was or is about to be published.
type Release struct {
	Version string `json:"version"`
	GitTag  string `json:"gitTag,omitempty"`
	GitHead string `json:"gitHead,omitempty"`
	Name    string `json:"name,omitempty"`
	Channel string `json:"channel,omitempty"`
	Type    string `json:"type,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// Branch is a release branch known to the orchestrator.
type Branch struct {
	Name       string `json:"name"`
	Channel    string `json:"channel,omitempty"`
	Prerelease string `json:"prerelease,omitempty"`
}

// CI holds what the orchestrator detected about the CI environment.
type CI struct {
	IsCI   bool   `json:"isCi"`
	Branch string `json:"branch,omitempty"`
	Commit string `json:"commit,omitempty"`
}

// Context is the execution context the orchestrator passes to every step.
// Plugins must treat it as read-only.
type Context struct {
	// Logger receives informational and error messages for the step.
	// It is not serialized when the context crosses a process boundary.
	Logger *slog.Logger `json:"-"`
	// Env holds the environment variables visible to the step.
	Env map[string]string `json:"env,omitempty"`
	// Cwd is the working directory of the release.
	Cwd string `json:"cwd,omitempty"`

	Branch      *Branch  `json:"branch,omitempty"`
	Branches    []Branch `json:"branches,omitempty"`
	LastRelease *Release `json:"lastRelease,omitempty"`
	NextRelease *Release `json:"nextRelease,omitempty"`
	CI          *CI      `json:"envCi,omitempty"`

	// Options carries the orchestrator's global options. They are passed through untouched.
	Options map[string]any `json:"options,omitempty"`
}

// WithEnv returns a shallow copy of c whose environment is replaced by env.
// c itself is not modified.
func (c *Context) WithEnv(env map[string]string) *Context {
	if c == nil {
		return &Context{Env: env}
	}
	derived := *c
	derived.Env = env
	return &derived
}

// Log returns the context logger or the default logger if none is set.
func (c *Context) Log() *slog.Logger {
	if c == nil || c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// CloneEnv returns a copy of the context environment that is never nil.
func (c *Context) CloneEnv() map[string]string {
	if c == nil || c.Env == nil {
		return map[string]string{}
	}
	return maps.Clone(c.Env)
}
