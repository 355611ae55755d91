// Package wasm isolates registries by instantiating a WebAssembly plugin once per registry.
//
// Every instance has its own linear memory and its own host directory, mounted as /tmp inside
// the module, so nothing a plugin keeps in memory or writes to disk is visible to the instance of
// another registry. Plugins are Extism plugins exporting any of the functions
// verify_conditions, prepare, publish and add_channel. Each function receives a JSON encoded
// transport.StepRequest as input and reports failure through the Extism error mechanism or a
// non-zero return code.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	extism "github.com/extism/go-sdk"
	slogcontext "github.com/veqryn/slog-context"

	"ocm.software/open-component-model/multiregistry/backend/binary/transport"
	"ocm.software/open-component-model/multiregistry/lifecycle"
)

// GuestTempDir is where the private directory of an instance is mounted inside the module.
const GuestTempDir = "/tmp"

// Exports maps lifecycle steps to the names of the functions a plugin exports for them.
var Exports = map[lifecycle.Step]string{
	lifecycle.VerifyConditions: "verify_conditions",
	lifecycle.Prepare:          "prepare",
	lifecycle.Publish:          "publish",
	lifecycle.AddChannel:       "add_channel",
}

// Factory instantiates a WebAssembly plugin. It implements instance.Factory.
type Factory struct {
	// Path of the .wasm file.
	Path string
	// TempDir is the parent of the per-registry directories. Defaults to os.TempDir().
	TempDir string
	// AllowedHosts the plugin may send HTTP requests to. None by default.
	AllowedHosts []string
	// Timeout of a single step call. No timeout by default.
	Timeout time.Duration
	// Config is made available to the plugin through the Extism config API.
	// The key "registry" is always set to the registry identifier.
	Config map[string]string
}

// New creates the plugin instance of registry.
func (f *Factory) New(ctx context.Context, registry string) (_ lifecycle.Plugin, err error) {
	logger := slogcontext.FromCtx(ctx).With(slog.String("realm", "wasm"), slog.String("registry", registry))

	wasmBytes, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wasm file: %w", err)
	}

	dir, err := os.MkdirTemp(f.TempDir, "multiregistry-wasm-")
	if err != nil {
		return nil, fmt.Errorf("failed to create private directory: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	config := map[string]string{}
	for k, v := range f.Config {
		config[k] = v
	}
	config["registry"] = registry

	manifest := extism.Manifest{
		Wasm: []extism.Wasm{
			extism.WasmData{
				Data: wasmBytes,
			},
		},
		AllowedHosts: f.AllowedHosts,
		AllowedPaths: map[string]string{
			dir: GuestTempDir,
		},
		Config:  config,
		Timeout: uint64(f.Timeout.Milliseconds()),
	}

	plugin, err := extism.NewPlugin(ctx, manifest, extism.PluginConfig{EnableWasi: true}, []extism.HostFunction{})
	if err != nil {
		return nil, fmt.Errorf("failed to create extism plugin: %w", err)
	}

	p := &Plugin{
		registry: registry,
		dir:      dir,
		plugin:   plugin,
		exports:  map[lifecycle.Step]string{},
	}
	for step, name := range Exports {
		if plugin.FunctionExists(name) {
			p.exports[step] = name
		}
	}

	logger.DebugContext(ctx, "wasm plugin instance created", "path", f.Path, "steps", lifecycle.Supported(p))

	return p, nil
}

// Plugin is one instance of a WebAssembly plugin serving one registry.
type Plugin struct {
	registry string
	dir      string
	exports  map[lifecycle.Step]string

	// an Extism plugin must not be called concurrently
	mu     sync.Mutex
	plugin *extism.Plugin
	closed bool
}

// StepFunc returns the step if the module exports the matching function.
func (p *Plugin) StepFunc(step lifecycle.Step) (lifecycle.StepFunc, bool) {
	name, ok := p.exports[step]
	if !ok {
		return nil, false
	}
	return func(ctx context.Context, opts lifecycle.Options, rc *lifecycle.Context) error {
		return p.call(ctx, step, name, opts, rc)
	}, true
}

func (p *Plugin) call(ctx context.Context, step lifecycle.Step, name string, opts lifecycle.Options, rc *lifecycle.Context) error {
	requestJSON, err := json.Marshal(transport.StepRequest{Options: opts, Context: rc})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("wasm plugin for registry %q is closed", p.registry)
	}

	rcode, output, err := p.plugin.CallWithContext(ctx, name, requestJSON)
	if err != nil {
		return fmt.Errorf("%s for registry %q failed: %w", step, p.registry, err)
	}
	if rcode != 0 {
		return fmt.Errorf("%s for registry %q failed with return code %d: %s", step, p.registry, rcode, output)
	}

	if len(output) > 0 {
		rc.Log().DebugContext(ctx, "wasm plugin output", "registry", p.registry, "step", step, "output", string(output))
	}
	return nil
}

// Dir returns the host directory mounted as GuestTempDir.
func (p *Plugin) Dir() string {
	return p.dir
}

// Shutdown closes the module and removes its private directory.
func (p *Plugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	p.plugin.Close(ctx)
	if err := os.RemoveAll(p.dir); err != nil {
		return errors.Join(fmt.Errorf("failed to remove private directory of registry %q", p.registry), err)
	}
	return nil
}
