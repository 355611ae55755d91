// Package binary isolates registries by running one plugin process per registry.
//
// Every instance gets its own process and its own private temporary directory, which is
// exported to the process as TMPDIR. Whatever a plugin writes there (npm writes its .npmrc
// with the registry credentials) cannot be seen by the instance of another registry.
// Plugins are written with the sdk package.
package binary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	slogcontext "github.com/veqryn/slog-context"

	"ocm.software/open-component-model/multiregistry/backend/binary/transport"
	"ocm.software/open-component-model/multiregistry/lifecycle"
)

// Factory starts plugin processes. It implements instance.Factory.
type Factory struct {
	// Path of the plugin binary.
	Path string
	// Args are passed to the plugin before its own arguments.
	Args []string
	// TempDir is the parent of the per-registry directories. Defaults to os.TempDir().
	TempDir string
	// IdleTimeout after which an unused plugin process exits on its own.
	IdleTimeout time.Duration
	// StartupTimeout bounds the time a plugin may take to become ready.
	// Defaults to transport.DefaultStartupTimeout.
	StartupTimeout time.Duration
	// Env is added to the environment of the plugin process.
	Env []string
	// ConnectionType forces a connection type. By default unix sockets are used where available.
	ConnectionType transport.ConnectionType
}

// New starts the plugin process of registry and waits until it is ready to serve.
// The process is bound to ctx: it is killed when ctx is cancelled.
func (f *Factory) New(ctx context.Context, registry string) (_ lifecycle.Plugin, err error) {
	logger := slogcontext.FromCtx(ctx).With(slog.String("realm", "binary"), slog.String("registry", registry))

	dir, err := os.MkdirTemp(f.TempDir, "multiregistry-"+sanitize(registry)+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create private directory: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	caps, err := f.capabilities(ctx, dir)
	if err != nil {
		return nil, err
	}

	var schema *jsonschema.Schema
	if len(caps.OptionsSchema) > 0 {
		if schema, err = transport.CompileSchema(caps.OptionsSchema); err != nil {
			return nil, fmt.Errorf("plugin %s reported an invalid options schema: %w", f.Path, err)
		}
	}

	typ := f.ConnectionType
	if typ == "" {
		if typ, err = determineConnectionType(ctx, dir); err != nil {
			return nil, err
		}
	}

	conf := transport.Config{ID: registry, Type: typ}
	if typ == transport.Socket {
		conf.Location = filepath.Join(dir, "plugin.sock")
	}
	if f.IdleTimeout > 0 {
		conf.IdleTimeout = &f.IdleTimeout
	}
	serialized, err := json.Marshal(conf)
	if err != nil {
		return nil, err
	}

	p := &Plugin{
		registry: registry,
		dir:      dir,
		caps:     caps,
		schema:   schema,
		exited:   make(chan struct{}),
	}

	if err := p.start(ctx, f, serialized, logger); err != nil {
		return nil, err
	}

	logger.DebugContext(ctx, "plugin instance ready", "path", f.Path, "steps", caps.Steps, "location", p.location)

	return p, nil
}

func (f *Factory) command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, cleanPath(f.Path), append(append([]string{}, f.Args...), args...)...) //nolint:gosec // G204 does not apply
	cmd.Env = append(os.Environ(), f.Env...)
	cmd.Env = append(cmd.Env, "TMPDIR="+dir)
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

func (f *Factory) capabilities(ctx context.Context, dir string) (*transport.Capabilities, error) {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := f.command(ctx, dir, transport.CapabilitiesCommand)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to get capabilities of plugin %s: %w: %s", f.Path, err, strings.TrimSpace(stderr.String()))
	}

	var caps transport.Capabilities
	if err := json.Unmarshal(stdout.Bytes(), &caps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capabilities of plugin %s: %w", f.Path, err)
	}
	if err := caps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capabilities of plugin %s: %w", f.Path, err)
	}
	return &caps, nil
}

func (f *Factory) startupTimeout() time.Duration {
	if f.StartupTimeout > 0 {
		return f.StartupTimeout
	}
	return transport.DefaultStartupTimeout
}

// Plugin is a running plugin process serving one registry.
type Plugin struct {
	registry string
	dir      string
	caps     *transport.Capabilities
	schema   *jsonschema.Schema

	cmd      *exec.Cmd
	client   *http.Client
	typ      transport.ConnectionType
	location string

	exited  chan struct{}
	waitErr error
	once    sync.Once
	stopErr error
}

func (p *Plugin) start(ctx context.Context, f *Factory, serialized []byte, logger *slog.Logger) error {
	cmd := f.command(ctx, p.dir, transport.ConfigFlag, string(serialized))
	cmd.Cancel = func() error {
		logger.InfoContext(ctx, "killing plugin process because the parent context is cancelled")
		return cmd.Process.Kill()
	}

	// io.Pipe instead of cmd.StdoutPipe: the pipes are drained by us, Wait must not close them
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start plugin %s: %w", f.Path, err)
	}
	p.cmd = cmd

	go func() {
		p.waitErr = cmd.Wait()
		_ = stdoutW.Close()
		_ = stderrW.Close()
		close(p.exited)
	}()
	go transport.StartLogStreamer(ctx, stderrR, logger, slog.LevelInfo)

	typ, location, err := transport.ReadLocation(ctx, stdoutR, logger, f.startupTimeout())
	if err != nil {
		return errors.Join(fmt.Errorf("plugin %s for registry %q did not start: %w", f.Path, p.registry, err), p.stop(ctx))
	}

	client, err := transport.WaitForPlugin(ctx, p.registry, location, typ, f.startupTimeout())
	if err != nil {
		return errors.Join(err, p.stop(ctx))
	}

	p.client = client
	p.typ = typ
	p.location = location
	return nil
}

// StepFunc returns the step if the plugin reported it among its capabilities.
func (p *Plugin) StepFunc(step lifecycle.Step) (lifecycle.StepFunc, bool) {
	if !p.caps.Supports(step) {
		return nil, false
	}
	return func(ctx context.Context, opts lifecycle.Options, rc *lifecycle.Context) error {
		return p.call(ctx, step, opts, rc)
	}, true
}

func (p *Plugin) call(ctx context.Context, step lifecycle.Step, opts lifecycle.Options, rc *lifecycle.Context) error {
	if err := transport.ValidateOptions(p.schema, opts); err != nil {
		return fmt.Errorf("%s for registry %q: %w", step, p.registry, err)
	}

	select {
	case <-p.exited:
		return fmt.Errorf("plugin process for registry %q is not running: %v", p.registry, p.waitErr)
	default:
	}

	if err := transport.Call(ctx, p.client, p.typ, p.location, transport.StepPath(step), http.MethodPost,
		transport.WithPayload(transport.StepRequest{Options: opts, Context: rc}),
	); err != nil {
		return fmt.Errorf("%s for registry %q failed: %w", step, p.registry, err)
	}
	return nil
}

// Dir returns the private directory of the instance.
func (p *Plugin) Dir() string {
	return p.dir
}

// Shutdown interrupts the plugin process, waits for it to exit and removes its private
// directory. The process is killed if ctx ends first.
func (p *Plugin) Shutdown(ctx context.Context) error {
	return p.stop(ctx)
}

func (p *Plugin) stop(ctx context.Context) error {
	p.once.Do(func() {
		if p.cmd != nil && p.cmd.Process != nil {
			select {
			case <-p.exited:
			default:
				if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
					// interrupts are not supported everywhere
					_ = p.cmd.Process.Kill()
				}
				select {
				case <-p.exited:
				case <-ctx.Done():
					_ = p.cmd.Process.Kill()
					<-p.exited
				}
			}
		}
		if err := os.RemoveAll(p.dir); err != nil {
			p.stopErr = fmt.Errorf("failed to remove private directory of registry %q: %w", p.registry, err)
		}
	})
	return p.stopErr
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func sanitize(registry string) string {
	return unsafeChars.ReplaceAllString(registry, "_")
}

func cleanPath(path string) string {
	return strings.Trim(path, `,;:'"|&*!@#$`)
}

// determineConnectionType prefers unix sockets and falls back to TCP where they cannot be created.
func determineConnectionType(ctx context.Context, dir string) (transport.ConnectionType, error) {
	socketPath := filepath.Join(dir, "probe.sock")
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "unix", socketPath)
	if err != nil {
		slog.DebugContext(ctx, "unix sockets unavailable, falling back to TCP connection", "error", err.Error())
		return transport.TCP, nil
	}

	if err := listener.Close(); err != nil {
		return "", fmt.Errorf("failed to close socket: %w", err)
	}
	_ = os.Remove(socketPath)

	return transport.Socket, nil
}
