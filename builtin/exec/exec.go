// Package exec provides the builtin "exec" plugin, which runs a configured shell command for
// each lifecycle step.
//
// It allows publishing with any command line tool that reads its credentials from the
// environment, e.g. `npm publish` or `twine upload`, while the multiplexer takes care of
// scoping those credentials per registry.
//
//	plugin:
//	  builtin: exec
//	config:
//	  publishCmd: npm publish --registry "$NPM_CONFIG_REGISTRY"
//	  registries:
//	    github: {}
//	    public: {}
//
// Commands run in the working directory of the release. Besides the scoped environment they
// see MULTIREGISTRY_REGISTRY, MULTIREGISTRY_STEP and, when known, MULTIREGISTRY_NEXT_VERSION,
// MULTIREGISTRY_LAST_VERSION and MULTIREGISTRY_CHANNEL.
package exec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"ocm.software/open-component-model/multiregistry/backend/inprocess"
	"ocm.software/open-component-model/multiregistry/lifecycle"
)

// Name is the name the plugin is registered under.
const Name = "exec"

// DefaultShell is used when no shell is configured.
const DefaultShell = "/bin/sh"

func init() {
	inprocess.MustRegister(Name, New)
}

// Options is the configuration understood by the plugin. Steps without a command are no-ops.
type Options struct {
	VerifyConditionsCmd string `mapstructure:"verifyConditionsCmd" json:"verifyConditionsCmd,omitempty"`
	PrepareCmd          string `mapstructure:"prepareCmd" json:"prepareCmd,omitempty"`
	PublishCmd          string `mapstructure:"publishCmd" json:"publishCmd,omitempty"`
	AddChannelCmd       string `mapstructure:"addChannelCmd" json:"addChannelCmd,omitempty"`
	// Shell interprets the commands with `-c`. Defaults to DefaultShell.
	Shell string `mapstructure:"shell" json:"shell,omitempty"`
}

// Command returns the command configured for step.
func (o *Options) Command(step lifecycle.Step) string {
	switch step {
	case lifecycle.VerifyConditions:
		return o.VerifyConditionsCmd
	case lifecycle.Prepare:
		return o.PrepareCmd
	case lifecycle.Publish:
		return o.PublishCmd
	case lifecycle.AddChannel:
		return o.AddChannelCmd
	}
	return ""
}

// Plugin is one instance of the exec plugin, bound to a registry.
type Plugin struct {
	registry string
}

// New creates the plugin instance of registry.
func New(_ context.Context, registry string) (lifecycle.Plugin, error) {
	return &Plugin{registry: registry}, nil
}

func (p *Plugin) VerifyConditions(ctx context.Context, opts lifecycle.Options, rc *lifecycle.Context) error {
	return p.run(ctx, lifecycle.VerifyConditions, opts, rc)
}

func (p *Plugin) Prepare(ctx context.Context, opts lifecycle.Options, rc *lifecycle.Context) error {
	return p.run(ctx, lifecycle.Prepare, opts, rc)
}

func (p *Plugin) Publish(ctx context.Context, opts lifecycle.Options, rc *lifecycle.Context) error {
	return p.run(ctx, lifecycle.Publish, opts, rc)
}

func (p *Plugin) AddChannel(ctx context.Context, opts lifecycle.Options, rc *lifecycle.Context) error {
	return p.run(ctx, lifecycle.AddChannel, opts, rc)
}

// DecodeOptions converts the generic options into Options. Unknown keys are ignored since the
// options are shared with other plugins.
func DecodeOptions(opts lifecycle.Options) (*Options, error) {
	var o Options
	if err := mapstructure.Decode(map[string]any(opts), &o); err != nil {
		return nil, fmt.Errorf("invalid exec plugin options: %w", err)
	}
	if o.Shell == "" {
		o.Shell = DefaultShell
	}
	return &o, nil
}

func (p *Plugin) run(ctx context.Context, step lifecycle.Step, opts lifecycle.Options, rc *lifecycle.Context) error {
	o, err := DecodeOptions(opts)
	if err != nil {
		return err
	}

	logger := rc.Log().With(slog.String("registry", p.registry), slog.String("step", step.String()))

	command := o.Command(step)
	if command == "" {
		logger.DebugContext(ctx, "no command configured, skipping")
		return nil
	}

	cmd := exec.CommandContext(ctx, o.Shell, "-c", command)
	if rc != nil {
		cmd.Dir = rc.Cwd
	}
	cmd.Env = p.environ(step, rc)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	logger.InfoContext(ctx, "running command", "command", command)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s command for registry %q: %w", step, p.registry, err)
	}

	done := make(chan struct{}, 2)
	go streamLines(ctx, stdout, logger, slog.LevelInfo, done)
	go streamLines(ctx, stderr, logger, slog.LevelWarn, done)
	<-done
	<-done

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s command for registry %q failed: %w", step, p.registry, err)
	}
	return nil
}

// environ returns the scoped environment of the step as a sorted KEY=VALUE list.
func (p *Plugin) environ(step lifecycle.Step, rc *lifecycle.Context) []string {
	env := rc.CloneEnv()
	env["MULTIREGISTRY_REGISTRY"] = p.registry
	env["MULTIREGISTRY_STEP"] = step.String()
	if rc != nil {
		if rc.NextRelease != nil {
			env["MULTIREGISTRY_NEXT_VERSION"] = rc.NextRelease.Version
			if rc.NextRelease.Channel != "" {
				env["MULTIREGISTRY_CHANNEL"] = rc.NextRelease.Channel
			}
		}
		if rc.LastRelease != nil {
			env["MULTIREGISTRY_LAST_VERSION"] = rc.LastRelease.Version
		}
	}

	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

// maxLineSize is the longest output line that is logged. After a longer line the rest of
// the stream is read but no longer logged.
const maxLineSize = 1024 * 1024

func streamLines(ctx context.Context, r io.Reader, logger *slog.Logger, level slog.Level, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxLineSize)
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
			logger.Log(ctx, level, line)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.WarnContext(ctx, "command output is no longer logged", "error", err.Error())
		// the command blocks on a full pipe unless its output is consumed
		_, _ = io.Copy(io.Discard, r)
	}
}
