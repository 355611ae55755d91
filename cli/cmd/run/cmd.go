package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"
	slogcontext "github.com/veqryn/slog-context"

	"ocm.software/open-component-model/multiregistry/cli/internal/release"
	"ocm.software/open-component-model/multiregistry/instance"
	"ocm.software/open-component-model/multiregistry/lifecycle"
	"ocm.software/open-component-model/multiregistry/metrics"
	"ocm.software/open-component-model/multiregistry/multiplexer"
)

const (
	FlagCwd                   = "cwd"
	FlagBranch                = "branch"
	FlagChannel               = "channel"
	FlagNextVersion           = "next-version"
	FlagLastVersion           = "last-version"
	FlagMetricsTextfile       = "metrics-textfile"
	FlagPluginShutdownTimeout = "plugin-shutdown-timeout"

	PluginShutdownTimeoutDefault = 10 * time.Second
)

func New() *cobra.Command {
	validArgs := make([]string, 0, len(lifecycle.Steps))
	for _, step := range lifecycle.Steps {
		validArgs = append(validArgs, step.String())
	}

	cmd := &cobra.Command{
		Use:   fmt.Sprintf("run {%s}", strings.Join(validArgs, "|")),
		Short: "Run a release step of the plugin once for every configured registry",
		Long: `Run a release step of the plugin once for every configured registry.

Registries are processed one after the other in the order of the release file. Each registry
is served by its own plugin instance, sees the shared configuration merged with its own
fragment, and sees an environment in which <REGISTRY>_<VAR> replaces <VAR> for the npm
credential variables (e.g. GITHUB_NPM_TOKEN replaces NPM_TOKEN for the registry "github").`,
		Example: `  # verify credentials for every registry
  multiregistry run verifyConditions --config release.yaml

  # publish version 1.2.3
  multiregistry run publish --next-version 1.2.3 --branch main`,
		Args:              cobra.ExactArgs(1),
		ValidArgs:         validArgs,
		RunE:              Run,
		DisableAutoGenTag: true,
	}

	release.RegisterConfigFlag(cmd)
	cmd.Flags().String(FlagCwd, "", "working directory of the release (default: current directory)")
	cmd.Flags().String(FlagBranch, "", "name of the release branch")
	cmd.Flags().String(FlagChannel, "", "distribution channel of the release")
	cmd.Flags().String(FlagNextVersion, "", "semantic version of the release")
	cmd.Flags().String(FlagLastVersion, "", "semantic version of the previous release")
	cmd.Flags().String(FlagMetricsTextfile, "", "write metrics to this file in the prometheus text format after the run")
	cmd.Flags().Duration(FlagPluginShutdownTimeout, PluginShutdownTimeoutDefault,
		"timeout for plugin shutdown. Plugins that do not shut down in time are killed")

	return cmd
}

func Run(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	logger := slogcontext.FromCtx(ctx)

	step, err := lifecycle.ParseStep(args[0])
	if err != nil {
		return err
	}

	rc, err := releaseContext(cmd, logger)
	if err != nil {
		return err
	}

	rf, err := release.Load(cmd)
	if err != nil {
		return err
	}

	factory, err := rf.Plugin.Factory(ctx)
	if err != nil {
		return err
	}

	if path, _ := cmd.Flags().GetString(FlagMetricsTextfile); path != "" {
		defer func() {
			if werr := metrics.WriteTextfile(path); werr != nil {
				err = errors.Join(err, fmt.Errorf("failed to write metrics: %w", werr))
			}
		}()
	}

	cache := instance.NewCache(ctx, factory)
	defer func() {
		timeout, _ := cmd.Flags().GetDuration(FlagPluginShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if serr := cache.Shutdown(shutdownCtx); serr != nil {
			err = errors.Join(err, fmt.Errorf("failed to shut down plugins: %w", serr))
		}
	}()

	logger.DebugContext(ctx, "running release step", "step", step, "registries", rf.Config.IDs())

	return multiplexer.New(cache).Run(ctx, step, &rf.Config, rc)
}

// releaseContext builds the context passed to the plugin from the flags and the process
// environment.
func releaseContext(cmd *cobra.Command, logger *slog.Logger) (*lifecycle.Context, error) {
	cwd, err := cmd.Flags().GetString(FlagCwd)
	if err != nil {
		return nil, err
	}
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("failed to determine working directory: %w", err)
		}
	}

	channel, _ := cmd.Flags().GetString(FlagChannel)
	rc := &lifecycle.Context{
		Logger: logger,
		Env:    Environ(os.Environ()),
		Cwd:    cwd,
	}

	if branch, _ := cmd.Flags().GetString(FlagBranch); branch != "" {
		rc.Branch = &lifecycle.Branch{Name: branch, Channel: channel}
	}

	next, err := releaseFlag(cmd, FlagNextVersion)
	if err != nil {
		return nil, err
	}
	if next != nil {
		next.Channel = channel
		next.GitTag = "v" + next.Version
		next.Name = next.GitTag
		rc.NextRelease = next
	}

	if rc.LastRelease, err = releaseFlag(cmd, FlagLastVersion); err != nil {
		return nil, err
	}

	return rc, nil
}

func releaseFlag(cmd *cobra.Command, name string) (*lifecycle.Release, error) {
	raw, err := cmd.Flags().GetString(name)
	if err != nil || raw == "" {
		return nil, err
	}
	v, err := semver.StrictNewVersion(strings.TrimPrefix(raw, "v"))
	if err != nil {
		return nil, fmt.Errorf("--%s %q is not a semantic version: %w", name, raw, err)
	}
	return &lifecycle.Release{Version: v.String()}, nil
}

// Environ converts an environment in the form of os.Environ into a map.
// Later entries win over earlier ones.
func Environ(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}
