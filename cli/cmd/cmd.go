package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	slogcontext "github.com/veqryn/slog-context"

	_ "ocm.software/open-component-model/multiregistry/builtin/exec" // register builtin plugins
	"ocm.software/open-component-model/multiregistry/cli/cmd/plan"
	"ocm.software/open-component-model/multiregistry/cli/cmd/run"
	"ocm.software/open-component-model/multiregistry/cli/cmd/schema"
	"ocm.software/open-component-model/multiregistry/cli/cmd/version"
	"ocm.software/open-component-model/multiregistry/cli/log"
)

// Execute runs the root command until it finishes or the process is interrupted.
// This is called by main.main().
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := New().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "multiregistry [sub-command]",
		Short: "Publish a release to several registries with one plugin",
		Long: `multiregistry runs the release steps of a publishing plugin once for every configured
registry. Every registry gets its own plugin instance, its own configuration fragment and its
own credentials, taken from <REGISTRY>_<VAR> environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: PreRunE,
		DisableAutoGenTag: true,
		SilenceUsage:      true,
	}

	log.RegisterLoggingFlags(cmd)

	cmd.AddCommand(run.New())
	cmd.AddCommand(plan.New())
	cmd.AddCommand(schema.New())
	cmd.AddCommand(version.New())

	return cmd
}

// PreRunE installs the logger selected on the command line as default logger and attaches it
// to the command context.
func PreRunE(cmd *cobra.Command, _ []string) error {
	logger, err := log.GetBaseLogger(cmd)
	if err != nil {
		return fmt.Errorf("could not retrieve logger: %w", err)
	}
	slog.SetDefault(logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(slogcontext.NewCtx(ctx, logger))
	return nil
}
