package plan

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"ocm.software/open-component-model/multiregistry/cli/cmd/run"
	"ocm.software/open-component-model/multiregistry/cli/internal/enum"
	"ocm.software/open-component-model/multiregistry/cli/internal/release"
	"ocm.software/open-component-model/multiregistry/multiplexer"
)

const (
	FlagOutput = "output"

	OutputFormatTable = "table"
	OutputFormatJSON  = "json"
	OutputFormatYAML  = "yaml"
)

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what every registry would receive without starting a plugin",
		Long: `Show, per registry and in processing order, the names of the options the plugin would
receive and the environment variables that are replaced by registry specific values.
Values are never printed.`,
		Example: `  # show the plan as table
  multiregistry plan --config release.yaml

  # show the plan as JSON
  multiregistry plan -o json`,
		Args:              cobra.NoArgs,
		RunE:              Plan,
		DisableAutoGenTag: true,
	}

	release.RegisterConfigFlag(cmd)
	enum.VarP(cmd.Flags(), FlagOutput, "o", []string{OutputFormatTable, OutputFormatJSON, OutputFormatYAML}, "output format of the plan")

	return cmd
}

// Entry is the printed form of a multiplexer.Invocation.
type Entry struct {
	Registry     string   `json:"registry"`
	Options      []string `json:"options"`
	EnvOverrides []string `json:"envOverrides,omitempty"`
}

func Plan(cmd *cobra.Command, _ []string) error {
	output, err := enum.Get(cmd.Flags(), FlagOutput)
	if err != nil {
		return fmt.Errorf("getting output flag failed: %w", err)
	}

	rf, err := release.Load(cmd)
	if err != nil {
		return err
	}
	// the backend is checked even though no instance is created
	if err := rf.Plugin.Validate(); err != nil {
		return err
	}

	invocations := multiplexer.New(nil).Plan(&rf.Config, run.Environ(os.Environ()))
	entries := make([]Entry, 0, len(invocations))
	for _, inv := range invocations {
		entries = append(entries, Entry{
			Registry:     inv.Registry,
			Options:      inv.OptionKeys(),
			EnvOverrides: inv.EnvOverrides,
		})
	}

	return render(cmd.OutOrStdout(), output, entries)
}

func render(w io.Writer, format string, entries []Entry) error {
	switch format {
	case OutputFormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	case OutputFormatYAML:
		data, err := yaml.Marshal(entries)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case OutputFormatTable:
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.AppendHeader(table.Row{"#", "Registry", "Options", "Environment Overrides"})
		for i, e := range entries {
			t.AppendRow(table.Row{i + 1, e.Registry, strings.Join(e.Options, ", "), strings.Join(e.EnvOverrides, ", ")})
		}
		style := table.StyleLight
		style.Options.DrawBorder = false
		t.SetStyle(style)
		t.Render()
		return nil
	default:
		return fmt.Errorf("invalid output format %q", format)
	}
}
