package schema

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"ocm.software/open-component-model/multiregistry/cli/internal/enum"
	"ocm.software/open-component-model/multiregistry/config"
)

const FlagOutput = "output"

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of release files",
		Example: `  # use the schema in an editor
  multiregistry schema > release.schema.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			output, err := enum.Get(cmd.Flags(), FlagOutput)
			if err != nil {
				return fmt.Errorf("getting output flag failed: %w", err)
			}

			data, err := json.MarshalIndent(config.JSONSchema(), "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal schema: %w", err)
			}
			if output == "yaml" {
				if data, err = yaml.JSONToYAML(data); err != nil {
					return err
				}
			} else {
				data = append(data, '\n')
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
		DisableAutoGenTag: true,
	}

	enum.VarP(cmd.Flags(), FlagOutput, "o", []string{"json", "yaml"}, "output format of the schema")
	return cmd
}
