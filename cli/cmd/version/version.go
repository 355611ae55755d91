package version

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"ocm.software/open-component-model/multiregistry/cli/internal/enum"
	"ocm.software/open-component-model/multiregistry/cli/internal/version"
)

const (
	FlagFormat            = "format"
	FlagFormatShortHand   = "o"
	FlagFormatJSON        = "json"
	FlagFormatYAML        = "yaml"
	FlagFormatGoBuildInfo = "gobuildinfo"
)

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Retrieve the version of multiregistry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := enum.Get(cmd.Flags(), FlagFormat)
			if err != nil {
				return err
			}
			switch format {
			case FlagFormatGoBuildInfo:
				bi, ok := debug.ReadBuildInfo()
				if !ok {
					return fmt.Errorf("no build info available")
				}
				_, err = io.Copy(cmd.OutOrStdout(), strings.NewReader(bi.String()))
				return err
			}

			info, err := version.Get()
			if err != nil {
				return err
			}
			if format == FlagFormatYAML {
				data, err := yaml.Marshal(info)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(info)
		},
		DisableAutoGenTag: true,
		SilenceUsage:      true,
	}

	enum.VarP(cmd.Flags(), FlagFormat, FlagFormatShortHand, []string{FlagFormatJSON, FlagFormatYAML, FlagFormatGoBuildInfo}, "format of the version information")
	return cmd
}
