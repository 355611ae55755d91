// Package release provides the flags shared by commands working on a release file.
package release

import (
	"fmt"

	"github.com/spf13/cobra"

	"ocm.software/open-component-model/multiregistry/config"
)

const (
	FlagConfig        = "config"
	FlagConfigDefault = "release.yaml"
)

// RegisterConfigFlag adds the release file flag to cmd.
func RegisterConfigFlag(cmd *cobra.Command) {
	cmd.Flags().StringP(FlagConfig, "c", FlagConfigDefault, "path of the release file (YAML or JSON)")
}

// Load loads the release file named by the config flag of cmd.
func Load(cmd *cobra.Command) (*config.ReleaseFile, error) {
	path, err := cmd.Flags().GetString(FlagConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s flag: %w", FlagConfig, err)
	}
	return config.Load(path)
}
