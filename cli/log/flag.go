// Package log configures the process logger from command line flags.
package log

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"ocm.software/open-component-model/multiregistry/cli/internal/enum"
)

const (
	FlagLevel  = "loglevel"
	FlagFormat = "logformat"
	FlagFilter = "logfilter"
)

func RegisterLoggingFlags(cmd *cobra.Command) {
	enum.Var(cmd.PersistentFlags(), FlagLevel, []string{
		"info",
		"debug",
		"warn",
		"error",
	}, "set the log level")
	enum.VarP(cmd.PersistentFlags(), FlagFormat, "f", []string{"text", "json"}, "set the log format")
	cmd.PersistentFlags().StringSlice(FlagFilter, nil,
		`raise the log level of a realm, e.g. "binary=warn" hides the output of plugin processes`)
}

// GetBaseLogger builds the logger selected by the logging flags. Logs are written to stderr,
// stdout is reserved for command output.
func GetBaseLogger(cmd *cobra.Command) (*slog.Logger, error) {
	level, err := GetLoggerLevel(cmd)
	if err != nil {
		return nil, err
	}

	format, err := enum.Get(cmd.Flags(), FlagFormat)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(cmd.ErrOrStderr(), opts)
	case "text":
		handler = slog.NewTextHandler(cmd.ErrOrStderr(), opts)
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	filters, err := cmd.Flags().GetStringSlice(FlagFilter)
	if err != nil {
		return nil, err
	}
	if len(filters) > 0 {
		levels, err := ParseRealmLevels(filters...)
		if err != nil {
			return nil, err
		}
		handler = NewRealmFilter(handler, levels)
	}

	return slog.New(handler), nil
}

func GetLoggerLevel(cmd *cobra.Command) (slog.Level, error) {
	logLevel, err := enum.Get(cmd.Flags(), FlagLevel)
	if err != nil {
		return slog.LevelInfo, err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", logLevel)
	}
	return level, nil
}
