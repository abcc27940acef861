package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/camserver/config"
)

func NewConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if f := config.ConfigFileUsed(); f != "" {
				fmt.Fprintf(out, "# loaded from %s\n", f)
			}
			return config.DumpTOML(out)
		},
		Example: `  # Show settings after env and config file overrides
  camserver config

  # Show settings of a specific file
  camserver config --config ./camserver.yaml`,
	}
}
