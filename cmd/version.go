package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/camserver/internal/version"
)

func NewVersionCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Info()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintf(out, "camserver version %s, build %s\n", info["Version"], info["GitCommit"])
			fmt.Fprintf(out, "Built:      %s\n", info["FormattedTime"])
			fmt.Fprintf(out, "Go version: %s\n", info["GoVersion"])
			fmt.Fprintf(out, "OS/Arch:    %s/%s\n", info["OS"], info["Arch"])
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}
