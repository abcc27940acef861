package cmd

import (
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/camserver/config"
	"github.com/babelcloud/gbox/packages/camserver/internal/util"
)

// NewRootCmd builds the camserver command tree.
func NewRootCmd() *cobra.Command {
	var (
		verbose    bool
		configFile string
	)

	rootCmd := &cobra.Command{
		Use:   "camserver",
		Short: "Camera frame server",
		Long: `camserver distributes frames from camera sources to in-process sinks and streams them
to browsers over HTTP multipart MJPEG and WebSocket.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			util.InitLoggerWithWriter(cmd.OutOrStdout(), verbose)
			if configFile != "" {
				return config.UseConfigFile(configFile)
			}
			return config.LoadError()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flags.StringVar(&configFile, "config", "", "Config file (default: camserver.yaml in ., $XDG_CONFIG_HOME/camserver, /etc/camserver)")

	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewStreamsCmd())
	rootCmd.AddCommand(NewConfigCmd())
	rootCmd.AddCommand(NewVersionCmd())
	return rootCmd
}

func Execute() error {
	return NewRootCmd().Execute()
}
