package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	var verbose bool

	app := newApp(&configFlag, &verbose)

	rootCmd := &cobra.Command{
		Use:           "archiver",
		Short:         "Generate WebVTT, TTML and SMIL captions for archived recordings",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (defaults to $CONFIG_PATH)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newRunCommand(app))
	rootCmd.AddCommand(newServeCommand(app))
	rootCmd.AddCommand(newEnqueueCommand(app))
	rootCmd.AddCommand(newWorkerCommand(app))
	rootCmd.AddCommand(newReportCommand(app))

	return rootCmd
}
