package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/trackfill/cmd/history"
	"github.com/tphakala/trackfill/cmd/propagate"
	"github.com/tphakala/trackfill/cmd/serve"
	"github.com/tphakala/trackfill/internal/app"
	"github.com/tphakala/trackfill/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(a *app.App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "trackfill",
		Short:         "Propagate track annotations across video frames",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(rootCmd); err != nil {
		panic(err)
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), a.Build.String())
		},
	}

	rootCmd.AddCommand(
		propagate.Command(a),
		serve.Command(a),
		history.Command(a),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// version needs no configuration
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return initialize(a)
	}

	return rootCmd
}

// initialize loads the settings and brings up the ambient services.
func initialize(a *app.App) error {
	settings, err := conf.Load()
	if err != nil {
		return err
	}
	return a.Init(settings)
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command) error {
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: search the standard locations)")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
