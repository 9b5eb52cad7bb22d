package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/mnemod/mnemod/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _ __ ___  _ __   ___ _ __ ___   ___   __| |\n" +
		" | '_ ` _ \\| '_ \\ / _ \\ '_ ` _ \\ / _ \\ / _` |\n" +
		" | | | | | | | | |  __/ | | | | | (_) | (_| |\n" +
		" |_| |_| |_|_| |_|\\___|_| |_| |_|\\___/ \\__,_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "mnemod",
	Short: "mnemod - passive memory daemon for coding agents",
	Long: color.CyanString(logo) +
		"\nA local daemon that watches coding-session events, distills them into\ndurable memories, and serves them back under a token budget.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(parkedCmd)
}
