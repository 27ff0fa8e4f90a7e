// Command padlink demonstrates the DSU library: a demo server publishing a
// synthetic controller, a client that prints events, and a websocket bridge.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "padlink",
	Short: "DSU (Cemuhook) gamepad-motion protocol tools",
	Long: `Tools built on the padlink DSU library: a demo server that publishes a
synthetic controller, a watcher that subscribes to a server and prints
events, and a websocket bridge for browsers.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("padlink version %s (commit %s)\n", version, commit)
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show debug logs")
	rootCmd.AddCommand(versionCmd, serveCmd, watchCmd, bridgeCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
}
