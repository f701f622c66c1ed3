// Package cli implements the sqlchat command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose     bool
	noColor     bool
	hideReasons bool
	version     = "dev"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sqlchat",
	Short: "Ask questions about your databases in plain language",
	Long: `sqlchat sends natural-language questions to the SQL agent pipeline and
shows each step of the answer as it streams in: database selection, table
selection, generated SQL and the query result.

Quick Start:
  sqlchat login                           # Store your credentials
  sqlchat ask "how many orders last week"  # Ask one question
  sqlchat chat                            # Ask questions interactively
  sqlchat history                         # Show the conversation`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colors and syntax highlighting")
	rootCmd.PersistentFlags().BoolVar(&hideReasons, "hide-reasons", false, "Hide the reasons reported by each agent")

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}
