package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "acctintel",
	Short: "Analyze company accounts against the account intelligence service",
	Long: `acctintel submits company websites to the account intelligence service,
follows each analysis until its result is ready and keeps the conversation
history locally.

Examples:
  acctintel analyze acme.io --industry Technology
  acctintel chats list
  acctintel serve --mcp`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(analysesCmd)
	rootCmd.AddCommand(dashboardCmd)
	rootCmd.AddCommand(insightsCmd)
	rootCmd.AddCommand(submissionsCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
