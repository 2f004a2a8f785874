// Package cli holds the crm command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

var envFile string

var rootCmd = &cobra.Command{
	Use:   "crm",
	Short: "Client pipeline, invoicing and WhatsApp outreach service",
	Long: `crm runs the HTTP API for the client pipeline, invoicing, installment
reconciliation and bulk WhatsApp messaging, together with the background
workers that retry reconciliations and flag overdue invoices.

Configuration is read from the environment, optionally preloaded from
configs/.env or the file given with --env-file.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load this .env file before reading the environment")
}
