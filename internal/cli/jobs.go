package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()
		return migrate(cmd.Context(), a)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Apply every due installment reconciliation once",
	Example: `  # Retry pending reconciliations from a cron job
  crm reconcile`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		svc, err := a.jobServices()
		if err != nil {
			return err
		}
		res, err := svc.Reconciler.ProcessDue(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "processed=%d applied=%d failed=%d\n", res.Processed, res.Applied, res.Failed)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep-overdue",
	Short: "Flag past-due invoices and installments as overdue once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		svc, err := a.jobServices()
		if err != nil {
			return err
		}
		res, err := svc.Invoices.SweepOverdue(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "invoices=%d installments=%d\n", res.Invoices, res.Installments)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, reconcileCmd, sweepCmd)
}
