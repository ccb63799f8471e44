package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newReconcileCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep over stuck workflow jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, pool, err := a.postgresOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			report, err := svc.Reconcile(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(report); encErr != nil {
				return encErr
			}
			return err
		},
	}
}
