package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/user"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/smartprospect/backend/internal/orchestrator"
)

func newCreditsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Operator tools for the credit ledger",
	}
	cmd.AddCommand(newCreditsAdjustCommand(a))
	cmd.AddCommand(newCreditsRedactCommand(a))
	return cmd
}

func newCreditsAdjustCommand(a *app) *cobra.Command {
	var (
		account   string
		delta     int64
		note      string
		reference string
	)
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Credit or debit an account with a manual adjustment",
		Example: `  smartprospect credits adjust --account jane@example.com --delta 100 --note "goodwill for outage"
  smartprospect credits adjust --account 3f0c... --delta -20 --note "duplicate grant" --reference TICKET-42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, pool, err := a.postgresOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			id, err := resolveAccount(ctx, svc, account)
			if err != nil {
				return err
			}
			entry, err := svc.AdjustCredits(ctx, orchestrator.Adjustment{
				AccountID: id,
				Delta:     delta,
				Note:      note,
				Actor:     operator(),
				Reference: reference,
			})
			if err != nil {
				return err
			}
			balance, err := svc.Balance(ctx, id)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{"entry": entry, "balance": balance})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account id or email")
	cmd.Flags().Int64Var(&delta, "delta", 0, "signed credit amount; negative debits")
	cmd.Flags().StringVar(&note, "note", "", "reason recorded on the entry")
	cmd.Flags().StringVar(&reference, "reference", "", "external reference making the adjustment idempotent")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("delta")
	_ = cmd.MarkFlagRequired("note")
	return cmd
}

func newCreditsRedactCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "redact <entry-id>",
		Short: "Soft-delete a ledger entry so it no longer counts toward the balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid entry id %q: %w", args[0], err)
			}
			ctx := cmd.Context()
			svc, pool, err := a.postgresOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := svc.RedactLedgerEntry(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "redacted %s\n", id)
			return nil
		},
	}
}

func resolveAccount(ctx context.Context, svc *orchestrator.Service, ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		if _, err := svc.GetAccount(ctx, id); err != nil {
			return uuid.Nil, fmt.Errorf("account %s: %w", id, err)
		}
		return id, nil
	}
	acc, err := svc.GetAccountByEmail(ctx, ref)
	if err != nil {
		return uuid.Nil, fmt.Errorf("account %q: %w", ref, err)
	}
	return acc.ID, nil
}

func operator() string {
	if u, err := user.Current(); err == nil {
		return "operator:" + u.Username
	}
	return "operator"
}
