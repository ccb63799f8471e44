package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/smartprospect/backend/internal/config"
	"github.com/smartprospect/backend/internal/metrics"
	"github.com/smartprospect/backend/internal/orchestrator"
	"github.com/smartprospect/backend/internal/store"
	"github.com/smartprospect/backend/internal/store/postgres"
	"github.com/smartprospect/backend/internal/workflow"
)

// app carries what every subcommand shares once the root has loaded it.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "smartprospect",
		Short:         "SmartProspect campaign orchestrator and credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
			slog.SetDefault(a.logger)
			return nil
		},
	}
	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newMigrateCommand(a))
	cmd.AddCommand(newReconcileCommand(a))
	cmd.AddCommand(newCreditsCommand(a))
	return cmd
}

func (a *app) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	if a.cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot reach PostgreSQL: %w", err)
	}
	a.logger.Info("connected to PostgreSQL")
	return pool, nil
}

func (a *app) workflowClient() *workflow.Client {
	return workflow.NewClient(workflow.Config{
		GenerateURL: a.cfg.WorkflowGenerateURL,
		DispatchURL: a.cfg.WorkflowDispatchURL,
		StatusURL:   a.cfg.WorkflowStatusURL,
		APIToken:    a.cfg.WorkflowAPIToken,
		Timeout:     a.cfg.WorkflowTimeout,
		MaxRetries:  a.cfg.WorkflowMaxRetries,
	}, a.logger)
}

// orchestrator builds the service on st. checkout may be nil.
func (a *app) orchestrator(st store.Store, checkout orchestrator.CheckoutProvider, rec *metrics.Recorder) *orchestrator.Service {
	return orchestrator.New(orchestrator.Config{
		BaseCost:        a.cfg.CampaignBaseCost,
		CostPerProspect: a.cfg.CampaignCostPerProspect,
		MaxProspects:    a.cfg.CampaignMaxProspects,
		SignupBonus:     a.cfg.SignupBonusCredits,
		CallbackBaseURL: a.cfg.PublicBaseURL,
		CallTimeout:     a.cfg.WorkflowTimeout * time.Duration(a.cfg.WorkflowMaxRetries+1),
		JobTTL:          a.cfg.JobTTL,
		JobHardTTL:      a.cfg.JobHardTTL,
		ReconcileBatch:  a.cfg.ReconcileBatch,
	}, orchestrator.Deps{
		Store:    st,
		Workflow: a.workflowClient(),
		Checkout: checkout,
		Metrics:  rec,
		Logger:   a.logger,
	})
}

// postgresOrchestrator opens the database and returns a service backed by it.
// The caller closes the pool.
func (a *app) postgresOrchestrator(ctx context.Context) (*orchestrator.Service, *pgxpool.Pool, error) {
	pool, err := a.openPool(ctx)
	if err != nil {
		return nil, nil, err
	}
	return a.orchestrator(postgres.New(pool, 5, a.logger), nil, nil), pool, nil
}
