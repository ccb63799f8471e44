package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/smartprospect/backend/internal/auth"
	"github.com/smartprospect/backend/internal/execution"
	"github.com/smartprospect/backend/internal/handlers"
	"github.com/smartprospect/backend/internal/metrics"
	"github.com/smartprospect/backend/internal/orchestrator"
	"github.com/smartprospect/backend/internal/payments"
	"github.com/smartprospect/backend/internal/router"
	"github.com/smartprospect/backend/internal/store"
	"github.com/smartprospect/backend/internal/store/memstore"
	"github.com/smartprospect/backend/internal/store/postgres"
	"github.com/smartprospect/backend/internal/workflow"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(a *app) *cobra.Command {
	var memory bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconciliation sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.ValidateServe(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, memory)
		},
	}
	cmd.Flags().BoolVar(&memory, "memory", false, "keep all state in memory (local development only)")
	return cmd
}

func (a *app) serve(ctx context.Context, memory bool) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	var (
		st        store.Store
		scheduler func(context.Context, *orchestrator.Service) (start func(context.Context) error, err error)
	)
	if memory {
		a.logger.Warn("running with in-memory state; nothing survives a restart")
		st = memstore.New()
		scheduler = a.tickerSweep
	} else {
		pool, err := a.openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()
		st = postgres.New(pool, 5, a.logger)
		scheduler = func(ctx context.Context, svc *orchestrator.Service) (func(context.Context) error, error) {
			client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
				Queues: map[string]river.QueueConfig{
					river.QueueDefault: {MaxWorkers: 2},
				},
				Workers:      execution.Workers(svc, a.cfg.ReconcileInterval, a.logger),
				PeriodicJobs: []*river.PeriodicJob{execution.PeriodicReconcile(a.cfg.ReconcileInterval)},
				Logger:       a.logger,
			})
			if err != nil {
				return nil, fmt.Errorf("create river client: %w", err)
			}
			return func(ctx context.Context) error {
				// Shutdown goes through Stop so running sweeps can finish.
				if err := client.Start(context.WithoutCancel(ctx)); err != nil {
					return fmt.Errorf("start river: %w", err)
				}
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return client.Stop(stopCtx)
			}, nil
		}
	}

	var (
		checkout orchestrator.CheckoutProvider
		events   handlers.PaymentEvents
		tiers    handlers.TierLister
	)
	if a.cfg.StripeSecretKey != "" || a.cfg.StripeWebhookSecret != "" {
		pay := payments.NewClient(payments.Config{
			SecretKey:     a.cfg.StripeSecretKey,
			WebhookSecret: a.cfg.StripeWebhookSecret,
			SuccessURL:    a.cfg.AppURL + "/credits?checkout=success",
			CancelURL:     a.cfg.AppURL + "/credits?checkout=cancelled",
			Tiers: payments.DefaultTiers(
				a.cfg.StripePriceCredits["credits_50"],
				a.cfg.StripePriceCredits["credits_100"],
				a.cfg.StripePriceCredits["credits_200"],
			),
		}, a.logger)
		checkout, events, tiers = pay, pay, pay
	} else {
		a.logger.Warn("stripe is not configured; checkout and payment webhooks are disabled")
	}

	svc := a.orchestrator(st, checkout, rec)
	parser, err := workflow.NewParser()
	if err != nil {
		return fmt.Errorf("compile callback schemas: %w", err)
	}
	authSvc := auth.NewService(svc, a.cfg.JWTSecret, 24*time.Hour)

	mux := router.New(router.Deps{
		Auth:           auth.NewHandler(authSvc, a.logger),
		Tokens:         authSvc,
		Campaigns:      &handlers.CampaignHandler{Svc: svc, Logger: a.logger},
		Credits:        &handlers.CreditHandler{Svc: svc, Tiers: tiers, Logger: a.logger},
		Webhooks:       &handlers.WebhookHandler{Svc: svc, Payments: events, Parser: parser, Logger: a.logger},
		CallbackSecret: a.cfg.WorkflowCallbackSecret,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   a.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(mux)

	srv := &http.Server{
		Addr:              "0.0.0.0:" + a.cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweep, err := scheduler(ctx, svc)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return sweep(gctx) })

	err = g.Wait()
	a.logger.Info("server stopped")
	return err
}

// tickerSweep runs the reconciliation sweep in-process when there is no
// database for river to schedule it on.
func (a *app) tickerSweep(_ context.Context, svc *orchestrator.Service) (func(context.Context) error, error) {
	return func(ctx context.Context) error {
		t := time.NewTicker(a.cfg.ReconcileInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if _, err := svc.Reconcile(ctx); err != nil {
					a.logger.ErrorContext(ctx, "reconciliation sweep failed", "error", err)
				}
			}
		}
	}, nil
}
