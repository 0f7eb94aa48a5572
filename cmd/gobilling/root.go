package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

const readHeaderTimeout = 10 * time.Second

type rootOptions struct {
	configFile string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "gobilling",
		Short:         "Billing orchestration service",
		Long:          "gobilling keeps subscription contracts, invoices and credits in step with the subscription and payment providers, and ingests their webhooks.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading GOBILLING_* variables")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newStatusCmd(opts),
		newChangeTierCmd(opts),
		newCancelCmd(opts),
		newReactivateCmd(opts),
		newReplayCmd(opts),
		newCatalogCmd(),
	)
	return rootCmd
}

// withApp loads configuration, wires the service and runs fn with it
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(opts.configFile, opts.envFile)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := wireApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook ingress, admin API and scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return withApp(cmd, opts, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	handler, err := a.router()
	if err != nil {
		return err
	}

	jobs, err := a.scheduler(ctx)
	if err != nil {
		return fmt.Errorf("schedule jobs: %w", err)
	}
	jobs.Start()
	defer func() {
		<-jobs.Stop().Done()
	}()

	srv := &http.Server{
		Addr:              a.config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Str("storage", a.config.Storage.Backend).Msg("Billing service listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <entity-id>",
		Short: "Show an entity's active contract and credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				status, err := a.manager.GetSubscriptionStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd, status)
			})
		},
	}
}

func newChangeTierCmd(opts *rootOptions) *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:   "change-tier <entity-id> <tier>",
		Short: "Move an entity to another tier, prorating the remaining period",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := gobilling.ParseTier(args[1])
			if err != nil {
				return err
			}
			billingPeriod, err := gobilling.ParseBillingPeriod(period)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				result, err := a.manager.ChangeTier(ctx, args[0], tier, billingPeriod)
				if err != nil {
					return err
				}
				return writeJSON(cmd, result)
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "billing period (monthly or yearly); empty keeps the current one")
	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <entity-id>",
		Short: "Cancel an entity's active contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				contract, err := a.manager.CancelSubscription(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd, contract)
			})
		},
	}
}

func newReactivateCmd(opts *rootOptions) *cobra.Command {
	var tierFlag, period string
	cmd := &cobra.Command{
		Use:   "reactivate <entity-id>",
		Short: "Start a new contract for an entity whose contract ended",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tier gobilling.Tier
			if tierFlag != "" {
				var err error
				if tier, err = gobilling.ParseTier(tierFlag); err != nil {
					return err
				}
			}
			billingPeriod, err := gobilling.ParseBillingPeriod(period)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				contract, err := a.manager.ReactivateSubscription(ctx, args[0], tier, billingPeriod)
				if err != nil {
					return err
				}
				return writeJSON(cmd, contract)
			})
		},
	}
	cmd.Flags().StringVar(&tierFlag, "tier", "", "tier of the new contract; empty reuses the last one")
	cmd.Flags().StringVar(&period, "period", "", "billing period; empty reuses the last one")
	return cmd
}

func newReplayCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay-failed",
		Short: "Re-run every dead-lettered webhook event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				result, err := a.processor.ReplayFailed(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd, map[string]int{"replayed": result.Replayed, "failed": result.Failed})
			})
		},
	}
}

func newCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Print the tier catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog := gobilling.DefaultCatalog()
			out := make([]gobilling.TierConfig, 0, len(catalog.Tiers()))
			for _, tier := range catalog.Tiers() {
				cfg, err := catalog.Get(tier)
				if err != nil {
					return err
				}
				out = append(out, cfg)
			}
			return writeJSON(cmd, out)
		},
	}
}
