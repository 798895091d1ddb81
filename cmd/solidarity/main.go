// Command solidarity inspects and pays into a SolidarityEconomy contract
// from the terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"solidarity/internal/app"
	"solidarity/internal/balance"
	"solidarity/internal/config"
	"solidarity/internal/logging"
	"solidarity/internal/metrics"
	"solidarity/internal/txn"
	"solidarity/internal/units"
	"solidarity/internal/view"
)

var (
	verbose bool
	watch   bool

	cfg    *config.AppConfig
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "solidarity",
	Short:         "Solidarity Economy payment splitter client",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if verbose {
			cfg.Log.Level = "debug"
			cfg.Log.Format = "console"
		} else if cfg.Log.File == "" {
			cfg.Log.Level = "warn"
		}
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show balances, shares and what you can withdraw",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, runner *app.Runner, rt *app.Runtime) error {
			if _, err := refresh(ctx, rt); err != nil {
				return err
			}
			if err := render(cmd.OutOrStdout(), rt); err != nil {
				return err
			}
			if watch {
				return follow(cmd.Context(), cmd.OutOrStdout(), runner, rt)
			}
			return nil
		})
	},
}

var payCmd = &cobra.Command{
	Use:   "pay <amount>",
	Short: "Pay an amount of ether into the contract",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, _ *app.Runner, rt *app.Runtime) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Payment pending...")
			res, err := rt.Submitter.SubmitPayment(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Paid %s ETH in block %d (tx %s)\n", units.FormatEther(res.Value), res.Block, res.TxHash)
			return settle(ctx, out, rt)
		})
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Withdraw your share of the contributions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, _ *app.Runner, rt *app.Runtime) error {
			out := cmd.OutOrStdout()
			if _, err := refresh(ctx, rt); err != nil {
				return err
			}
			fmt.Fprintln(out, "Withdrawal pending...")
			res, err := rt.Submitter.SubmitRelease(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Released in block %d (tx %s)\n", res.Block, res.TxHash)
			return settle(ctx, out, rt)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	statusCmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep printing as balances change")

	rootCmd.AddCommand(statusCmd, payCmd, releaseCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", describe(err))
		stop()
		os.Exit(1)
	}
}

// withRuntime runs fn against the first wallet session. A connection
// failure is rendered as the banner and returned.
func withRuntime(cmd *cobra.Command, fn func(context.Context, *app.Runner, *app.Runtime) error) error {
	ctx := cmd.Context()
	runner, err := app.FromConfig(cfg, logger, metrics.New())
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runner.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
	defer waitCancel()
	rt, err := runner.Wait(waitCtx)
	if err != nil {
		_ = view.Render(cmd.OutOrStdout(), view.Page{Banner: describe(err)})
		return err
	}
	return fn(rt.Context(), runner, rt)
}

func refresh(ctx context.Context, rt *app.Runtime) (*balance.Snapshot, error) {
	rctx, cancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
	defer cancel()
	return rt.Balances.Refresh(rctx)
}

// settle re-reads balances after a mined transaction and prints them.
func settle(ctx context.Context, out io.Writer, rt *app.Runtime) error {
	if _, err := refresh(ctx, rt); err != nil {
		logger.Warn("refresh after transaction failed", zap.Error(err))
	}
	return render(out, rt)
}

func render(out io.Writer, rt *app.Runtime) error {
	status := rt.Submitter.Status()
	return view.Render(out, view.Page{
		Connected:      true,
		Account:        rt.Address.Hex(),
		Description:    rt.Description,
		View:           view.Compute(rt.Balances.Current()),
		PaymentPending: status.Payment.Phase == txn.PhasePending,
		ReleasePending: status.Release.Phase == txn.PhasePending,
	})
}

// follow reprints on every published snapshot. When the session is
// replaced after an account or network change it waits for the next one
// and carries on until ctx ends.
func follow(ctx context.Context, out io.Writer, runner *app.Runner, rt *app.Runtime) error {
	for {
		updates := rt.Balances.Updates()
		select {
		case <-ctx.Done():
			return nil
		case <-updates:
			fmt.Fprintln(out)
			if err := render(out, rt); err != nil {
				return err
			}
			continue
		case <-rt.Context().Done():
		}

		fmt.Fprintln(out, "\nWallet changed, reconnecting...")
		next, err := runner.Next(ctx, rt)
		if err != nil {
			return nil
		}
		rt = next
		if _, err := refresh(rt.Context(), rt); err != nil {
			logger.Warn("refresh after reconnect failed", zap.Error(err))
		}
		if err := render(out, rt); err != nil {
			return err
		}
	}
}

func describe(err error) string {
	if errors.Is(err, app.ErrNotConnected) {
		return view.ConnectBanner
	}
	return err.Error()
}
