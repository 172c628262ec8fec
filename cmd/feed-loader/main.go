package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"iocingest/internal/app"
	"iocingest/internal/common"
	"iocingest/internal/config"
	"iocingest/internal/logging"
	"iocingest/internal/normalize"
)

var envFile string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "feed-loader",
		Short:        "One-shot IOC feed ingestion and normalization",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file read before the environment")

	root.AddCommand(&cobra.Command{
		Use:   "run [tier]",
		Short: "Run one tier cycle, or every tier when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer, args []string) error {
			if len(args) == 0 {
				sums, err := a.Service.TriggerIngestion(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, sums)
			}
			tier := common.Tier(args[0])
			if !tier.IsValid() {
				return fmt.Errorf("unknown tier %q (want one of %v)", args[0], common.Tiers)
			}
			sum, err := a.Service.RunCycle(ctx, tier)
			if err != nil {
				return err
			}
			return printJSON(out, sum)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "fetch <source-key>",
		Short: "Fetch one source now, ignoring its TTL",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer, args []string) error {
			res, err := a.Service.ForceFetch(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(out, res)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "normalize [task]",
		Short: "Run a normalizer task: ip, threat, phishing, software or all",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer, args []string) error {
			task := normalize.TaskAll
			if len(args) == 1 {
				task = normalize.Task(args[0])
			}
			rep, err := a.Service.Normalize(ctx, task)
			if err != nil {
				return err
			}
			return printJSON(out, rep)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show fetch tracking state per source",
		Args:  cobra.NoArgs,
		RunE: withApp(func(_ context.Context, a *app.App, out io.Writer, _ []string) error {
			st, err := a.Service.FetchStatus()
			if err != nil {
				return err
			}
			return printJSON(out, st)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show indicator store and normalized artifact statistics",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
			st, err := a.Service.Stats(ctx)
			if err != nil {
				return err
			}
			ns, err := a.Service.NormalizeStats()
			if err != nil {
				return err
			}
			return printJSON(out, map[string]any{"indicators": st, "normalized": ns})
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "reset-tracking",
		Short: "Forget normalized files so the next run reprocesses everything",
		Args:  cobra.NoArgs,
		RunE: withApp(func(_ context.Context, a *app.App, out io.Writer, _ []string) error {
			if err := a.Service.ResetNormalizeTracking(); err != nil {
				return err
			}
			_, err := fmt.Fprintln(out, "normalize tracking reset")
			return err
		}),
	})

	return root
}

type appFunc func(ctx context.Context, a *app.App, out io.Writer, args []string) error

// withApp loads configuration and wires the service before running fn.
func withApp(fn appFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		logger := logging.InitWriter(cmd.ErrOrStderr(), "feed-loader", cfg.LogFormat, cfg.LogLevel)
		a, err := app.Build(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, cmd.OutOrStdout(), args)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
