// Command docflow runs and operates document summary workflows outside the
// Functions runtime: it can watch the input bucket, start or resume single
// instances, recover every unfinished instance, and print instance state.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Lllllllleong/documentsummaryflow/internal/config"
	"github.com/Lllllllleong/documentsummaryflow/internal/pipeline"
	"github.com/Lllllllleong/documentsummaryflow/internal/trigger"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "docflow",
		Short:        "Operate the PDF summary workflow",
		SilenceUsage: true,
	}
	root.AddCommand(newWatchCmd(), newRunCmd(), newResumeCmd(), newRecoverCmd(), newStatusCmd())
	return root
}

// withPipeline loads configuration, builds the pipeline with build and runs fn
// with a context cancelled on SIGINT/SIGTERM.
func withPipeline(build func(p *pipeline.Pipeline, ctx context.Context) error, fn func(ctx context.Context, p *pipeline.Pipeline) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()
	if err := build(p, ctx); err != nil {
		return err
	}
	return fn(ctx, p)
}

func newWatchCmd() *cobra.Command {
	var (
		interval     time.Duration
		concurrency  int
		backfill     time.Duration
		recoverFirst bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the input bucket and start a workflow for every new object",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline((*pipeline.Pipeline).WithListener, func(ctx context.Context, p *pipeline.Pipeline) error {
				if recoverFirst && p.Engine != nil {
					if _, err := p.Engine.ResumePending(ctx); err != nil {
						slog.Error("Recovery before watch failed", "error", err)
					}
				}
				wcfg := trigger.WatcherConfig{PollInterval: interval, Concurrency: concurrency}
				if backfill > 0 {
					wcfg.Since = time.Now().Add(-backfill)
				}
				err := p.Watcher(wcfg).Run(ctx)
				if ctx.Err() != nil {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", trigger.DefaultPollInterval, "polling interval")
	cmd.Flags().IntVar(&concurrency, "concurrency", trigger.DefaultConcurrency, "workflows started in parallel per sweep")
	cmd.Flags().DurationVar(&backfill, "backfill", 0, "also process objects created within this window before start")
	cmd.Flags().BoolVar(&recoverFirst, "recover", true, "resume unfinished instances before watching")
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <objectId>",
		Short: "Start a workflow for an object already in the input bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline((*pipeline.Pipeline).WithEngine, func(ctx context.Context, p *pipeline.Pipeline) error {
				inst, err := p.Engine.Start(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, inst)
			})
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <instanceId>",
		Short: "Resume one workflow instance from its recorded history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline((*pipeline.Pipeline).WithEngine, func(ctx context.Context, p *pipeline.Pipeline) error {
				inst, err := p.Engine.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, inst)
			})
		},
	}
}

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resume every unfinished workflow instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline((*pipeline.Pipeline).WithEngine, func(ctx context.Context, p *pipeline.Pipeline) error {
				n, err := p.Engine.ResumePending(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "resumed %d instance(s)\n", n)
				return err
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <instanceId>",
		Short: "Print the stored state of a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline((*pipeline.Pipeline).WithEngine, func(ctx context.Context, p *pipeline.Pipeline) error {
				inst, err := p.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, inst)
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
