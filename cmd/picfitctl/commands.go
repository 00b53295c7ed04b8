package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"picfit/internal/app"
	"picfit/internal/model"

	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep [timeout_minutes]",
		Short: "Fail and refund jobs stuck in processing",
		Long: `Fail every job that has been processing for longer than the timeout and
refund its credits. Without an argument the configured
business.stuck_job_timeout_minutes is used. Exits non-zero on error.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				timeout := a.Config.Business.StuckJobTimeout()
				if len(args) == 1 {
					minutes, err := strconv.Atoi(args[0])
					if err != nil || minutes <= 0 {
						return fmt.Errorf("timeout_minutes must be a positive integer, got %q", args[0])
					}
					timeout = time.Duration(minutes) * time.Minute
				}

				n, err := a.Reconciler.Sweep(ctx, timeout)
				fmt.Printf("resolved %d stuck job(s) older than %s\n", n, timeout)
				return err
			})
		},
	}
}

func statsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts and success rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stats, err := a.Stats.JobStats(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(stats)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "STATUS\tCOUNT")
				statuses := make([]string, 0, len(stats.ByStatus))
				for s := range stats.ByStatus {
					statuses = append(statuses, s)
				}
				sort.Strings(statuses)
				for _, s := range statuses {
					fmt.Fprintf(w, "%s\t%d\n", s, stats.ByStatus[s])
				}
				fmt.Fprintf(w, "total\t%d\n", stats.Total)
				if err := w.Flush(); err != nil {
					return err
				}

				fmt.Printf("\nlast 24h: %d jobs, %d completed, %d failed, success rate %.1f%%\n",
					stats.Last24hTotal, stats.Last24hCompleted, stats.Last24hFailed, stats.Last24hSuccess*100)
				fmt.Printf("avg processing: %.0f ms\n", stats.AvgProcessingMs)
				fmt.Printf("outbox: %d pending, %d failed\n", stats.OutboxPending, stats.OutboxFailed)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func failuresCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List the most recent failed jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				jobs, err := a.Stats.RecentFailures(ctx, limit)
				if err != nil {
					return err
				}
				return printJobs(jobs, func(j *model.GenerationJob) string { return j.ErrorMessage })
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum jobs")
	return cmd
}

func processingCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "processing",
		Short: "List jobs currently processing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				jobs, err := a.Stats.Processing(ctx, limit)
				if err != nil {
					return err
				}
				now := time.Now().UTC()
				return printJobs(jobs, func(j *model.GenerationJob) string {
					if j.StartedAt == nil {
						return ""
					}
					return "running " + now.Sub(*j.StartedAt).Truncate(time.Second).String()
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum jobs")
	return cmd
}

func grantCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "grant <account> <credits>",
		Short: "Credit bonus credits to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			credits, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || credits <= 0 {
				return fmt.Errorf("credits must be a positive integer, got %q", args[1])
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				txnNo, err := a.Ledger.GrantBonus(ctx, args[0], credits, note)
				if err != nil {
					return err
				}
				balance, err := a.Ledger.GetBalance(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("granted %d credit(s) to %s (%s), balance now %d\n", credits, args[0], txnNo, balance)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "transaction description")
	return cmd
}

func processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process [limit]",
		Short: "Run queued jobs once",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit := 10
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("limit must be a positive integer, got %q", args[0])
				}
				limit = n
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Generation.ProcessQueued(ctx, limit)
				fmt.Printf("processed %d queued job(s)\n", n)
				return err
			})
		},
	}
}

func printJobs(jobs []*model.GenerationJob, detail func(*model.GenerationJob) string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tACCOUNT\tSTATUS\tCOST\tCREATED\tDETAIL")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			j.JobNo, j.AccountID, j.Status, j.Cost, j.CreatedAt.Format(time.RFC3339), detail(j))
	}
	return w.Flush()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
