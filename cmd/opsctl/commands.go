package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"progression-engine/internal/constants"
	"progression-engine/internal/domain"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "Output format: json|text")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Verbose logging")

	rootCmd.AddCommand(seasonCmd(), decayCmd(), receiptsCmd(), violationsCmd())
}

func seasonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "season",
		Short: "Manage ranked seasons",
	}

	var number int
	var duration time.Duration
	start := &cobra.Command{
		Use:   "start",
		Short: "Start a season, ending the active one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, d deps) error {
				season, created, err := d.ranks.StartSeason(ctx, number, duration)
				if err != nil {
					return err
				}
				out := struct {
					domain.Season
					Created bool
				}{season, created}
				return render(cmd, out, func(w io.Writer) {
					verb := "started"
					if !created {
						verb = "already exists:"
					}
					fmt.Fprintf(w, "season %d %s %s (%s to %s)\n", season.Number, verb, season.SeasonID,
						season.StartAt.Format(time.RFC3339), season.EndAt.Format(time.RFC3339))
				})
			})
		},
	}
	start.Flags().IntVar(&number, "number", 0, "Season number")
	start.Flags().DurationVar(&duration, "duration", 720*time.Hour, "Season length")
	_ = start.MarkFlagRequired("number")

	list := &cobra.Command{
		Use:   "list",
		Short: "List seasons",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, d deps) error {
				seasons, err := d.seasons.List(ctx)
				if err != nil {
					return err
				}
				return render(cmd, seasons, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "NUMBER\tID\tSTART\tEND\tACTIVE")
					for _, s := range seasons {
						fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\n", s.Number, s.SeasonID,
							s.StartAt.Format(time.RFC3339), s.EndAt.Format(time.RFC3339), s.Active)
					}
					tw.Flush()
				})
			})
		},
	}

	cmd.AddCommand(start, list)
	return cmd
}

func decayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decay",
		Short: "Rank decay for inactive players",
	}

	var at string
	run := &cobra.Command{
		Use:   "run",
		Short: "Run one decay pass over the active season",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --now: %w", err)
				}
				now = t.UTC()
			}
			return withCore(cmd, func(ctx context.Context, d deps) error {
				report, err := d.ranks.ApplyDecay(ctx, now)
				if err != nil {
					return err
				}
				return render(cmd, report, func(w io.Writer) {
					if report.SeasonID == "" {
						fmt.Fprintln(w, "no active season")
						return
					}
					fmt.Fprintf(w, "season %s: %d inactive, %d decayed, %d failed\n",
						report.SeasonID, report.Candidates, report.Decayed, report.Failed)
				})
			})
		},
	}
	run.Flags().StringVar(&at, "now", "", "Evaluation time (RFC 3339), defaults to the current time")

	cmd.AddCommand(run)
	return cmd
}

func receiptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "Idempotency receipt retention",
	}

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete receipts older than the retention horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withCore(cmd, func(ctx context.Context, d deps) error {
				before := time.Now().UTC().Add(-olderThan)
				n, err := d.ledger.PruneReceipts(ctx, before)
				if err != nil {
					return err
				}
				d.logger.Debug().Time("before", before).Int64("pruned", n).Msg("receipts pruned")
				return render(cmd, map[string]any{"pruned": n, "before": before}, func(w io.Writer) {
					fmt.Fprintf(w, "pruned %d receipts created before %s\n", n, before.Format(time.RFC3339))
				})
			})
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 720*time.Hour, "Retention horizon")

	cmd.AddCommand(prune)
	return cmd
}

func violationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "violations",
		Short: "Integrity audit trail",
	}

	var player string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List a player's recorded violations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, d deps) error {
				violations, err := d.integrity.Violations(ctx, player, limit)
				if err != nil {
					return err
				}
				return render(cmd, violations, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "DETECTED\tID\tTYPE\tSEVERITY\tEVIDENCE")
					for _, v := range violations {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.DetectedAt.Format(time.RFC3339),
							v.ID, v.Type, v.Severity, v.Evidence)
					}
					tw.Flush()
				})
			})
		},
	}
	list.Flags().StringVar(&player, "player", "", "Player id")
	list.Flags().IntVar(&limit, "limit", constants.ViolationListLimit, "Maximum rows")
	_ = list.MarkFlagRequired("player")

	cmd.AddCommand(list)
	return cmd
}
