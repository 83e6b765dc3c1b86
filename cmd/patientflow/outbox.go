package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/patientflow/internal/config"
	"github.com/ehr/patientflow/internal/platform/outbox"
)

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and remediate outbox entries",
	}

	deadCmd := &cobra.Command{
		Use:   "dead",
		Short: "List entries that exhausted their retries or were rejected",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			return withOutbox(cmd, func(ctx context.Context, repo outbox.Repository) error {
				entries, total, err := repo.ListDead(ctx, limit, offset)
				if err != nil {
					return err
				}
				printDead(cmd.OutOrStdout(), entries, total)
				return nil
			})
		},
	}
	deadCmd.Flags().Int("limit", 20, "Maximum entries to show")
	deadCmd.Flags().Int("offset", 0, "Entries to skip")
	cmd.AddCommand(deadCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <id>",
		Short: "Move a DEAD entry back to PENDING with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid entry id %q", args[0])
			}
			return withOutbox(cmd, func(ctx context.Context, repo outbox.Repository) error {
				if err := repo.Requeue(ctx, id, time.Now().UTC()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Entry %d requeued.\n", id)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count entries per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOutbox(cmd, func(ctx context.Context, repo outbox.Repository) error {
				stats, err := repo.Stats(ctx)
				if err != nil {
					return err
				}
				printStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	})

	return cmd
}

func withOutbox(cmd *cobra.Command, fn func(ctx context.Context, repo outbox.Repository) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return fmt.Errorf("outbox commands need STORE_DRIVER=%s", config.StoreDriverPostgres)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openStores(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st.outbox)
}

func printDead(w io.Writer, entries []*outbox.Entry, total int) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPATIENT\tKIND\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, e := range entries {
		lastErr := ""
		if e.LastError != nil {
			lastErr = *e.LastError
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			e.ID, e.PatientID, e.Kind, e.Attempts, e.UpdatedAt.Format(time.RFC3339), lastErr)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d of %d dead entries\n", len(entries), total)
}

func printStats(w io.Writer, stats map[outbox.Status]int) {
	statuses := make([]string, 0, len(stats))
	for s := range stats {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "%-10s %d\n", s, stats[outbox.Status(s)])
	}
}
