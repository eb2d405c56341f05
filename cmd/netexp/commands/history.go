package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/netexp/netexp/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		database string
		limit    int
	)

	open := func(ctx context.Context) (*stores.SQLiteStore, error) {
		if database == "" {
			database = cfg.Database
		}
		return stores.Open(ctx, database)
	}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded experiments",
		Example: `  # Recent runs
  netexp history

  # One run in detail
  netexp history show netexp-1f0c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			exps, err := store.ListExperiments(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), exps)
			}
			return writeExperiments(cmd.OutOrStdout(), exps, time.Now())
		},
	}

	show := &cobra.Command{
		Use:   "show <experiment-id>",
		Short: "Show the resources, tasks and events of a recorded experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := open(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			return showExperiment(ctx, cmd.OutOrStdout(), store, args[0])
		},
	}

	remove := &cobra.Command{
		Use:   "rm <experiment-id>...",
		Short: "Delete recorded experiments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			for _, id := range args {
				if err := store.DeleteExperiment(cmd.Context(), id); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&database, "db", "", "SQLite database")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of experiments to list")
	cmd.AddCommand(show, remove)
	return cmd
}

func writeExperiments(out io.Writer, exps []*stores.Experiment, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tTOOK\tERROR")
	for _, exp := range exps {
		took := "-"
		if exp.CompletedAt != nil {
			took = exp.CompletedAt.Sub(exp.StartedAt).Round(time.Second).String()
		}
		errMsg := ""
		if exp.Error != nil {
			errMsg = *exp.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			exp.ID, exp.Status, humanize.RelTime(exp.StartedAt, now, "ago", "from now"), took, errMsg)
	}
	return w.Flush()
}

func showExperiment(ctx context.Context, out io.Writer, store *stores.SQLiteStore, id string) error {
	exp, err := store.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	snaps, err := store.ListResourceSnapshots(ctx, id)
	if err != nil {
		return err
	}
	tasks, err := store.ListTasks(ctx, id)
	if err != nil {
		return err
	}
	events, err := store.GetEvents(ctx, stores.EventQuery{ExperimentID: &id, Limit: 200})
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(out, map[string]any{
			"experiment": exp,
			"resources":  snaps,
			"tasks":      tasks,
			"events":     events,
		})
	}

	fmt.Fprintf(out, "Experiment %s (%s), started %s in %s\n\n",
		exp.ID, exp.Status, humanize.Time(exp.StartedAt), exp.RootDir)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GUID\tLABEL\tTYPE\tSTATE\tPROBLEM")
	for _, s := range snaps {
		problem := ""
		switch {
		case s.FailureCause != nil:
			problem = *s.FailureCause
		case s.ReleaseError != nil:
			problem = "release: " + *s.ReleaseError
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", s.GUID, s.Label, s.Type, s.State, problem)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(tasks) > 0 {
		fmt.Fprintf(out, "\n%s tasks\n", humanize.Comma(int64(len(tasks))))
		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSCHEDULED\tSTATUS\tRESULT")
		for _, t := range tasks {
			result := ""
			if t.Result != nil {
				result = *t.Result
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", t.TaskID, t.ScheduledFor.Format(time.TimeOnly), t.Status, result)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(events) > 0 {
		fmt.Fprintf(out, "\n%s events\n", humanize.Comma(int64(len(events))))
		for _, e := range events {
			fmt.Fprintf(out, "%s %-7s %s\n", e.Timestamp.Format(time.TimeOnly), e.Level, e.Message)
		}
	}
	return nil
}
