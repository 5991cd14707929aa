package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"quoteflow/internal/app"
	"quoteflow/internal/automation"
	"quoteflow/internal/model"
)

func tasksCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{Use: "tasks", Short: "Inspect and maintain tasks"}

	var status, quoteID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks, optionally filtered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := model.Status(strings.TrimSpace(status))
			if st != "" && !st.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return withApp(open, func(_ context.Context, a *app.App) error {
				src := a.Tasks().All()
				if quoteID != "" {
					src = a.Tasks().ForQuote(quoteID)
				}
				out := make([]model.Task, 0, len(src))
				for _, t := range src {
					if st == "" || t.Status == st {
						out = append(out, t)
					}
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "pending, in-progress, completed, cancelled or overdue")
	list.Flags().StringVar(&quoteID, "quote", "", "only tasks of this quote")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print task counters and the daily summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(open, func(_ context.Context, a *app.App) error {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"stats":   a.Tasks().Stats(),
					"summary": a.Tasks().Summary(),
				})
			})
		},
	}

	overdue := &cobra.Command{
		Use:   "overdue",
		Short: "Mark past-due active tasks overdue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(open, func(ctx context.Context, a *app.App) error {
				n, err := a.Tasks().CheckOverdue(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "marked %d task(s) overdue\n", n)
				return nil
			})
		},
	}

	var days int
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove finished tasks older than --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(open, func(ctx context.Context, a *app.App) error {
				n, err := a.Tasks().Cleanup(ctx, days)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d task(s) older than %d days\n", n, days)
				return nil
			})
		},
	}
	cleanup.Flags().IntVar(&days, "days", 90, "age threshold in days")

	dispatchOne := &cobra.Command{
		Use:   "dispatch <task-id>",
		Short: "Send one sequence task now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(open, func(ctx context.Context, a *app.App) error {
				out, err := a.Dispatcher().ProcessSequenceTask(ctx, args[0])
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], out)
				return err
			})
		},
	}

	cmd.AddCommand(list, stats, overdue, cleanup, dispatchOne)
	return cmd
}

func sequencesCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{Use: "sequences", Short: "Inspect the sequence catalog"}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List sequences and whether they are enabled",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(open, func(_ context.Context, a *app.App) error {
					w := cmd.OutOrStdout()
					defs := a.Sequences().Catalog().All()
					sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
					for _, d := range defs {
						state := "off"
						if d.Enabled {
							state = "on"
						}
						fmt.Fprintf(w, "%-22s %-3s %2d step(s)  %s\n", d.ID, state, len(d.Steps), d.Name)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "toggle <sequence-id>",
			Short: "Flip a sequence on or off (persisted)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(open, func(ctx context.Context, a *app.App) error {
					on, err := a.Sequences().Catalog().Toggle(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s enabled=%t\n", args[0], on)
					return nil
				})
			},
		},
	)
	return cmd
}

func eventCmd(open opener) *cobra.Command {
	var quotePath, previousPath string
	cmd := &cobra.Command{
		Use:   "event <type>",
		Short: "Route one quote event (quote-sent, quote-accepted, ...)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var q model.QuoteSnapshot
			if err := readJSONFile(quotePath, &q); err != nil {
				return fmt.Errorf("--quote: %w", err)
			}
			var prev *model.QuoteSnapshot
			if previousPath != "" {
				prev = &model.QuoteSnapshot{}
				if err := readJSONFile(previousPath, prev); err != nil {
					return fmt.Errorf("--previous: %w", err)
				}
			}
			return withApp(open, func(ctx context.Context, a *app.App) error {
				res, err := a.Router().HandleQuoteEvent(ctx, args[0], q, prev)
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&quotePath, "quote", "", "quote snapshot JSON file")
	cmd.Flags().StringVar(&previousPath, "previous", "", "previous snapshot JSON file (status changes)")
	_ = cmd.MarkFlagRequired("quote")
	return cmd
}

func jobsCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Run automation sweeps on demand"}
	cmd.AddCommand(&cobra.Command{
		Use:       "run <job>",
		Short:     "Run one sweep now: overdue.sweep, dispatch.poll, escalation.sweep or retention.sweep",
		Args:      cobra.ExactArgs(1),
		ValidArgs: automation.Jobs(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(open, func(ctx context.Context, a *app.App) error {
				rep, err := a.Runner().RunOnce(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	})
	return cmd
}
