package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"schedline/internal/repo"
)

func runsCmd() *cobra.Command {
	runs := &cobra.Command{
		Use:   "runs",
		Short: "Browse recorded runs",
	}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	runs.AddCommand(runsEventsCmd())
	runs.AddCommand(runsDeleteCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, e env) error {
				items, err := e.svc.Repo.ListRunsWithCursor(ctx, status, limit, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Clock", "Rules", "Started", "Finished"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Status, r.Clock, r.RulesFired, r.StartedAt, r.FinishedAt})
				}
				tw.SetStyle(table.StyleLight)
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (running|halted|failed|timeout)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its final state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, e env) error {
				stored, err := e.svc.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stored)
				}
				r := stored.Run
				fmt.Printf("run %s: %s after %d rules (%s clock)\n", r.ID, r.Status, r.RulesFired, r.Clock)
				fmt.Printf("started %s, finished %s\n", r.StartedAt, r.FinishedAt)
				if r.Error != "" {
					fmt.Printf("error: %s\n", r.Error)
				}
				if stored.Snapshot != nil {
					printSnapshot(*stored.Snapshot)
				}
				return nil
			})
		},
	}
}

func runsEventsCmd() *cobra.Command {
	var evtType string
	var pid, limit int
	var after int64
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "List the recorded events of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, e env) error {
				if _, err := e.svc.Repo.GetRun(ctx, args[0]); err != nil {
					return fmt.Errorf("run %s: %w", args[0], err)
				}
				f := repo.EventFilters{RunID: args[0], Type: evtType, After: after, Limit: limit}
				if pid > 0 {
					f.ProcessID = &pid
				}
				items, err := e.svc.Repo.RunEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Process", "Rule", "Payload"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.Type, pidString(ev.ProcessID), ev.Rule, ev.Payload})
				}
				tw.SetStyle(table.StyleLight)
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().IntVar(&pid, "process", 0, "process id filter")
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum events")
	cmd.Flags().Int64Var(&after, "after", 0, "only events with a larger id")
	return cmd
}

func runsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, e env) error {
				return e.svc.Repo.DeleteRun(ctx, args[0])
			})
		},
	}
}
