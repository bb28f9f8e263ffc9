package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"schedline/internal/app"
	"schedline/internal/report"
	"schedline/internal/session"
)

func runCmd() *cobra.Command {
	var (
		file      string
		pseudo    bool
		live      bool
		noProd    bool
		timeout   time.Duration
		noPersist bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Schedule a system description and print the outcome",
		Example: `  sl run --file system.yaml
  sl run --file system.json --pseudo --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := readDescription(file)
			if err != nil {
				return err
			}
			opts := app.RunOptions{Timeout: timeout}
			if pseudo && live {
				return fmt.Errorf("--pseudo and --live are exclusive")
			}
			if pseudo || live {
				opts.Pseudo = &pseudo
			}
			if noProd {
				off := false
				opts.Producers = &off
			}
			exec := func(ctx context.Context, svc *app.Service) error {
				res, err := svc.Schedule(ctx, desc, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printResult(res)
				return nil
			}
			if noPersist {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				return exec(cmd.Context(), &app.Service{Config: cfg})
			}
			return withService(cmd.Context(), func(ctx context.Context, e env) error {
				return exec(ctx, e.svc)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "system description (yaml or json, - for stdin)")
	cmd.Flags().BoolVar(&pseudo, "pseudo", false, "use a deterministic pseudo clock")
	cmd.Flags().BoolVar(&live, "live", false, "use the wall clock")
	cmd.Flags().BoolVar(&noProd, "no-producers", false, "do not generate synthetic events")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "run timeout (default engine.run_timeout)")
	cmd.Flags().BoolVar(&noPersist, "no-persist", false, "do not record the run")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printResult(res app.Result) {
	fmt.Printf("run %s: %s after %d rules (%s clock)\n", res.Run.ID, res.Run.Status, res.Run.RulesFired, res.Run.Clock)
	if res.Run.Error != "" {
		fmt.Printf("error: %s\n", res.Run.Error)
	}
	printEvents(res.Report.Events)
	printSnapshot(res.Snapshot)
}

func printEvents(evts []report.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Event", "Process", "Rule"})
	for i, ev := range evts {
		tw.AppendRow(table.Row{i + 1, ev.Type, pidString(ev.ProcessID), ev.Rule})
	}
	tw.SetStyle(table.StyleLight)
	tw.Render()
}

func printSnapshot(snap session.Snapshot) {
	fmt.Printf("memory %d/%d available, cpu enabled %t\n", snap.System.AvailableMemory, snap.System.TotalMemory, snap.System.CPUEnabled)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Process", "Status", "Priority", "Memory", "Progress"})
	for _, p := range snap.Processes {
		tw.AppendRow(table.Row{p.ID, p.Status, p.Priority, p.MemoryRequirement, fmt.Sprintf("%d/%d", p.CurrentInstruction, len(p.Instructions))})
	}
	tw.SetStyle(table.StyleLight)
	tw.Render()
}

func pidString(pid *int) string {
	if pid == nil {
		return "-"
	}
	return strconv.Itoa(*pid)
}
