package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewTaskCommand creates the task command group.
func NewTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Schedule unit methods as recurring tasks",
		Long: `Schedule, unschedule, list and run tasks.

A task calls a zero-argument method of a unit on a five-field cron schedule
("*/5 * * * *") or a descriptor such as "@hourly" or "@every 30s". Tasks
only fire while "tenantrt serve" runs; "task run" fires one immediately.`,
	}
	cmd.AddCommand(newTaskScheduleCommand(), newTaskUnscheduleCommand(), newTaskListCommand(), newTaskRunCommand())
	return cmd
}

func newTaskScheduleCommand() *cobra.Command {
	var (
		cron string
		name string
	)

	cmd := &cobra.Command{
		Use:     "schedule <qualified-name> <method>",
		Short:   "Schedule a unit method",
		Example: `  tenantrt task schedule billing.Reports nightly --cron "0 2 * * *" --tenant acme`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			t, err := cmdCtx.Tenant(ctx)
			if err != nil {
				return err
			}
			unit, err := cmdCtx.Engine.Unit(ctx, t, args[0])
			if err != nil {
				return err
			}

			task, err := cmdCtx.Engine.Scheduler().Schedule(ctx, t, unit, args[1], name, cron)
			if err != nil {
				return err
			}
			msg := fmt.Sprintf("scheduled %s (%s) as %q", task.Name, task.ID, task.Schedule)
			if next, ok := cmdCtx.Engine.Scheduler().Next(t.ID(), task.ID); ok {
				msg += ", next run " + next.Format(time.RFC3339)
			}
			cmdCtx.Renderer.Success("%s", msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&cron, "cron", "", "Cron expression (required)")
	cmd.Flags().StringVar(&name, "name", "", "Task name (defaults to <qualified-name>.<method>)")
	_ = cmd.MarkFlagRequired("cron")
	return cmd
}

func newTaskUnscheduleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unschedule <task-id>",
		Short: "Remove a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			t, err := cmdCtx.Tenant(ctx)
			if err != nil {
				return err
			}
			if err := cmdCtx.Engine.Scheduler().Unschedule(ctx, t, args[0]); err != nil {
				return err
			}
			cmdCtx.Renderer.Success("unscheduled %s", args[0])
			return nil
		},
	}
}

func newTaskListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks with their last outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			t, err := cmdCtx.Tenant(ctx)
			if err != nil {
				return err
			}
			tasks, err := t.Store().ListTasks(ctx)
			if err != nil {
				return err
			}
			names, err := unitNames(ctx, t)
			if err != nil {
				return err
			}

			rows := make([][]any, 0, len(tasks))
			for _, task := range tasks {
				last := ""
				if task.LastRunAt != nil {
					last = task.LastRunAt.Format(time.RFC3339)
				}
				rows = append(rows, []any{task.ID, task.Name, names[task.UnitID] + "." + task.Method, task.Schedule, last, task.LastError})
			}
			cmdCtx.Renderer.Header(1, fmt.Sprintf("Tasks of %s (%d)", t.Name(), len(tasks)))
			return cmdCtx.Renderer.Table([]string{"ID", "Name", "Method", "Schedule", "Last Run", "Last Error"}, rows)
		},
	}
}

func newTaskRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <task-id>",
		Short: "Run a scheduled task now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			t, err := cmdCtx.Tenant(ctx)
			if err != nil {
				return err
			}
			start := time.Now()
			if err := cmdCtx.Engine.Scheduler().Execute(ctx, t, args[0]); err != nil {
				return err
			}
			cmdCtx.Renderer.Success("ran %s in %s", args[0], time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}
