package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewErrorsCommand creates the errors command.
func NewErrorsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Show recent tenant code faults",
		Long: `List the most recent error-log entries of the selected tenant, newest
first. Entries are written whenever trigger, task or test code faults.`,
		Args: cobra.NoArgs,
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
			logs, err := cmdCtx.Engine.ErrorLog().List(ctx, t.ID(), limit)
			if err != nil {
				return err
			}

			rows := make([][]any, 0, len(logs))
			for _, l := range logs {
				where := l.CodeClass
				if l.CodeLine > 0 {
					where = fmt.Sprintf("%s:%d", l.CodeClass, l.CodeLine)
				}
				rows = append(rows, []any{l.OccurredAt.Format(time.RFC3339), string(l.Severity), where, l.Message})
			}
			cmdCtx.Renderer.Header(1, fmt.Sprintf("Errors of %s (%d)", t.Name(), len(logs)))
			return cmdCtx.Renderer.Table([]string{"Occurred At", "Severity", "Location", "Message"}, rows)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of entries")
	return cmd
}
