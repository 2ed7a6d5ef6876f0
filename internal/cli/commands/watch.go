package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/leapstack-labs/tenantrt/internal/cli/output"
	"github.com/leapstack-labs/tenantrt/internal/engine"
	"github.com/spf13/cobra"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Sync a directory of .star files into a tenant on every change",
		Long: `Save and compile every .star file under dir into the selected tenant,
then keep watching and resync after each change. A file at
billing/InvoiceTrigger.star becomes the unit billing.InvoiceTrigger.

dir defaults to watch.dir from the configuration.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			t, err := cmdCtx.Tenant(ctx)
			if err != nil {
				return err
			}
			dir := cmdCtx.Cfg.Watch.Dir
			if len(args) == 1 {
				dir = args[0]
			}

			r := cmdCtx.Renderer
			r.Println("watching %s for %s (ctrl-c to stop)", dir, t.Name())
			return cmdCtx.Engine.Watch(ctx, t, dir, func(report *engine.SyncReport, err error) {
				renderSync(r, report, err)
			})
		},
	}
	return cmd
}

func renderSync(r *output.Renderer, report *engine.SyncReport, err error) {
	if err != nil {
		r.Warning("sync failed: %v", err)
		return
	}
	failed := report.Failed()
	for _, res := range failed {
		r.Println("failed %s", res.QualifiedName)
		for _, d := range res.Diagnostics {
			r.Println("  %s", d.String())
		}
	}
	r.Success("synced %d files, %d failed", report.Files, len(failed))
}
