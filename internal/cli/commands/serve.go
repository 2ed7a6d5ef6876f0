package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/leapstack-labs/tenantrt/internal/metrics"
	"github.com/leapstack-labs/tenantrt/internal/server"
	"github.com/spf13/cobra"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the operations API",
		Long: `Run tenantrt as a long-lived process. Scheduled tasks of every tenant fire
while it runs (unless scheduler.enabled is false). The HTTP listener serves:

  GET  /healthz                         liveness
  GET  /metrics                         Prometheus metrics
  GET  /tenants/                        environments
  GET  /tenants/{name}/errors?limit=N   recent tenant code faults
  POST /tenants/{name}/tasks/{id}/run   run a task now

With --watch, watch.dir is also kept synced into the selected tenant.`,
		Example: `  tenantrt serve --addr :9464
  tenantrt serve --watch --tenant acme`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			collector := metrics.NewCollector(MetricsNamespace)
			cmdCtx, cleanup, err := newCommandContext(cmd, collector)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := server.Config{
				Engine:    cmdCtx.Engine,
				Metrics:   collector,
				Addr:      cmdCtx.Cfg.Serve.Addr,
				Scheduler: cmdCtx.Cfg.Scheduler.Enabled,
				Logger:    cmdCtx.Logger,
			}
			if watch {
				if cmdCtx.Cfg.Tenant == "" {
					return ErrNoTenant
				}
				cfg.WatchDir = cmdCtx.Cfg.Watch.Dir
				cfg.WatchTenant = cmdCtx.Cfg.Tenant
			}

			cmdCtx.Renderer.Println("serving on %s", cfg.Addr)
			return server.New(cfg).Serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Sync watch.dir into the selected tenant while serving")
	cmd.Flags().String("addr", "", "Listen address (default :9464)")
	return cmd
}
