package commands

import (
	"fmt"

	"github.com/leapstack-labs/tenantrt/internal/cli/output"
	"github.com/leapstack-labs/tenantrt/internal/engine"
	"github.com/spf13/cobra"
)

// NewApplyCommand creates the apply command.
func NewApplyCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a tenant manifest",
		Long: `Apply a YAML manifest describing a tenant's units, trigger bindings and
scheduled tasks. The tenant is created when missing; units are saved and
compiled before triggers are registered and tasks scheduled.`,
		Example: `  tenantrt apply -f acme.yaml

  # acme.yaml
  tenant: acme
  units:
    - name: billing.InvoiceTrigger
      file: classes/billing/InvoiceTrigger.star
  triggers:
    - unit: billing.InvoiceTrigger
      type: invoice
  tasks:
    - unit: billing.Reports
      method: nightly
      schedule: "0 2 * * *"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := engine.LoadManifest(file)
			if err != nil {
				return err
			}

			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := cmdCtx.Engine.Apply(cmd.Context(), m)
			if report != nil {
				if rerr := renderApplyReport(cmdCtx.Renderer, report); rerr != nil && err == nil {
					err = rerr
				}
			}
			if err != nil {
				return err
			}
			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("%w: %d units", ErrCompilationFailed, len(failed))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Manifest file (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func renderApplyReport(r *output.Renderer, report *engine.ApplyReport) error {
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(report)
	}
	if report.Created {
		r.Success("created environment %s", report.Tenant)
	}
	for _, res := range report.Compiled {
		if res.Success {
			r.Success("compiled %s", res.QualifiedName)
			continue
		}
		r.Println("failed %s", res.QualifiedName)
		for _, d := range res.Diagnostics {
			r.Println("  %s", d.String())
		}
	}
	for _, b := range report.Bindings {
		r.Success("bound trigger on %s (%s)", b.TypeID, b.Phases)
	}
	for _, task := range report.Tasks {
		r.Success("scheduled %s (%s)", task.Name, task.Schedule)
	}
	return nil
}
