package commands

import (
	"errors"
	"fmt"

	"github.com/leapstack-labs/tenantrt/internal/cli/output"
	"github.com/leapstack-labs/tenantrt/internal/testrunner"
	"github.com/spf13/cobra"
)

// ErrTestsFailed is returned when a test run did not pass.
var ErrTestsFailed = errors.New("tests failed")

// NewTestCommand creates the test command group.
func NewTestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run tenant test classes in a mirror environment",
		Long: `Span a test mirror of a tenant and run test classes in it.

"test span" copies the tenant into "[testing]-<name>", replacing any
previous mirror. "test run" deploys the tenant's current version of a class
into the mirror and calls its test methods (all zero-argument methods
starting with "test" when none are named).`,
	}
	cmd.AddCommand(newTestSpanCommand(), newTestRunCommand())
	return cmd
}

func newTestSpanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "span",
		Short: "Create or replace the test mirror of the selected tenant",
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
			mirror, err := cmdCtx.Engine.Tests().SpanTestEnv(ctx, t)
			if err != nil {
				return err
			}
			cmdCtx.Renderer.Success("spanned %s", mirror.Name())
			return nil
		},
	}
}

func newTestRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <qualified-name> [method...]",
		Short: "Run test methods of a class in the test mirror",
		Example: `  tenantrt test span --tenant acme
  tenantrt test run billing.InvoiceTest --tenant acme
  tenantrt test run billing.InvoiceTest test_totals --tenant acme`,
		Args: cobra.MinimumNArgs(1),
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
			results := cmdCtx.Engine.Tests().Run(ctx, args[0], args[1:], t)
			if err := renderTestResults(cmdCtx.Renderer, results); err != nil {
				return err
			}
			if !results.Passed() {
				return fmt.Errorf("%w: %s", ErrTestsFailed, args[0])
			}
			return nil
		},
	}
}

func renderTestResults(r *output.Renderer, results *testrunner.TestResults) error {
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(results)
	}

	r.Header(1, fmt.Sprintf("%s in %s", results.ClassName, results.Environment))
	for _, e := range results.Errors {
		r.Println("error: %s", e)
	}
	rows := make([][]any, 0, len(results.Methods))
	for _, m := range results.Methods {
		status := "PASS"
		if !m.Passed {
			status = "FAIL"
		}
		rows = append(rows, []any{m.Name, status, m.Duration.String(), m.Error})
	}
	if len(rows) > 0 {
		if err := r.Table([]string{"Method", "Status", "Duration", "Error"}, rows); err != nil {
			return err
		}
	}
	r.Println("%d passed, %d failed in %s", len(results.Methods)-len(results.Failed()), len(results.Failed()), results.Duration)
	return nil
}
