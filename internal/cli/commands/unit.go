package commands

import (
	"errors"
	"fmt"

	"github.com/leapstack-labs/tenantrt/internal/cli/output"
	"github.com/leapstack-labs/tenantrt/pkg/core"
	"github.com/spf13/cobra"
)

// ErrCompilationFailed is returned when at least one unit failed to compile.
var ErrCompilationFailed = errors.New("compilation failed")

// NewUnitCommand creates the unit command group.
func NewUnitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "unit",
		Aliases: []string{"class"},
		Short:   "Manage tenant source units",
		Long: `Save, compile, list and delete the Starlark source units of a tenant.

Units are addressed by qualified name: "package.Name", or "Name" for the
default package.`,
	}
	cmd.AddCommand(newUnitSaveCommand(), newUnitCompileCommand(), newUnitListCommand(), newUnitDeleteCommand())
	return cmd
}

func newUnitSaveCommand() *cobra.Command {
	var compile bool

	cmd := &cobra.Command{
		Use:   "save <qualified-name> <file|->",
		Short: "Create or replace a unit's source",
		Example: `  # Save and compile from a file
  tenantrt unit save billing.InvoiceTrigger invoice.star --compile --tenant acme

  # Save from stdin
  cat audit.star | tenantrt unit save Audit - --tenant acme`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readInput(cmd, args[1])
			if err != nil {
				return err
			}

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

			unit, err := cmdCtx.Engine.SaveUnit(ctx, t, args[0], string(src))
			if err != nil {
				return err
			}
			cmdCtx.Renderer.Success("saved %s (%s)", unit.QualifiedName(), unit.State)
			if !compile {
				return nil
			}

			res, err := cmdCtx.Engine.Compile(ctx, t, args[0])
			if err != nil {
				return err
			}
			return reportCompilation(cmdCtx.Renderer, []*core.CompilationResult{res})
		},
	}
	cmd.Flags().BoolVar(&compile, "compile", false, "Compile the unit after saving")
	return cmd
}

func newUnitCompileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compile [qualified-name...]",
		Short: "Compile units (all units when none are named)",
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

			names := args
			if len(names) == 0 {
				units, err := t.Store().ListUnits(ctx)
				if err != nil {
					return err
				}
				for _, u := range units {
					names = append(names, u.QualifiedName())
				}
			}

			results := make([]*core.CompilationResult, 0, len(names))
			for _, name := range names {
				res, err := cmdCtx.Engine.Compile(ctx, t, name)
				if err != nil {
					return err
				}
				results = append(results, res)
			}
			return reportCompilation(cmdCtx.Renderer, results)
		},
	}
}

// reportCompilation prints results and returns ErrCompilationFailed when any failed.
func reportCompilation(r *output.Renderer, results []*core.CompilationResult) error {
	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}

	if r.EffectiveMode() == output.ModeJSON {
		if err := r.JSON(results); err != nil {
			return err
		}
	} else {
		for _, res := range results {
			if res.Success {
				r.Success("compiled %s", res.QualifiedName)
				continue
			}
			r.Println("failed %s", res.QualifiedName)
			for _, d := range res.Diagnostics {
				r.Println("  %s", d.String())
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d units", ErrCompilationFailed, failed, len(results))
	}
	return nil
}

func newUnitListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List units and their compile state",
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
			units, err := t.Store().ListUnits(ctx)
			if err != nil {
				return err
			}

			rows := make([][]any, 0, len(units))
			for _, u := range units {
				compiled := ""
				if u.LastCompiledAt != nil {
					compiled = u.LastCompiledAt.Format("2006-01-02 15:04:05")
				}
				rows = append(rows, []any{u.QualifiedName(), string(u.State), compiled, u.ID})
			}
			cmdCtx.Renderer.Header(1, fmt.Sprintf("Units of %s (%d)", t.Name(), len(units)))
			return cmdCtx.Renderer.Table([]string{"Name", "State", "Last Compiled", "ID"}, rows)
		},
	}
}

func newUnitDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <qualified-name>",
		Short: "Delete a unit with its trigger bindings and scheduled tasks",
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
			if err := cmdCtx.Engine.DeleteUnit(ctx, t, args[0]); err != nil {
				return err
			}
			cmdCtx.Renderer.Success("deleted %s", args[0])
			return nil
		},
	}
}
