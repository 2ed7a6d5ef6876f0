package commands

import (
	"context"
	"fmt"

	"github.com/leapstack-labs/tenantrt/pkg/core"
	"github.com/spf13/cobra"
)

// NewTriggerCommand creates the trigger command group.
func NewTriggerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Bind units to record mutation phases",
		Long: `Register, unregister and inspect trigger bindings.

A unit qualifies as a trigger for a type when it calls trigger(type=...)
naming the type, extends DatabaseTrigger, is not disabled and defines a
zero-argument execute method.`,
	}
	cmd.AddCommand(
		newTriggerRegisterCommand(),
		newTriggerUnregisterCommand(),
		newTriggerCandidatesCommand(),
		newTriggerListCommand(),
	)
	return cmd
}

type typeFlags struct {
	id   string
	name string
}

func (f *typeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "type", "", "Target type ID (required)")
	cmd.Flags().StringVar(&f.name, "type-name", "", "Target type qualified name (defaults to the ID)")
	_ = cmd.MarkFlagRequired("type")
}

func (f *typeFlags) ref() core.TypeRef {
	name := f.name
	if name == "" {
		name = f.id
	}
	return core.TypeRef{ID: f.id, QualifiedName: name}
}

func newTriggerRegisterCommand() *cobra.Command {
	var (
		target   typeFlags
		system   bool
		inactive bool
	)

	cmd := &cobra.Command{
		Use:     "register <qualified-name>",
		Short:   "Register a unit as a trigger for a type",
		Example: `  tenantrt trigger register billing.InvoiceTrigger --type invoice --tenant acme`,
		Args:    cobra.ExactArgs(1),
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

			b, err := cmdCtx.Engine.Triggers().Register(ctx, t, unit, target.ref(), system, !inactive)
			if err != nil {
				return err
			}
			cmdCtx.Renderer.Success("registered %s on %s (%s)", args[0], b.TypeID, b.Phases)
			return nil
		},
	}
	target.bind(cmd)
	cmd.Flags().BoolVar(&system, "system", false, "Mark the binding as a system trigger")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Register the binding without activating it")
	return cmd
}

func newTriggerUnregisterCommand() *cobra.Command {
	var target typeFlags

	cmd := &cobra.Command{
		Use:   "unregister <qualified-name>",
		Short: "Remove a unit's binding for a type",
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
			unit, err := cmdCtx.Engine.Unit(ctx, t, args[0])
			if err != nil {
				return err
			}
			if err := cmdCtx.Engine.Triggers().Unregister(ctx, t, unit, target.ref()); err != nil {
				return err
			}
			cmdCtx.Renderer.Success("unregistered %s from %s", args[0], target.id)
			return nil
		},
	}
	target.bind(cmd)
	return cmd
}

func newTriggerCandidatesCommand() *cobra.Command {
	var (
		target typeFlags
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "List compiled units whose trigger marker names a type",
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
			candidates, err := cmdCtx.Engine.Triggers().Candidates(ctx, t, target.ref(), !all)
			if err != nil {
				return err
			}

			rows := make([][]any, 0, len(candidates))
			for _, c := range candidates {
				rows = append(rows, []any{c.Class.QualifiedName, c.Bound})
			}
			cmdCtx.Renderer.Header(1, fmt.Sprintf("Trigger candidates for %s (%d)", target.id, len(candidates)))
			return cmdCtx.Renderer.Table([]string{"Class", "Registered"}, rows)
		},
	}
	target.bind(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "Include classes already registered for the type")
	return cmd
}

func newTriggerListCommand() *cobra.Command {
	var typeID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trigger bindings in firing order",
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
			idx, err := cmdCtx.Engine.Triggers().Refresh(ctx, t)
			if err != nil {
				return err
			}
			names, err := unitNames(ctx, t)
			if err != nil {
				return err
			}

			types := idx.Types()
			if typeID != "" {
				types = []string{typeID}
			}
			var rows [][]any
			for _, ty := range types {
				for _, b := range idx.Bindings(ty) {
					rows = append(rows, []any{ty, names[b.UnitID], b.Phases.String(), b.IsActive, b.IsSystem, b.OldValues})
				}
			}
			cmdCtx.Renderer.Header(1, fmt.Sprintf("Trigger bindings of %s (%d)", t.Name(), len(rows)))
			return cmdCtx.Renderer.Table([]string{"Type", "Class", "Phases", "Active", "System", "Old Values"}, rows)
		},
	}
	cmd.Flags().StringVar(&typeID, "type", "", "Only list bindings of this type")
	return cmd
}

// unitNames maps unit IDs to qualified names.
func unitNames(ctx context.Context, t core.Tenant) (map[string]string, error) {
	units, err := t.Store().ListUnits(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(units))
	for _, u := range units {
		names[u.ID] = u.QualifiedName()
	}
	return names, nil
}
