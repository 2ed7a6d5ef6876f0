package commands

import (
	"fmt"
	"time"

	"github.com/leapstack-labs/tenantrt/internal/cli/output"
	"github.com/leapstack-labs/tenantrt/internal/testrunner"
	"github.com/spf13/cobra"
)

// NewEnvCommand creates the env command group.
func NewEnvCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "env",
		Aliases: []string{"tenant"},
		Short:   "Manage tenant environments",
		Long: `Create, list and delete tenant environments.

Each environment owns its own SQLite database holding source units,
trigger bindings, scheduled tasks and records.`,
	}
	cmd.AddCommand(newEnvCreateCommand(), newEnvListCommand(), newEnvDeleteCommand())
	return cmd
}

func newEnvCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "create <name>",
		Short:   "Create a tenant environment",
		Example: `  tenantrt env create acme`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if testrunner.IsMirror(args[0]) {
				return fmt.Errorf("environment names starting with %q are reserved for test mirrors", testrunner.MirrorPrefix)
			}
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			t, err := cmdCtx.Engine.CreateTenant(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if cmdCtx.Renderer.EffectiveMode() == output.ModeJSON {
				return cmdCtx.Renderer.JSON(t.Environment())
			}
			cmdCtx.Renderer.Success("created environment %s (%s)", t.Name(), t.ID())
			return nil
		},
	}
}

func newEnvListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenant environments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			envs, err := cmdCtx.Engine.Tenants().List(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]any, 0, len(envs))
			for _, env := range envs {
				rows = append(rows, []any{env.Name, env.ID, env.ClonedFrom, env.CreatedAt.Format(time.RFC3339)})
			}
			cmdCtx.Renderer.Header(1, fmt.Sprintf("Environments (%d)", len(envs)))
			return cmdCtx.Renderer.Table([]string{"Name", "ID", "Cloned From", "Created At"}, rows)
		},
	}
}

func newEnvDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a tenant environment and its database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := cmdCtx.Engine.DeleteTenant(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmdCtx.Renderer.Success("deleted environment %s", args[0])
			return nil
		},
	}
}
