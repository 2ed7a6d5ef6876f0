package commands

import (
	"encoding/json"
	"fmt"

	"github.com/leapstack-labs/tenantrt/internal/cli/output"
	"github.com/leapstack-labs/tenantrt/pkg/core"
	"github.com/spf13/cobra"
)

// NewRecordCommand creates the record command group.
func NewRecordCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Write records through the trigger pipeline",
		Long: `Insert, update and delete records of a type. Every write fires the
type's before triggers, writes the batch, then fires its after triggers in
one transaction: a trigger fault rolls the whole batch back.`,
	}
	cmd.AddCommand(newRecordInsertCommand(), newRecordUpdateCommand(), newRecordDeleteCommand())
	return cmd
}

// parseRecords decodes a JSON array of objects. An "id" field becomes the record ID.
func parseRecords(data []byte, typeID string) ([]*core.Record, error) {
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("records must be a JSON array of objects: %w", err)
	}
	records := make([]*core.Record, len(raw))
	for i, fields := range raw {
		rec := &core.Record{TypeID: typeID, Fields: fields}
		if id, ok := fields["id"].(string); ok {
			rec.ID = id
			delete(fields, "id")
		}
		records[i] = rec
	}
	return records, nil
}

func renderRecords(r *output.Renderer, records []*core.Record) error {
	if r.EffectiveMode() == output.ModeJSON {
		out := make([]map[string]any, len(records))
		for i, rec := range records {
			obj := make(map[string]any, len(rec.Fields)+1)
			for k, v := range rec.Fields {
				obj[k] = v
			}
			obj["id"] = rec.ID
			out[i] = obj
		}
		return r.JSON(out)
	}
	rows := make([][]any, len(records))
	for i, rec := range records {
		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return err
		}
		rows[i] = []any{rec.ID, string(fields)}
	}
	return r.Table([]string{"ID", "Fields"}, rows)
}

type recordWrite func(cmdCtx *CommandContext, cmd *cobra.Command, typeID string, records []*core.Record) ([]*core.Record, error)

func newRecordWriteCommand(use, short string, write recordWrite) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   use + " <type-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			records, err := parseRecords(data, args[0])
			if err != nil {
				return err
			}

			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			written, err := write(cmdCtx, cmd, args[0], records)
			if err != nil {
				return err
			}
			return renderRecords(cmdCtx.Renderer, written)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON file with an array of records (- for stdin)")
	return cmd
}

func newRecordInsertCommand() *cobra.Command {
	cmd := newRecordWriteCommand("insert", "Insert records", func(cmdCtx *CommandContext, cmd *cobra.Command, typeID string, records []*core.Record) ([]*core.Record, error) {
		t, err := cmdCtx.Tenant(cmd.Context())
		if err != nil {
			return nil, err
		}
		return cmdCtx.Engine.InsertRecords(cmd.Context(), t, typeID, records)
	})
	cmd.Example = `  echo '[{"amount": 10}]' | tenantrt record insert invoice --tenant acme`
	return cmd
}

func newRecordUpdateCommand() *cobra.Command {
	return newRecordWriteCommand("update", "Update records by id", func(cmdCtx *CommandContext, cmd *cobra.Command, typeID string, records []*core.Record) ([]*core.Record, error) {
		t, err := cmdCtx.Tenant(cmd.Context())
		if err != nil {
			return nil, err
		}
		return cmdCtx.Engine.Mutations().Update(cmd.Context(), t, typeID, records)
	})
}

func newRecordDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <type-id> <id...>",
		Short: "Delete records by id",
		Args:  cobra.MinimumNArgs(2),
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
			if err := cmdCtx.Engine.Mutations().Delete(ctx, t, args[0], args[1:]); err != nil {
				return err
			}
			cmdCtx.Renderer.Success("deleted %d %s records", len(args)-1, args[0])
			return nil
		},
	}
}
