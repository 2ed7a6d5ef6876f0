package starlark

import (
	"fmt"
	"sort"

	"github.com/leapstack-labs/tenantrt/pkg/core"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Self is the per-instance state a tenant class sees as `self`.
// Trigger firings populate the operation, phase and record batches; task and test
// calls leave them empty.
type Self struct {
	Operation core.Operation
	Phase     core.Phase
	NewValues []*core.Record
	// OldValues is nil unless old values were requested for this firing.
	OldValues []*core.Record
	// Context holds opaque provider objects (auth, system context) keyed by name.
	Context map[string]any
}

// BoundSelf is a Self converted for one instance. It keeps hold of the new-values
// list so modifications made by tenant code can be read back.
type BoundSelf struct {
	Value     starlark.Value
	newValues *starlark.List
	source    []*core.Record
}

// Bind converts s into a fresh Starlark struct. Nothing in the result is shared with
// any other instance.
func (s *Self) Bind() (*BoundSelf, error) {
	newList, err := recordsToList(s.NewValues)
	if err != nil {
		return nil, fmt.Errorf("new_values: %w", err)
	}

	var oldValues starlark.Value = starlark.None
	if s.OldValues != nil {
		oldList, err := recordsToList(s.OldValues)
		if err != nil {
			return nil, fmt.Errorf("old_values: %w", err)
		}
		oldList.Freeze()
		oldValues = oldList
	}

	ctxDict := starlark.NewDict(len(s.Context))
	names := make([]string, 0, len(s.Context))
	for name := range s.Context {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, ok := s.Context[name].(starlark.Value)
		if !ok {
			v = NewOpaque(name, s.Context[name])
		}
		if err := ctxDict.SetKey(starlark.String(name), v); err != nil {
			return nil, fmt.Errorf("context %q: %w", name, err)
		}
	}
	ctxDict.Freeze()

	value := starlarkstruct.FromStringDict(starlark.String(SelfName), starlark.StringDict{
		"new_values": newList,
		"old_values": oldValues,
		"context":    ctxDict,
		"operation":  starlark.String(s.Operation),
		"phase":      starlark.String(s.Phase),
		"is_insert":  starlark.Bool(s.Operation == core.OpInsert),
		"is_update":  starlark.Bool(s.Operation == core.OpUpdate),
		"is_delete":  starlark.Bool(s.Operation == core.OpDelete),
		"is_before":  starlark.Bool(s.Phase == core.PhaseBefore),
		"is_after":   starlark.Bool(s.Phase == core.PhaseAfter),
	})

	return &BoundSelf{Value: value, newValues: newList, source: s.NewValues}, nil
}

// NewValues reads the (possibly modified) new-values batch back into records.
// Record IDs and type IDs are taken from the original batch.
func (b *BoundSelf) NewValues() ([]*core.Record, error) {
	if b.newValues.Len() != len(b.source) {
		return nil, fmt.Errorf("new_values batch size changed from %d to %d", len(b.source), b.newValues.Len())
	}
	out := make([]*core.Record, len(b.source))
	for i, orig := range b.source {
		goVal, err := ToGo(b.newValues.Index(i))
		if err != nil {
			return nil, fmt.Errorf("new_values[%d]: %w", i, err)
		}
		fields, ok := goVal.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("new_values[%d]: expected dict, got %s", i, b.newValues.Index(i).Type())
		}
		delete(fields, "id")
		out[i] = &core.Record{ID: orig.ID, TypeID: orig.TypeID, Fields: fields}
	}
	return out, nil
}

func recordsToList(records []*core.Record) (*starlark.List, error) {
	items := make([]starlark.Value, len(records))
	for i, r := range records {
		fields := make(map[string]any, len(r.Fields)+1)
		for k, v := range r.Fields {
			fields[k] = v
		}
		fields["id"] = r.ID
		v, err := GoToStarlark(fields)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		items[i] = v
	}
	return starlark.NewList(items), nil
}
