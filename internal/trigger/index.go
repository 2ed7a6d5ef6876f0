package trigger

import (
	"sort"

	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// Index is an immutable per-tenant lookup table of trigger bindings.
// The mutation pipeline consults it on every write.
type Index struct {
	// byType holds bindings per type ID in ordinal (creation) order
	byType map[string][]*core.TriggerBinding
	byID   map[string]*core.TriggerBinding
	// snapshot is true for types with an active update or delete binding
	snapshot map[string]bool
}

// NewIndex builds an index from a tenant's bindings.
func NewIndex(bindings []*core.TriggerBinding) *Index {
	idx := &Index{
		byType:   make(map[string][]*core.TriggerBinding),
		byID:     make(map[string]*core.TriggerBinding, len(bindings)),
		snapshot: make(map[string]bool),
	}
	for _, b := range bindings {
		idx.byType[b.TypeID] = append(idx.byType[b.TypeID], b)
		idx.byID[b.ID] = b
		if b.IsActive && b.Phases.TouchesExistingRecords() {
			idx.snapshot[b.TypeID] = true
		}
	}
	for _, list := range idx.byType {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Ordinal < list[j].Ordinal })
	}
	return idx
}

// Lookup returns the active bindings that fire for a type at a phase and operation,
// in firing order.
func (idx *Index) Lookup(typeID string, phase core.Phase, op core.Operation) []*core.TriggerBinding {
	var out []*core.TriggerBinding
	for _, b := range idx.byType[typeID] {
		if b.IsActive && b.Phases.Has(phase, op) {
			out = append(out, b)
		}
	}
	return out
}

// Bindings returns every binding of a type, active or not, in firing order.
func (idx *Index) Bindings(typeID string) []*core.TriggerBinding {
	return idx.byType[typeID]
}

// Binding returns a binding by ID.
func (idx *Index) Binding(id string) (*core.TriggerBinding, bool) {
	b, ok := idx.byID[id]
	return b, ok
}

// NeedsSnapshot reports whether writes to a type must capture old values first.
func (idx *Index) NeedsSnapshot(typeID string) bool {
	return idx.snapshot[typeID]
}

// Types returns the type IDs that have at least one binding.
func (idx *Index) Types() []string {
	types := make([]string, 0, len(idx.byType))
	for t := range idx.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Len returns the number of bindings.
func (idx *Index) Len() int { return len(idx.byID) }
