// Package mutation writes tenant records and fires the bound triggers around
// each write. Before-phase faults abort the mutation before anything is
// written; after-phase faults roll the write back.
package mutation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/leapstack-labs/tenantrt/internal/invoke"
	"github.com/leapstack-labs/tenantrt/internal/state"
	"github.com/leapstack-labs/tenantrt/internal/trigger"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// Tenant is a tenant whose records can be written.
type Tenant interface {
	core.Tenant
	Records() *state.SQLiteStore
}

// Config holds pipeline collaborators.
type Config struct {
	Triggers *trigger.Service
	Invoker  *invoke.Invoker
	Logger   *slog.Logger
}

// Pipeline runs record mutations.
type Pipeline struct {
	triggers *trigger.Service
	invoker  *invoke.Invoker
	logger   *slog.Logger
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{triggers: cfg.Triggers, invoker: cfg.Invoker, logger: logger}
}

// Insert writes new records of typeID and returns them as written, including
// changes made by before-insert triggers.
func (p *Pipeline) Insert(ctx context.Context, tenant Tenant, typeID string, records []*core.Record) ([]*core.Record, error) {
	batch := make([]*core.Record, len(records))
	for i, r := range records {
		c := r.Clone()
		c.TypeID = typeID
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		batch[i] = c
	}

	return p.run(ctx, tenant, typeID, core.OpInsert, batch, nil, func(ctx context.Context, tx *state.RecordTx, batch []*core.Record) error {
		for _, r := range batch {
			if err := tx.Insert(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update replaces the fields of existing records. Old values are captured
// only when an active update or delete trigger exists for the type.
func (p *Pipeline) Update(ctx context.Context, tenant Tenant, typeID string, records []*core.Record) ([]*core.Record, error) {
	batch := make([]*core.Record, len(records))
	ids := make([]string, len(records))
	for i, r := range records {
		if r.ID == "" {
			return nil, fmt.Errorf("record %d of %s has no id", i, typeID)
		}
		c := r.Clone()
		c.TypeID = typeID
		batch[i] = c
		ids[i] = r.ID
	}

	old, err := p.snapshot(ctx, tenant, typeID, ids)
	if err != nil {
		return nil, err
	}

	return p.run(ctx, tenant, typeID, core.OpUpdate, batch, old, func(ctx context.Context, tx *state.RecordTx, batch []*core.Record) error {
		for _, r := range batch {
			if err := tx.Update(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes records by ID.
func (p *Pipeline) Delete(ctx context.Context, tenant Tenant, typeID string, ids []string) error {
	old, err := p.snapshot(ctx, tenant, typeID, ids)
	if err != nil {
		return err
	}

	_, err = p.run(ctx, tenant, typeID, core.OpDelete, nil, old, func(ctx context.Context, tx *state.RecordTx, _ []*core.Record) error {
		for _, id := range ids {
			if err := tx.Delete(ctx, typeID, id); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

type writeFunc func(ctx context.Context, tx *state.RecordTx, batch []*core.Record) error

func (p *Pipeline) run(ctx context.Context, tenant Tenant, typeID string, op core.Operation, batch, old []*core.Record, write writeFunc) (_ []*core.Record, err error) {
	batch, err = p.invoker.FireTriggers(ctx, tenant, typeID, core.PhaseBefore, op, batch, old)
	if err != nil {
		return nil, err
	}

	tx, err := tenant.Records().BeginRecords(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err == nil {
			return
		}
		if rerr := tx.Rollback(); rerr != nil {
			p.logger.Error("rollback failed", "tenant", tenant.Name(), "type", typeID, "op", op, "error", rerr)
		}
	}()

	if err := write(ctx, tx, batch); err != nil {
		return nil, err
	}
	if _, err := p.invoker.FireTriggers(ctx, tenant, typeID, core.PhaseAfter, op, batch, old); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return batch, nil
}

// snapshot loads the current values of ids when the type needs them.
func (p *Pipeline) snapshot(ctx context.Context, tenant Tenant, typeID string, ids []string) ([]*core.Record, error) {
	idx, err := p.triggers.Index(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if !idx.NeedsSnapshot(typeID) {
		return nil, nil
	}

	found, err := tenant.Records().GetRecords(ctx, typeID, ids)
	if err != nil {
		return nil, err
	}
	old := make([]*core.Record, len(ids))
	for i, id := range ids {
		r, ok := found[id]
		if !ok {
			return nil, fmt.Errorf("record not found: %s", id)
		}
		old[i] = r
	}
	return old, nil
}
