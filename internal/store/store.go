package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/seed-platform/seedctl/internal/lineage"
	"github.com/seed-platform/seedctl/internal/model"
)

// PruneRunFilter specifies criteria for listing prune runs.
type PruneRunFilter struct {
	Kind  model.EntityKind `json:"kind,omitempty"`
	Limit int              `json:"limit,omitempty"`
}

// Tx is the transactional surface of a Store: the lineage read/delete
// boundary plus the inserts used to load fixtures.
type Tx interface {
	lineage.Reader
	lineage.Writer

	CreateCycle(ctx context.Context, c *model.Cycle) error
	CreateEntity(ctx context.Context, e *model.Entity) error
	CreateState(ctx context.Context, s *model.State) error
	CreateAuditLogNode(ctx context.Context, kind model.EntityKind, n *model.AuditLogNode) error
	CreateView(ctx context.Context, kind model.EntityKind, v *model.View) error
}

// Store defines the persistence interface for lineage data and prune runs.
type Store interface {
	// RunInTx runs fn in one transaction. Every read inside fn observes the
	// same snapshot. The transaction commits when fn returns nil.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Prune runs
	CreatePruneRun(ctx context.Context, run *model.PruneRun) error
	CompletePruneRun(ctx context.Context, runID string, outcome model.PruneOutcome) error
	FailPruneRun(ctx context.Context, runID string, errMsg string) error
	ListPruneRuns(ctx context.Context, filter PruneRunFilter) ([]model.PruneRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// LineageTx adapts st.RunInTx to the transaction runner a lineage.Pruner uses.
func LineageTx(st Store) lineage.TxFunc {
	return func(ctx context.Context, fn func(context.Context, lineage.Tx) error) error {
		return st.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			return fn(ctx, tx)
		})
	}
}

// tableSet names the tables backing one entity kind.
type tableSet struct {
	entity   string
	view     string
	state    string
	auditLog string
	// entityFK is the view column referencing the entity table.
	entityFK string
}

func tablesFor(kind model.EntityKind) (tableSet, error) {
	switch kind {
	case model.KindProperty, model.KindTaxLot:
		k := string(kind)
		return tableSet{
			entity:   k,
			view:     k + "_view",
			state:    k + "_state",
			auditLog: k + "_audit_log",
			entityFK: k + "_id",
		}, nil
	default:
		return tableSet{}, eris.Errorf("store: unknown entity kind %q", kind)
	}
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
