package lineage

import (
	"context"

	"github.com/seed-platform/seedctl/internal/model"
)

// Reader is the read side of the persistence boundary used while computing
// keeper sets. Implementations must serve every call from one consistent
// snapshot for the duration of a prune.
type Reader interface {
	ListEntities(ctx context.Context, scope model.Scope) ([]model.Entity, error)
	// FindLatestView returns the view with the newest cycle start, or nil
	// when the entity has no views.
	FindLatestView(ctx context.Context, kind model.EntityKind, entityID int64) (*model.View, error)
	ListAuditLogNodes(ctx context.Context, scope model.Scope) ([]model.AuditLogNode, error)
	ListStateIDsReferencedByAnyView(ctx context.Context, scope model.Scope) ([]int64, error)
	CountStates(ctx context.Context, scope model.Scope) (int64, error)
}

// Writer performs the single destructive step of a prune.
type Writer interface {
	// DeleteStates removes every state in scope whose ID is not in keep and
	// returns the number of deleted rows.
	DeleteStates(ctx context.Context, scope model.Scope, keep []int64) (int64, error)
}

// Tx is a transactional view of the store.
type Tx interface {
	Reader
	Writer
}

// TxFunc runs fn inside a single store transaction, committing when fn
// returns nil and rolling back otherwise.
type TxFunc func(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
