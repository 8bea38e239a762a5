package lineage

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/seed-platform/seedctl/internal/model"
)

// DefaultDepth is the number of generations kept behind each entity's
// current state, counting the current state itself.
const DefaultDepth = 5

var (
	// ErrNoView is returned when an entity in scope has no view at all.
	ErrNoView = errors.New("entity has no view")
	// ErrMissingAuditLog is returned when a viewed state has no audit-log node.
	ErrMissingAuditLog = errors.New("state has no audit log node")
)

// History is the memorable history of one entity.
type History struct {
	EntityID    int64 `json:"entity_id"`
	HeadStateID int64 `json:"head_state_id"`
	StateIDs    IDSet `json:"-"`
}

// Keepers is the full retention set for a scope along with the parts it was
// built from.
type Keepers struct {
	IDs       IDSet
	Viewed    IDSet
	Histories []History
}

// Selector computes keeper sets over a single Reader snapshot.
type Selector struct {
	reader Reader
	scope  model.Scope
	depth  int
	graph  *Graph
	log    *zap.Logger
}

// NewSelector creates a Selector. The audit graph is loaded on first use.
func NewSelector(reader Reader, scope model.Scope, depth int) *Selector {
	return &Selector{
		reader: reader,
		scope:  scope,
		depth:  depth,
		log: zap.L().With(
			zap.String("component", "lineage.selector"),
			zap.String("kind", string(scope.Kind)),
		),
	}
}

// Graph returns the audit graph for the selector's scope, loading it once.
func (s *Selector) Graph(ctx context.Context) (*Graph, error) {
	if s.graph != nil {
		return s.graph, nil
	}
	g, err := LoadGraph(ctx, s.reader, s.scope)
	if err != nil {
		return nil, err
	}
	s.graph = g
	s.log.Debug("audit graph loaded", zap.Int("nodes", g.Len()))
	return g, nil
}

// StatesInMemorableHistory returns the state of the entity's newest view
// together with up to depth-1 generations of its ancestors.
func (s *Selector) StatesInMemorableHistory(ctx context.Context, entity model.Entity) (*History, error) {
	view, err := s.reader.FindLatestView(ctx, s.scope.Kind, entity.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "lineage: latest view for %s %d", s.scope.Kind, entity.ID)
	}
	if view == nil {
		return nil, eris.Wrapf(ErrNoView, "lineage: %s %d", s.scope.Kind, entity.ID)
	}

	g, err := s.Graph(ctx)
	if err != nil {
		return nil, err
	}

	head, ok := g.NodeForState(view.StateID)
	if !ok {
		return nil, eris.Wrapf(ErrMissingAuditLog, "lineage: %s %d state %d", s.scope.Kind, entity.ID, view.StateID)
	}

	return &History{
		EntityID:    entity.ID,
		HeadStateID: view.StateID,
		StateIDs:    g.StateIDs(AncestorsWithinDepth(g, head.ID, s.depth)),
	}, nil
}

// ComputeKeeperStateIDs returns the union of every state referenced by a
// view and every entity's memorable history. It reads only; any error aborts
// the whole computation.
func (s *Selector) ComputeKeeperStateIDs(ctx context.Context) (*Keepers, error) {
	viewed, err := s.reader.ListStateIDsReferencedByAnyView(ctx, s.scope)
	if err != nil {
		return nil, eris.Wrapf(err, "lineage: list viewed %s states", s.scope.Kind)
	}

	k := &Keepers{
		IDs:    NewIDSet(viewed...),
		Viewed: NewIDSet(viewed...),
	}

	entities, err := s.reader.ListEntities(ctx, s.scope)
	if err != nil {
		return nil, eris.Wrapf(err, "lineage: list %s entities", s.scope.Kind)
	}

	for _, e := range entities {
		h, err := s.StatesInMemorableHistory(ctx, e)
		if err != nil {
			return nil, err
		}
		k.IDs.Union(h.StateIDs)
		k.Histories = append(k.Histories, *h)
	}

	s.log.Info("keeper set computed",
		zap.Int("entities", len(entities)),
		zap.Int("viewed", k.Viewed.Len()),
		zap.Int("keepers", k.IDs.Len()),
		zap.Int("depth", s.depth),
	)
	return k, nil
}
