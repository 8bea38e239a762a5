package lineage

import (
	"context"
	"time"

	"github.com/seed-platform/seedctl/internal/model"
)

// nodeOffset keeps audit-log node IDs distinct from state IDs so tests catch
// any mix-up between the two.
const nodeOffset = 1000

type memView struct {
	kind model.EntityKind
	view model.View
}

// memRepo is an in-memory Tx. Audit node IDs are state ID + nodeOffset.
type memRepo struct {
	entities []model.Entity
	views    []memView
	states   map[int64]model.State
	nodes    map[int64]model.AuditLogNode

	deleteErr   error
	deleteCalls int
}

func newMemRepo() *memRepo {
	return &memRepo{
		states: make(map[int64]model.State),
		nodes:  make(map[int64]model.AuditLogNode),
	}
}

func (r *memRepo) runInTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	return fn(ctx, r)
}

func (r *memRepo) addEntity(kind model.EntityKind, id int64) {
	r.entities = append(r.entities, model.Entity{ID: id, Kind: kind, OrganizationID: 1})
}

// addState creates a state and its audit node. parents are state IDs.
func (r *memRepo) addState(kind model.EntityKind, id int64, parents ...int64) {
	r.states[id] = model.State{ID: id, Kind: kind, OrganizationID: 1}
	n := model.AuditLogNode{ID: id + nodeOffset, StateID: id}
	if len(parents) > 0 {
		p := parents[0] + nodeOffset
		n.Parent1 = &p
	}
	if len(parents) > 1 {
		p := parents[1] + nodeOffset
		n.Parent2 = &p
	}
	r.nodes[n.ID] = n
}

// addChain creates states ids[0] <- ids[1] <- ... where each state's parent
// is the next one in the slice.
func (r *memRepo) addChain(kind model.EntityKind, ids ...int64) {
	for i := len(ids) - 1; i >= 0; i-- {
		if i == len(ids)-1 {
			r.addState(kind, ids[i])
			continue
		}
		r.addState(kind, ids[i], ids[i+1])
	}
}

func (r *memRepo) addView(kind model.EntityKind, entityID int64, year int, stateID int64) {
	r.views = append(r.views, memView{kind: kind, view: model.View{
		ID:         int64(len(r.views) + 1),
		EntityID:   entityID,
		CycleID:    int64(year),
		CycleStart: time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC),
		StateID:    stateID,
	}})
}

func (r *memRepo) stateIDs(kind model.EntityKind) IDSet {
	out := make(IDSet)
	for id, s := range r.states {
		if s.Kind == kind {
			out.Add(id)
		}
	}
	return out
}

func (r *memRepo) ListEntities(_ context.Context, scope model.Scope) ([]model.Entity, error) {
	var out []model.Entity
	for _, e := range r.entities {
		if e.Kind == scope.Kind {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memRepo) FindLatestView(_ context.Context, kind model.EntityKind, entityID int64) (*model.View, error) {
	var latest *model.View
	for i := range r.views {
		v := r.views[i]
		if v.kind != kind || v.view.EntityID != entityID {
			continue
		}
		if latest == nil || v.view.CycleStart.After(latest.CycleStart) {
			latest = &r.views[i].view
		}
	}
	return latest, nil
}

func (r *memRepo) ListAuditLogNodes(_ context.Context, scope model.Scope) ([]model.AuditLogNode, error) {
	var out []model.AuditLogNode
	for _, n := range r.nodes {
		if r.states[n.StateID].Kind == scope.Kind {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *memRepo) ListStateIDsReferencedByAnyView(_ context.Context, scope model.Scope) ([]int64, error) {
	seen := make(IDSet)
	for _, v := range r.views {
		if v.kind == scope.Kind {
			seen.Add(v.view.StateID)
		}
	}
	return seen.Sorted(), nil
}

func (r *memRepo) CountStates(_ context.Context, scope model.Scope) (int64, error) {
	return int64(r.stateIDs(scope.Kind).Len()), nil
}

func (r *memRepo) DeleteStates(_ context.Context, scope model.Scope, keep []int64) (int64, error) {
	r.deleteCalls++
	if r.deleteErr != nil {
		return 0, r.deleteErr
	}

	keepSet := NewIDSet(keep...)
	var deleted int64
	for id, s := range r.states {
		if s.Kind != scope.Kind || keepSet.Has(id) {
			continue
		}
		delete(r.states, id)
		delete(r.nodes, id+nodeOffset)
		deleted++
	}

	// Parent links to removed nodes are cleared, like ON DELETE SET NULL.
	for id, n := range r.nodes {
		if n.Parent1 != nil {
			if _, ok := r.nodes[*n.Parent1]; !ok {
				n.Parent1 = nil
			}
		}
		if n.Parent2 != nil {
			if _, ok := r.nodes[*n.Parent2]; !ok {
				n.Parent2 = nil
			}
		}
		r.nodes[id] = n
	}
	return deleted, nil
}
