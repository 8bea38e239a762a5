// Package lineage decides which historical states survive a prune: every
// state a view points at, plus a bounded-depth slice of audit-log ancestry
// behind each entity's newest view.
package lineage

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/seed-platform/seedctl/internal/model"
)

// Graph is an in-memory arena of audit-log nodes keyed by node ID, with a
// secondary index from state ID to node ID.
type Graph struct {
	nodes   map[int64]model.AuditLogNode
	byState map[int64]int64
}

// NewGraph indexes nodes. Each state is expected to own exactly one node; if
// a state appears twice the later node wins.
func NewGraph(nodes []model.AuditLogNode) *Graph {
	g := &Graph{
		nodes:   make(map[int64]model.AuditLogNode, len(nodes)),
		byState: make(map[int64]int64, len(nodes)),
	}
	for _, n := range nodes {
		g.nodes[n.ID] = n
		g.byState[n.StateID] = n.ID
	}
	return g
}

// LoadGraph reads every audit-log node in scope into a Graph.
func LoadGraph(ctx context.Context, r Reader, scope model.Scope) (*Graph, error) {
	nodes, err := r.ListAuditLogNodes(ctx, scope)
	if err != nil {
		return nil, eris.Wrapf(err, "lineage: load audit log for %s", scope.Kind)
	}
	return NewGraph(nodes), nil
}

func (g *Graph) Node(id int64) (model.AuditLogNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeForState returns the audit-log node that wraps stateID.
func (g *Graph) NodeForState(stateID int64) (model.AuditLogNode, bool) {
	id, ok := g.byState[stateID]
	if !ok {
		return model.AuditLogNode{}, false
	}
	return g.nodes[id], true
}

func (g *Graph) Len() int {
	return len(g.nodes)
}

// StateIDs maps a set of node IDs back to the states they wrap. IDs that are
// not in the arena are skipped.
func (g *Graph) StateIDs(nodeIDs IDSet) IDSet {
	out := make(IDSet, len(nodeIDs))
	for id := range nodeIDs {
		if n, ok := g.nodes[id]; ok {
			out.Add(n.StateID)
		}
	}
	return out
}

// AncestorsWithinDepth returns head and up to depth-1 generations of its
// ancestors, following both parent links at every level.
//
// The walk is breadth-first, one level per iteration, so a node is always
// first reached at its shallowest level and the seen set never hides an
// ancestor that is still within depth. A parent ID missing from the arena
// ends that branch. depth <= 0, or a head not in the arena, yields an empty set.
func AncestorsWithinDepth(g *Graph, head int64, depth int) IDSet {
	out := make(IDSet)
	if depth <= 0 {
		return out
	}
	if _, ok := g.nodes[head]; !ok {
		return out
	}

	out.Add(head)
	frontier := []int64{head}
	for level := 1; level < depth && len(frontier) > 0; level++ {
		var next []int64
		for _, id := range frontier {
			for _, pid := range g.nodes[id].Parents() {
				if out.Has(pid) {
					continue
				}
				if _, ok := g.nodes[pid]; !ok {
					continue
				}
				out.Add(pid)
				next = append(next, pid)
			}
		}
		frontier = next
	}
	return out
}
