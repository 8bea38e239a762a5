package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// EntityKind selects one of the parallel entity hierarchies. Properties and
// tax lots each keep their own views, states, and audit logs.
type EntityKind string

const (
	KindProperty EntityKind = "property"
	KindTaxLot   EntityKind = "taxlot"
)

// AllKinds lists every entity kind in prune order.
var AllKinds = []EntityKind{KindProperty, KindTaxLot}

// ParseEntityKind normalizes s and rejects unknown kinds.
func ParseEntityKind(s string) (EntityKind, error) {
	switch k := EntityKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindProperty, KindTaxLot:
		return k, nil
	case "tax_lot", "tax-lot":
		return KindTaxLot, nil
	default:
		return "", eris.Errorf("model: unknown entity kind %q", s)
	}
}

// Scope restricts lineage operations to one entity kind and, optionally, one
// organization. OrganizationID 0 means every organization.
type Scope struct {
	Kind           EntityKind `json:"kind"`
	OrganizationID int64      `json:"organization_id,omitempty"`
}

// AllOrganizations reports whether the scope spans every organization.
func (s Scope) AllOrganizations() bool {
	return s.OrganizationID == 0
}

// Cycle is a reporting period that views are scoped to.
type Cycle struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	Name           string    `json:"name"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
}

// Entity is a tracked real-world object such as a property or tax lot.
type Entity struct {
	ID             int64      `json:"id"`
	Kind           EntityKind `json:"kind"`
	OrganizationID int64      `json:"organization_id"`
	CreatedAt      time.Time  `json:"created_at"`
}

// View binds an entity to exactly one state for a cycle.
type View struct {
	ID         int64     `json:"id"`
	EntityID   int64     `json:"entity_id"`
	CycleID    int64     `json:"cycle_id"`
	CycleStart time.Time `json:"cycle_start"`
	StateID    int64     `json:"state_id"`
}

// State is an immutable snapshot of an entity's data.
type State struct {
	ID             int64          `json:"id"`
	Kind           EntityKind     `json:"kind"`
	OrganizationID int64          `json:"organization_id"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AuditLogNode records the provenance of a single state. A node with two
// parents is the result of a merge.
type AuditLogNode struct {
	ID        int64     `json:"id"`
	StateID   int64     `json:"state_id"`
	Parent1   *int64    `json:"parent1_id,omitempty"`
	Parent2   *int64    `json:"parent2_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Parents returns the IDs of the non-nil parent links, parent1 first.
func (n AuditLogNode) Parents() []int64 {
	var out []int64
	if n.Parent1 != nil {
		out = append(out, *n.Parent1)
	}
	if n.Parent2 != nil {
		out = append(out, *n.Parent2)
	}
	return out
}
