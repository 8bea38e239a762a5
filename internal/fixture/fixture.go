// Package fixture loads lineage data described in YAML into a store.
// Fixtures name cycles, entities and states by key; audit parents and views
// reference those keys and are resolved to database IDs on Apply.
package fixture

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/seed-platform/seedctl/internal/model"
)

const dateLayout = "2006-01-02"

// Document is the top level of a fixture file.
type Document struct {
	OrganizationID int64        `yaml:"organization_id"`
	Cycles         []CycleSpec  `yaml:"cycles"`
	Entities       []EntitySpec `yaml:"entities"`
}

// CycleSpec describes one cycle.
type CycleSpec struct {
	Key            string `yaml:"key"`
	Name           string `yaml:"name"`
	Start          string `yaml:"start"`
	End            string `yaml:"end"`
	OrganizationID int64  `yaml:"organization_id,omitempty"`
}

// EntitySpec describes an entity with its states and views.
type EntitySpec struct {
	Key            string      `yaml:"key"`
	Kind           string      `yaml:"kind"`
	OrganizationID int64       `yaml:"organization_id,omitempty"`
	States         []StateSpec `yaml:"states"`
	Views          []ViewSpec  `yaml:"views"`
}

// StateSpec describes a state and its audit log entry. Parents name other
// states of the same kind; at most two are allowed.
type StateSpec struct {
	Key     string         `yaml:"key"`
	Name    string         `yaml:"name,omitempty"`
	Parents []string       `yaml:"parents,omitempty"`
	Data    map[string]any `yaml:"data,omitempty"`
}

// ViewSpec binds the entity to a state for a cycle.
type ViewSpec struct {
	Cycle string `yaml:"cycle"`
	State string `yaml:"state"`
}

// Writer is the insert surface a fixture is applied through.
type Writer interface {
	CreateCycle(ctx context.Context, c *model.Cycle) error
	CreateEntity(ctx context.Context, e *model.Entity) error
	CreateState(ctx context.Context, s *model.State) error
	CreateAuditLogNode(ctx context.Context, kind model.EntityKind, n *model.AuditLogNode) error
	CreateView(ctx context.Context, kind model.EntityKind, v *model.View) error
}

// Refs maps fixture keys to the IDs assigned on Apply.
type Refs struct {
	Cycles   map[string]int64
	Entities map[string]int64
	States   map[string]int64
	Nodes    map[string]int64
}

func newRefs() *Refs {
	return &Refs{
		Cycles:   make(map[string]int64),
		Entities: make(map[string]int64),
		States:   make(map[string]int64),
		Nodes:    make(map[string]int64),
	}
}

// Parse decodes and validates a fixture document.
func Parse(r io.Reader) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, eris.New("fixture: empty document")
		}
		return nil, eris.Wrap(err, "fixture: decode")
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// LoadFile reads and parses the fixture at path.
func LoadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fixture: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	doc, err := Parse(f)
	if err != nil {
		return nil, eris.Wrapf(err, "fixture: load %s", path)
	}
	return doc, nil
}

// Validate checks keys are unique, references resolve, and dates parse.
func (d *Document) Validate() error {
	cycles := make(map[string]bool)
	for _, c := range d.Cycles {
		if c.Key == "" {
			return eris.New("fixture: cycle without key")
		}
		if cycles[c.Key] {
			return eris.Errorf("fixture: duplicate cycle key %q", c.Key)
		}
		cycles[c.Key] = true
		if _, err := time.Parse(dateLayout, c.Start); err != nil {
			return eris.Wrapf(err, "fixture: cycle %q start", c.Key)
		}
		if c.End != "" {
			if _, err := time.Parse(dateLayout, c.End); err != nil {
				return eris.Wrapf(err, "fixture: cycle %q end", c.Key)
			}
		}
	}

	entities := make(map[string]bool)
	// State keys are global so parents can cross entities of the same kind.
	stateKind := make(map[string]model.EntityKind)
	for _, e := range d.Entities {
		if e.Key == "" {
			return eris.New("fixture: entity without key")
		}
		if entities[e.Key] {
			return eris.Errorf("fixture: duplicate entity key %q", e.Key)
		}
		entities[e.Key] = true

		kind, err := model.ParseEntityKind(e.Kind)
		if err != nil {
			return eris.Wrapf(err, "fixture: entity %q", e.Key)
		}
		for _, s := range e.States {
			if s.Key == "" {
				return eris.Errorf("fixture: entity %q has a state without key", e.Key)
			}
			if _, dup := stateKind[s.Key]; dup {
				return eris.Errorf("fixture: duplicate state key %q", s.Key)
			}
			stateKind[s.Key] = kind
		}
	}

	for _, e := range d.Entities {
		kind, _ := model.ParseEntityKind(e.Kind)
		entityStates := make(map[string]bool, len(e.States))
		for _, s := range e.States {
			entityStates[s.Key] = true
			if len(s.Parents) > 2 {
				return eris.Errorf("fixture: state %q has %d parents, at most 2 allowed", s.Key, len(s.Parents))
			}
			for _, p := range s.Parents {
				pk, ok := stateKind[p]
				if !ok {
					return eris.Errorf("fixture: state %q references unknown parent %q", s.Key, p)
				}
				if pk != kind {
					return eris.Errorf("fixture: state %q parent %q is a %s state", s.Key, p, pk)
				}
			}
		}
		for _, v := range e.Views {
			if !cycles[v.Cycle] {
				return eris.Errorf("fixture: entity %q view references unknown cycle %q", e.Key, v.Cycle)
			}
			if !entityStates[v.State] {
				return eris.Errorf("fixture: entity %q view references state %q it does not own", e.Key, v.State)
			}
		}
	}
	return nil
}

// Apply inserts the document through w and returns the assigned IDs.
// Audit log entries are created parents first; a parent cycle among
// fixture states is rejected.
func Apply(ctx context.Context, w Writer, doc *Document) (*Refs, error) {
	log := zap.L().With(zap.String("component", "fixture"))
	refs := newRefs()

	cycleStart := make(map[string]time.Time, len(doc.Cycles))
	for _, cs := range doc.Cycles {
		start, _ := time.Parse(dateLayout, cs.Start)
		end := start.AddDate(1, 0, -1)
		if cs.End != "" {
			end, _ = time.Parse(dateLayout, cs.End)
		}
		c := &model.Cycle{
			OrganizationID: orgOr(cs.OrganizationID, doc.OrganizationID),
			Name:           nameOr(cs.Name, cs.Key),
			Start:          start,
			End:            end,
		}
		if err := w.CreateCycle(ctx, c); err != nil {
			return nil, eris.Wrapf(err, "fixture: create cycle %q", cs.Key)
		}
		refs.Cycles[cs.Key] = c.ID
		cycleStart[cs.Key] = start
	}

	type pendingNode struct {
		kind  model.EntityKind
		state StateSpec
	}
	var pending []pendingNode

	for _, es := range doc.Entities {
		kind, err := model.ParseEntityKind(es.Kind)
		if err != nil {
			return nil, eris.Wrapf(err, "fixture: entity %q", es.Key)
		}
		org := orgOr(es.OrganizationID, doc.OrganizationID)

		e := &model.Entity{Kind: kind, OrganizationID: org}
		if err := w.CreateEntity(ctx, e); err != nil {
			return nil, eris.Wrapf(err, "fixture: create entity %q", es.Key)
		}
		refs.Entities[es.Key] = e.ID

		for _, ss := range es.States {
			s := &model.State{Kind: kind, OrganizationID: org, Data: ss.Data}
			if err := w.CreateState(ctx, s); err != nil {
				return nil, eris.Wrapf(err, "fixture: create state %q", ss.Key)
			}
			refs.States[ss.Key] = s.ID
			pending = append(pending, pendingNode{kind: kind, state: ss})
		}
	}

	// Insert audit nodes in rounds until every node's parents exist.
	for len(pending) > 0 {
		var next []pendingNode
		for _, p := range pending {
			parents, ready := resolveParents(refs.Nodes, p.state.Parents)
			if !ready {
				next = append(next, p)
				continue
			}
			n := &model.AuditLogNode{
				StateID: refs.States[p.state.Key],
				Name:    nameOr(p.state.Name, "Import file"),
			}
			if len(parents) > 0 {
				n.Parent1 = &parents[0]
			}
			if len(parents) > 1 {
				n.Parent2 = &parents[1]
			}
			if err := w.CreateAuditLogNode(ctx, p.kind, n); err != nil {
				return nil, eris.Wrapf(err, "fixture: create audit log for state %q", p.state.Key)
			}
			refs.Nodes[p.state.Key] = n.ID
		}
		if len(next) == len(pending) {
			return nil, eris.Errorf("fixture: audit parents of state %q form a cycle", next[0].state.Key)
		}
		pending = next
	}

	views := 0
	for _, es := range doc.Entities {
		kind, _ := model.ParseEntityKind(es.Kind)
		for _, vs := range es.Views {
			v := &model.View{
				EntityID:   refs.Entities[es.Key],
				CycleID:    refs.Cycles[vs.Cycle],
				CycleStart: cycleStart[vs.Cycle],
				StateID:    refs.States[vs.State],
			}
			if err := w.CreateView(ctx, kind, v); err != nil {
				return nil, eris.Wrapf(err, "fixture: create view of %q in cycle %q", es.Key, vs.Cycle)
			}
			views++
		}
	}

	log.Info("fixture applied",
		zap.Int("cycles", len(refs.Cycles)),
		zap.Int("entities", len(refs.Entities)),
		zap.Int("states", len(refs.States)),
		zap.Int("views", views),
	)
	return refs, nil
}

func resolveParents(nodes map[string]int64, keys []string) ([]int64, bool) {
	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		id, ok := nodes[k]
		if !ok {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

func orgOr(v, fallback int64) int64 {
	if v != 0 {
		return v
	}
	return fallback
}

func nameOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
