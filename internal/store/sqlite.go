package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/seed-platform/seedctl/internal/model"
)

// sqliteTimeLayout is fixed-width so stored timestamps sort as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode and foreign keys. The pool is pinned to one connection so pragmas and
// temp tables apply to every statement.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cycle (
	id              INTEGER PRIMARY KEY,
	organization_id INTEGER NOT NULL,
	name            TEXT NOT NULL,
	start_date      TEXT NOT NULL,
	end_date        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cycle_start ON cycle(start_date);

CREATE TABLE IF NOT EXISTS prune_runs (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	organization_id INTEGER NOT NULL DEFAULT 0,
	depth           INTEGER NOT NULL,
	dry_run         INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'running',
	total_states    INTEGER NOT NULL DEFAULT 0,
	kept_states     INTEGER NOT NULL DEFAULT 0,
	deleted_states  INTEGER NOT NULL DEFAULT 0,
	error           TEXT,
	started_at      TEXT NOT NULL,
	completed_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_prune_runs_started_at ON prune_runs(started_at);
`

const sqliteKindMigration = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id              INTEGER PRIMARY KEY,
	organization_id INTEGER NOT NULL,
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS %[3]s (
	id              INTEGER PRIMARY KEY,
	organization_id INTEGER NOT NULL,
	data            TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS %[4]s (
	id         INTEGER PRIMARY KEY,
	state_id   INTEGER NOT NULL UNIQUE REFERENCES %[3]s(id) ON DELETE CASCADE,
	parent1_id INTEGER REFERENCES %[4]s(id) ON DELETE SET NULL,
	parent2_id INTEGER REFERENCES %[4]s(id) ON DELETE SET NULL,
	name       TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS %[2]s (
	id       INTEGER PRIMARY KEY,
	%[5]s    INTEGER NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
	cycle_id INTEGER NOT NULL REFERENCES cycle(id),
	state_id INTEGER NOT NULL REFERENCES %[3]s(id),
	UNIQUE (%[5]s, cycle_id)
);

CREATE INDEX IF NOT EXISTS idx_%[3]s_org ON %[3]s(organization_id);
CREATE INDEX IF NOT EXISTS idx_%[2]s_state ON %[2]s(state_id);
CREATE INDEX IF NOT EXISTS idx_%[4]s_parent1 ON %[4]s(parent1_id);
CREATE INDEX IF NOT EXISTS idx_%[4]s_parent2 ON %[4]s(parent2_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	var b strings.Builder
	b.WriteString(sqliteMigration)
	for _, kind := range model.AllKinds {
		t, err := tablesFor(kind)
		if err != nil {
			return err
		}
		b.WriteString(kindMigration(sqliteKindMigration, t))
	}
	_, err := s.db.ExecContext(ctx, b.String())
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RunInTx runs fn in a single SQLite transaction. With one connection the
// transaction is the only reader or writer until it ends.
func (s *SQLiteStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}

	if err := fn(ctx, &sqliteTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			zap.L().Warn("sqlite: rollback failed", zap.Error(rbErr))
		}
		return err
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func (s *SQLiteStore) CreatePruneRun(ctx context.Context, run *model.PruneRun) error {
	run.ID = uuid.New().String()
	run.Status = model.PruneStatusRunning
	run.StartedAt = nowUTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prune_runs (id, kind, organization_id, depth, dry_run, status, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Kind), run.OrganizationID, run.Depth, run.DryRun, string(run.Status), formatTime(run.StartedAt),
	)
	return eris.Wrap(err, "sqlite: insert prune run")
}

func (s *SQLiteStore) CompletePruneRun(ctx context.Context, runID string, outcome model.PruneOutcome) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prune_runs SET status = ?, total_states = ?, kept_states = ?, deleted_states = ?, completed_at = ? WHERE id = ?`,
		string(model.PruneStatusComplete), outcome.TotalStates, outcome.KeptStates, outcome.DeletedStates, formatTime(nowUTC()), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete prune run %s", runID)
	}
	return checkRowsAffected(res, "prune run", runID)
}

func (s *SQLiteStore) FailPruneRun(ctx context.Context, runID string, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prune_runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(model.PruneStatusFailed), errMsg, formatTime(nowUTC()), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail prune run %s", runID)
	}
	return checkRowsAffected(res, "prune run", runID)
}

func (s *SQLiteStore) ListPruneRuns(ctx context.Context, filter PruneRunFilter) ([]model.PruneRun, error) {
	query := `SELECT id, kind, organization_id, depth, dry_run, status, total_states, kept_states, deleted_states, error, started_at, completed_at FROM prune_runs WHERE 1=1`
	args := []any{}

	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list prune runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.PruneRun
	for rows.Next() {
		r, err := scanPruneRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate prune runs")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPruneRun(row scannable) (*model.PruneRun, error) {
	var r model.PruneRun
	var errMsg, completedAt sql.NullString
	var startedAt string

	err := row.Scan(&r.ID, &r.Kind, &r.OrganizationID, &r.Depth, &r.DryRun, &r.Status,
		&r.TotalStates, &r.KeptStates, &r.DeletedStates, &errMsg, &startedAt, &completedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan prune run")
	}

	r.Error = errMsg.String
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		r.CompletedAt = &t
	}
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func nullableID(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func idPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// sqliteTx implements Tx over a database/sql transaction.
type sqliteTx struct {
	tx *sql.Tx
}

// sqliteOrgFilter takes the organization ID twice.
const sqliteOrgFilter = `(? = 0 OR organization_id = ?)`

func (t *sqliteTx) ListEntities(ctx context.Context, scope model.Scope) ([]model.Entity, error) {
	tbl, err := tablesFor(scope.Kind)
	if err != nil {
		return nil, err
	}

	rows, err := t.tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, organization_id, created_at FROM %s WHERE %s ORDER BY id`, tbl.entity, sqliteOrgFilter),
		scope.OrganizationID, scope.OrganizationID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list %s", tbl.entity)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Entity
	for rows.Next() {
		e := model.Entity{Kind: scope.Kind}
		var createdAt string
		if err := rows.Scan(&e.ID, &e.OrganizationID, &createdAt); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", tbl.entity)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: iterate %s", tbl.entity)
}

func (t *sqliteTx) FindLatestView(ctx context.Context, kind model.EntityKind, entityID int64) (*model.View, error) {
	tbl, err := tablesFor(kind)
	if err != nil {
		return nil, err
	}

	var v model.View
	var start string
	err = t.tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT v.id, v.%[2]s, v.cycle_id, c.start_date, v.state_id
		 FROM %[1]s v JOIN cycle c ON c.id = v.cycle_id
		 WHERE v.%[2]s = ?
		 ORDER BY c.start_date DESC, v.id DESC LIMIT 1`, tbl.view, tbl.entityFK),
		entityID,
	).Scan(&v.ID, &v.EntityID, &v.CycleID, &start, &v.StateID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest %s for %d", tbl.view, entityID)
	}
	if v.CycleStart, err = parseTime(start); err != nil {
		return nil, err
	}
	return &v, nil
}

func (t *sqliteTx) ListAuditLogNodes(ctx context.Context, scope model.Scope) ([]model.AuditLogNode, error) {
	tbl, err := tablesFor(scope.Kind)
	if err != nil {
		return nil, err
	}

	rows, err := t.tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT a.id, a.state_id, a.parent1_id, a.parent2_id, a.name, a.created_at
		 FROM %[1]s a JOIN %[2]s s ON s.id = a.state_id
		 WHERE (? = 0 OR s.organization_id = ?)`, tbl.auditLog, tbl.state),
		scope.OrganizationID, scope.OrganizationID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list %s", tbl.auditLog)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AuditLogNode
	for rows.Next() {
		var n model.AuditLogNode
		var p1, p2 sql.NullInt64
		var createdAt string
		if err := rows.Scan(&n.ID, &n.StateID, &p1, &p2, &n.Name, &createdAt); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", tbl.auditLog)
		}
		n.Parent1 = idPtr(p1)
		n.Parent2 = idPtr(p2)
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: iterate %s", tbl.auditLog)
}

func (t *sqliteTx) ListStateIDsReferencedByAnyView(ctx context.Context, scope model.Scope) ([]int64, error) {
	tbl, err := tablesFor(scope.Kind)
	if err != nil {
		return nil, err
	}

	rows, err := t.tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT DISTINCT v.state_id FROM %[1]s v JOIN %[2]s s ON s.id = v.state_id
		 WHERE (? = 0 OR s.organization_id = ?)`, tbl.view, tbl.state),
		scope.OrganizationID, scope.OrganizationID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list viewed %s", tbl.state)
	}
	defer rows.Close() //nolint:errcheck

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan viewed %s", tbl.state)
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrapf(rows.Err(), "sqlite: iterate viewed %s", tbl.state)
}

func (t *sqliteTx) CountStates(ctx context.Context, scope model.Scope) (int64, error) {
	tbl, err := tablesFor(scope.Kind)
	if err != nil {
		return 0, err
	}

	var n int64
	err = t.tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s`, tbl.state, sqliteOrgFilter),
		scope.OrganizationID, scope.OrganizationID,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: count %s", tbl.state)
	}
	return n, nil
}

func (t *sqliteTx) DeleteStates(ctx context.Context, scope model.Scope, keep []int64) (int64, error) {
	tbl, err := tablesFor(scope.Kind)
	if err != nil {
		return 0, err
	}

	for _, stmt := range []string{
		`CREATE TEMP TABLE IF NOT EXISTS prune_keep_ids (id INTEGER PRIMARY KEY)`,
		`DELETE FROM prune_keep_ids`,
	} {
		if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
			return 0, eris.Wrap(err, "sqlite: prepare keep table")
		}
	}

	ins, err := t.tx.PrepareContext(ctx, `INSERT INTO prune_keep_ids (id) VALUES (?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare keep insert")
	}
	defer ins.Close() //nolint:errcheck
	for _, id := range keep {
		if _, err := ins.ExecContext(ctx, id); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert keep id %d", id)
		}
	}

	res, err := t.tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE (? = 0 OR organization_id = ?)
		 AND id NOT IN (SELECT id FROM temp.prune_keep_ids)`, tbl.state),
		scope.OrganizationID, scope.OrganizationID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete %s", tbl.state)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "rows affected")
	}
	return n, nil
}

func (t *sqliteTx) CreateCycle(ctx context.Context, c *model.Cycle) error {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO cycle (organization_id, name, start_date, end_date) VALUES (?, ?, ?, ?)`,
		c.OrganizationID, c.Name, formatTime(c.Start), formatTime(c.End),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert cycle")
	}
	c.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: cycle id")
}

func (t *sqliteTx) CreateEntity(ctx context.Context, e *model.Entity) error {
	tbl, err := tablesFor(e.Kind)
	if err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = nowUTC()
	}

	res, err := t.tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (organization_id, created_at) VALUES (?, ?)`, tbl.entity),
		e.OrganizationID, formatTime(e.CreatedAt),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert %s", tbl.entity)
	}
	e.ID, err = res.LastInsertId()
	return eris.Wrapf(err, "sqlite: %s id", tbl.entity)
}

func (t *sqliteTx) CreateState(ctx context.Context, s *model.State) error {
	tbl, err := tablesFor(s.Kind)
	if err != nil {
		return err
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = nowUTC()
	}

	data, err := marshalData(s.Data)
	if err != nil {
		return err
	}

	res, err := t.tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (organization_id, data, created_at) VALUES (?, ?, ?)`, tbl.state),
		s.OrganizationID, string(data), formatTime(s.CreatedAt),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert %s", tbl.state)
	}
	s.ID, err = res.LastInsertId()
	return eris.Wrapf(err, "sqlite: %s id", tbl.state)
}

func (t *sqliteTx) CreateAuditLogNode(ctx context.Context, kind model.EntityKind, n *model.AuditLogNode) error {
	tbl, err := tablesFor(kind)
	if err != nil {
		return err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = nowUTC()
	}

	res, err := t.tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (state_id, parent1_id, parent2_id, name, created_at) VALUES (?, ?, ?, ?, ?)`, tbl.auditLog),
		n.StateID, nullableID(n.Parent1), nullableID(n.Parent2), n.Name, formatTime(n.CreatedAt),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert %s", tbl.auditLog)
	}
	n.ID, err = res.LastInsertId()
	return eris.Wrapf(err, "sqlite: %s id", tbl.auditLog)
}

func (t *sqliteTx) CreateView(ctx context.Context, kind model.EntityKind, v *model.View) error {
	tbl, err := tablesFor(kind)
	if err != nil {
		return err
	}

	res, err := t.tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s, cycle_id, state_id) VALUES (?, ?, ?)`, tbl.view, tbl.entityFK),
		v.EntityID, v.CycleID, v.StateID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert %s", tbl.view)
	}
	v.ID, err = res.LastInsertId()
	return eris.Wrapf(err, "sqlite: %s id", tbl.view)
}
