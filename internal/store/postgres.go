package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/seed-platform/seedctl/internal/db"
	"github.com/seed-platform/seedctl/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS cycle (
	id              BIGSERIAL PRIMARY KEY,
	organization_id BIGINT NOT NULL,
	name            TEXT NOT NULL,
	start_date      TIMESTAMPTZ NOT NULL,
	end_date        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cycle_start ON cycle(start_date);

CREATE TABLE IF NOT EXISTS prune_runs (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	kind            TEXT NOT NULL,
	organization_id BIGINT NOT NULL DEFAULT 0,
	depth           INTEGER NOT NULL,
	dry_run         BOOLEAN NOT NULL DEFAULT false,
	status          TEXT NOT NULL DEFAULT 'running',
	total_states    BIGINT NOT NULL DEFAULT 0,
	kept_states     BIGINT NOT NULL DEFAULT 0,
	deleted_states  BIGINT NOT NULL DEFAULT 0,
	error           TEXT,
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_prune_runs_started_at ON prune_runs(started_at DESC);
`

// postgresKindMigration creates the four tables of one entity kind. Audit
// log rows go with their state; parent links are cleared when a parent goes.
// Views restrict state deletion, so a viewed state can never be pruned.
const postgresKindMigration = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id              BIGSERIAL PRIMARY KEY,
	organization_id BIGINT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[3]s (
	id              BIGSERIAL PRIMARY KEY,
	organization_id BIGINT NOT NULL,
	data            JSONB NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[4]s (
	id         BIGSERIAL PRIMARY KEY,
	state_id   BIGINT NOT NULL UNIQUE REFERENCES %[3]s(id) ON DELETE CASCADE,
	parent1_id BIGINT REFERENCES %[4]s(id) ON DELETE SET NULL,
	parent2_id BIGINT REFERENCES %[4]s(id) ON DELETE SET NULL,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[2]s (
	id       BIGSERIAL PRIMARY KEY,
	%[5]s    BIGINT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
	cycle_id BIGINT NOT NULL REFERENCES cycle(id),
	state_id BIGINT NOT NULL REFERENCES %[3]s(id),
	UNIQUE (%[5]s, cycle_id)
);

CREATE INDEX IF NOT EXISTS idx_%[3]s_org ON %[3]s(organization_id);
CREATE INDEX IF NOT EXISTS idx_%[2]s_state ON %[2]s(state_id);
CREATE INDEX IF NOT EXISTS idx_%[4]s_parent1 ON %[4]s(parent1_id);
CREATE INDEX IF NOT EXISTS idx_%[4]s_parent2 ON %[4]s(parent2_id);
`

func kindMigration(tmpl string, t tableSet) string {
	return fmt.Sprintf(tmpl, t.entity, t.view, t.state, t.auditLog, t.entityFK)
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	var b strings.Builder
	b.WriteString(postgresMigration)
	for _, kind := range model.AllKinds {
		t, err := tablesFor(kind)
		if err != nil {
			return err
		}
		b.WriteString(kindMigration(postgresKindMigration, t))
	}
	_, err := s.pool.Exec(ctx, b.String())
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// RunInTx runs fn in a REPEATABLE READ transaction. The keeper computation
// reads one snapshot and the delete only sees rows from that snapshot, so
// states written concurrently are never pruned.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			zap.L().Warn("postgres: rollback failed", zap.Error(rbErr))
		}
		return err
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

func (s *PostgresStore) CreatePruneRun(ctx context.Context, run *model.PruneRun) error {
	run.ID = uuid.New().String()
	run.Status = model.PruneStatusRunning
	run.StartedAt = nowUTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO prune_runs (id, kind, organization_id, depth, dry_run, status, started_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, string(run.Kind), run.OrganizationID, run.Depth, run.DryRun, string(run.Status), run.StartedAt,
	)
	return eris.Wrap(err, "postgres: insert prune run")
}

func (s *PostgresStore) CompletePruneRun(ctx context.Context, runID string, outcome model.PruneOutcome) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE prune_runs SET status = $1, total_states = $2, kept_states = $3, deleted_states = $4, completed_at = $5 WHERE id = $6`,
		string(model.PruneStatusComplete), outcome.TotalStates, outcome.KeptStates, outcome.DeletedStates, nowUTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete prune run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("prune run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailPruneRun(ctx context.Context, runID string, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE prune_runs SET status = $1, error = $2, completed_at = $3 WHERE id = $4`,
		string(model.PruneStatusFailed), errMsg, nowUTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail prune run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("prune run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) ListPruneRuns(ctx context.Context, filter PruneRunFilter) ([]model.PruneRun, error) {
	query := `SELECT id, kind, organization_id, depth, dry_run, status, total_states, kept_states, deleted_states, error, started_at, completed_at FROM prune_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list prune runs")
	}
	defer rows.Close()

	var runs []model.PruneRun
	for rows.Next() {
		var r model.PruneRun
		var errMsg *string
		if err := rows.Scan(&r.ID, &r.Kind, &r.OrganizationID, &r.Depth, &r.DryRun, &r.Status,
			&r.TotalStates, &r.KeptStates, &r.DeletedStates, &errMsg, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan prune run")
		}
		if errMsg != nil {
			r.Error = *errMsg
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate prune runs")
}

// pgTx implements Tx over a pgx transaction.
type pgTx struct {
	q db.Querier
}

// orgFilter matches every organization when the bound value is zero.
const orgFilter = `($1::bigint = 0 OR organization_id = $1)`

func (t *pgTx) ListEntities(ctx context.Context, scope model.Scope) ([]model.Entity, error) {
	tbl, err := tablesFor(scope.Kind)
	if err != nil {
		return nil, err
	}

	rows, err := t.q.Query(ctx,
		fmt.Sprintf(`SELECT id, organization_id, created_at FROM %s WHERE %s ORDER BY id`, tbl.entity, orgFilter),
		scope.OrganizationID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s", tbl.entity)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e := model.Entity{Kind: scope.Kind}
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.CreatedAt); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", tbl.entity)
		}
		out = append(out, e)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: iterate %s", tbl.entity)
}

func (t *pgTx) FindLatestView(ctx context.Context, kind model.EntityKind, entityID int64) (*model.View, error) {
	tbl, err := tablesFor(kind)
	if err != nil {
		return nil, err
	}

	var v model.View
	err = t.q.QueryRow(ctx,
		fmt.Sprintf(`SELECT v.id, v.%[2]s, v.cycle_id, c.start_date, v.state_id
		 FROM %[1]s v JOIN cycle c ON c.id = v.cycle_id
		 WHERE v.%[2]s = $1
		 ORDER BY c.start_date DESC, v.id DESC LIMIT 1`, tbl.view, tbl.entityFK),
		entityID,
	).Scan(&v.ID, &v.EntityID, &v.CycleID, &v.CycleStart, &v.StateID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest %s for %d", tbl.view, entityID)
	}
	return &v, nil
}

func (t *pgTx) ListAuditLogNodes(ctx context.Context, scope model.Scope) ([]model.AuditLogNode, error) {
	tbl, err := tablesFor(scope.Kind)
	if err != nil {
		return nil, err
	}

	rows, err := t.q.Query(ctx,
		fmt.Sprintf(`SELECT a.id, a.state_id, a.parent1_id, a.parent2_id, a.name, a.created_at
		 FROM %[1]s a JOIN %[2]s s ON s.id = a.state_id
		 WHERE ($1::bigint = 0 OR s.organization_id = $1)`, tbl.auditLog, tbl.state),
		scope.OrganizationID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s", tbl.auditLog)
	}
	defer rows.Close()

	var out []model.AuditLogNode
	for rows.Next() {
		var n model.AuditLogNode
		if err := rows.Scan(&n.ID, &n.StateID, &n.Parent1, &n.Parent2, &n.Name, &n.CreatedAt); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", tbl.auditLog)
		}
		out = append(out, n)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: iterate %s", tbl.auditLog)
}

func (t *pgTx) ListStateIDsReferencedByAnyView(ctx context.Context, scope model.Scope) ([]int64, error) {
	tbl, err := tablesFor(scope.Kind)
	if err != nil {
		return nil, err
	}

	rows, err := t.q.Query(ctx,
		fmt.Sprintf(`SELECT DISTINCT v.state_id FROM %[1]s v JOIN %[2]s s ON s.id = v.state_id
		 WHERE ($1::bigint = 0 OR s.organization_id = $1)`, tbl.view, tbl.state),
		scope.OrganizationID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list viewed %s", tbl.state)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan viewed %s", tbl.state)
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrapf(rows.Err(), "postgres: iterate viewed %s", tbl.state)
}

func (t *pgTx) CountStates(ctx context.Context, scope model.Scope) (int64, error) {
	tbl, err := tablesFor(scope.Kind)
	if err != nil {
		return 0, err
	}

	var n int64
	err = t.q.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s`, tbl.state, orgFilter),
		scope.OrganizationID,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: count %s", tbl.state)
	}
	return n, nil
}

// DeleteStates copies the keeper IDs into a transaction-scoped temp table
// and deletes every other state in scope with one statement.
func (t *pgTx) DeleteStates(ctx context.Context, scope model.Scope, keep []int64) (int64, error) {
	tbl, err := tablesFor(scope.Kind)
	if err != nil {
		return 0, err
	}

	if _, err := t.q.Exec(ctx, `CREATE TEMP TABLE IF NOT EXISTS prune_keep_ids (id BIGINT PRIMARY KEY) ON COMMIT DROP`); err != nil {
		return 0, eris.Wrap(err, "postgres: create keep table")
	}
	if _, err := t.q.Exec(ctx, `TRUNCATE prune_keep_ids`); err != nil {
		return 0, eris.Wrap(err, "postgres: truncate keep table")
	}
	if _, err := db.CopyIDs(ctx, t.q, "prune_keep_ids", "id", keep); err != nil {
		return 0, err
	}

	tag, err := t.q.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s s WHERE ($1::bigint = 0 OR s.organization_id = $1)
		 AND NOT EXISTS (SELECT 1 FROM prune_keep_ids k WHERE k.id = s.id)`, tbl.state),
		scope.OrganizationID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete %s", tbl.state)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) CreateCycle(ctx context.Context, c *model.Cycle) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO cycle (organization_id, name, start_date, end_date) VALUES ($1, $2, $3, $4) RETURNING id`,
		c.OrganizationID, c.Name, c.Start, c.End,
	).Scan(&c.ID)
	return eris.Wrap(err, "postgres: insert cycle")
}

func (t *pgTx) CreateEntity(ctx context.Context, e *model.Entity) error {
	tbl, err := tablesFor(e.Kind)
	if err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = nowUTC()
	}

	err = t.q.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (organization_id, created_at) VALUES ($1, $2) RETURNING id`, tbl.entity),
		e.OrganizationID, e.CreatedAt,
	).Scan(&e.ID)
	return eris.Wrapf(err, "postgres: insert %s", tbl.entity)
}

func (t *pgTx) CreateState(ctx context.Context, s *model.State) error {
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

	err = t.q.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (organization_id, data, created_at) VALUES ($1, $2, $3) RETURNING id`, tbl.state),
		s.OrganizationID, data, s.CreatedAt,
	).Scan(&s.ID)
	return eris.Wrapf(err, "postgres: insert %s", tbl.state)
}

func (t *pgTx) CreateAuditLogNode(ctx context.Context, kind model.EntityKind, n *model.AuditLogNode) error {
	tbl, err := tablesFor(kind)
	if err != nil {
		return err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = nowUTC()
	}

	err = t.q.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (state_id, parent1_id, parent2_id, name, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`, tbl.auditLog),
		n.StateID, n.Parent1, n.Parent2, n.Name, n.CreatedAt,
	).Scan(&n.ID)
	return eris.Wrapf(err, "postgres: insert %s", tbl.auditLog)
}

func (t *pgTx) CreateView(ctx context.Context, kind model.EntityKind, v *model.View) error {
	tbl, err := tablesFor(kind)
	if err != nil {
		return err
	}

	err = t.q.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s, cycle_id, state_id) VALUES ($1, $2, $3) RETURNING id`, tbl.view, tbl.entityFK),
		v.EntityID, v.CycleID, v.StateID,
	).Scan(&v.ID)
	return eris.Wrapf(err, "postgres: insert %s", tbl.view)
}

func marshalData(data map[string]any) ([]byte, error) {
	if data == nil {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal state data")
	}
	return b, nil
}
