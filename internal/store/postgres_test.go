package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seed-platform/seedctl/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var repeatableRead = pgx.TxOptions{IsoLevel: pgx.RepeatableRead}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cycle`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RunInTx_Commit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBeginTx(repeatableRead)
	mock.ExpectQuery(`SELECT count\(\*\) FROM property_state`).
		WithArgs(int64(0)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(12)))
	mock.ExpectCommit()

	var n int64
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		n, err = tx.CountStates(ctx, model.Scope{Kind: model.KindProperty})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RunInTx_RollbackOnError(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	boom := errors.New("boom")

	mock.ExpectBeginTx(repeatableRead)
	mock.ExpectRollback()

	err := s.RunInTx(context.Background(), func(context.Context, Tx) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RunInTx_BeginError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBeginTx(repeatableRead).WillReturnError(errors.New("too many connections"))

	err := s.RunInTx(context.Background(), func(context.Context, Tx) error {
		t.Fatal("fn must not run")
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgTx_FindLatestView_NoRows(t *testing.T) {
	_, mock := newMockPostgresStore(t)
	tx := &pgTx{q: mock}

	mock.ExpectQuery(`FROM taxlot_view v JOIN cycle c`).
		WithArgs(int64(9)).
		WillReturnError(pgx.ErrNoRows)

	v, err := tx.FindLatestView(context.Background(), model.KindTaxLot, 9)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgTx_FindLatestView(t *testing.T) {
	_, mock := newMockPostgresStore(t)
	tx := &pgTx{q: mock}
	start := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`ORDER BY c.start_date DESC`).
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "property_id", "cycle_id", "start_date", "state_id"}).
			AddRow(int64(7), int64(3), int64(2), start, int64(44)))

	v, err := tx.FindLatestView(context.Background(), model.KindProperty, 3)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, int64(44), v.StateID)
	assert.Equal(t, start, v.CycleStart)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgTx_ListStateIDsReferencedByAnyView(t *testing.T) {
	_, mock := newMockPostgresStore(t)
	tx := &pgTx{q: mock}

	mock.ExpectQuery(`SELECT DISTINCT v.state_id FROM property_view v`).
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"state_id"}).AddRow(int64(1)).AddRow(int64(4)))

	ids, err := tx.ListStateIDsReferencedByAnyView(context.Background(), model.Scope{Kind: model.KindProperty, OrganizationID: 5})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgTx_ListEntities(t *testing.T) {
	_, mock := newMockPostgresStore(t)
	tx := &pgTx{q: mock}
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, organization_id, created_at FROM taxlot`).
		WithArgs(int64(0)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "organization_id", "created_at"}).
			AddRow(int64(1), int64(2), now).
			AddRow(int64(5), int64(2), now))

	entities, err := tx.ListEntities(context.Background(), model.Scope{Kind: model.KindTaxLot})
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, model.KindTaxLot, entities[1].Kind)
	assert.Equal(t, int64(5), entities[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgTx_DeleteStates(t *testing.T) {
	_, mock := newMockPostgresStore(t)
	tx := &pgTx{q: mock}

	mock.ExpectExec(`CREATE TEMP TABLE IF NOT EXISTS prune_keep_ids`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`TRUNCATE prune_keep_ids`).
		WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"prune_keep_ids"}, []string{"id"}).
		WillReturnResult(3)
	mock.ExpectExec(`DELETE FROM property_state s`).
		WithArgs(int64(0)).
		WillReturnResult(pgxmock.NewResult("DELETE", 17))

	n, err := tx.DeleteStates(context.Background(), model.Scope{Kind: model.KindProperty}, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgTx_DeleteStates_ForeignKeyViolation(t *testing.T) {
	_, mock := newMockPostgresStore(t)
	tx := &pgTx{q: mock}

	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`TRUNCATE`).WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"prune_keep_ids"}, []string{"id"}).WillReturnResult(1)
	mock.ExpectExec(`DELETE FROM taxlot_state s`).
		WithArgs(int64(0)).
		WillReturnError(errors.New(`violates foreign key constraint "taxlot_view_state_id_fkey"`))

	_, err := tx.DeleteStates(context.Background(), model.Scope{Kind: model.KindTaxLot}, []int64{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete taxlot_state")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgTx_UnknownKind(t *testing.T) {
	_, mock := newMockPostgresStore(t)
	tx := &pgTx{q: mock}

	_, err := tx.CountStates(context.Background(), model.Scope{Kind: "building"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown entity kind")
}

func TestPostgresStore_CreatePruneRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO prune_runs`).
		WithArgs(pgxmock.AnyArg(), "property", int64(0), 5, false, "running", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run := &model.PruneRun{Kind: model.KindProperty, Depth: 5}
	require.NoError(t, s.CreatePruneRun(context.Background(), run))
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.PruneStatusRunning, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompletePruneRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE prune_runs SET status`).
		WithArgs("complete", int64(1), int64(1), int64(0), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompletePruneRun(context.Background(), "missing", model.PruneOutcome{TotalStates: 1, KeptStates: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prune run not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailPruneRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE prune_runs SET status`).
		WithArgs("failed", "boom", pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.FailPruneRun(context.Background(), "run-1", "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
