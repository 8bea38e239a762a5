package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seed-platform/seedctl/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_ForeignKeysEnabled(t *testing.T) {
	st := newTestSQLiteStore(t)

	var on int
	require.NoError(t, st.db.QueryRow("PRAGMA foreign_keys").Scan(&on))
	assert.Equal(t, 1, on)
}

func TestSQLite_TimeFormatSortsAsText(t *testing.T) {
	early := time.Date(2020, 1, 1, 0, 0, 0, 500, time.UTC)
	late := time.Date(2020, 1, 1, 0, 0, 1, 0, time.FixedZone("EST", -5*3600))

	assert.Less(t, formatTime(early), formatTime(late))
	assert.Len(t, formatTime(early), len(formatTime(late)))

	got, err := parseTime(formatTime(late))
	require.NoError(t, err)
	assert.True(t, got.Equal(late))
}

func TestSQLite_DeleteCascadesAuditLog(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var keepNode int64
	build(t, st, 1, func(b *lineageBuilder) {
		c := b.cycle(2020)
		e := b.entity(model.KindTaxLot)
		_, parent := b.state(model.KindTaxLot)
		head, node := b.state(model.KindTaxLot, parent)
		keepNode = node
		b.view(model.KindTaxLot, e, c, head)
	})

	scope := model.Scope{Kind: model.KindTaxLot}
	err := st.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		viewed, err := tx.ListStateIDsReferencedByAnyView(ctx, scope)
		require.NoError(t, err)
		n, err := tx.DeleteStates(ctx, scope, viewed)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		nodes, err := tx.ListAuditLogNodes(ctx, scope)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, keepNode, nodes[0].ID)
		assert.Nil(t, nodes[0].Parent1, "parent link cleared when parent node is deleted")
		return nil
	})
	require.NoError(t, err)
}

func TestSQLite_DeleteViewedStateFails(t *testing.T) {
	st := newTestSQLiteStore(t)

	build(t, st, 1, func(b *lineageBuilder) {
		c := b.cycle(2020)
		e := b.entity(model.KindProperty)
		head, _ := b.state(model.KindProperty)
		b.view(model.KindProperty, e, c, head)
	})

	err := st.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.DeleteStates(ctx, model.Scope{Kind: model.KindProperty}, nil)
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete property_state")
}
