package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyIDs bulk-inserts ids into a single-column table using the
// PostgreSQL COPY protocol.
func CopyIDs(ctx context.Context, q Querier, table, column string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	n, err := q.CopyFrom(ctx, pgx.Identifier{table}, []string{column}, pgx.CopyFromSlice(len(ids), func(i int) ([]any, error) {
		return []any{ids[i]}, nil
	}))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}

	return n, nil
}
