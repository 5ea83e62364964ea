package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T, table string) *Repository {
	t.Helper()
	repo, closeFn, err := NewRepository(context.Background(), Config{DSN: "file::memory:", Table: table})
	require.NoError(t, err)
	t.Cleanup(closeFn)
	return repo
}

func TestNewRepositoryValidatesConfig(t *testing.T) {
	_, _, err := NewRepository(context.Background(), Config{Table: "x"})
	assert.ErrorContains(t, err, "DSN")

	_, _, err = NewRepository(context.Background(), Config{DSN: "file::memory:"})
	assert.ErrorContains(t, err, "table")
}

func TestEnsureTableAddsMissingColumns(t *testing.T) {
	ctx := context.Background()
	repo := openMemory(t, "DJ_1922")

	require.NoError(t, repo.EnsureTable(ctx, []string{"C1", "C2"}))
	require.NoError(t, repo.EnsureTable(ctx, []string{"C1", "C2", "C3"}))

	cols, err := repo.columns(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"C1": true, "C2": true, "C3": true}, cols)
}

func TestCopyFrom(t *testing.T) {
	ctx := context.Background()
	repo := openMemory(t, "DJ_1922")
	columns := []string{"C1", "C2"}
	require.NoError(t, repo.EnsureTable(ctx, columns))

	n, err := repo.CopyFrom(ctx, columns, [][]any{{"a", "1"}, {"b", nil}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = repo.CopyFrom(ctx, columns, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	var nulls int
	require.NoError(t, repo.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "DJ_1922" WHERE C2 IS NULL`).Scan(&nulls))
	assert.Equal(t, 1, nulls)
}

func TestCopyFromRollsBackOnBadRow(t *testing.T) {
	ctx := context.Background()
	repo := openMemory(t, "DJ_1922")
	columns := []string{"C1", "C2"}
	require.NoError(t, repo.EnsureTable(ctx, columns))

	_, err := repo.CopyFrom(ctx, columns, [][]any{{"a", "1"}, {"short"}})
	assert.ErrorContains(t, err, "row length")

	var count int
	require.NoError(t, repo.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "DJ_1922"`).Scan(&count))
	assert.Zero(t, count)
}
