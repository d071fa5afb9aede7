package stats

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/planlab/common"
)

func openTestSQLite(t *testing.T) *SQLite {
	path := filepath.Join(t.TempDir(), "stats.db")
	s, err := OpenSQLite(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.db.Exec(`CREATE TABLE nation (n_nationkey INTEGER, n_regionkey INTEGER, n_name TEXT)`)
	require.NoError(t, err)

	tx, err := s.db.Begin()
	require.NoError(t, err)
	stmt, err := tx.Prepare(`INSERT INTO nation VALUES (?, ?, ?)`)
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		_, err := stmt.Exec(i, i%5, "nation")
		require.NoError(t, err)
	}
	require.NoError(t, stmt.Close())
	require.NoError(t, tx.Commit())
	return s
}

func TestSQLiteCounts(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	rows, err := s.RowCount(ctx, "nation")
	require.NoError(t, err)
	assert.Equal(t, int64(25), rows)

	distinct, err := s.DistinctCount(ctx, "nation", "n_regionkey")
	require.NoError(t, err)
	assert.Equal(t, int64(5), distinct)

	blocks, err := s.BlockCount(ctx, "nation")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, blocks, int64(1))
}

func TestSQLiteMissingObjects(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	_, err := s.RowCount(ctx, "region")
	assert.True(t, common.IsCode(err, common.StatisticsUnavailable))

	_, err = s.DistinctCount(ctx, "nation", "n_comment")
	assert.True(t, common.IsCode(err, common.StatisticsUnavailable))
}

func TestSQLiteBufferBudget(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	_, err := s.db.Exec(`PRAGMA cache_size = 500`)
	require.NoError(t, err)
	m, err := s.BufferBudgetBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), m)
}

func TestSQLiteCancelledContextIsNotUnavailable(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	s := NewSQLite(db, nil)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.RowCount(ctx, "nation")
	require.Error(t, err)
	assert.False(t, common.IsCode(err, common.StatisticsUnavailable))
}
