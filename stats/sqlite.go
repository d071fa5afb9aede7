package stats

import (
	"context"
	"database/sql"
	"io"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"mit.edu/dsg/planlab/common"

	_ "modernc.org/sqlite"
)

// DefaultAvgRowBytes is the row width assumed when the block count has to be
// derived from the row count because the dbstat table is unavailable.
const DefaultAvgRowBytes = 128

// SQLite reads statistics straight from a SQLite database: row and distinct
// counts are computed with COUNT queries, block counts come from the dbstat
// virtual table and the buffer budget from PRAGMA cache_size.
type SQLite struct {
	db          *sql.DB
	avgRowBytes int64
	logger      logrus.FieldLogger
}

// OpenSQLite opens the database file at path.
func OpenSQLite(path string, logger logrus.FieldLogger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite database %s", path)
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping sqlite database %s", path)
	}
	return NewSQLite(db, logger), nil
}

// NewSQLite wraps an already open handle.
func NewSQLite(db *sql.DB, logger logrus.FieldLogger) *SQLite {
	if logger == nil {
		l := logrus.New()
		l.Out = io.Discard
		logger = l
	}
	return &SQLite{db: db, avgRowBytes: DefaultAvgRowBytes, logger: logger}
}

// SetAvgRowBytes overrides the row width used by the block-count fallback.
func (s *SQLite) SetAvgRowBytes(n int64) {
	if n > 0 {
		s.avgRowBytes = n
	}
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	q := "SELECT COUNT(*) FROM " + quoteIdent(table)
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, s.unavailable(err, "row count of %s", table)
	}
	return n, nil
}

func (s *SQLite) DistinctCount(ctx context.Context, table, column string) (int64, error) {
	var n int64
	q := "SELECT COUNT(DISTINCT " + quoteIdent(column) + ") FROM " + quoteIdent(table)
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, s.unavailable(err, "distinct count of %s.%s", table, column)
	}
	return n, nil
}

func (s *SQLite) BlockCount(ctx context.Context, table string) (int64, error) {
	var pages int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dbstat WHERE name = ?", table).Scan(&pages)
	if err == nil && pages > 0 {
		return pages, nil
	}
	if err != nil {
		s.logger.WithError(err).WithField("table", table).Debug("dbstat unavailable, deriving blocks from row count")
	}

	rows, err := s.RowCount(ctx, table)
	if err != nil {
		return 0, err
	}
	pageSize, err := s.pageSize(ctx)
	if err != nil {
		return 0, err
	}
	return int64(math.Ceil(float64(rows*s.avgRowBytes) / float64(pageSize))), nil
}

// BufferBudgetBlocks converts PRAGMA cache_size to pages. A negative cache
// size is a budget in KiB.
func (s *SQLite) BufferBudgetBlocks(ctx context.Context) (int64, error) {
	var cacheSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA cache_size").Scan(&cacheSize); err != nil {
		return 0, errors.Wrap(err, "read cache_size")
	}
	if cacheSize >= 0 {
		return cacheSize, nil
	}
	pageSize, err := s.pageSize(ctx)
	if err != nil {
		return 0, err
	}
	return (-cacheSize * 1024) / pageSize, nil
}

func (s *SQLite) pageSize(ctx context.Context) (int64, error) {
	var pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, errors.Wrap(err, "read page_size")
	}
	if pageSize <= 0 {
		return 0, common.Errorf(common.InvalidConfiguration, "page_size %d", pageSize)
	}
	return pageSize, nil
}

// unavailable maps "no such table/column" to StatisticsUnavailable and keeps
// every other failure (cancellation, I/O) as a plain wrapped error.
func (s *SQLite) unavailable(err error, format string, args ...any) error {
	msg := err.Error()
	if strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") {
		return errors.Wrapf(common.Errorf(common.StatisticsUnavailable, "%s", msg), format, args...)
	}
	return errors.Wrapf(err, format, args...)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
