package sink

import (
	"context"
	"database/sql"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ohdsi/load-euctr/internal/bronze"
)

// SQLiteBackend runs on modernc.org/sqlite. It serialises all access over a
// single connection.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens a SQLite database at dsn (a path or ":memory:").
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteBackend, error) {
	if dsn == "" {
		return nil, eris.New("sink: sqlite dsn is empty")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sink: open sqlite")
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sink: exec %s", pragma)
		}
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Dialect() Dialect { return SQLite }

func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return eris.Wrap(b.db.PingContext(ctx), "sink: ping")
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) WithTx(ctx context.Context, fn func(ctx context.Context, s Sink) error) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sink: begin tx")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				zap.L().Warn("sink: rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(ctx, &sqliteSink{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return eris.Wrap(err, "sink: commit")
	}
	return nil
}

type sqliteSink struct {
	tx *sql.Tx
}

func (s *sqliteSink) Dialect() Dialect { return SQLite }

// PrepareSchema is a no-op: schemas are folded into table names.
func (s *sqliteSink) PrepareSchema(context.Context, string) error { return nil }

// BulkLoad decodes the COPY text stream and inserts it through one prepared
// statement inside the transaction.
func (s *sqliteSink) BulkLoad(ctx context.Context, table Table, r io.Reader, columns []string, delimiter rune) (int64, error) {
	if len(columns) == 0 {
		return 0, eris.New("sink: bulk load: no columns specified")
	}
	if delimiter <= 0 || delimiter > 0x7f {
		return 0, eris.Errorf("sink: bulk load: delimiter %q must be a single-byte character", delimiter)
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = SQLite.Quote(c)
	}
	stmt, err := s.tx.PrepareContext(ctx, "INSERT INTO "+SQLite.Qualify(table)+
		" ("+strings.Join(quoted, ", ")+") VALUES ("+strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")+")")
	if err != nil {
		return 0, eris.Wrapf(err, "sink: bulk load: prepare insert into %s", table)
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	args := make([]any, len(columns))
	for fields, err := range bronze.Decode(r, byte(delimiter), len(columns)) {
		if err != nil {
			return 0, eris.Wrapf(err, "sink: bulk load into %s", table)
		}
		for i, f := range fields {
			if f.Null {
				args[i] = nil
			} else {
				args[i] = f.Value
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, eris.Wrapf(err, "sink: bulk load into %s: row %d", table, n+1)
		}
		n++
	}
	return n, nil
}

func (s *sqliteSink) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sink: execute")
	}
	return rowsAffected(res)
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sink: rows affected")
	}
	return n, nil
}

func (s *sqliteSink) QueryRow(ctx context.Context, query string, args ...any) Row {
	return s.tx.QueryRowContext(ctx, query, args...)
}

func (s *sqliteSink) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sink: query")
	}
	return sqlRows{rows}, nil
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }
