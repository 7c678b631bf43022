package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohdsi/load-euctr/internal/db"
)

type fakeCopier struct {
	sql  string
	data bytes.Buffer
	err  error
}

func (f *fakeCopier) CopyFrom(_ context.Context, r io.Reader, sql string) (pgconn.CommandTag, error) {
	f.sql = sql
	if _, err := io.Copy(&f.data, r); err != nil {
		return pgconn.CommandTag{}, err
	}
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag(fmt.Sprintf("COPY %d", strings.Count(f.data.String(), "\n"))), nil
}

func newMockBackend(t *testing.T) (pgxmock.PgxPoolIface, *PostgresBackend, *fakeCopier) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	b := NewPostgres(mock, 16)
	fc := &fakeCopier{}
	b.copier = func(pgx.Tx) db.Copier { return fc }
	return mock, b, fc
}

func TestPostgres_WithTx_Commit(t *testing.T) {
	mock, b, fc := newMockBackend(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE SCHEMA IF NOT EXISTS "raw"`)).
		WillReturnResult(pgxmock.NewResult("CREATE SCHEMA", 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "silver"."trials"`)).
		WithArgs("load-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	var loaded, upserted int64
	err := b.WithTx(context.Background(), func(ctx context.Context, s Sink) error {
		assert.Equal(t, Postgres, s.Dialect())
		if err := s.PrepareSchema(ctx, "raw"); err != nil {
			return err
		}
		var err error
		loaded, err = s.BulkLoad(ctx, Table{Schema: "raw", Name: "ctis_trials"}, strings.NewReader("a\tb\nc\td\n"), []string{"x", "y"}, '\t')
		if err != nil {
			return err
		}
		upserted, err = s.Execute(ctx, `INSERT INTO "silver"."trials" SELECT 1 WHERE $1 <> ''`, "load-1")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded)
	assert.Equal(t, int64(2), upserted)
	assert.Contains(t, fc.sql, `COPY "raw"."ctis_trials" ("x", "y") FROM STDIN`)
	assert.Equal(t, "a\tb\nc\td\n", fc.data.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_WithTx_RollbackOnError(t *testing.T) {
	mock, b, fc := newMockBackend(t)
	fc.err = errors.New(`invalid input syntax for type json`)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := b.WithTx(context.Background(), func(ctx context.Context, s Sink) error {
		_, err := s.BulkLoad(ctx, Table{Schema: "raw", Name: "t"}, strings.NewReader("x\n"), []string{"data"}, '\t')
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bulk load")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_WithTx_RollbackOnPanic(t *testing.T) {
	mock, b, _ := newMockBackend(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = b.WithTx(context.Background(), func(context.Context, Sink) error {
			panic("boom")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_WithTx_BeginFails(t *testing.T) {
	mock, b, _ := newMockBackend(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	called := false
	err := b.WithTx(context.Background(), func(context.Context, Sink) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_WithTx_CommitFails(t *testing.T) {
	mock, b, _ := newMockBackend(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))
	mock.ExpectRollback()

	err := b.WithTx(context.Background(), func(context.Context, Sink) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit")
}

func TestPostgres_ExecuteError(t *testing.T) {
	mock, b, _ := newMockBackend(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	err := b.WithTx(context.Background(), func(ctx context.Context, s Sink) error {
		_, err := s.Execute(ctx, "UPDATE nothing")
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink: execute")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Query(t *testing.T) {
	mock, b, _ := newMockBackend(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT load_id").
		WillReturnRows(pgxmock.NewRows([]string{"load_id"}).AddRow("a").AddRow("b"))
	mock.ExpectCommit()

	var ids []string
	err := b.WithTx(context.Background(), func(ctx context.Context, s Sink) error {
		rows, err := s.Query(ctx, "SELECT load_id FROM meta.load_runs")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestPostgres_PingAndClose(t *testing.T) {
	mock, b, _ := newMockBackend(t)
	mock.ExpectPing()
	assert.NoError(t, b.Ping(context.Background()))
	assert.Equal(t, Postgres, b.Dialect())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle"})
	assert.Error(t, err)
}

func TestDialect_Qualify(t *testing.T) {
	tbl := Table{Schema: "raw", Name: "ctis_trials"}
	assert.Equal(t, `"raw"."ctis_trials"`, Postgres.Qualify(tbl))
	assert.Equal(t, `"raw__ctis_trials"`, SQLite.Qualify(tbl))
	assert.Equal(t, `"trials"`, SQLite.Qualify(Table{Name: "trials"}))
	assert.Equal(t, "raw.ctis_trials", tbl.String())
}
