package sink

import (
	"context"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ohdsi/load-euctr/internal/db"
)

// PostgresBackend runs on a pgx pool.
type PostgresBackend struct {
	pool      db.Pool
	chunkSize int
	// copier exposes the raw COPY channel of a transaction's connection.
	copier func(tx pgx.Tx) db.Copier
}

// OpenPostgres creates a pool and verifies connectivity.
func OpenPostgres(ctx context.Context, opts Options) (*PostgresBackend, error) {
	pool, err := db.NewPool(ctx, opts.DSN, db.PoolConfig{MaxConns: opts.MaxConns, MinConns: opts.MinConns})
	if err != nil {
		return nil, eris.Wrap(err, "sink: connect postgres")
	}
	return NewPostgres(pool, opts.ChunkSize), nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool db.Pool, chunkSize int) *PostgresBackend {
	return &PostgresBackend{
		pool:      pool,
		chunkSize: chunkSize,
		copier:    func(tx pgx.Tx) db.Copier { return tx.Conn().PgConn() },
	}
}

func (b *PostgresBackend) Dialect() Dialect { return Postgres }

func (b *PostgresBackend) Ping(ctx context.Context) error {
	return eris.Wrap(b.pool.Ping(ctx), "sink: ping")
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

func (b *PostgresBackend) WithTx(ctx context.Context, fn func(ctx context.Context, s Sink) error) (err error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "sink: begin tx")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				zap.L().Warn("sink: rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(ctx, &pgSink{tx: tx, backend: b}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "sink: commit")
	}
	return nil
}

type pgSink struct {
	tx      pgx.Tx
	backend *PostgresBackend
}

func (s *pgSink) Dialect() Dialect { return Postgres }

func (s *pgSink) PrepareSchema(ctx context.Context, schema string) error {
	_, err := s.tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+Postgres.Quote(schema))
	return eris.Wrapf(err, "sink: create schema %s", schema)
}

func (s *pgSink) BulkLoad(ctx context.Context, table Table, r io.Reader, columns []string, delimiter rune) (int64, error) {
	n, err := db.StreamCopy(ctx, s.backend.copier(s.tx), table.String(), columns, delimiter, r, s.backend.chunkSize)
	if err != nil {
		return 0, eris.Wrap(err, "sink: bulk load")
	}
	return n, nil
}

func (s *pgSink) Execute(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := s.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sink: execute")
	}
	return tag.RowsAffected(), nil
}

func (s *pgSink) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return s.tx.QueryRow(ctx, sql, args...)
}

func (s *pgSink) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := s.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sink: query")
	}
	return rows, nil
}
