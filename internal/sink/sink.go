// Package sink is the transactional bulk-load target. A Backend owns the
// connection; each run works through the Sink handed to WithTx, so schema
// preparation, the Bronze copy and the Silver transform commit or roll back
// together.
package sink

import (
	"context"
	"io"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Dialect names a SQL flavour.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Table is a schema-qualified table.
type Table struct {
	Schema string
	Name   string
}

func (t Table) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Quote quotes a single identifier.
func (d Dialect) Quote(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

// Qualify renders t for d. SQLite has no schemas, so the schema becomes a
// "schema__" prefix of the table name.
func (d Dialect) Qualify(t Table) string {
	if t.Schema == "" {
		return d.Quote(t.Name)
	}
	if d == SQLite {
		return d.Quote(t.Schema + "__" + t.Name)
	}
	return pgx.Identifier{t.Schema, t.Name}.Sanitize()
}

// Row is a single-row query result.
type Row interface {
	Scan(dest ...any) error
}

// Rows is a multi-row query result.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Sink is a transaction-scoped handle on the target database.
type Sink interface {
	Dialect() Dialect
	// PrepareSchema creates the namespace if it does not exist.
	PrepareSchema(ctx context.Context, schema string) error
	// BulkLoad streams delimited text rows from r into table through the
	// backend's native bulk path. Any malformed row fails the whole load.
	BulkLoad(ctx context.Context, table Table, r io.Reader, columns []string, delimiter rune) (int64, error)
	// Execute runs one statement, or a parameterless script, and returns
	// the affected row count.
	Execute(ctx context.Context, sql string, args ...any) (int64, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
}

// Backend owns connections and hands out transactional Sinks.
type Backend interface {
	Dialect() Dialect
	// WithTx begins a transaction, runs fn and commits only if fn returns
	// nil. Any error or panic rolls the transaction back.
	WithTx(ctx context.Context, fn func(ctx context.Context, s Sink) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver    string
	DSN       string
	MaxConns  int32
	MinConns  int32
	ChunkSize int
}

// Open connects to the configured backend. Connection failures are
// reported here, before any run starts.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch Dialect(strings.ToLower(opts.Driver)) {
	case Postgres:
		return OpenPostgres(ctx, opts)
	case SQLite:
		return OpenSQLite(ctx, opts.DSN)
	default:
		return nil, eris.Errorf("sink: unsupported driver %q", opts.Driver)
	}
}
