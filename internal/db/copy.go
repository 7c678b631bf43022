package db

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

// DefaultChunkSize is the largest read handed to the COPY channel at once.
const DefaultChunkSize = 64 * 1024

// Copier streams raw COPY data. *pgconn.PgConn satisfies it.
type Copier interface {
	CopyFrom(ctx context.Context, r io.Reader, sql string) (pgconn.CommandTag, error)
}

// CopyStatement builds a text-format COPY FROM STDIN statement for table.
func CopyStatement(table string, columns []string, delimiter rune) (string, error) {
	if len(columns) == 0 {
		return "", eris.New("db: copy: no columns specified")
	}
	switch {
	case delimiter == '\\', delimiter == '\n', delimiter == '\r':
		return "", eris.Errorf("db: copy: invalid delimiter %q", delimiter)
	case delimiter > 0x7f:
		return "", eris.Errorf("db: copy: delimiter %q must be a single-byte character", delimiter)
	}
	return fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT text, DELIMITER %s)",
		SanitizeTable(table), QuoteAndJoin(columns), QuoteLiteral(string(delimiter))), nil
}

// StreamCopy feeds r into the COPY channel of c in reads of at most
// chunkSize bytes and returns the number of rows copied. The caller owns the
// surrounding transaction; a malformed row fails the whole statement.
func StreamCopy(ctx context.Context, c Copier, table string, columns []string, delimiter rune, r io.Reader, chunkSize int) (int64, error) {
	stmt, err := CopyStatement(table, columns, delimiter)
	if err != nil {
		return 0, err
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	cr := &ChunkReader{R: r, Size: chunkSize}
	tag, err := c.CopyFrom(ctx, cr, stmt)
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	return tag.RowsAffected(), nil
}

// ChunkReader caps every Read at Size bytes and counts what passed through.
type ChunkReader struct {
	R      io.Reader
	Size   int
	Bytes  int64
	Chunks int
}

func (c *ChunkReader) Read(p []byte) (int, error) {
	if c.Size > 0 && len(p) > c.Size {
		p = p[:c.Size]
	}
	n, err := c.R.Read(p)
	if n > 0 {
		c.Bytes += int64(n)
		c.Chunks++
	}
	return n, err
}
