package db

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCopier struct {
	sql   string
	data  bytes.Buffer
	reads []int
	err   error
}

func (f *fakeCopier) CopyFrom(_ context.Context, r io.Reader, sql string) (pgconn.CommandTag, error) {
	f.sql = sql
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			f.reads = append(f.reads, n)
			f.data.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	rows := strings.Count(f.data.String(), "\n")
	return pgconn.NewCommandTag(fmt.Sprintf("COPY %d", rows)), nil
}

func TestCopyStatement(t *testing.T) {
	stmt, err := CopyStatement("raw.ctis_trials", []string{"_load_id", "data"}, '\t')
	require.NoError(t, err)
	assert.Equal(t, `COPY "raw"."ctis_trials" ("_load_id", "data") FROM STDIN WITH (FORMAT text, DELIMITER '`+"\t"+`')`, stmt)
}

func TestCopyStatement_Invalid(t *testing.T) {
	_, err := CopyStatement("t", nil, '\t')
	assert.Error(t, err)

	for _, d := range []rune{'\\', '\n', '\r', 'é'} {
		_, err := CopyStatement("t", []string{"a"}, d)
		assert.Error(t, err, "delimiter %q", d)
	}

	stmt, err := CopyStatement("t", []string{"a"}, '\'')
	require.NoError(t, err)
	assert.Contains(t, stmt, "DELIMITER ''''")
}

func TestStreamCopy_Chunks(t *testing.T) {
	payload := strings.Repeat("a\tb\n", 100) // 400 bytes, 100 rows
	c := &fakeCopier{}

	n, err := StreamCopy(context.Background(), c, "raw.t", []string{"x", "y"}, '\t', strings.NewReader(payload), 64)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)
	assert.Equal(t, payload, c.data.String())
	assert.Contains(t, c.sql, `COPY "raw"."t"`)
	for _, r := range c.reads {
		assert.LessOrEqual(t, r, 64)
	}
	assert.GreaterOrEqual(t, len(c.reads), 7)
}

func TestStreamCopy_DefaultChunk(t *testing.T) {
	c := &fakeCopier{}
	_, err := StreamCopy(context.Background(), c, "t", []string{"x"}, '\t', strings.NewReader("1\n"), 0)
	require.NoError(t, err)
	assert.Equal(t, "1\n", c.data.String())
}

func TestStreamCopy_Error(t *testing.T) {
	c := &fakeCopier{err: fmt.Errorf("invalid input syntax")}
	_, err := StreamCopy(context.Background(), c, "raw.t", []string{"x"}, '\t', strings.NewReader("1\n"), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO raw.t")
}

func TestChunkReader_Counts(t *testing.T) {
	cr := &ChunkReader{R: strings.NewReader("0123456789"), Size: 4}
	data, err := io.ReadAll(cr)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
	assert.Equal(t, int64(10), cr.Bytes)
	assert.Equal(t, 3, cr.Chunks)
}

func TestSanitizeTable(t *testing.T) {
	assert.Equal(t, `"raw"."ctis_trials"`, SanitizeTable("raw.ctis_trials"))
	assert.Equal(t, `"trials"`, SanitizeTable("trials"))
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"a", "b"`, QuoteAndJoin([]string{"a", "b"}))
	assert.Equal(t, "", QuoteAndJoin(nil))
}

func TestQuoteLiteral(t *testing.T) {
	assert.Equal(t, `'it''s'`, QuoteLiteral("it's"))
}
