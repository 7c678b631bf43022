package runlog

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohdsi/load-euctr/internal/sink"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Minute)
	return c.t
}

func newSQLiteLog(t *testing.T) *Log {
	t.Helper()
	b, err := sink.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	l := New(b, "meta")
	l.now = (&clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}).now
	require.NoError(t, l.Create(context.Background()))
	return l
}

func TestLog_StartCompleteGet(t *testing.T) {
	l := newSQLiteLog(t)
	ctx := context.Background()
	since := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	require.NoError(t, l.Start(ctx, "load-1", "ctis", "DELTA", &since))

	e, err := l.Get(ctx, "load-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, e.Status)
	assert.Equal(t, "2024-01-15", e.Since)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC), e.StartedAt)
	assert.Nil(t, e.FinishedAt)
	assert.Zero(t, e.Duration())

	require.NoError(t, l.Complete(ctx, "load-1", Counts{Extracted: 10, Loaded: 10, Upserted: 7, Skipped: 2}))

	e, err = l.Get(ctx, "load-1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, e.Status)
	require.NotNil(t, e.FinishedAt)
	assert.Equal(t, time.Minute, e.Duration())
	assert.Equal(t, int64(10), e.Extracted)
	assert.Equal(t, int64(10), e.Loaded)
	assert.Equal(t, int64(7), e.Upserted)
	assert.Equal(t, int64(2), e.Skipped)
	assert.Empty(t, e.Error)
}

func TestLog_Fail(t *testing.T) {
	l := newSQLiteLog(t)
	ctx := context.Background()

	require.NoError(t, l.Start(ctx, "load-1", "euctr", "FULL", nil))
	require.NoError(t, l.Fail(ctx, "load-1", Counts{Extracted: 3}, errors.New("pipeline: bronze load: boom")))

	e, err := l.Get(ctx, "load-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Empty(t, e.Since)
	assert.Equal(t, "pipeline: bronze load: boom", e.Error)
	assert.Equal(t, int64(3), e.Extracted)
}

func TestLog_ListNewestFirst(t *testing.T) {
	l := newSQLiteLog(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, l.Start(ctx, id, "ctis", "FULL", nil))
	}

	entries, err := l.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].LoadID)
	assert.Equal(t, "b", entries[1].LoadID)

	all, err := l.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLog_NotFound(t *testing.T) {
	l := newSQLiteLog(t)
	ctx := context.Background()

	_, err := l.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = l.Complete(ctx, "missing", Counts{})
	assert.Error(t, err)
}

func TestLog_CreateIsRepeatable(t *testing.T) {
	l := newSQLiteLog(t)
	require.NoError(t, l.Create(context.Background()))
	assert.Equal(t, sink.Table{Schema: "meta", Name: "load_runs"}, l.Table())
}

func TestLog_PostgresStart(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	l := New(sink.NewPostgres(mock, 0), "meta")
	l.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "meta"."load_runs"`)).
		WithArgs("load-1", "ctis", "FULL", nil, "2025-03-01 12:00:00.000000Z").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, l.Start(context.Background(), "load-1", "ctis", "FULL", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLog_PostgresFinishRollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	l := New(sink.NewPostgres(mock, 0), "meta")
	l.now = func() time.Time { return time.Date(2025, 3, 1, 12, 5, 0, 0, time.UTC) }

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "meta"."load_runs"`)).
		WithArgs("load-1", StatusComplete, "2025-03-01 12:05:00.000000Z",
			int64(3), int64(3), int64(2), int64(1), nil).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err = l.Complete(context.Background(), "load-1", Counts{Extracted: 3, Loaded: 3, Upserted: 2, Skipped: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runlog: finish run load-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}
