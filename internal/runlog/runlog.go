// Package runlog records every pipeline run in <meta>.load_runs. Each write
// runs in its own short transaction so a failed run stays visible after the
// run's own transaction rolls back.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/ohdsi/load-euctr/internal/bronze"
	"github.com/ohdsi/load-euctr/internal/sink"
	"github.com/ohdsi/load-euctr/internal/sqltmpl"
)

// TableName is the run log table inside the meta schema.
const TableName = "load_runs"

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// ErrNotFound is returned by Get for an unknown load id.
var ErrNotFound = eris.New("runlog: run not found")

// Entry is one row of the run log.
type Entry struct {
	LoadID     string     `json:"load_id" yaml:"load_id"`
	Source     string     `json:"source" yaml:"source"`
	Mode       string     `json:"mode" yaml:"mode"`
	Since      string     `json:"since,omitempty" yaml:"since,omitempty"`
	Status     string     `json:"status" yaml:"status"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Extracted  int64      `json:"extracted" yaml:"extracted"`
	Loaded     int64      `json:"loaded" yaml:"loaded"`
	Upserted   int64      `json:"upserted" yaml:"upserted"`
	Skipped    int64      `json:"skipped" yaml:"skipped"`
	Error      string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// Counts are the totals recorded when a run finishes.
type Counts struct {
	Extracted int64
	Loaded    int64
	Upserted  int64
	Skipped   int64
}

// Log reads and writes the run log through a sink backend.
type Log struct {
	backend sink.Backend
	data    struct{ Runs sink.Table }
	now     func() time.Time
}

// New creates a Log stored in schema.
func New(backend sink.Backend, schema string) *Log {
	l := &Log{backend: backend, now: time.Now}
	l.data.Runs = sink.Table{Schema: schema, Name: TableName}
	return l
}

// Table returns the run log table.
func (l *Log) Table() sink.Table { return l.data.Runs }

// Create creates the schema and table if they do not exist.
func (l *Log) Create(ctx context.Context) error {
	script, err := l.render(sqltmpl.CreateRunLog)
	if err != nil {
		return err
	}
	return l.backend.WithTx(ctx, func(ctx context.Context, s sink.Sink) error {
		if l.data.Runs.Schema != "" {
			if err := s.PrepareSchema(ctx, l.data.Runs.Schema); err != nil {
				return err
			}
		}
		_, err := s.Execute(ctx, script)
		return eris.Wrap(err, "runlog: create table")
	})
}

// Start records the beginning of a run.
func (l *Log) Start(ctx context.Context, loadID, source, mode string, since *time.Time) error {
	query, err := l.render(sqltmpl.StartRun)
	if err != nil {
		return err
	}
	var sinceArg any
	if since != nil {
		sinceArg = since.Format(time.DateOnly)
	}
	started := l.now().UTC().Format(bronze.TimeLayout)
	return l.backend.WithTx(ctx, func(ctx context.Context, s sink.Sink) error {
		_, err := s.Execute(ctx, query, loadID, source, mode, sinceArg, started)
		return eris.Wrapf(err, "runlog: start run %s", loadID)
	})
}

// Complete marks a run as committed.
func (l *Log) Complete(ctx context.Context, loadID string, c Counts) error {
	return l.finish(ctx, loadID, StatusComplete, c, nil)
}

// Fail marks a run as rolled back with its error.
func (l *Log) Fail(ctx context.Context, loadID string, c Counts, runErr error) error {
	msg := "unknown error"
	if runErr != nil {
		msg = runErr.Error()
	}
	return l.finish(ctx, loadID, StatusFailed, c, &msg)
}

func (l *Log) finish(ctx context.Context, loadID, status string, c Counts, errMsg *string) error {
	query, err := l.render(sqltmpl.FinishRun)
	if err != nil {
		return err
	}
	finished := l.now().UTC().Format(bronze.TimeLayout)
	var errArg any
	if errMsg != nil {
		errArg = *errMsg
	}
	return l.backend.WithTx(ctx, func(ctx context.Context, s sink.Sink) error {
		n, err := s.Execute(ctx, query, loadID, status, finished, c.Extracted, c.Loaded, c.Upserted, c.Skipped, errArg)
		if err != nil {
			return eris.Wrapf(err, "runlog: finish run %s", loadID)
		}
		if n == 0 {
			return eris.Wrapf(ErrNotFound, "runlog: finish run %s", loadID)
		}
		return nil
	})
}

// List returns up to limit runs, most recent first.
func (l *Log) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query, err := l.render(sqltmpl.ListRuns)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	err = l.backend.WithTx(ctx, func(ctx context.Context, s sink.Sink) error {
		rows, err := s.Query(ctx, query, limit)
		if err != nil {
			return eris.Wrap(err, "runlog: list")
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return eris.Wrap(rows.Err(), "runlog: list")
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Get returns one run by load id.
func (l *Log) Get(ctx context.Context, loadID string) (*Entry, error) {
	query, err := l.render(sqltmpl.GetRun)
	if err != nil {
		return nil, err
	}

	var e Entry
	err = l.backend.WithTx(ctx, func(ctx context.Context, s sink.Sink) error {
		var err error
		e, err = scanEntry(s.QueryRow(ctx, query, loadID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (l *Log) render(op string) (string, error) {
	return sqltmpl.Render(l.backend.Dialect(), op, l.data)
}

func scanEntry(row sink.Row) (Entry, error) {
	var (
		e                       Entry
		since, finished, errMsg *string
		started                 string
	)
	err := row.Scan(&e.LoadID, &e.Source, &e.Mode, &since, &e.Status, &started, &finished,
		&e.Extracted, &e.Loaded, &e.Upserted, &e.Skipped, &errMsg)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, eris.Wrap(err, "runlog: scan entry")
	}

	if e.StartedAt, err = time.Parse(bronze.TimeLayout, started); err != nil {
		return Entry{}, eris.Wrapf(err, "runlog: parse started_at of %s", e.LoadID)
	}
	if finished != nil {
		t, err := time.Parse(bronze.TimeLayout, *finished)
		if err != nil {
			return Entry{}, eris.Wrapf(err, "runlog: parse finished_at of %s", e.LoadID)
		}
		e.FinishedAt = &t
	}
	if since != nil {
		e.Since = *since
	}
	if errMsg != nil {
		e.Error = *errMsg
	}
	return e, nil
}

// Duration returns how long a finished run took, or zero while running.
func (e Entry) Duration() time.Duration {
	if e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}
