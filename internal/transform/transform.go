// Package transform runs the templated Bronze to Silver SQL for one source:
// table creation, the newest-per-key upsert and the DELTA resume date.
package transform

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ohdsi/load-euctr/internal/sink"
	"github.com/ohdsi/load-euctr/internal/source"
	"github.com/ohdsi/load-euctr/internal/sqltmpl"
)

// SilverTable is the name of the normalized trials table.
const SilverTable = "trials"

// Target is the template data for one source's tables.
type Target struct {
	Bronze  sink.Table
	Silver  sink.Table
	Source  string
	Mapping source.Mapping
}

// NewTarget builds the Target of src in the given schemas.
func NewTarget(src source.Source, bronzeSchema, bronzeTable, silverSchema string) Target {
	return Target{
		Bronze:  sink.Table{Schema: bronzeSchema, Name: bronzeTable},
		Silver:  sink.Table{Schema: silverSchema, Name: SilverTable},
		Source:  src.Name(),
		Mapping: src.Mapping(),
	}
}

// Transformer executes rendered scripts on a transaction-scoped sink.
type Transformer struct {
	target Target
}

// New creates a Transformer for target.
func New(target Target) *Transformer {
	return &Transformer{target: target}
}

// Target returns the tables the transformer works on.
func (t *Transformer) Target() Target { return t.target }

// Prepare creates both namespaces and every table. Safe to repeat.
func (t *Transformer) Prepare(ctx context.Context, s sink.Sink) error {
	for _, schema := range []string{t.target.Bronze.Schema, t.target.Silver.Schema} {
		if schema == "" {
			continue
		}
		if err := s.PrepareSchema(ctx, schema); err != nil {
			return err
		}
	}
	if err := t.CreateBronzeTable(ctx, s); err != nil {
		return err
	}
	return t.CreateSilverTables(ctx, s)
}

// CreateBronzeTable creates the append-only raw table if it does not exist.
func (t *Transformer) CreateBronzeTable(ctx context.Context, s sink.Sink) error {
	return t.exec(ctx, s, sqltmpl.CreateBronzeTable)
}

// CreateSilverTables creates the normalized tables if they do not exist.
func (t *Transformer) CreateSilverTables(ctx context.Context, s sink.Sink) error {
	return t.exec(ctx, s, sqltmpl.CreateSilverTables)
}

// Upsert merges the newest Bronze row of every natural key seen in loadID
// into Silver and returns the number of Silver rows inserted or changed.
// Keys absent from the load are left alone.
func (t *Transformer) Upsert(ctx context.Context, s sink.Sink, loadID string) (int64, error) {
	if loadID == "" {
		return 0, eris.New("transform: upsert needs a load id")
	}
	query, err := sqltmpl.Render(s.Dialect(), sqltmpl.UpsertTrials, t.target)
	if err != nil {
		return 0, err
	}
	n, err := s.Execute(ctx, query, loadID)
	if err != nil {
		return 0, eris.Wrapf(err, "transform: upsert %s into %s", t.target.Bronze, t.target.Silver)
	}
	return n, nil
}

// LastDeltaDate returns the newest delta date stored in Bronze, or nil when
// Bronze holds none.
func (t *Transformer) LastDeltaDate(ctx context.Context, s sink.Sink) (*time.Time, error) {
	if t.target.Mapping.DeltaField == "" {
		return nil, nil
	}
	query, err := sqltmpl.Render(s.Dialect(), sqltmpl.LastDeltaDate, t.target)
	if err != nil {
		return nil, err
	}
	var raw sql.NullString
	if err := s.QueryRow(ctx, query).Scan(&raw); err != nil {
		return nil, eris.Wrapf(err, "transform: last delta date of %s", t.target.Bronze)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	d, err := time.Parse(source.DateLayout, raw.String)
	if err != nil {
		return nil, eris.Wrapf(err, "transform: parse delta date %q", raw.String)
	}
	return &d, nil
}

func (t *Transformer) exec(ctx context.Context, s sink.Sink, op string) error {
	script, err := sqltmpl.Render(s.Dialect(), op, t.target)
	if err != nil {
		return err
	}
	if _, err := s.Execute(ctx, script); err != nil {
		return eris.Wrapf(err, "transform: %s", op)
	}
	return nil
}
