package sqltmpl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohdsi/load-euctr/internal/sink"
	"github.com/ohdsi/load-euctr/internal/source"
)

type trialData struct {
	Bronze  sink.Table
	Silver  sink.Table
	Source  string
	Mapping source.Mapping
}

func ctisData() trialData {
	return trialData{
		Bronze:  sink.Table{Schema: "raw", Name: "ctis_trials"},
		Silver:  sink.Table{Schema: "silver", Name: "trials"},
		Source:  "ctis",
		Mapping: source.NewCTIS("https://ctis.test", 20).Mapping(),
	}
}

func TestRender_AllOperationsBothDialects(t *testing.T) {
	runs := struct{ Runs sink.Table }{Runs: sink.Table{Schema: "meta", Name: "load_runs"}}
	ops := map[string]any{
		CreateBronzeTable:  ctisData(),
		CreateSilverTables: ctisData(),
		UpsertTrials:       ctisData(),
		LastDeltaDate:      ctisData(),
		CreateRunLog:       runs,
		StartRun:           runs,
		FinishRun:          runs,
		ListRuns:           runs,
		GetRun:             runs,
	}
	for _, d := range []sink.Dialect{sink.Postgres, sink.SQLite} {
		for name, data := range ops {
			sql, err := Render(d, name, data)
			require.NoError(t, err, "%s/%s", d, name)
			assert.NotEmpty(t, sql, "%s/%s", d, name)
		}
	}
}

func TestRender_PostgresUpsert(t *testing.T) {
	sql, err := Render(sink.Postgres, UpsertTrials, ctisData())
	require.NoError(t, err)

	assert.Contains(t, sql, `FROM "raw"."ctis_trials" b`)
	assert.Contains(t, sql, `INSERT INTO "silver"."trials" AS s`)
	assert.Contains(t, sql, `(b.data #>> '{ctNumber}')`)
	assert.Contains(t, sql, `WHERE b._load_id = $1`)
	assert.Contains(t, sql, `ORDER BY b._loaded_at_utc DESC, b._extracted_at_utc DESC, b._load_id DESC`)
	assert.Contains(t, sql, `COALESCE((r.data #>> '{authorizedApplication,authorizedPartI,trialDetails,clinicalTrialIdentifiers,fullTitle}'), (r.data #>> '{ctTitle}'))`)
	assert.Contains(t, sql, `'ctis'`)
	assert.Contains(t, sql, `WHERE s._record_hash IS DISTINCT FROM EXCLUDED._record_hash`)
	assert.NotContains(t, sql, "DELETE")

	// calendar check runs before the cast so impossible dates become NULL
	guard := strings.Index(sql, "make_date(substr(")
	cast := strings.Index(sql, ", 10)::date")
	require.Positive(t, guard)
	assert.Less(t, guard, cast)
	assert.Contains(t, sql, `~ '^[1-9]\d{3}-(0[1-9]|1[0-2])-(0[1-9]|[12]\d|3[01])'`)
}

func TestRender_SQLiteUpsert(t *testing.T) {
	sql, err := Render(sink.SQLite, UpsertTrials, ctisData())
	require.NoError(t, err)

	assert.Contains(t, sql, `FROM "raw__ctis_trials" b`)
	assert.Contains(t, sql, `json_extract(b.data, '$."ctNumber"')`)
	assert.Contains(t, sql, `WHERE b._load_id = ?1`)
	assert.Contains(t, sql, `WHERE "silver__trials"._record_hash IS NOT excluded._record_hash`)
	assert.Contains(t, sql, `AND date(substr(`)
}

func TestRender_EmptyMappingPathIsNull(t *testing.T) {
	data := ctisData()
	data.Mapping.EndDate = nil
	sql, err := Render(sink.Postgres, UpsertTrials, data)
	require.NoError(t, err)
	assert.Contains(t, sql, "CASE WHEN CAST(NULL AS TEXT) ~")
}

func TestRender_LastDeltaDateChecksCalendar(t *testing.T) {
	sql, err := Render(sink.Postgres, LastDeltaDate, ctisData())
	require.NoError(t, err)
	assert.Contains(t, sql, `SELECT max(left((data #>> '{decisionDate}'), 10))`)
	assert.Contains(t, sql, `WHERE CASE WHEN (data #>> '{decisionDate}') ~`)
	assert.Contains(t, sql, "ELSE false END")

	sql, err = Render(sink.SQLite, LastDeltaDate, ctisData())
	require.NoError(t, err)
	assert.Contains(t, sql, `date(substr(json_extract(data, '$."decisionDate"'), 1, 10))`)
}

func TestRender_QuotesHostileNames(t *testing.T) {
	data := ctisData()
	data.Source = "o'brien"
	data.Bronze = sink.Table{Schema: `ra"w`, Name: "t"}
	sql, err := Render(sink.Postgres, UpsertTrials, data)
	require.NoError(t, err)
	assert.Contains(t, sql, `'o''brien'`)
	assert.Contains(t, sql, `"ra""w"."t"`)
}

func TestRender_Unknown(t *testing.T) {
	_, err := Render(sink.Postgres, "drop_everything", ctisData())
	assert.Error(t, err)

	_, err = Render(sink.Dialect("oracle"), UpsertTrials, ctisData())
	assert.Error(t, err)
}

func TestRender_MissingField(t *testing.T) {
	_, err := Render(sink.Postgres, CreateRunLog, ctisData())
	assert.Error(t, err)
}
