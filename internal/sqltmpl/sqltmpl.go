// Package sqltmpl renders the embedded per-dialect SQL scripts. Scripts are
// keyed by operation name (create_bronze_table, upsert_trials, ...).
package sqltmpl

import (
	"embed"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/rotisserie/eris"

	"github.com/ohdsi/load-euctr/internal/db"
	"github.com/ohdsi/load-euctr/internal/sink"
	"github.com/ohdsi/load-euctr/internal/source"
)

//go:embed templates
var templateFS embed.FS

// Operation names.
const (
	CreateBronzeTable  = "create_bronze_table"
	CreateSilverTables = "create_silver_tables"
	UpsertTrials       = "upsert_trials"
	LastDeltaDate      = "last_delta_date"
	CreateRunLog       = "create_run_log"
	StartRun           = "start_run"
	FinishRun          = "finish_run"
	ListRuns           = "list_runs"
	GetRun             = "get_run"
)

var (
	mu    sync.Mutex
	cache = map[sink.Dialect]*template.Template{}
)

func load(d sink.Dialect) (*template.Template, error) {
	mu.Lock()
	defer mu.Unlock()
	if t, ok := cache[d]; ok {
		return t, nil
	}
	t, err := template.New(string(d)).
		Option("missingkey=error").
		Funcs(funcs(d)).
		ParseFS(templateFS, "templates/"+string(d)+"/*.sql")
	if err != nil {
		return nil, eris.Wrapf(err, "sqltmpl: parse %s templates", d)
	}
	cache[d] = t
	return t, nil
}

// Render executes the named operation for dialect d with data.
func Render(d sink.Dialect, name string, data any) (string, error) {
	t, err := load(d)
	if err != nil {
		return "", err
	}
	tmpl := t.Lookup(name + ".sql")
	if tmpl == nil {
		return "", eris.Errorf("sqltmpl: no %s template for %s", name, d)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", eris.Wrapf(err, "sqltmpl: render %s/%s", d, name)
	}
	return sb.String(), nil
}

func funcs(d sink.Dialect) template.FuncMap {
	jsonText := func(col, path string) string {
		segs := source.PathSegments(path)
		if d == sink.SQLite {
			quoted := make([]string, len(segs))
			for i, s := range segs {
				quoted[i] = `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
			}
			return fmt.Sprintf("json_extract(%s, %s)", col, db.QuoteLiteral("$."+strings.Join(quoted, ".")))
		}
		return fmt.Sprintf("(%s #>> %s)", col, db.QuoteLiteral("{"+strings.Join(segs, ",")+"}"))
	}

	return template.FuncMap{
		"ident":   d.Quote,
		"table":   d.Qualify,
		"literal": db.QuoteLiteral,
		"index": func(t sink.Table, suffix string) string {
			if d == sink.SQLite && t.Schema != "" {
				return d.Quote(t.Schema + "__" + t.Name + "_" + suffix)
			}
			return d.Quote(t.Name + "_" + suffix)
		},
		"jsonText": jsonText,
		// coalesceText reads the first non-null of several JSON paths.
		"coalesceText": func(col string, paths []string) string {
			if len(paths) == 0 {
				return "CAST(NULL AS TEXT)"
			}
			exprs := make([]string, len(paths))
			for i, p := range paths {
				exprs[i] = jsonText(col, p)
			}
			if len(exprs) == 1 {
				return exprs[0]
			}
			return "COALESCE(" + strings.Join(exprs, ", ") + ")"
		},
	}
}
