// Package source describes the upstream trial registries: how to ask for a
// page of search results, how to read identifiers out of it, how to fetch one
// trial and where its fields live for the Silver mapping.
package source

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ohdsi/load-euctr/internal/fetcher"
)

// DateLayout is the format of since-dates sent to the registries.
const DateLayout = "2006-01-02"

// FirstPage is the number of the first search results page.
const FirstPage = 1

// Item is one search hit: the natural key when the page carries it, and the
// URL its detail record is fetched from.
type Item struct {
	Key string
	URL string
}

// Page is a parsed page of search results.
type Page struct {
	// Entries counts every hit on the page, including ones that carried no
	// usable identifier.
	Entries int
	Items   []Item
	HasNext bool
}

// Mapping lists the JSON paths (dot separated) each Silver column is read
// from. When a column has several paths the first non-null value wins.
type Mapping struct {
	Key        string
	Title      []string
	ProtocolID []string
	Status     []string
	StartDate  []string
	EndDate    []string
	// DeltaField is the date used to resume DELTA loads.
	DeltaField string
}

// Source is one trial registry API.
type Source interface {
	Name() string
	SearchRequest(page int, since *time.Time) fetcher.Request
	ParsePage(payload json.RawMessage) (Page, error)
	DetailRequest(item Item) fetcher.Request
	Mapping() Mapping
}

// NaturalKey reads the natural key of a detail record. Objects, arrays and
// blank strings do not count as keys.
func NaturalKey(src Source, detail json.RawMessage) (string, bool) {
	r := gjson.GetBytes(detail, src.Mapping().Key)
	if !r.Exists() || r.IsObject() || r.IsArray() || r.Type == gjson.Null {
		return "", false
	}
	key := strings.TrimSpace(r.String())
	return key, key != ""
}

// PathSegments splits a dotted JSON path.
func PathSegments(path string) []string {
	return strings.Split(path, ".")
}
