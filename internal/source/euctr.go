package source

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/ohdsi/load-euctr/internal/fetcher"
)

// EUCTR is the EU Clinical Trials Register search API.
type EUCTR struct {
	SearchURL string
}

// NewEUCTR creates an EUCTR source using searchURL.
func NewEUCTR(searchURL string) *EUCTR {
	return &EUCTR{SearchURL: searchURL}
}

func (e *EUCTR) Name() string { return "euctr" }

// SearchRequest asks for one page; a since-date filters on last update.
func (e *EUCTR) SearchRequest(page int, since *time.Time) fetcher.Request {
	q := url.Values{"page": {strconv.Itoa(page)}}
	if since != nil {
		q.Set("last-updated__gte", since.Format(DateLayout))
	}
	req := fetcher.Get(e.SearchURL)
	req.Query = q
	return req
}

func (e *EUCTR) ParsePage(payload json.RawMessage) (Page, error) {
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return Page{}, eris.New("euctr: search response is not a JSON object")
	}

	var page Page
	results := gjson.GetBytes(payload, "results")
	if !results.IsArray() {
		return page, nil
	}
	results.ForEach(func(_, hit gjson.Result) bool {
		page.Entries++
		u := strings.TrimSpace(hit.Get("url").String())
		if u != "" {
			page.Items = append(page.Items, Item{Key: hit.Get("eudract_number").String(), URL: u})
		}
		return true
	})
	page.HasNext = gjson.GetBytes(payload, "has_next_page").Bool()
	return page, nil
}

func (e *EUCTR) DetailRequest(item Item) fetcher.Request {
	return fetcher.Get(item.URL)
}

func (e *EUCTR) Mapping() Mapping {
	return Mapping{
		Key:        "eudract_number",
		Title:      []string{"full_title"},
		ProtocolID: []string{"sponsor_protocol_number"},
		Status:     []string{"trial_status"},
		StartDate:  []string{"date_of_competent_authority_decision"},
		EndDate:    []string{"trial_end_date"},
		DeltaField: "date_of_competent_authority_decision",
	}
}
