package source

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/ohdsi/load-euctr/internal/fetcher"
)

// CTIS is the Clinical Trials Information System public API.
type CTIS struct {
	BaseURL  string
	PageSize int
}

// NewCTIS creates a CTIS source rooted at baseURL.
func NewCTIS(baseURL string, pageSize int) *CTIS {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &CTIS{BaseURL: strings.TrimRight(baseURL, "/"), PageSize: pageSize}
}

func (c *CTIS) Name() string { return "ctis" }

type ctisSearch struct {
	Pagination     ctisPagination      `json:"pagination"`
	Sort           ctisSort            `json:"sort"`
	AdvancedSearch *ctisAdvancedSearch `json:"advancedSearch,omitempty"`
}

type ctisPagination struct {
	Page int `json:"page"`
	Size int `json:"size"`
}

type ctisSort struct {
	Property  string `json:"property"`
	Direction string `json:"direction"`
}

type ctisAdvancedSearch struct {
	DecisionDate ctisDateRange `json:"decisionDate"`
}

type ctisDateRange struct {
	From string `json:"from"`
}

// SearchRequest posts a search sorted by decision date, newest first. A
// since-date becomes an inclusive decisionDate lower bound.
func (c *CTIS) SearchRequest(page int, since *time.Time) fetcher.Request {
	body := ctisSearch{
		Pagination: ctisPagination{Page: page, Size: c.PageSize},
		Sort:       ctisSort{Property: "decisionDate", Direction: "DESC"},
	}
	if since != nil {
		body.AdvancedSearch = &ctisAdvancedSearch{
			DecisionDate: ctisDateRange{From: since.Format(DateLayout)},
		}
	}
	return fetcher.Request{Method: http.MethodPost, URL: c.BaseURL + "/search", Body: body}
}

func (c *CTIS) ParsePage(payload json.RawMessage) (Page, error) {
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return Page{}, eris.New("ctis: search response is not a JSON object")
	}

	var page Page
	data := gjson.GetBytes(payload, "data")
	if !data.IsArray() {
		return page, nil
	}
	data.ForEach(func(_, hit gjson.Result) bool {
		page.Entries++
		key := strings.TrimSpace(hit.Get("ctNumber").String())
		if key != "" {
			page.Items = append(page.Items, Item{Key: key, URL: c.retrieveURL(key)})
		}
		return true
	})
	page.HasNext = gjson.GetBytes(payload, "pagination.nextPage").Bool()
	return page, nil
}

func (c *CTIS) retrieveURL(ctNumber string) string {
	return c.BaseURL + "/retrieve/" + url.PathEscape(ctNumber)
}

func (c *CTIS) DetailRequest(item Item) fetcher.Request {
	return fetcher.Get(item.URL)
}

const ctisIdentifiers = "authorizedApplication.authorizedPartI.trialDetails.clinicalTrialIdentifiers."

func (c *CTIS) Mapping() Mapping {
	return Mapping{
		Key:        "ctNumber",
		Title:      []string{ctisIdentifiers + "fullTitle", "ctTitle"},
		ProtocolID: []string{ctisIdentifiers + "secondaryIdentifyingNumbers.sponsorProtocolCode", "sponsorProtocolCode"},
		Status:     []string{"ctStatus", "ctPublicStatusCode"},
		StartDate:  []string{"startDateEU", "decisionDate"},
		EndDate:    []string{"endDateEU"},
		DeltaField: "decisionDate",
	}
}
