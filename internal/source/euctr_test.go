package source

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func gjsonString(t *testing.T, doc []byte, path string) string {
	t.Helper()
	r := gjson.GetBytes(doc, path)
	require.True(t, r.Exists(), "missing %s in %s", path, doc)
	return r.String()
}

func gjsonFloat(t *testing.T, doc []byte, path string) float64 {
	t.Helper()
	r := gjson.GetBytes(doc, path)
	require.True(t, r.Exists(), "missing %s in %s", path, doc)
	return r.Float()
}

func TestEUCTR_SearchRequest(t *testing.T) {
	e := NewEUCTR("https://www.clinicaltrialsregister.eu/ctr-search/search")

	req := e.SearchRequest(3, nil)
	assert.Equal(t, "https://www.clinicaltrialsregister.eu/ctr-search/search?page=3", req.FullURL())
	assert.Nil(t, req.Body)

	since := time.Date(2023, 11, 5, 0, 0, 0, 0, time.UTC)
	req = e.SearchRequest(1, &since)
	assert.Equal(t, "2023-11-05", req.Query.Get("last-updated__gte"))
	assert.Equal(t, "1", req.Query.Get("page"))
}

func TestEUCTR_ParsePage(t *testing.T) {
	e := NewEUCTR("https://euctr.test/search")
	page, err := e.ParsePage(json.RawMessage(`{
		"results": [
			{"url": "https://euctr.test/trial/2020-001234-56/details"},
			{"title": "no url"},
			{"url": "https://euctr.test/trial/2021-002345-67/details", "eudract_number": "2021-002345-67"}
		],
		"has_next_page": false
	}`))
	require.NoError(t, err)

	assert.Equal(t, 3, page.Entries)
	assert.False(t, page.HasNext)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "https://euctr.test/trial/2020-001234-56/details", page.Items[0].URL)
	assert.Empty(t, page.Items[0].Key)
	assert.Equal(t, "2021-002345-67", page.Items[1].Key)

	assert.Equal(t, page.Items[0].URL, e.DetailRequest(page.Items[0]).URL)
}

func TestEUCTR_NaturalKey(t *testing.T) {
	e := NewEUCTR("https://euctr.test/search")
	key, ok := NaturalKey(e, json.RawMessage(`{"eudract_number": "2020-001234-56", "full_title": "A Study"}`))
	assert.True(t, ok)
	assert.Equal(t, "2020-001234-56", key)
}

func TestMapping_DeltaFields(t *testing.T) {
	assert.Equal(t, "decisionDate", NewCTIS("x", 1).Mapping().DeltaField)
	assert.Equal(t, "date_of_competent_authority_decision", NewEUCTR("x").Mapping().DeltaField)
	assert.Equal(t, []string{"a", "b", "c"}, PathSegments("a.b.c"))
}
