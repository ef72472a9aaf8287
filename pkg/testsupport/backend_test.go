package testsupport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-query-cache/query"
)

func getJSON(t *testing.T, url string, dest any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if dest != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
	}
	return resp.StatusCode
}

func TestBackend_ListEnvelope(t *testing.T) {
	b, srv := StartBackend(t)

	var page query.Page
	status := getJSON(t, srv.URL+"/tickets?page=1&page_size=2", &page)
	require.Equal(t, http.StatusOK, status)

	assert.Len(t, page.Data, 2)
	assert.Equal(t, 3, page.Meta.Total)
	assert.Equal(t, 2, page.Meta.TotalPages)
	assert.True(t, page.Meta.HasNext)
	require.NotNil(t, page.Meta.NextPage)
	assert.Equal(t, 2, *page.Meta.NextPage)
	assert.Nil(t, page.Meta.PrevPage)

	var open query.Page
	getJSON(t, srv.URL+"/tickets?status=open", &open)
	assert.Len(t, open.Data, 2)

	assert.Equal(t, 2, b.Count(http.MethodGet, "tickets"))
}

func TestBackend_EntityAndWrites(t *testing.T) {
	b, srv := StartBackend(t)

	var one map[string]query.Record
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/devices/10", &one))
	assert.Equal(t, "Press A", one["data"]["name"])
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/devices/404", nil))

	body, _ := json.Marshal(map[string]any{"status": "closed"})
	req, err := http.NewRequest(http.MethodPatch, srv.URL+"/tickets/1", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "closed", b.Records("tickets")[0]["status"])
	assert.Equal(t, "Printer jam", b.Records("tickets")[0]["title"])

	resp, err = http.Post(srv.URL+"/tickets", "application/json", bytes.NewReader([]byte(`{"title":"new"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Len(t, b.Records("tickets"), 4)

	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/tickets/2", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Len(t, b.Records("tickets"), 3)
}

func TestBackend_CannedResponse(t *testing.T) {
	b, srv := StartBackend(t)
	b.Respond("tickets", http.StatusInternalServerError, `{"error":"down"}`)

	var payload map[string]any
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, srv.URL+"/tickets", &payload))
	assert.Equal(t, "down", payload["error"])

	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/tickets", nil))
}
