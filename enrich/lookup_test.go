package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/goliatone/go-query-cache/query"
)

func TestBuildLookup_DuplicatePolicies(t *testing.T) {
	records := []query.Record{
		{"id": 10, "name": "first"},
		{"name": "no key"},
		{"id": float64(10), "name": "last"},
		{"id": "11", "name": "other"},
	}

	last := BuildLookup(records, "id", DuplicateLastWins)
	assert.Len(t, last, 2)
	assert.Equal(t, "last", last["10"]["name"])
	assert.Equal(t, "other", last["11"]["name"])

	first := BuildLookup(records, "id", DuplicateFirstWins)
	assert.Equal(t, "first", first["10"]["name"])
}

func TestPatchRecords_Idempotent(t *testing.T) {
	lookup := BuildLookup([]query.Record{{"id": 10, "name": "A"}}, "id", DuplicateLastWins)
	records := []query.Record{
		{"id": 1, "machine": 10},
		{"id": 2, "machine": 99},
		{"id": 3},
	}

	once := PatchRecords(records, lookup, "machine", "device")
	twice := PatchRecords(once, lookup, "machine", "device")

	assert.Equal(t, once, twice)
	assert.Equal(t, query.Record{"id": 3, "device": nil}, once[2])
	assert.NotContains(t, records[0], "device")
}

func TestPatchData_Shapes(t *testing.T) {
	lookup := Lookup{"10": {"id": 10}}

	page := &query.Page{Meta: query.Meta{Total: 1}, Data: []query.Record{{"machine": "10"}}}
	out, ok := patchData(page, lookup, "machine", "device")
	assert.True(t, ok)
	assert.Equal(t, 1, out.(*query.Page).Meta.Total)
	assert.Equal(t, query.Record{"id": 10}, out.(*query.Page).Data[0]["device"])
	assert.NotContains(t, page.Data[0], "device")

	_, ok = patchData("text", lookup, "machine", "device")
	assert.False(t, ok)
	_, ok = patchData((*query.Page)(nil), lookup, "machine", "device")
	assert.False(t, ok)
}
