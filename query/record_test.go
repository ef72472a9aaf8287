package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePage(t *testing.T) {
	raw := []byte(`{
		"meta": {"total": 2, "page": 1, "page_size": 20, "total_pages": 1,
			"has_next": false, "has_prev": false, "next_page": null, "prev_page": null},
		"data": [{"id": 1, "machine": 10}, {"id": 2, "machine": 99}]
	}`)

	page, err := DecodePage(raw)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Meta.Total)
	assert.Equal(t, 20, page.Meta.PageSize)
	assert.Nil(t, page.Meta.NextPage)
	require.Len(t, page.Data, 2)
	assert.Equal(t, float64(99), page.Data[1]["machine"])
}

func TestDecodePage_ShapeFailures(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "missing meta", raw: `{"data": []}`},
		{name: "null meta", raw: `{"meta": null, "data": []}`},
		{name: "object data", raw: `{"meta": {}, "data": {"id": 1}}`},
		{name: "missing data", raw: `{"meta": {}}`},
		{name: "not json", raw: `<html>`},
		{name: "array root", raw: `[{"id": 1}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePage([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestDecodePage_EmptyData(t *testing.T) {
	page, err := DecodePage([]byte(`{"meta": {"total": 0}, "data": []}`))
	require.NoError(t, err)
	assert.NotNil(t, page.Data)
	assert.Empty(t, page.Data)
}

func TestDecodeRecord(t *testing.T) {
	rec, err := DecodeRecord([]byte(`{"id": 10, "name": "A"}`))
	require.NoError(t, err)
	assert.Equal(t, "A", rec["name"])

	rec, err = DecodeRecord([]byte(`{"data": {"id": 10, "name": "B"}}`))
	require.NoError(t, err)
	assert.Equal(t, "B", rec["name"])

	rec, err = DecodeRecord([]byte(`{"data": {"id": 1}, "kind": "x", "other": 1}`))
	require.NoError(t, err)
	assert.Equal(t, "x", rec["kind"])

	_, err = DecodeRecord([]byte(`null`))
	assert.Error(t, err)
}

func TestFormatID(t *testing.T) {
	assert.Equal(t, "10", FormatID(10))
	assert.Equal(t, "10", FormatID(float64(10)))
	assert.Equal(t, "10", FormatID(int64(10)))
	assert.Equal(t, "10", FormatID("10"))
	assert.Equal(t, "1.5", FormatID(1.5))
	assert.Equal(t, "", FormatID(nil))
}

func TestPage_WithDataLeavesReceiver(t *testing.T) {
	page := &Page{Meta: Meta{Total: 1}, Data: []Record{{"id": 1}}}
	next := page.WithData([]Record{{"id": 2}})

	assert.Equal(t, 1, page.Data[0]["id"])
	assert.Equal(t, 2, next.Data[0]["id"])
	assert.Equal(t, page.Meta, next.Meta)
}
