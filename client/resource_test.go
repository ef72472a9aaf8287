package client

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/goliatone/go-query-cache/enrich"
	"github.com/goliatone/go-query-cache/query"
)

func TestDefaultTags(t *testing.T) {
	list := DefaultTags(query.NewDescriptor("tickets", query.Params{"page": 1}), &query.Page{
		Data: []query.Record{{"id": float64(1)}, {"id": "2"}, {"title": "no id"}, {"id": 1}},
	})
	assert.Equal(t, []query.Tag{
		query.ListTag("tickets"),
		query.StatsTag("tickets"),
		query.EntityTag("tickets", 1),
		query.EntityTag("tickets", 2),
	}, list)

	entity := DefaultTags(query.NewDescriptor("tickets", query.Params{"id": 7}), query.Record{"id": 7})
	assert.Equal(t, []query.Tag{query.EntityTag("tickets", 7)}, entity)
}

func TestResource_LinksFor(t *testing.T) {
	r := Resource{Name: "tickets", Links: []enrich.Link{
		{Name: "list", Mode: enrich.ModeList},
		{Name: "entity", Mode: enrich.ModeEntity},
		{Name: "default"},
	}}

	list := r.linksFor(query.NewDescriptor("tickets", nil))
	assert.Len(t, list, 2)
	assert.Equal(t, "list", list[0].Name)
	assert.Equal(t, "default", list[1].Name)

	single := r.linksFor(query.NewDescriptor("tickets", query.Params{"id": 1}))
	assert.Len(t, single, 1)
	assert.Equal(t, "entity", single[0].Name)
}
