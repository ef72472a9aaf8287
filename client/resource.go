package client

import (
	"github.com/goliatone/go-query-cache/enrich"
	"github.com/goliatone/go-query-cache/query"
)

// TagProvider derives the tags of a fetched slot. data is nil when the fetch
// failed; the provider then returns the tags the descriptor alone implies.
type TagProvider func(d query.Descriptor, data any) []query.Tag

// Resource is the static definition of a backend resource.
type Resource struct {
	Name string
	// Provides tags fetched slots. Nil uses DefaultTags.
	Provides TagProvider
	// Links are the enrichment joins run when this resource is the primary.
	Links []enrich.Link
}

// DefaultTags tags list reads with LIST and STATS of the resource plus an
// ENTITY tag per record, and single entity reads with their ENTITY tag.
func DefaultTags(d query.Descriptor, data any) []query.Tag {
	if id, ok := d.ID(); ok {
		return []query.Tag{query.EntityTag(d.Resource, id)}
	}

	out := []query.Tag{query.ListTag(d.Resource), query.StatsTag(d.Resource)}
	records, _ := query.Records(data)
	for _, rec := range records {
		if id, ok := rec[query.IDParam]; ok && id != nil {
			out = append(out, query.EntityTag(d.Resource, id))
		}
	}
	return query.DedupeTags(out)
}

// linksFor returns the links of r that apply to a read shaped like d.
func (r Resource) linksFor(d query.Descriptor) []enrich.Link {
	_, single := d.ID()
	var out []enrich.Link
	for _, link := range r.Links {
		link = link.WithDefaults()
		if (link.Mode == enrich.ModeEntity) == single {
			out = append(out, link)
		}
	}
	return out
}
