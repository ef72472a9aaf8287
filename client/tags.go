package client

import (
	"context"

	"github.com/goliatone/go-query-cache/query"
)

type queryTagsContextKey struct{}

// WithTags attaches additional tags to the context. Query and Fetch add them
// to the slot they read, next to the tags its resource provides. They stay
// on the slot until it is collected.
func WithTags(ctx context.Context, ts ...query.Tag) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(ts) == 0 {
		return ctx
	}

	combined := query.DedupeTags(append(tagsFromContext(ctx), ts...))
	return context.WithValue(ctx, queryTagsContextKey{}, combined)
}

func tagsFromContext(ctx context.Context) []query.Tag {
	if ctx == nil {
		return nil
	}
	if ts, ok := ctx.Value(queryTagsContextKey{}).([]query.Tag); ok {
		return append([]query.Tag(nil), ts...)
	}
	return nil
}

func (c *Client) rememberTags(ctx context.Context, key query.Key) {
	ts := tagsFromContext(ctx)
	if len(ts) == 0 {
		return
	}

	c.tagMu.Lock()
	defer c.tagMu.Unlock()
	c.extra[key] = query.DedupeTags(append(c.extra[key], ts...))
	if _, ok := c.store.Read(key); ok {
		c.graph.Add(key, ts...)
	}
}

func (c *Client) forgetTags(key query.Key) {
	c.tagMu.Lock()
	defer c.tagMu.Unlock()
	delete(c.extra, key)
}
