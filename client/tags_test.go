package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/goliatone/go-query-cache/query"
)

func TestWithTags(t *testing.T) {
	a := query.ListTag("tickets")
	b := query.EntityTag("tickets", 1)

	ctx := WithTags(context.Background(), a)
	ctx = WithTags(ctx, a, b)
	assert.Equal(t, []query.Tag{a, b}, tagsFromContext(ctx))

	base := context.Background()
	assert.Equal(t, base, WithTags(base))
	assert.Nil(t, tagsFromContext(base))
}
