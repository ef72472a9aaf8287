package di

import (
	"context"
	"net/http"
	"testing"

	"go.uber.org/zap"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/mutation"
	"github.com/goliatone/go-query-cache/pkg/testsupport"
	"github.com/goliatone/go-query-cache/query"
)

func newIntegrationContainer(t *testing.T) (*Container, *testsupport.Backend) {
	t.Helper()

	fake, srv := testsupport.StartBackend(t)
	config := DefaultConfig(srv.URL)
	config.LinksFile = "testdata/links.yaml"

	container, err := NewContainer(config, WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("Failed to create DI container: %v", err)
	}
	t.Cleanup(func() { _ = container.Close() })
	return container, fake
}

func TestEndToEndQueryFlow(t *testing.T) {
	container, fake := newIntegrationContainer(t)
	c := container.Client()
	ctx := context.Background()

	// First query hits the backend
	res := c.Query(ctx, "tickets", nil)
	if res.State != cache.StateAvailable {
		t.Fatalf("expected available state, got %v (%v)", res.State, res.Err)
	}
	if got := fake.Count(http.MethodGet, "tickets"); got != 1 {
		t.Errorf("expected 1 tickets request, got %d", got)
	}

	// Second query is served from the cache
	c.Query(ctx, "tickets", nil)
	if got := fake.Count(http.MethodGet, "tickets"); got != 1 {
		t.Errorf("expected cached tickets, got %d requests", got)
	}

	// Links from the YAML file enrich the list
	c.Settle()
	page, ok := c.Peek("tickets", nil).Data.(*query.Page)
	if !ok {
		t.Fatalf("expected a page, got %T", c.Peek("tickets", nil).Data)
	}
	device, ok := page.Data[0]["device"].(query.Record)
	if !ok || device["name"] != "Press A" {
		t.Errorf("expected first ticket enriched with Press A, got %v", page.Data[0]["device"])
	}
	if v, present := page.Data[1]["device"]; !present || v != nil {
		t.Errorf("expected explicit nil device on unmatched ticket, got %v (present=%v)", v, present)
	}
}

func TestMutationInvalidatesQueries(t *testing.T) {
	container, fake := newIntegrationContainer(t)
	c := container.Client()
	ctx := context.Background()

	c.Query(ctx, "tickets", nil)
	_, err := c.Mutate(ctx, "tickets", nil, map[string]any{"title": "Belt slipping", "machine": 11},
		mutation.WithInvalidates(query.ListTag("tickets")),
	)
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	if !c.Peek("tickets", nil).Stale {
		t.Error("expected the tickets list to be stale after the mutation")
	}

	res := c.Query(ctx, "tickets", nil)
	page := res.Data.(*query.Page)
	if len(page.Data) != 4 {
		t.Errorf("expected 4 tickets after refetch, got %d", len(page.Data))
	}
	if got := fake.Count(http.MethodGet, "tickets"); got != 2 {
		t.Errorf("expected a refetch, got %d requests", got)
	}
}

func TestErrorPropagation(t *testing.T) {
	container, fake := newIntegrationContainer(t)
	c := container.Client()

	fake.Respond("tickets", http.StatusBadGateway, `{"error":"upstream"}`)
	res := c.Query(context.Background(), "tickets", nil)

	if res.State != cache.StateFailed {
		t.Fatalf("expected failed state, got %v", res.State)
	}
	var qe *query.Error
	if !asQueryError(res.Err, &qe) || qe.Kind != query.KindServer || qe.Status != http.StatusBadGateway {
		t.Errorf("expected server error 502, got %v", res.Err)
	}
	if !qe.Retryable() {
		t.Error("expected a 502 to be retryable")
	}
}
