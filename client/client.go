// Package client is the query and mutate surface consumed by presentation
// code. It ties the cache store, tag graph, mutation executor and enrichment
// orchestrator to one backend.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/enrich"
	"github.com/goliatone/go-query-cache/mutation"
	"github.com/goliatone/go-query-cache/query"
	"github.com/goliatone/go-query-cache/tags"
)

// Backend is the source of truth. *transport.HTTPBackend implements it.
type Backend interface {
	Fetch(ctx context.Context, d query.Descriptor) (any, error)
	Send(ctx context.Context, d query.Descriptor, method string, body any) (any, error)
}

// Result is what a query looks like to its consumers.
type Result struct {
	Data   any
	Status cache.Status
	State  cache.State
	// Stale is set once the data was invalidated and a refetch is due.
	Stale bool
	Err   error
}

func resultOf(s cache.Snapshot) Result {
	return Result{
		Data:   s.Data,
		Status: s.Status,
		State:  s.State(),
		Stale:  s.Stale,
		Err:    s.Err,
	}
}

// Client is safe for concurrent use.
type Client struct {
	store     *cache.Store
	graph     *tags.Graph
	mutations *mutation.Executor
	enricher  *enrich.Orchestrator
	backend   Backend
	logger    *zap.Logger

	mu        sync.RWMutex
	resources map[string]Resource

	// tagMu orders context tags against fetch-time attachment.
	tagMu sync.Mutex
	extra map[query.Key][]query.Tag
}

type options struct {
	logger          *zap.Logger
	lookups         cache.CacheService
	mutationTimeout time.Duration
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLookupCache memoizes enrichment lookups in svc.
func WithLookupCache(svc cache.CacheService) Option {
	return func(o *options) {
		o.lookups = svc
	}
}

// WithMutationTimeout bounds each mutation request.
func WithMutationTimeout(d time.Duration) Option {
	return func(o *options) {
		o.mutationTimeout = d
	}
}

// New builds a client over store and backend.
func New(store *cache.Store, backend Backend, opts ...Option) *Client {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		store:     store,
		backend:   backend,
		logger:    o.logger,
		resources: make(map[string]Resource),
		extra:     make(map[query.Key][]query.Tag),
	}
	c.graph = tags.New(store, tags.WithLogger(o.logger.Named("tags")))
	c.mutations = mutation.NewExecutor(store, c.graph, backend,
		mutation.WithLogger(o.logger.Named("mutation")),
		mutation.WithTimeout(o.mutationTimeout),
	)

	enrichOpts := []enrich.Option{enrich.WithLogger(o.logger.Named("enrich"))}
	if o.lookups != nil {
		enrichOpts = append(enrichOpts, enrich.WithLookupCache(o.lookups))
	}
	c.enricher = enrich.NewOrchestrator(c, store, enrichOpts...)

	store.OnRemove(c.graph.Detach)
	store.OnRemove(c.forgetTags)
	store.OnRemove(c.enricher.Forget)
	store.OnFetched(c.fetched)
	c.mutations.OnEvent(c.rolledBack)
	return c
}

// Register adds or replaces a resource definition. Its links are validated.
func (c *Client) Register(r Resource) error {
	if r.Name == "" {
		return errors.New("client: resource name is required")
	}
	links := make([]enrich.Link, len(r.Links))
	for i, link := range r.Links {
		link = link.WithDefaults()
		if err := link.Validate(); err != nil {
			return fmt.Errorf("client: resource %s link %d: %w", r.Name, i, err)
		}
		if link.PrimaryResource != r.Name {
			return fmt.Errorf("client: resource %s link %s has primary %s", r.Name, link.Name, link.PrimaryResource)
		}
		links[i] = link
	}
	r.Links = links

	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources[r.Name] = r
	return nil
}

// RegisterLinks attaches link declarations to their primary resources,
// registering resources that are not known yet.
func (c *Client) RegisterLinks(links ...enrich.Link) error {
	grouped := make(map[string][]enrich.Link)
	for _, link := range links {
		grouped[link.PrimaryResource] = append(grouped[link.PrimaryResource], link)
	}
	for name, group := range grouped {
		r := c.resource(name)
		r.Links = append(r.Links[:len(r.Links):len(r.Links)], group...)
		if err := c.Register(r); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) resource(name string) Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r, ok := c.resources[name]; ok {
		return r
	}
	return Resource{Name: name}
}

// Query reads resource with params through the cache. Query failures are not
// returned as errors; they are part of the Result like on the slot.
func (c *Client) Query(ctx context.Context, resource string, params query.Params) Result {
	d := query.NewDescriptor(resource, params)
	data, err := c.Fetch(ctx, d)

	snap, ok := c.store.Read(c.store.KeyOf(d))
	if ok {
		return resultOf(snap)
	}
	// closed store or slot collected right away
	if err != nil {
		return Result{Status: cache.StatusError, State: cache.StateFailed, Err: err}
	}
	return Result{Data: data, Status: cache.StatusSuccess, State: cache.StateAvailable}
}

// Fetch reads d through the cache and returns the fetch error directly. It
// is the path enrichment uses for secondary queries.
func (c *Client) Fetch(ctx context.Context, d query.Descriptor) (any, error) {
	c.rememberTags(ctx, c.store.KeyOf(d))
	return c.store.Fetch(ctx, d, c.fetch)
}

// Watch subscribes fn to resource with params and starts a fetch when the
// data is not fresh. fn runs on every change of the slot. It may call Query,
// Fetch or Mutate; the changes those make are delivered after fn returns.
func (c *Client) Watch(resource string, params query.Params, fn func(Result)) (unsubscribe func()) {
	d := query.NewDescriptor(resource, params)
	unsubscribe = c.store.Subscribe(c.store.KeyOf(d), func(s cache.Snapshot) {
		fn(resultOf(s))
	})
	if err := c.store.Prefetch(d, c.fetch); err != nil {
		c.logger.Debug("watch prefetch failed", zap.String("resource", resource), zap.Error(err))
	}
	return unsubscribe
}

// Peek returns the cached result of resource with params without fetching.
func (c *Client) Peek(resource string, params query.Params) Result {
	snap, ok := c.store.Read(c.store.KeyOf(query.NewDescriptor(resource, params)))
	if !ok {
		return Result{State: cache.StateNeverFetched}
	}
	return resultOf(snap)
}

// Mutate writes payload to resource. A params id addresses a single record.
// Failures are always returned, after any optimistic patch was rolled back.
func (c *Client) Mutate(ctx context.Context, resource string, params query.Params, payload any, opts ...mutation.Option) (any, error) {
	return c.mutations.Mutate(ctx, query.NewDescriptor(resource, params), payload, opts...)
}

// Invalidate marks every slot carrying tags stale and refetches the watched ones.
func (c *Client) Invalidate(ts ...query.Tag) tags.Report {
	return c.graph.Invalidate(ts...)
}

// KeyOf returns the cache key of resource with params, for optimistic patches.
func (c *Client) KeyOf(resource string, params query.Params) query.Key {
	return c.store.KeyOf(query.NewDescriptor(resource, params))
}

// OnMutation registers a listener for mutation lifecycle events.
func (c *Client) OnMutation(fn func(mutation.Event)) {
	c.mutations.OnEvent(fn)
}

// Settle waits until every enrichment started so far is done.
func (c *Client) Settle() {
	c.enricher.Wait()
}

// Graph exposes the tag graph.
func (c *Client) Graph() *tags.Graph { return c.graph }

// fetch is the store fetcher of every slot the client creates. Tags are
// attached before the result is committed so an invalidation racing the
// commit still sees the slot. A failed fetch keeps the tags it had and gains
// the ones its descriptor implies, so invalidation can retry it.
func (c *Client) fetch(ctx context.Context, d query.Descriptor) (any, error) {
	data, err := c.backend.Fetch(ctx, d)

	provides := c.resource(d.Resource).Provides
	if provides == nil {
		provides = DefaultTags
	}
	key := c.store.KeyOf(d)

	c.tagMu.Lock()
	defer c.tagMu.Unlock()
	if err != nil {
		c.graph.Add(key, append(provides(d, nil), c.extra[key]...)...)
		return nil, err
	}
	c.graph.Attach(key, append(provides(d, data), c.extra[key]...)...)
	return data, nil
}

// fetched starts the enrichment joins of a successful primary fetch.
func (c *Client) fetched(s cache.Snapshot) {
	if s.Status != cache.StatusSuccess {
		return
	}
	for _, link := range c.resource(s.Descriptor.Resource).linksFor(s.Descriptor) {
		c.enricher.Start(context.Background(), link, s.Key, s.Generation, s.Data)
	}
}

// rolledBack re-runs the joins of restored slots: a rollback puts back data
// taken before the patch, which drops enrichment that landed meanwhile.
func (c *Client) rolledBack(ev mutation.Event) {
	if ev.Type != mutation.EventRolledBack {
		return
	}
	for _, key := range ev.Keys {
		if snap, ok := c.store.Read(key); ok {
			c.fetched(snap)
		}
	}
}
