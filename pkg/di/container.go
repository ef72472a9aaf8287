package di

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/client"
	"github.com/goliatone/go-query-cache/enrich"
	"github.com/goliatone/go-query-cache/transport"
)

// Container builds and owns the engine: store, lookup cache, backend and the
// client facade on top.
type Container struct {
	config  Config
	logger  *zap.Logger
	store   *cache.Store
	lookups cache.CacheService
	backend client.Backend
	client  *client.Client
}

type containerOptions struct {
	logger     *zap.Logger
	backend    client.Backend
	httpClient *http.Client
	headers    transport.HeadersFunc
}

// Option configures NewContainer.
type Option func(*containerOptions)

// WithLogger replaces the logger built from the config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) { o.logger = logger }
}

// WithBackend replaces the HTTP backend.
func WithBackend(backend client.Backend) Option {
	return func(o *containerOptions) { o.backend = backend }
}

// WithHTTPClient sets the client used by the HTTP backend.
func WithHTTPClient(c *http.Client) Option {
	return func(o *containerOptions) { o.httpClient = c }
}

// WithHeaders sets the request headers provider of the HTTP backend.
func WithHeaders(fn transport.HeadersFunc) Option {
	return func(o *containerOptions) { o.headers = fn }
}

// NewContainer validates cfg and wires every component.
func NewContainer(cfg Config, opts ...Option) (*Container, error) {
	var o containerOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.backend != nil {
		// the transport section is unused
		cfg.Transport = transport.DefaultConfig("http://localhost")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		var err error
		if logger, err = newLogger(cfg); err != nil {
			return nil, err
		}
	}

	store, err := cache.NewStore(cfg.Cache, cache.WithLogger(logger.Named("cache")))
	if err != nil {
		return nil, err
	}

	lookups, err := cache.NewCacheService(cfg.Cache.Lookup)
	if err != nil {
		store.Close()
		return nil, err
	}

	backend := o.backend
	if backend == nil {
		transportOpts := []transport.Option{
			transport.WithLogger(logger.Named("transport")),
			transport.WithHTTPClient(o.httpClient),
		}
		if o.headers != nil {
			transportOpts = append(transportOpts, transport.WithHeaders(o.headers))
		}
		if backend, err = transport.NewHTTPBackend(cfg.Transport, transportOpts...); err != nil {
			store.Close()
			return nil, err
		}
	}

	c := client.New(store, backend,
		client.WithLogger(logger),
		client.WithLookupCache(lookups),
		client.WithMutationTimeout(cfg.MutationTimeout),
	)

	if cfg.LinksFile != "" {
		links, err := enrich.LoadLinks(cfg.LinksFile)
		if err != nil {
			store.Close()
			return nil, err
		}
		if err := c.RegisterLinks(links...); err != nil {
			store.Close()
			return nil, err
		}
	}

	return &Container{
		config:  cfg,
		logger:  logger,
		store:   store,
		lookups: lookups,
		backend: backend,
		client:  c,
	}, nil
}

// NewContainerFromEnv builds a container from QUERYCACHE_* variables.
func NewContainerFromEnv(opts ...Option) (*Container, error) {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return NewContainer(cfg, opts...)
}

// Client returns the query and mutate facade.
func (c *Container) Client() *client.Client { return c.client }

// Store returns the cache store.
func (c *Container) Store() *cache.Store { return c.store }

// CacheService returns the lookup cache.
func (c *Container) CacheService() cache.CacheService { return c.lookups }

// Backend returns the backend in use.
func (c *Container) Backend() client.Backend { return c.backend }

// Logger returns the root logger.
func (c *Container) Logger() *zap.Logger { return c.logger }

// Config returns a copy of the configuration used by this container.
func (c *Container) Config() Config { return c.config }

// Close waits for running enrichments and stops the store.
func (c *Container) Close() error {
	c.client.Settle()
	c.store.Close()
	_ = c.logger.Sync()
	return nil
}

func newLogger(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
