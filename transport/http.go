// Package transport talks JSON over HTTP to the backend that owns the data.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/goliatone/go-query-cache/query"
)

// HeadersFunc supplies per-request headers such as authorization. Token
// storage is the caller's concern.
type HeadersFunc func(ctx context.Context) (http.Header, error)

// HTTPBackend fetches and mutates resources over HTTP.
type HTTPBackend struct {
	cfg     Config
	base    *url.URL
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	headers HeadersFunc
	logger  *zap.Logger
}

// Option configures an HTTPBackend.
type Option func(*HTTPBackend)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(b *HTTPBackend) {
		if client != nil {
			b.client = client
		}
	}
}

// WithHeaders sets the headers provider.
func WithHeaders(fn HeadersFunc) Option {
	return func(b *HTTPBackend) {
		b.headers = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *HTTPBackend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewHTTPBackend validates cfg and builds the backend.
func NewHTTPBackend(cfg Config, opts ...Option) (*HTTPBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	b := &HTTPBackend{
		cfg:    cfg,
		base:   base,
		client: &http.Client{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if cfg.Breaker.Enabled {
		b.breaker = newBreaker(cfg.Breaker, b.logger)
	}
	return b, nil
}

func newBreaker(cfg BreakerConfig, logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// the backend answered; a 4xx says nothing about its health
			var qe *query.Error
			return errors.As(err, &qe) && qe.Kind != query.KindNetwork && qe.Status < 500
		},
	})
}

// Fetch reads d. A descriptor with an id param is a single entity read
// (GET resource/id) and decodes to query.Record; anything else is a list read
// and decodes to *query.Page.
func (b *HTTPBackend) Fetch(ctx context.Context, d query.Descriptor) (any, error) {
	id, single := d.ID()
	raw, err := b.do(ctx, "fetch", d, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}

	var data any
	if single {
		data, err = query.DecodeRecord(raw)
	} else {
		data, err = query.DecodePage(raw)
	}
	if err != nil {
		return nil, &query.Error{Kind: query.KindParse, Op: "fetch", Resource: d.Resource, Key: d.Key(), Err: err}
	}
	b.logger.Debug("fetched", zap.String("resource", d.Resource), zap.String("id", id))
	return data, nil
}

// Send writes body to d with method. The decoded response is returned: a
// query.Record for object responses, nil for empty bodies.
func (b *HTTPBackend) Send(ctx context.Context, d query.Descriptor, method string, body any) (any, error) {
	raw, err := b.do(ctx, "send", d, method, body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &query.Error{Kind: query.KindParse, Op: "send", Resource: d.Resource, Key: d.Key(), Err: err}
	}
	if _, ok := out.(map[string]any); ok {
		rec, err := query.DecodeRecord(raw)
		if err != nil {
			return nil, &query.Error{Kind: query.KindParse, Op: "send", Resource: d.Resource, Key: d.Key(), Err: err}
		}
		return rec, nil
	}
	return out, nil
}

func (b *HTTPBackend) do(ctx context.Context, op string, d query.Descriptor, method string, body any) ([]byte, error) {
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	roundTrip := func() (any, error) {
		return b.roundTrip(ctx, op, d, method, body)
	}
	if b.breaker == nil {
		raw, err := roundTrip()
		return asBytes(raw), err
	}

	raw, err := b.breaker.Execute(roundTrip)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &query.Error{Kind: query.KindNetwork, Op: op, Resource: d.Resource, Key: d.Key(), Err: err}
	}
	return asBytes(raw), err
}

func (b *HTTPBackend) roundTrip(ctx context.Context, op string, d query.Descriptor, method string, body any) (any, error) {
	fail := func(kind query.Kind, status int, err error) *query.Error {
		return &query.Error{Kind: kind, Op: op, Resource: d.Resource, Key: d.Key(), Status: status, Err: err}
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fail(query.KindParse, 0, fmt.Errorf("encode request body: %w", err))
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.resourceURL(d, method == http.MethodGet), reader)
	if err != nil {
		return nil, fail(query.KindNetwork, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.headers != nil {
		extra, err := b.headers(ctx)
		if err != nil {
			return nil, fail(query.KindNetwork, 0, fmt.Errorf("request headers: %w", err))
		}
		for name, values := range extra {
			for _, v := range values {
				req.Header.Add(name, v)
			}
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fail(query.KindNetwork, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fail(query.KindNetwork, resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		qe := fail(query.KindServer, resp.StatusCode, errors.New(http.StatusText(resp.StatusCode)))
		qe.Payload = decodePayload(raw)
		b.logger.Debug("backend rejected request",
			zap.String("method", method),
			zap.String("resource", d.Resource),
			zap.Int("status", resp.StatusCode),
		)
		return nil, qe
	}
	return raw, nil
}

// resourceURL builds BaseURL/resource[/id]. Remaining params go to the query
// string on reads only.
func (b *HTTPBackend) resourceURL(d query.Descriptor, withQuery bool) string {
	elems := []string{url.PathEscape(d.Resource)}
	id, hasID := d.ID()
	if hasID {
		elems = append(elems, url.PathEscape(id))
	}
	u := b.base.JoinPath(elems...)

	if withQuery {
		values := url.Values{}
		for name, v := range d.Params {
			if name == query.IDParam && hasID {
				continue
			}
			addParam(values, name, v)
		}
		// Encode sorts by name
		u.RawQuery = values.Encode()
	}
	return u.String()
}

func addParam(values url.Values, name string, v any) {
	switch val := v.(type) {
	case nil:
		return
	case []any:
		for _, item := range val {
			addParam(values, name, item)
		}
	case []string:
		for _, item := range val {
			values.Add(name, item)
		}
	case map[string]any:
		encoded, err := json.Marshal(val)
		if err == nil {
			values.Add(name, string(encoded))
		}
	default:
		values.Add(name, query.FormatID(val))
	}
}

func decodePayload(raw []byte) map[string]any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]any{"message": string(raw)}
	}
	return payload
}

func asBytes(v any) []byte {
	raw, _ := v.([]byte)
	return raw
}
