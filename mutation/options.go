package mutation

import (
	"net/http"

	"github.com/goliatone/go-query-cache/query"
)

// Patch computes the optimistic value of a slot from its current data. It must
// not modify current; return a new value instead.
type Patch func(current any) any

type optimistic struct {
	key   query.Key
	patch Patch
}

type options struct {
	method      string
	optimistic  []optimistic
	invalidates []query.Tag
}

// Option configures a single Mutate call.
type Option func(*options)

// WithMethod sets the HTTP method. The default is POST.
func WithMethod(method string) Option {
	return func(o *options) {
		if method != "" {
			o.method = method
		}
	}
}

// WithOptimistic patches the slot at key before the request is sent. It can be
// given several times; patches for the same key are composed in order and
// snapshotted once.
func WithOptimistic(key query.Key, patch Patch) Option {
	return func(o *options) {
		if patch != nil {
			o.optimistic = append(o.optimistic, optimistic{key: key, patch: patch})
		}
	}
}

// WithInvalidates names the tags invalidated after a successful mutation.
func WithInvalidates(tags ...query.Tag) Option {
	return func(o *options) {
		o.invalidates = append(o.invalidates, tags...)
	}
}

func newOptions(opts []Option) options {
	o := options{method: http.MethodPost}
	for _, opt := range opts {
		opt(&o)
	}
	o.invalidates = query.DedupeTags(o.invalidates)
	return o
}

// groupedPatches composes patches per key, keeping first-seen key order.
func (o options) groupedPatches() []optimistic {
	if len(o.optimistic) == 0 {
		return nil
	}

	index := make(map[query.Key]int, len(o.optimistic))
	var out []optimistic
	for _, p := range o.optimistic {
		i, ok := index[p.key]
		if !ok {
			index[p.key] = len(out)
			out = append(out, p)
			continue
		}
		prev, next := out[i].patch, p.patch
		out[i].patch = func(current any) any { return next(prev(current)) }
	}
	return out
}
