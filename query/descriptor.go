package query

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Params holds the request parameters of a query. Insertion order is irrelevant.
type Params map[string]any

// Clone returns a shallow copy of the params.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Key is the canonical string identity of a Descriptor.
type Key string

func (k Key) String() string { return string(k) }

// Resource returns the resource segment of the key.
func (k Key) Resource() string {
	if i := strings.Index(string(k), KeySeparator); i >= 0 {
		return string(k[:i])
	}
	return string(k)
}

// Digest returns a short xxhash digest of the key, suitable for log fields and
// derived cache keys.
func (k Key) Digest() string {
	return strconv.FormatUint(xxhash.Sum64String(string(k)), 16)
}

// Descriptor identifies a cacheable read.
type Descriptor struct {
	Resource string
	Params   Params
}

// NewDescriptor builds a Descriptor, copying params so later caller mutations
// do not change the identity of a stored query.
func NewDescriptor(resource string, params Params) Descriptor {
	return Descriptor{Resource: resource, Params: params.Clone()}
}

// Key serializes the descriptor with the default serializer.
func (d Descriptor) Key() Key {
	return defaultSerializer.SerializeKey(d.Resource, d.Params)
}

// KeyWith serializes the descriptor with a custom serializer.
func (d Descriptor) KeyWith(s KeySerializer) Key {
	if s == nil {
		return d.Key()
	}
	return s.SerializeKey(d.Resource, d.Params)
}

// WithParam returns a copy of the descriptor with name set to value.
func (d Descriptor) WithParam(name string, value any) Descriptor {
	params := d.Params.Clone()
	if params == nil {
		params = Params{}
	}
	params[name] = value
	return Descriptor{Resource: d.Resource, Params: params}
}

// Param returns a parameter value.
func (d Descriptor) Param(name string) (any, bool) {
	v, ok := d.Params[name]
	return v, ok
}

// ID returns the "id" parameter when the descriptor addresses a single entity.
func (d Descriptor) ID() (string, bool) {
	v, ok := d.Params[IDParam]
	if !ok || v == nil {
		return "", false
	}
	return FormatID(v), true
}

// IDParam is the parameter that turns a resource query into a single entity read.
const IDParam = "id"
