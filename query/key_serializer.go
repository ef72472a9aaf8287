package query

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

const (
	// KeySeparator separates the resource from its serialized parameters.
	KeySeparator = "::"

	pairSeparator = ","
	kvSeparator   = "="
)

// KeySerializer builds a Query Key from a resource name and its parameters.
// Implementations must be order independent with respect to map keys.
type KeySerializer interface {
	SerializeKey(resource string, params Params) Key
}

// defaultKeySerializer implements KeySerializer using reflection so that
// parameters decoded from JSON and parameters built in Go produce the same key.
type defaultKeySerializer struct{}

// NewDefaultKeySerializer creates a new instance of the default key serializer.
func NewDefaultKeySerializer() KeySerializer {
	return &defaultKeySerializer{}
}

var defaultSerializer = NewDefaultKeySerializer()

// SerializeKey builds a key of the form resource::k1=v1,k2=v2 with keys sorted.
// Params whose value is nil are left out.
func (s *defaultKeySerializer) SerializeKey(resource string, params Params) Key {
	names := make([]string, 0, len(params))
	for name, v := range params {
		// nil params never reach the request URL
		if v == nil {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return Key(resource)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = escape(name) + kvSeparator + s.serializeValue(params[name])
	}

	return Key(resource + KeySeparator + strings.Join(parts, pairSeparator))
}

func (s *defaultKeySerializer) serializeValue(v any) string {
	if v == nil {
		return "nil"
	}

	rv := reflect.ValueOf(v)
	rt := rv.Type()

	switch rt.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return "nil"
		}
		return s.serializeValue(rv.Elem().Interface())
	case reflect.String:
		return escape(rv.String())
	case reflect.Slice:
		if rv.IsNil() {
			return "[]"
		}
		return s.serializeList(rv)
	case reflect.Array:
		return s.serializeList(rv)
	case reflect.Map:
		return s.serializeMap(rv)
	case reflect.Struct:
		return s.serializeStruct(rv, rt)
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		// not representable in a request; keep the key stable per process
		return fmt.Sprintf("%s:%p", rt.Kind(), v)
	}

	if isBasicKind(rt.Kind()) {
		return fmt.Sprintf("%v", v)
	}

	return s.jsonFallback(v)
}

func (s *defaultKeySerializer) serializeList(rv reflect.Value) string {
	parts := make([]string, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		parts[i] = s.serializeValue(rv.Index(i).Interface())
	}
	return "[" + strings.Join(parts, pairSeparator) + "]"
}

// serializeMap sorts by serialized key so nested filters are order independent.
func (s *defaultKeySerializer) serializeMap(rv reflect.Value) string {
	if rv.IsNil() {
		return "{}"
	}

	type pair struct{ k, v string }
	pairs := make([]pair, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		pairs = append(pairs, pair{
			k: s.serializeValue(iter.Key().Interface()),
			v: s.serializeValue(iter.Value().Interface()),
		})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })

	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.k + kvSeparator + p.v
	}
	return "{" + strings.Join(parts, pairSeparator) + "}"
}

func (s *defaultKeySerializer) serializeStruct(rv reflect.Value, rt reflect.Type) string {
	parts := make([]string, 0, rv.NumField())
	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		parts = append(parts, field.Name+kvSeparator+s.serializeValue(rv.Field(i).Interface()))
	}
	return "{" + strings.Join(parts, pairSeparator) + "}"
}

func (s *defaultKeySerializer) jsonFallback(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "fallback:" + reflect.TypeOf(v).String()
	}
	return "json:" + string(data)
}

func isBasicKind(kind reflect.Kind) bool {
	switch kind {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return true
	default:
		return false
	}
}

var escaper = strings.NewReplacer(
	`\`, `\\`,
	pairSeparator, `\`+pairSeparator,
	kvSeparator, `\`+kvSeparator,
	"[", `\[`,
	"]", `\]`,
	"{", `\{`,
	"}", `\}`,
)

func escape(s string) string {
	return escaper.Replace(s)
}
