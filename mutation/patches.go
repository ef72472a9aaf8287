package mutation

import (
	"github.com/goliatone/go-query-cache/query"
)

// UpdateRecord returns a Patch that rewrites the record whose idField equals id.
// It works on *query.Page, []query.Record and query.Record data. fn receives a
// copy of the record.
func UpdateRecord(idField string, id any, fn func(query.Record) query.Record) Patch {
	want := query.FormatID(id)
	return func(current any) any {
		return mapRecords(current, func(r query.Record) (query.Record, bool) {
			if query.FormatID(r[idField]) != want {
				return r, true
			}
			return fn(r.Clone()), true
		})
	}
}

// RemoveRecord returns a Patch that drops the record whose idField equals id.
// The page total is decremented when a record was removed.
func RemoveRecord(idField string, id any) Patch {
	want := query.FormatID(id)
	return func(current any) any {
		removed := 0
		next := mapRecords(current, func(r query.Record) (query.Record, bool) {
			if query.FormatID(r[idField]) == want {
				removed++
				return nil, false
			}
			return r, true
		})
		// next is a fresh page built by mapRecords
		if page, ok := next.(*query.Page); ok && page != nil && removed > 0 {
			page.Meta.Total -= removed
		}
		return next
	}
}

// AppendRecord returns a Patch that adds rec at the end of a list.
func AppendRecord(rec query.Record) Patch {
	return func(current any) any {
		switch v := current.(type) {
		case *query.Page:
			if v == nil {
				return v
			}
			data := make([]query.Record, 0, len(v.Data)+1)
			data = append(data, v.Data...)
			out := v.WithData(append(data, rec))
			out.Meta.Total++
			return out
		case []query.Record:
			data := make([]query.Record, 0, len(v)+1)
			data = append(data, v...)
			return append(data, rec)
		}
		return current
	}
}

// mapRecords builds a new collection from current; data of other shapes is
// returned unchanged.
func mapRecords(current any, fn func(query.Record) (query.Record, bool)) any {
	apply := func(in []query.Record) []query.Record {
		out := make([]query.Record, 0, len(in))
		for _, r := range in {
			if next, keep := fn(r); keep {
				out = append(out, next)
			}
		}
		return out
	}

	switch v := current.(type) {
	case *query.Page:
		if v == nil {
			return v
		}
		return v.WithData(apply(v.Data))
	case []query.Record:
		return apply(v)
	case query.Record:
		next, keep := fn(v)
		if !keep {
			return nil
		}
		return next
	}
	return current
}
