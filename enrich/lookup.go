package enrich

import (
	"github.com/goliatone/go-query-cache/query"
)

// Lookup maps a formatted secondary key to its record.
type Lookup map[string]query.Record

// BuildLookup indexes records by keyField. Records without the key are
// skipped. policy decides between records sharing a key.
func BuildLookup(records []query.Record, keyField string, policy DuplicatePolicy) Lookup {
	out := make(Lookup, len(records))
	for _, rec := range records {
		raw, ok := rec[keyField]
		if !ok || raw == nil {
			continue
		}
		id := query.FormatID(raw)
		if _, exists := out[id]; exists && policy == DuplicateFirstWins {
			continue
		}
		out[id] = rec
	}
	return out
}

// PatchRecord returns a copy of rec with field set to the lookup match of
// rec[fk], or to nil when there is none. The field is always present in the
// result.
func PatchRecord(rec query.Record, lookup Lookup, fk, field string) query.Record {
	out := rec.Clone()
	if out == nil {
		out = query.Record{}
	}

	var match query.Record
	if raw, ok := rec[fk]; ok && raw != nil {
		match = lookup[query.FormatID(raw)]
	}
	if match == nil {
		out[field] = nil
		return out
	}
	out[field] = match
	return out
}

// PatchRecords applies PatchRecord to every record. The input is untouched,
// and patching the output again with the same lookup yields an equal result.
func PatchRecords(records []query.Record, lookup Lookup, fk, field string) []query.Record {
	out := make([]query.Record, len(records))
	for i, rec := range records {
		out[i] = PatchRecord(rec, lookup, fk, field)
	}
	return out
}

// patchData rebuilds cached primary data of any supported shape.
func patchData(data any, lookup Lookup, fk, field string) (any, bool) {
	switch v := data.(type) {
	case *query.Page:
		if v == nil {
			return nil, false
		}
		return v.WithData(PatchRecords(v.Data, lookup, fk, field)), true
	case []query.Record:
		return PatchRecords(v, lookup, fk, field), true
	case query.Record:
		return PatchRecord(v, lookup, fk, field), true
	}
	return nil, false
}
