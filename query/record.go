package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Record is a decoded JSON object. Stored records are treated as immutable;
// patches build new maps.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Meta is the pagination envelope of list responses.
type Meta struct {
	Total      int  `json:"total"`
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
	NextPage   *int `json:"next_page"`
	PrevPage   *int `json:"prev_page"`
}

// Page is a decoded list response.
type Page struct {
	Meta Meta     `json:"meta"`
	Data []Record `json:"data"`
}

// WithData returns a copy of the page carrying records. The receiver is untouched.
func (p *Page) WithData(records []Record) *Page {
	return &Page{Meta: p.Meta, Data: records}
}

// DecodePage decodes a list response. A missing meta object or a data member
// that is not an array is a parse failure.
func DecodePage(raw []byte) (*Page, error) {
	var envelope struct {
		Meta json.RawMessage `json:"meta"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode list envelope: %w", err)
	}

	meta := bytes.TrimSpace(envelope.Meta)
	if len(meta) == 0 || bytes.Equal(meta, []byte("null")) {
		return nil, fmt.Errorf("list response is missing meta")
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || data[0] != '[' {
		return nil, fmt.Errorf("list response data is not an array")
	}

	page := &Page{}
	if err := json.Unmarshal(meta, &page.Meta); err != nil {
		return nil, fmt.Errorf("decode list meta: %w", err)
	}
	if err := json.Unmarshal(data, &page.Data); err != nil {
		return nil, fmt.Errorf("decode list data: %w", err)
	}
	if page.Data == nil {
		page.Data = []Record{}
	}
	return page, nil
}

// DecodeRecord decodes a single entity response. Both a bare object and a
// {"data": {...}} envelope are accepted.
func DecodeRecord(raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("record response is null")
	}
	inner, ok := rec["data"].(map[string]any)
	if !ok {
		return rec, nil
	}
	_, hasMeta := rec["meta"]
	if len(rec) == 1 || (len(rec) == 2 && hasMeta) {
		return Record(inner), nil
	}
	return rec, nil
}

// FormatID renders an identifier value as a string so that 10, int64(10),
// float64(10) (as decoded from JSON) and "10" compare equal.
func FormatID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		if id == math.Trunc(id) && math.Abs(id) < 1<<53 {
			return strconv.FormatInt(int64(id), 10)
		}
		return strconv.FormatFloat(id, 'f', -1, 64)
	case float32:
		return FormatID(float64(id))
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case int32:
		return strconv.FormatInt(int64(id), 10)
	case uint:
		return strconv.FormatUint(uint64(id), 10)
	case uint64:
		return strconv.FormatUint(id, 10)
	case uint32:
		return strconv.FormatUint(uint64(id), 10)
	case json.Number:
		return id.String()
	case fmt.Stringer:
		return id.String()
	default:
		return fmt.Sprintf("%v", id)
	}
}

// Records extracts the record collection from cached data: a *Page, a
// []Record, or a single Record.
func Records(data any) ([]Record, bool) {
	switch v := data.(type) {
	case *Page:
		if v == nil {
			return nil, false
		}
		return v.Data, true
	case []Record:
		return v, true
	case Record:
		return []Record{v}, true
	}
	return nil, false
}
