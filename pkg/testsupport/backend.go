package testsupport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/goliatone/go-query-cache/query"
)

// Request is one request seen by the Backend.
type Request struct {
	Method   string
	Resource string
	ID       string
	Query    url.Values
}

type cannedResponse struct {
	status int
	body   string
}

// Backend is an in-memory JSON API speaking the list envelope
// {meta, data}. It serves:
//
//	GET    /{resource}        paginated list, filtered by equality on other params
//	GET    /{resource}/{id}   single record
//	POST   /{resource}        create, assigns an id when missing
//	PUT    /{resource}/{id}   replace
//	PATCH  /{resource}/{id}   merge
//	DELETE /{resource}/{id}   remove
type Backend struct {
	mu        sync.Mutex
	resources map[string][]query.Record
	canned    map[string][]cannedResponse
	blocks    map[string]chan struct{}
	requests  []Request
	nextID    int

	mux *http.ServeMux
}

// NewBackend creates a backend holding a copy of seed.
func NewBackend(seed map[string][]query.Record) *Backend {
	b := &Backend{
		resources: make(map[string][]query.Record, len(seed)),
		canned:    make(map[string][]cannedResponse),
		blocks:    make(map[string]chan struct{}),
		nextID:    1000,
		mux:       http.NewServeMux(),
	}
	for name, records := range seed {
		copied := make([]query.Record, len(records))
		for i, rec := range records {
			copied[i] = rec.Clone()
		}
		b.resources[name] = copied
	}

	b.mux.HandleFunc("GET /{resource}", b.list)
	b.mux.HandleFunc("GET /{resource}/{id}", b.get)
	b.mux.HandleFunc("POST /{resource}", b.create)
	b.mux.HandleFunc("PUT /{resource}/{id}", b.replace)
	b.mux.HandleFunc("PATCH /{resource}/{id}", b.merge)
	b.mux.HandleFunc("DELETE /{resource}/{id}", b.remove)
	return b
}

// StartBackend serves a backend seeded with Seed for the duration of the test.
func StartBackend(t testing.TB) (*Backend, *httptest.Server) {
	t.Helper()

	b := NewBackend(Seed())
	srv := httptest.NewServer(b)
	t.Cleanup(func() {
		b.ReleaseAll()
		srv.Close()
	})
	return b, srv
}

// ServeHTTP implements http.Handler.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mux.ServeHTTP(w, r)
}

// Respond queues a canned response for the next request on resource.
func (b *Backend) Respond(resource string, status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canned[resource] = append(b.canned[resource], cannedResponse{status: status, body: body})
}

// Block holds every request on resource until the returned release is called.
func (b *Backend) Block(resource string) (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.blocks[resource] = ch
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.blocks[resource] == ch {
				delete(b.blocks, resource)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// ReleaseAll releases every blocked resource.
func (b *Backend) ReleaseAll() {
	b.mu.Lock()
	blocks := b.blocks
	b.blocks = make(map[string]chan struct{})
	b.mu.Unlock()

	for _, ch := range blocks {
		close(ch)
	}
}

// Requests returns the requests seen so far.
func (b *Backend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.requests...)
}

// Count returns how many requests with method hit resource.
func (b *Backend) Count(method, resource string) int {
	n := 0
	for _, req := range b.Requests() {
		if req.Method == method && req.Resource == resource {
			n++
		}
	}
	return n
}

// Records returns a copy of the stored records of resource.
func (b *Backend) Records(resource string) []query.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]query.Record(nil), b.resources[resource]...)
}

// enter records r and applies blocks and canned responses. It reports false
// when a canned response was written.
func (b *Backend) enter(w http.ResponseWriter, r *http.Request) (string, bool) {
	resource := r.PathValue("resource")

	b.mu.Lock()
	b.requests = append(b.requests, Request{
		Method:   r.Method,
		Resource: resource,
		ID:       r.PathValue("id"),
		Query:    r.URL.Query(),
	})
	block := b.blocks[resource]
	b.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-r.Context().Done():
			return resource, false
		}
	}

	b.mu.Lock()
	queue := b.canned[resource]
	var canned *cannedResponse
	if len(queue) > 0 {
		canned = &queue[0]
		b.canned[resource] = queue[1:]
	}
	b.mu.Unlock()

	if canned != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(canned.status)
		_, _ = w.Write([]byte(canned.body))
		return resource, false
	}
	return resource, true
}

func (b *Backend) list(w http.ResponseWriter, r *http.Request) {
	resource, ok := b.enter(w, r)
	if !ok {
		return
	}

	params := r.URL.Query()
	page := intParam(params, "page", 1)
	size := intParam(params, "page_size", 20)

	b.mu.Lock()
	var matched []query.Record
	for _, rec := range b.resources[resource] {
		if matches(rec, params) {
			matched = append(matched, rec)
		}
	}
	b.mu.Unlock()

	total := len(matched)
	pages := (total + size - 1) / size
	start := min((page-1)*size, total)
	end := min(start+size, total)

	meta := query.Meta{
		Total:      total,
		Page:       page,
		PageSize:   size,
		TotalPages: pages,
		HasNext:    page < pages,
		HasPrev:    page > 1,
	}
	if meta.HasNext {
		next := page + 1
		meta.NextPage = &next
	}
	if meta.HasPrev {
		prev := page - 1
		meta.PrevPage = &prev
	}

	data := matched[start:end]
	if data == nil {
		data = []query.Record{}
	}
	writeJSON(w, http.StatusOK, query.Page{Meta: meta, Data: data})
}

func (b *Backend) get(w http.ResponseWriter, r *http.Request) {
	resource, ok := b.enter(w, r)
	if !ok {
		return
	}

	b.mu.Lock()
	_, rec := b.findLocked(resource, r.PathValue("id"))
	b.mu.Unlock()

	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rec})
}

func (b *Backend) create(w http.ResponseWriter, r *http.Request) {
	resource, ok := b.enter(w, r)
	if !ok {
		return
	}

	rec, ok := decodeBody(w, r)
	if !ok {
		return
	}

	b.mu.Lock()
	if _, has := rec[query.IDParam]; !has {
		b.nextID++
		rec[query.IDParam] = b.nextID
	}
	b.resources[resource] = append(b.resources[resource], rec)
	b.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"data": rec})
}

func (b *Backend) replace(w http.ResponseWriter, r *http.Request) {
	b.write(w, r, func(_, body query.Record) query.Record { return body })
}

func (b *Backend) merge(w http.ResponseWriter, r *http.Request) {
	b.write(w, r, func(current, body query.Record) query.Record {
		out := current.Clone()
		for k, v := range body {
			out[k] = v
		}
		return out
	})
}

func (b *Backend) write(w http.ResponseWriter, r *http.Request, apply func(current, body query.Record) query.Record) {
	resource, ok := b.enter(w, r)
	if !ok {
		return
	}
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	b.mu.Lock()
	i, current := b.findLocked(resource, id)
	var next query.Record
	if current != nil {
		next = apply(current, body)
		next[query.IDParam] = current[query.IDParam]
		b.resources[resource][i] = next
	}
	b.mu.Unlock()

	if current == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": next})
}

func (b *Backend) remove(w http.ResponseWriter, r *http.Request) {
	resource, ok := b.enter(w, r)
	if !ok {
		return
	}

	b.mu.Lock()
	i, rec := b.findLocked(resource, r.PathValue("id"))
	if rec != nil {
		records := b.resources[resource]
		b.resources[resource] = append(records[:i:i], records[i+1:]...)
	}
	b.mu.Unlock()

	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) findLocked(resource, id string) (int, query.Record) {
	for i, rec := range b.resources[resource] {
		if query.FormatID(rec[query.IDParam]) == id {
			return i, rec
		}
	}
	return -1, nil
}

func matches(rec query.Record, params url.Values) bool {
	for name, values := range params {
		if name == "page" || name == "page_size" || len(values) == 0 {
			continue
		}
		if query.FormatID(rec[name]) != values[0] {
			return false
		}
	}
	return true
}

func intParam(params url.Values, name string, def int) int {
	n, err := strconv.Atoi(params.Get(name))
	if err != nil || n < 1 {
		return def
	}
	return n
}

func decodeBody(w http.ResponseWriter, r *http.Request) (query.Record, bool) {
	var rec query.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil || rec == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body"})
		return nil, false
	}
	return rec, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
