package mutation

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/query"
	"github.com/goliatone/go-query-cache/tags"
)

// Sender performs the write against the backend.
type Sender interface {
	Send(ctx context.Context, d query.Descriptor, method string, body any) (any, error)
}

// SlotStore is the part of the cache store the executor patches.
type SlotStore interface {
	Update(key query.Key, fn func(cache.Snapshot) (any, bool)) (cache.Snapshot, bool)
	Restore(key query.Key, data any, generation uint64) bool
}

// Invalidator invalidates tags after a successful mutation.
type Invalidator interface {
	Invalidate(ts ...query.Tag) tags.Report
}

// EventType identifies a mutation lifecycle event.
type EventType uint8

const (
	EventStarted EventType = iota + 1
	EventPatched
	EventSucceeded
	EventFailed
	EventRolledBack
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventPatched:
		return "patched"
	case EventSucceeded:
		return "succeeded"
	case EventFailed:
		return "failed"
	case EventRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Event reports a step of one Mutate call.
type Event struct {
	ID         string
	Type       EventType
	Descriptor query.Descriptor
	Keys       []query.Key
	Err        error
}

// patchRecord is the snapshot taken right before an optimistic patch.
type patchRecord struct {
	key        query.Key
	previous   any
	generation uint64
}

// slotQueue orders the optimistic mutations of one slot. tail is closed when
// the last enqueued mutation settles.
type slotQueue struct {
	tail    chan struct{}
	pending atomic.Int32
}

// Executor runs mutations.
type Executor struct {
	store   SlotStore
	graph   Invalidator
	sender  Sender
	logger  *zap.Logger
	timeout time.Duration

	enqueueMu sync.Mutex
	queues    *xsync.MapOf[query.Key, *slotQueue]

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTimeout bounds every backend request. Zero disables the bound.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = d
	}
}

// NewExecutor creates an executor. graph may be nil when no invalidation is needed.
func NewExecutor(store SlotStore, graph Invalidator, sender Sender, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:  store,
		graph:  graph,
		sender: sender,
		logger: zap.NewNop(),
		queues: xsync.NewMapOf[query.Key, *slotQueue](),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnEvent registers a listener for lifecycle events. Listeners run
// synchronously on the mutating goroutine.
func (e *Executor) OnEvent(fn func(Event)) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Pending returns how many optimistic mutations are queued or running for key.
func (e *Executor) Pending(key query.Key) int {
	q, ok := e.queues.Load(key)
	if !ok {
		return 0
	}
	return int(q.pending.Load())
}

// Mutate sends body for d. Errors are always returned to the caller; when an
// optimistic patch had been applied the error is a KindOptimisticRollback
// wrapping the cause.
func (e *Executor) Mutate(ctx context.Context, d query.Descriptor, body any, opts ...Option) (any, error) {
	o := newOptions(opts)
	patches := o.groupedPatches()
	keys := make([]query.Key, len(patches))
	for i, p := range patches {
		keys[i] = p.key
	}

	id := uuid.NewString()
	log := e.logger.With(zap.String("mutation_id", id), zap.String("resource", d.Resource), zap.String("method", o.method))
	e.emit(Event{ID: id, Type: EventStarted, Descriptor: d, Keys: keys})

	release := func() {}
	if len(patches) > 0 {
		var err error
		release, err = e.acquire(ctx, keys)
		if err != nil {
			e.emit(Event{ID: id, Type: EventFailed, Descriptor: d, Keys: keys, Err: err})
			return nil, err
		}
	}

	records := e.applyPatches(patches)
	if len(records) > 0 {
		log.Debug("optimistic patch applied", zap.Int("slots", len(records)))
		e.emit(Event{ID: id, Type: EventPatched, Descriptor: d, Keys: recordKeys(records)})
	}

	result, err := e.send(ctx, d, o.method, body)
	if err != nil {
		e.rollback(records)
		release()
		log.Debug("mutation failed", zap.Error(err), zap.Int("rolled_back", len(records)))

		e.emit(Event{ID: id, Type: EventFailed, Descriptor: d, Keys: keys, Err: err})
		if len(records) == 0 {
			return nil, err
		}
		rollbackErr := &query.Error{
			Kind:     query.KindOptimisticRollback,
			Op:       "mutate",
			Resource: d.Resource,
			Key:      d.Key(),
			Err:      err,
		}
		e.emit(Event{ID: id, Type: EventRolledBack, Descriptor: d, Keys: recordKeys(records), Err: rollbackErr})
		return nil, rollbackErr
	}

	// snapshots are dropped with records
	e.emit(Event{ID: id, Type: EventSucceeded, Descriptor: d, Keys: keys})
	release()

	if e.graph != nil && len(o.invalidates) > 0 {
		report := e.graph.Invalidate(o.invalidates...)
		log.Debug("mutation invalidated tags", zap.Int("refetched", len(report.Refetched)), zap.Int("staled", len(report.Staled)))
	}
	return result, nil
}

func (e *Executor) send(ctx context.Context, d query.Descriptor, method string, body any) (any, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	return e.sender.Send(ctx, d, method, body)
}

func (e *Executor) applyPatches(patches []optimistic) []patchRecord {
	var records []patchRecord
	for _, p := range patches {
		var rec patchRecord
		_, ok := e.store.Update(p.key, func(s cache.Snapshot) (any, bool) {
			rec = patchRecord{key: p.key, previous: s.Data, generation: s.Generation}
			return p.patch(s.Data), true
		})
		if ok {
			records = append(records, rec)
		}
	}
	return records
}

// rollback restores slots in reverse patch order.
func (e *Executor) rollback(records []patchRecord) {
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if !e.store.Restore(rec.key, rec.previous, rec.generation) {
			e.logger.Debug("rollback skipped, slot refetched or collected", zap.String("key", string(rec.key)))
		}
	}
}

// acquire enqueues the mutation on every key at once, so queues of different
// slots agree on submission order, then waits for its turn on each.
func (e *Executor) acquire(ctx context.Context, keys []query.Key) (func(), error) {
	sorted := append([]query.Key(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mine := make(chan struct{})
	var waits []chan struct{}

	e.enqueueMu.Lock()
	for _, key := range sorted {
		q, _ := e.queues.LoadOrCompute(key, func() *slotQueue { return &slotQueue{} })
		if q.tail != nil {
			waits = append(waits, q.tail)
		}
		q.tail = mine
		q.pending.Add(1)
	}
	e.enqueueMu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			e.enqueueMu.Lock()
			defer e.enqueueMu.Unlock()
			close(mine)
			for _, key := range sorted {
				q, ok := e.queues.Load(key)
				if !ok {
					continue
				}
				if q.pending.Add(-1) == 0 && q.tail == mine {
					e.queues.Delete(key)
				}
			}
		})
	}

	for i, w := range waits {
		select {
		case <-w:
		case <-ctx.Done():
			// successors are chained on mine; hand the turn on once ours comes
			rest := waits[i:]
			go func() {
				for _, w := range rest {
					<-w
				}
				release()
			}()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (e *Executor) emit(ev Event) {
	e.listenersMu.RLock()
	listeners := slices.Clone(e.listeners)
	e.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

func recordKeys(records []patchRecord) []query.Key {
	keys := make([]query.Key, len(records))
	for i, r := range records {
		keys[i] = r.key
	}
	return keys
}
