package enrich

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/query"
)

// Querier issues secondary queries through the ordinary cached query path.
type Querier interface {
	Fetch(ctx context.Context, d query.Descriptor) (any, error)
}

// SlotPatcher is the part of the cache store the orchestrator reads and writes.
type SlotPatcher interface {
	KeyOf(d query.Descriptor) query.Key
	Read(key query.Key) (cache.Snapshot, bool)
	Update(key query.Key, fn func(cache.Snapshot) (any, bool)) (cache.Snapshot, bool)
}

// State is a step of an enrichment operation.
type State int32

const (
	StateAwaitPrimary State = iota
	StateFetchSecondary
	StateBuildLookup
	StatePatch
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitPrimary:
		return "await_primary"
	case StateFetchSecondary:
		return "fetch_secondary"
	case StateBuildLookup:
		return "build_lookup"
	case StatePatch:
		return "patch"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Outcome is how a finished operation ended.
type Outcome int32

const (
	OutcomePending Outcome = iota
	// OutcomePatched means the primary slot received the enriched data.
	OutcomePatched
	// OutcomeSkipped means there was nothing to do or the primary slot moved
	// on to newer data before the patch.
	OutcomeSkipped
	// OutcomeFailed means the secondary fetch failed.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePatched:
		return "patched"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Operation is one enrichment join for one primary fetch.
type Operation struct {
	ID         string
	Link       Link
	PrimaryKey query.Key
	Generation uint64

	data    any
	state   atomic.Int32
	outcome atomic.Int32
	err     error
	done    chan struct{}
}

// State returns the current step.
func (op *Operation) State() State { return State(op.state.Load()) }

// Outcome returns how the operation ended, or OutcomePending.
func (op *Operation) Outcome() Outcome { return Outcome(op.outcome.Load()) }

// Done is closed when the operation reaches StateDone.
func (op *Operation) Done() <-chan struct{} { return op.done }

// Err returns the enrichment failure, if any. Valid after Done.
func (op *Operation) Err() error {
	select {
	case <-op.done:
		return op.err
	default:
		return nil
	}
}

// Wait blocks until the operation is done or ctx ends.
func (op *Operation) Wait(ctx context.Context) error {
	select {
	case <-op.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Orchestrator runs enrichment operations.
type Orchestrator struct {
	querier Querier
	slots   SlotPatcher
	lookups cache.CacheService
	logger  *zap.Logger

	active *xsync.MapOf[string, *Operation]
	wg     sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLookupCache memoizes built lookups in svc. Entries are keyed by the
// secondary slot and the fetch generation, so a refetch never reuses a stale
// lookup.
func WithLookupCache(svc cache.CacheService) Option {
	return func(o *Orchestrator) {
		o.lookups = svc
	}
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(querier Querier, slots SlotPatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		querier: querier,
		slots:   slots,
		logger:  zap.NewNop(),
		active:  xsync.NewMapOf[string, *Operation](),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches an operation for the primary data stored at key by the
// fetch of the given generation. It returns immediately.
//
// The operation is detached from ctx cancellation once started.
func (o *Orchestrator) Start(ctx context.Context, link Link, key query.Key, generation uint64, data any) *Operation {
	op := o.newOperation(link, key, generation, data)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(context.WithoutCancel(ctx), op)
	}()
	return op
}

// Run executes an operation on the calling goroutine.
func (o *Orchestrator) Run(ctx context.Context, link Link, key query.Key, generation uint64, data any) *Operation {
	op := o.newOperation(link, key, generation, data)
	o.wg.Add(1)
	defer o.wg.Done()
	o.run(ctx, op)
	return op
}

// Active returns the operations not yet done.
func (o *Orchestrator) Active() []*Operation {
	var out []*Operation
	o.active.Range(func(_ string, op *Operation) bool {
		out = append(out, op)
		return true
	})
	return out
}

// Wait blocks until every started operation is done.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) newOperation(link Link, key query.Key, generation uint64, data any) *Operation {
	op := &Operation{
		ID:         uuid.NewString(),
		Link:       link.WithDefaults(),
		PrimaryKey: key,
		Generation: generation,
		data:       data,
		done:       make(chan struct{}),
	}
	op.state.Store(int32(StateAwaitPrimary))
	o.active.Store(op.ID, op)
	return op
}

func (o *Orchestrator) run(ctx context.Context, op *Operation) {
	log := o.logger.With(
		zap.String("operation_id", op.ID),
		zap.String("link", op.Link.Name),
		zap.String("key", string(op.PrimaryKey)),
	)
	defer func() {
		op.state.Store(int32(StateDone))
		o.active.Delete(op.ID)
		close(op.done)
		log.Debug("enrichment done", zap.Stringer("outcome", op.Outcome()))
	}()

	var (
		lookup Lookup
		err    error
	)
	switch op.Link.Mode {
	case ModeEntity:
		lookup, err = o.entityLookup(ctx, op)
	default:
		lookup, err = o.listLookup(ctx, op)
	}
	if err != nil {
		op.err = err
		op.outcome.Store(int32(OutcomeFailed))
		log.Warn("enrichment failed", zap.Error(err))
		return
	}
	if lookup == nil {
		op.outcome.Store(int32(OutcomeSkipped))
		return
	}

	o.transition(op, StatePatch)
	if o.patch(op, lookup) {
		op.outcome.Store(int32(OutcomePatched))
		return
	}
	op.outcome.Store(int32(OutcomeSkipped))
	log.Debug("enrichment patch skipped, primary slot changed")
}

func (o *Orchestrator) listLookup(ctx context.Context, op *Operation) (Lookup, error) {
	if _, ok := query.Records(op.data); !ok {
		return nil, nil
	}

	desc := op.Link.secondaryDescriptor()
	o.transition(op, StateFetchSecondary)
	data, err := o.querier.Fetch(ctx, desc)
	if err != nil {
		return nil, o.failure(op, desc, err)
	}

	records, ok := query.Records(data)
	if !ok {
		return nil, o.failure(op, desc, fmt.Errorf("unexpected secondary data %T", data))
	}

	o.transition(op, StateBuildLookup)
	return o.buildLookup(ctx, op, desc, records)
}

func (o *Orchestrator) entityLookup(ctx context.Context, op *Operation) (Lookup, error) {
	rec, ok := op.data.(query.Record)
	if !ok {
		return nil, nil
	}
	fk, ok := rec[op.Link.ForeignKeyField]
	if !ok || fk == nil {
		return nil, nil
	}

	desc := op.Link.entityDescriptor(fk)
	o.transition(op, StateFetchSecondary)
	data, err := o.querier.Fetch(ctx, desc)
	if err != nil {
		return nil, o.failure(op, desc, err)
	}
	secondary, ok := data.(query.Record)
	if !ok {
		return nil, o.failure(op, desc, fmt.Errorf("unexpected secondary data %T", data))
	}

	o.transition(op, StateBuildLookup)
	return Lookup{query.FormatID(fk): secondary}, nil
}

// buildLookup memoizes lookups per secondary fetch when a lookup cache is set.
func (o *Orchestrator) buildLookup(ctx context.Context, op *Operation, desc query.Descriptor, records []query.Record) (Lookup, error) {
	var build cache.FetchFn[Lookup] = func(context.Context) (Lookup, error) {
		return BuildLookup(records, op.Link.SecondaryKeyField, op.Link.Duplicates), nil
	}
	if o.lookups == nil {
		return build(ctx)
	}

	key := o.slots.KeyOf(desc)
	snap, ok := o.slots.Read(key)
	if !ok {
		return build(ctx)
	}

	cacheKey := lookupCacheKey(key, snap.Generation, op.Link)
	lookup, err := cache.GetOrFetch(ctx, o.lookups, cacheKey, build)
	if err != nil {
		o.logger.Debug("lookup cache unavailable", zap.Error(err))
		return build(ctx)
	}
	return lookup, nil
}

func (o *Orchestrator) patch(op *Operation, lookup Lookup) bool {
	_, committed := o.slots.Update(op.PrimaryKey, func(s cache.Snapshot) (any, bool) {
		if s.Generation != op.Generation {
			return nil, false
		}
		return patchData(s.Data, lookup, op.Link.ForeignKeyField, op.Link.EnrichedField)
	})
	return committed
}

func (o *Orchestrator) transition(op *Operation, state State) {
	op.state.Store(int32(state))
}

func (o *Orchestrator) failure(op *Operation, desc query.Descriptor, err error) error {
	return &query.Error{
		Kind:     query.KindEnrichment,
		Op:       "enrich " + op.Link.Name,
		Resource: desc.Resource,
		Key:      o.slots.KeyOf(desc),
		Err:      err,
	}
}

// Forget drops the memoized lookups built from the slot at key. It is a no-op
// without a lookup cache.
func (o *Orchestrator) Forget(key query.Key) {
	if o.lookups == nil {
		return
	}
	if err := o.lookups.DeleteByPrefix(context.Background(), LookupCachePrefix+key.Digest()+":"); err != nil {
		o.logger.Warn("dropping lookups failed", zap.String("key", string(key)), zap.Error(err))
	}
}

// LookupCachePrefix prefixes every lookup cache entry.
const LookupCachePrefix = "enrich:"

func lookupCacheKey(key query.Key, generation uint64, link Link) string {
	return LookupCachePrefix + key.Digest() + ":" + strconv.FormatUint(generation, 10) + ":" +
		link.SecondaryKeyField + ":" + string(link.Duplicates)
}
