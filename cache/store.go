package cache

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-query-cache/query"
)

// Fetcher loads the data of a descriptor from the source of truth.
type Fetcher func(ctx context.Context, d query.Descriptor) (any, error)

// ErrNoFetcher is returned when a slot has to be fetched but no fetcher was
// ever supplied for it.
var ErrNoFetcher = errors.New("cache: no fetcher for slot")

// ErrClosed is returned by Fetch after Close.
var ErrClosed = errors.New("cache: store closed")

// Store owns every cache slot. It is safe for concurrent use.
//
// Subscriber callbacks run in commit order with no store lock held. They may
// call any method of the store, including ones that commit; notices raised
// from a callback are queued and delivered after it returns.
type Store struct {
	mu sync.Mutex

	// queue holds committed notices not yet delivered; delivering is set
	// while a goroutine drains it.
	queue      []notice
	delivering bool

	slots  map[query.Key]*slot
	group  singleflight.Group
	seq    uint64
	subSeq uint64
	closed bool

	onRemove  []func(query.Key)
	onFetched []func(Snapshot)

	cfg        Config
	serializer query.KeySerializer
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for slot lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithKeySerializer overrides how descriptors map to keys.
func WithKeySerializer(serializer query.KeySerializer) Option {
	return func(s *Store) {
		if serializer != nil {
			s.serializer = serializer
		}
	}
}

// NewStore creates an empty store.
func NewStore(cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{
		slots:      make(map[query.Key]*slot),
		cfg:        cfg,
		serializer: query.NewDefaultKeySerializer(),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// KeyOf returns the key the store uses for d.
func (s *Store) KeyOf(d query.Descriptor) query.Key {
	return d.KeyWith(s.serializer)
}

// Read returns a snapshot of the slot without side effects.
func (s *Store) Read(key query.Key) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[key]
	if !ok {
		return Snapshot{}, false
	}
	return sl.snapshot(), true
}

// Fetch returns the data for d. Fresh cached data is returned without calling
// fetcher; a request already in flight for the same key is joined; otherwise
// the slot moves to Loading and fetcher runs once for all concurrent callers.
//
// The fetch runs detached from ctx: a caller giving up does not cancel the
// request for the others. A nil fetcher reuses the slot's previous fetcher.
func (s *Store) Fetch(ctx context.Context, d query.Descriptor, fetcher Fetcher) (any, error) {
	data, ch, err := s.begin(d, fetcher, true)
	if err != nil || ch == nil {
		return data, err
	}

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Prefetch starts fetching d unless the slot is fresh or already loading. It
// does not wait for the result.
func (s *Store) Prefetch(d query.Descriptor, fetcher Fetcher) error {
	_, _, err := s.begin(d, fetcher, false)
	return err
}

// begin returns the data of a fresh slot, or starts (or joins, when wait is
// set) the fetch of d.
func (s *Store) begin(d query.Descriptor, fetcher Fetcher, wait bool) (any, <-chan singleflight.Result, error) {
	key := s.KeyOf(d)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, ErrClosed
	}

	sl := s.slots[key]
	if sl != nil && s.isFresh(sl) {
		data := sl.data
		s.mu.Unlock()
		return data, nil, nil
	}

	if sl == nil {
		sl = s.newSlotLocked(key, d)
	}
	if fetcher != nil {
		sl.fetcher = fetcher
		sl.desc = d
	}
	if sl.fetcher == nil {
		s.mu.Unlock()
		return nil, nil, ErrNoFetcher
	}

	var notices []notice
	if !sl.inFlight {
		notices = append(notices, s.startLocked(sl))
	}
	var ch <-chan singleflight.Result
	if wait {
		ch = s.group.DoChan(sl.flightKey, nil)
	}
	s.commit(notices)
	return nil, ch, nil
}

// Refetch re-issues the slot's last fetch without waiting for it. It reports
// false when the slot is unknown or was never fetched.
func (s *Store) Refetch(key query.Key) bool {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if !ok || sl.fetcher == nil || s.closed {
		s.mu.Unlock()
		return false
	}
	if sl.inFlight {
		// completion restarts the fetch if the slot was invalidated meanwhile
		s.mu.Unlock()
		return true
	}
	n := s.startLocked(sl)
	s.commit([]notice{n})
	return true
}

// MarkStale marks the slot stale so the next read refetches it. A fetch in
// flight stores its result as stale. It returns the subscriber count.
func (s *Store) MarkStale(key query.Key) (subscribers int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[key]
	if !ok {
		return 0, false
	}
	sl.stale = true
	sl.fetchedAt = time.Time{}
	if sl.inFlight {
		sl.invalidatedInFlight = true
	}
	return len(sl.subscribers), true
}

// Update replaces the slot data with the value returned by fn. fn must not
// mutate the data it receives; it returns the replacement and whether to
// commit it. Subscribers are notified before Update returns unless a
// delivery is already running, as when Update is called from a callback.
func (s *Store) Update(key query.Key, fn func(Snapshot) (any, bool)) (Snapshot, bool) {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if !ok {
		s.mu.Unlock()
		return Snapshot{}, false
	}

	next, commit := fn(sl.snapshot())
	if !commit {
		snap := sl.snapshot()
		s.mu.Unlock()
		return snap, false
	}
	sl.data = next
	n := s.noticeLocked(sl)
	s.commit([]notice{n})
	return n.snap, true
}

// Restore puts data back into the slot verbatim, provided no fetch completed
// since generation. It is the rollback half of Update: the stored value is
// the exact value passed in. When a fetch landed in between, the fetched data
// is authoritative and Restore reports false.
func (s *Store) Restore(key query.Key, data any, generation uint64) bool {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if !ok || sl.generation != generation {
		s.mu.Unlock()
		return false
	}
	sl.data = data
	n := s.noticeLocked(sl)
	s.commit([]notice{n})
	return true
}

// Subscribe registers cb for changes of key, creating an idle slot when none
// exists. The returned function unsubscribes; calling it more than once is a
// no-op.
func (s *Store) Subscribe(key query.Key, cb Callback) (unsubscribe func()) {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if !ok {
		sl = s.newSlotLocked(key, query.Descriptor{Resource: key.Resource()})
	}
	s.subSeq++
	id := s.subSeq
	sl.subscribers[id] = cb
	sl.stopGC()
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(key, id) })
	}
}

func (s *Store) unsubscribe(key query.Key, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[key]
	if !ok {
		return
	}
	delete(sl.subscribers, id)
	if len(sl.subscribers) == 0 && !sl.inFlight {
		s.armGCLocked(sl)
	}
}

// OnRemove registers a hook called after a slot is garbage collected.
func (s *Store) OnRemove(fn func(query.Key)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemove = append(s.onRemove, fn)
}

// OnFetched registers a hook called once per completed fetch, after the
// result was committed, with the slot as committed by that fetch. Hooks run on
// the fetching goroutine with no store lock held.
func (s *Store) OnFetched(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFetched = append(s.onFetched, fn)
}

// Keys lists the keys of all slots.
func (s *Store) Keys() []query.Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]query.Key, 0, len(s.slots))
	for k := range s.slots {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of slots.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Close stops pending garbage collection. Fetches in flight still complete.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for _, sl := range s.slots {
		sl.stopGC()
	}
}

func (s *Store) newSlotLocked(key query.Key, d query.Descriptor) *slot {
	sl := &slot{
		key:         key,
		desc:        d,
		subscribers: make(map[uint64]Callback),
	}
	s.slots[key] = sl
	return sl
}

func (s *Store) isFresh(sl *slot) bool {
	if sl.status != StatusSuccess || sl.stale || sl.inFlight {
		return false
	}
	return s.now().Sub(sl.fetchedAt) <= s.cfg.FreshnessWindow
}

// startLocked moves the slot to Loading and launches the fetch. The flight key
// is unique per launch so a new fetch never joins one that is completing.
func (s *Store) startLocked(sl *slot) notice {
	s.seq++
	sl.inFlight = true
	sl.invalidatedInFlight = false
	sl.flightKey = string(sl.key) + "#" + strconv.FormatUint(s.seq, 10)
	sl.status = StatusLoading
	sl.stopGC()

	key, desc, fetcher, flightKey := sl.key, sl.desc, sl.fetcher, sl.flightKey
	s.logger.Debug("fetch started", zap.String("key", string(key)))

	s.group.DoChan(flightKey, func() (any, error) {
		ctx := context.Background()
		if s.cfg.FetchTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
			defer cancel()
		}
		val, err := fetcher(ctx, desc)
		s.complete(key, flightKey, val, err)
		return val, err
	})

	return s.noticeLocked(sl)
}

func (s *Store) complete(key query.Key, flightKey string, val any, err error) {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if !ok || sl.flightKey != flightKey {
		s.mu.Unlock()
		return
	}

	sl.inFlight = false
	sl.generation++
	if err != nil {
		sl.status = StatusError
		sl.err = err
		s.logger.Debug("fetch failed", zap.String("key", string(key)), zap.Error(err))
	} else {
		sl.status = StatusSuccess
		sl.data = val
		sl.err = nil
		sl.fetchedAt = s.now()
		sl.stale = false
	}

	restart := false
	if sl.invalidatedInFlight {
		sl.invalidatedInFlight = false
		sl.stale = true
		sl.fetchedAt = time.Time{}
		restart = len(sl.subscribers) > 0 && !s.closed
	}

	notices := []notice{s.noticeLocked(sl)}
	if restart {
		notices = append(notices, s.startLocked(sl))
	}
	if len(sl.subscribers) == 0 && !sl.inFlight {
		s.armGCLocked(sl)
	}
	fetched := notices[0].snap
	hooks := slices.Clone(s.onFetched)
	s.commit(notices)

	for _, hook := range hooks {
		hook(fetched)
	}
}

func (s *Store) armGCLocked(sl *slot) {
	if s.closed {
		return
	}
	sl.stopGC()
	token := sl.gcToken
	key := sl.key
	sl.gcTimer = time.AfterFunc(s.cfg.GCGracePeriod, func() {
		s.collect(key, token)
	})
}

func (s *Store) collect(key query.Key, token uint64) {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if !ok || sl.gcToken != token || len(sl.subscribers) > 0 || sl.inFlight {
		s.mu.Unlock()
		return
	}
	delete(s.slots, key)
	hooks := slices.Clone(s.onRemove)
	s.mu.Unlock()

	s.logger.Debug("slot collected", zap.String("key", string(key)))
	for _, hook := range hooks {
		hook(key)
	}
}

type notice struct {
	snap      Snapshot
	callbacks []Callback
}

func (s *Store) noticeLocked(sl *slot) notice {
	return notice{snap: sl.snapshot(), callbacks: sl.callbacks()}
}

// commit queues notices and releases s.mu. Notices are queued under the data
// lock, so the queue is in commit order. The committing goroutine drains it
// unless another goroutine, possibly its own caller, already does.
func (s *Store) commit(notices []notice) {
	s.queue = append(s.queue, notices...)
	if s.delivering || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	s.mu.Unlock()
	s.deliver()
}

func (s *Store) deliver() {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		if len(batch) == 0 {
			s.delivering = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		for _, n := range batch {
			for _, cb := range n.callbacks {
				cb(n.snap)
			}
		}
	}
}
