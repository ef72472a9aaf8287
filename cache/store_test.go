package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-query-cache/query"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingFetcher returns the call number as data and can block until released
type countingFetcher struct {
	calls   int32
	gate    chan struct{}
	entered chan struct{}
	err     error
}

func (f *countingFetcher) fetch(ctx context.Context, d query.Descriptor) (any, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return int(n), nil
}

func (f *countingFetcher) Calls() int {
	return int(atomic.LoadInt32(&f.calls))
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	cfg := DefaultConfig()
	cfg.GCGracePeriod = time.Hour
	store, err := NewStore(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

var tickets = query.NewDescriptor("tickets", query.Params{"page": 1})

func TestStore_FetchCachesFreshData(t *testing.T) {
	store := newTestStore(t)
	f := &countingFetcher{}

	first, err := store.Fetch(context.Background(), tickets, f.fetch)
	require.NoError(t, err)
	second, err := store.Fetch(context.Background(), tickets, f.fetch)
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
	assert.Equal(t, 1, f.Calls())

	snap, ok := store.Read(tickets.Key())
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, snap.Status)
	assert.Equal(t, StateAvailable, snap.State())
	assert.Equal(t, uint64(1), snap.Generation)
}

func TestStore_ReadUnknown(t *testing.T) {
	store := newTestStore(t)

	_, ok := store.Read("missing")
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len())
}

func TestStore_DeduplicatesConcurrentFetches(t *testing.T) {
	store := newTestStore(t)
	f := &countingFetcher{gate: make(chan struct{})}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]any, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// same params, different insertion order
			d := query.NewDescriptor("tickets", query.Params{"page": 1})
			results[i], errs[i] = store.Fetch(context.Background(), d, f.fetch)
		}(i)
	}

	time.Sleep(30 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, 1, f.Calls())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 1, results[i])
	}
}

func TestStore_FreshnessWindow(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	store := newTestStore(t, WithClock(c.Now))
	f := &countingFetcher{}

	_, err := store.Fetch(context.Background(), tickets, f.fetch)
	require.NoError(t, err)

	c.Advance(30 * time.Second)
	_, err = store.Fetch(context.Background(), tickets, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Calls())

	c.Advance(31 * time.Second)
	data, err := store.Fetch(context.Background(), tickets, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, data)
	assert.Equal(t, 2, f.Calls())
}

func TestStore_ErrorStoredOnSlot(t *testing.T) {
	store := newTestStore(t)
	boom := &query.Error{Kind: query.KindNetwork, Err: errors.New("connection refused")}
	f := &countingFetcher{err: boom}

	var seen []Status
	var mu sync.Mutex
	unsubscribe := store.Subscribe(tickets.Key(), func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.Status)
	})
	defer unsubscribe()

	_, err := store.Fetch(context.Background(), tickets, f.fetch)
	assert.ErrorIs(t, err, boom)

	snap, ok := store.Read(tickets.Key())
	require.True(t, ok)
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, StateFailed, snap.State())
	assert.Equal(t, query.KindNetwork, query.KindOf(snap.Err))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusLoading, StatusError}, seen)
}

func TestStore_ErrorIsRetriedOnNextFetch(t *testing.T) {
	store := newTestStore(t)
	failing := &countingFetcher{err: errors.New("boom")}
	ok := &countingFetcher{}

	_, err := store.Fetch(context.Background(), tickets, failing.fetch)
	require.Error(t, err)

	data, err := store.Fetch(context.Background(), tickets, ok.fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, data)
}

func TestStore_SubscribeCreatesIdleSlot(t *testing.T) {
	store := newTestStore(t)

	unsubscribe := store.Subscribe(tickets.Key(), func(Snapshot) {})
	defer unsubscribe()

	snap, ok := store.Read(tickets.Key())
	require.True(t, ok)
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Equal(t, StateNeverFetched, snap.State())
	assert.Equal(t, 1, snap.SubscriberCount)
}

func TestStore_FetchWithoutFetcher(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Fetch(context.Background(), tickets, nil)
	assert.ErrorIs(t, err, ErrNoFetcher)
}

func TestStore_MarkStaleForcesRefetch(t *testing.T) {
	store := newTestStore(t)
	f := &countingFetcher{}

	_, err := store.Fetch(context.Background(), tickets, f.fetch)
	require.NoError(t, err)

	subs, ok := store.MarkStale(tickets.Key())
	require.True(t, ok)
	assert.Equal(t, 0, subs)

	snap, _ := store.Read(tickets.Key())
	assert.True(t, snap.Stale)
	assert.Equal(t, StateAvailable, snap.State())

	data, err := store.Fetch(context.Background(), tickets, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, data)
}

func TestStore_RefetchNotifiesSubscribers(t *testing.T) {
	store := newTestStore(t)
	f := &countingFetcher{}

	_, err := store.Fetch(context.Background(), tickets, f.fetch)
	require.NoError(t, err)

	done := make(chan Snapshot, 4)
	unsubscribe := store.Subscribe(tickets.Key(), func(s Snapshot) {
		if s.Status == StatusSuccess {
			done <- s
		}
	})
	defer unsubscribe()

	store.MarkStale(tickets.Key())
	require.True(t, store.Refetch(tickets.Key()))

	select {
	case snap := <-done:
		assert.Equal(t, 2, snap.Data)
		assert.False(t, snap.Stale)
	case <-time.After(time.Second):
		t.Fatal("refetch did not complete")
	}

	assert.False(t, store.Refetch("unknown"))
}

func TestStore_InvalidatedWhileInFlight(t *testing.T) {
	store := newTestStore(t)
	f := &countingFetcher{gate: make(chan struct{}, 2), entered: make(chan struct{}, 2)}

	results := make(chan Snapshot, 8)
	unsubscribe := store.Subscribe(tickets.Key(), func(s Snapshot) {
		if s.Status == StatusSuccess {
			results <- s
		}
	})
	defer unsubscribe()

	go store.Fetch(context.Background(), tickets, f.fetch)
	<-f.entered

	store.MarkStale(tickets.Key())
	assert.True(t, store.Refetch(tickets.Key()))

	f.gate <- struct{}{}
	first := <-results
	assert.Equal(t, 1, first.Data)
	assert.True(t, first.Stale, "result of a fetch that began before invalidation is stale")

	<-f.entered
	f.gate <- struct{}{}
	second := <-results
	assert.Equal(t, 2, second.Data)
	assert.False(t, second.Stale)
	assert.Equal(t, 2, f.Calls())
}

func TestStore_CallerCancellationDoesNotCancelFetch(t *testing.T) {
	store := newTestStore(t)
	f := &countingFetcher{gate: make(chan struct{}), entered: make(chan struct{}, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := store.Fetch(ctx, tickets, f.fetch)
		errCh <- err
	}()
	<-f.entered
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(f.gate)
	require.Eventually(t, func() bool {
		snap, _ := store.Read(tickets.Key())
		return snap.Status == StatusSuccess
	}, time.Second, 5*time.Millisecond)
}

func TestStore_UpdateAndRestore(t *testing.T) {
	store := newTestStore(t)
	original := &query.Page{Data: []query.Record{{"id": 1, "title": "a"}}}
	_, err := store.Fetch(context.Background(), tickets, func(context.Context, query.Descriptor) (any, error) {
		return original, nil
	})
	require.NoError(t, err)

	snap, ok := store.Update(tickets.Key(), func(s Snapshot) (any, bool) {
		page := s.Data.(*query.Page)
		rec := page.Data[0].Clone()
		rec["title"] = "b"
		return page.WithData([]query.Record{rec}), true
	})
	require.True(t, ok)
	assert.Equal(t, "b", snap.Data.(*query.Page).Data[0]["title"])
	assert.Equal(t, "a", original.Data[0]["title"], "update must not mutate stored data")

	assert.False(t, store.Restore(tickets.Key(), original, snap.Generation+1), "generation mismatch")
	require.True(t, store.Restore(tickets.Key(), original, snap.Generation))
	restored, _ := store.Read(tickets.Key())
	assert.Same(t, original, restored.Data)

	_, ok = store.Update(tickets.Key(), func(Snapshot) (any, bool) { return nil, false })
	assert.False(t, ok)
	assert.False(t, store.Restore("missing", nil, 0))
}

func TestStore_GarbageCollection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GCGracePeriod = 20 * time.Millisecond
	store, err := NewStore(cfg)
	require.NoError(t, err)
	defer store.Close()

	removed := make(chan query.Key, 4)
	store.OnRemove(func(k query.Key) { removed <- k })

	f := &countingFetcher{}
	unsubscribe := store.Subscribe(tickets.Key(), func(Snapshot) {})
	_, err = store.Fetch(context.Background(), tickets, f.fetch)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, store.Len(), "subscribed slot is kept")

	unsubscribe()
	unsubscribe()

	select {
	case k := <-removed:
		assert.Equal(t, tickets.Key(), k)
	case <-time.After(time.Second):
		t.Fatal("slot was not collected")
	}
	assert.Equal(t, 0, store.Len())
}

func TestStore_ResubscribeCancelsCollection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GCGracePeriod = 30 * time.Millisecond
	store, err := NewStore(cfg)
	require.NoError(t, err)
	defer store.Close()

	first := store.Subscribe(tickets.Key(), func(Snapshot) {})
	first()
	second := store.Subscribe(tickets.Key(), func(Snapshot) {})
	defer second()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, store.Len())
}

func TestStore_NoCollectionWhileInFlight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GCGracePeriod = 10 * time.Millisecond
	store, err := NewStore(cfg)
	require.NoError(t, err)
	defer store.Close()

	f := &countingFetcher{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	unsubscribe := store.Subscribe(tickets.Key(), func(Snapshot) {})
	go store.Fetch(context.Background(), tickets, f.fetch)
	<-f.entered
	unsubscribe()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, store.Len(), "slot with a fetch in flight is kept")

	close(f.gate)
	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStore_NotificationsInCommitOrder(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Fetch(context.Background(), tickets, func(context.Context, query.Descriptor) (any, error) {
		return 0, nil
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []int
	unsubscribe := store.Subscribe(tickets.Key(), func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.Data.(int))
	})
	defer unsubscribe()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Update(tickets.Key(), func(s Snapshot) (any, bool) {
				return s.Data.(int) + 1, true
			})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 50)
	for i, v := range seen {
		assert.Equal(t, i+1, v)
	}
}

func TestStore_OnFetchedRunsOncePerFetch(t *testing.T) {
	store := newTestStore(t)
	f := &countingFetcher{}

	var mu sync.Mutex
	var seen []Snapshot
	store.OnFetched(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	_, err := store.Fetch(context.Background(), tickets, f.fetch)
	require.NoError(t, err)
	_, err = store.Fetch(context.Background(), tickets, f.fetch)
	require.NoError(t, err)

	failing := &countingFetcher{err: errors.New("down")}
	other := query.NewDescriptor("devices", nil)
	_, err = store.Fetch(context.Background(), other, failing.fetch)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, StatusSuccess, seen[0].Status)
	assert.Equal(t, uint64(1), seen[0].Generation)
	assert.Equal(t, "tickets", seen[0].Descriptor.Resource)
	assert.Equal(t, StatusError, seen[1].Status)
}

func TestStore_PrefetchDoesNotWait(t *testing.T) {
	store := newTestStore(t)
	f := &countingFetcher{gate: make(chan struct{}), entered: make(chan struct{}, 2)}

	require.NoError(t, store.Prefetch(tickets, f.fetch))
	<-f.entered

	snap, ok := store.Read(store.KeyOf(tickets))
	require.True(t, ok)
	assert.Equal(t, StatusLoading, snap.Status)

	// already loading
	require.NoError(t, store.Prefetch(tickets, f.fetch))
	close(f.gate)

	data, err := store.Fetch(context.Background(), tickets, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, data)
	assert.Equal(t, 1, f.Calls())

	assert.ErrorIs(t, store.Prefetch(query.NewDescriptor("devices", nil), nil), ErrNoFetcher)
}

func TestStore_ClosedRejectsFetch(t *testing.T) {
	store := newTestStore(t)
	store.Close()

	_, err := store.Fetch(context.Background(), tickets, (&countingFetcher{}).fetch)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewStore_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FreshnessWindow = -time.Second

	_, err := NewStore(cfg)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestStore_CallbackMayCommit(t *testing.T) {
	store := newTestStore(t)
	devices := query.NewDescriptor("devices", nil)
	f := &countingFetcher{}

	var mu sync.Mutex
	var seen []any
	var once sync.Once
	unsubscribe := store.Subscribe(tickets.Key(), func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s.Data)
		mu.Unlock()
		if s.Status != StatusSuccess {
			return
		}
		once.Do(func() {
			_, err := store.Fetch(context.Background(), devices, f.fetch)
			assert.NoError(t, err)
			store.Update(tickets.Key(), func(Snapshot) (any, bool) { return "patched", true })
		})
	})
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := store.Fetch(context.Background(), tickets, f.fetch)
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("commit from a callback blocked the store")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{nil, 1, "patched"}, seen)
	assert.Equal(t, 2, f.Calls())
}
