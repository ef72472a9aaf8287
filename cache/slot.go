package cache

import (
	"slices"
	"time"

	"github.com/goliatone/go-query-cache/query"
)

// Status is the lifecycle state of a cache slot.
type Status uint8

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// State is what a consumer can tell about a slot from its status alone.
type State uint8

const (
	StateNeverFetched State = iota
	StateFetching
	StateAvailable
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNeverFetched:
		return "never_fetched"
	case StateFetching:
		return "fetching"
	case StateAvailable:
		return "available"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Callback receives a slot snapshot after every committed change. Callbacks
// run in commit order with no lock held. A callback may read or change the
// store; the notices its changes raise are delivered after it returns.
type Callback func(Snapshot)

// Snapshot is an immutable view of a slot at commit time.
type Snapshot struct {
	Key             query.Key
	Descriptor      query.Descriptor
	Status          Status
	Data            any
	Err             error
	FetchedAt       time.Time
	Stale           bool
	SubscriberCount int
	// Generation counts completed fetches of the slot.
	Generation uint64
}

// State derives the consumer visible state from Status.
func (s Snapshot) State() State {
	switch s.Status {
	case StatusLoading:
		return StateFetching
	case StatusSuccess:
		return StateAvailable
	case StatusError:
		return StateFailed
	default:
		return StateNeverFetched
	}
}

type slot struct {
	key        query.Key
	desc       query.Descriptor
	fetcher    Fetcher
	status     Status
	data       any
	err        error
	fetchedAt  time.Time
	stale      bool
	generation uint64

	subscribers map[uint64]Callback

	inFlight  bool
	flightKey string
	// invalidated while a fetch was in flight; the result is stored stale
	invalidatedInFlight bool

	gcTimer *time.Timer
	gcToken uint64
}

func (sl *slot) snapshot() Snapshot {
	return Snapshot{
		Key:             sl.key,
		Descriptor:      sl.desc,
		Status:          sl.status,
		Data:            sl.data,
		Err:             sl.err,
		FetchedAt:       sl.fetchedAt,
		Stale:           sl.stale,
		SubscriberCount: len(sl.subscribers),
		Generation:      sl.generation,
	}
}

func (sl *slot) callbacks() []Callback {
	if len(sl.subscribers) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(sl.subscribers))
	for id := range sl.subscribers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Callback, len(ids))
	for i, id := range ids {
		out[i] = sl.subscribers[id]
	}
	return out
}

func (sl *slot) stopGC() {
	if sl.gcTimer != nil {
		sl.gcTimer.Stop()
		sl.gcTimer = nil
	}
	sl.gcToken++
}
