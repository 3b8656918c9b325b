package querycache

import "time"

// Status is the freshness of a cache entry as seen by a reader.
type Status string

const (
	StatusFresh    Status = "fresh"
	StatusStale    Status = "stale"
	StatusFetching Status = "fetching"
	StatusError    Status = "error"
)

// Entry is a point-in-time copy of a cache entry. The engine never hands out
// its internal records, so an Entry can be kept and compared freely.
type Entry struct {
	Key        Key
	Data       any
	HasData    bool
	Status     Status
	FetchedAt  time.Time
	Err        error
	Optimistic bool
	// Refreshing is set while a background refetch runs for stale data.
	Refreshing bool
}

// value is the part of a record that a mutation snapshots and restores.
type value struct {
	data          any
	hasData       bool
	fetchedAt     time.Time
	ttl           time.Duration
	err           error
	invalidated   bool
	invalidatedAt time.Time
	optimistic    bool
}

type record struct {
	val        value
	lastAccess time.Time
	mutating   int
}

func (r *record) status(now time.Time, inflight bool) Status {
	v := r.val
	if v.optimistic {
		return StatusFresh
	}
	if !v.hasData {
		if v.err != nil && !inflight {
			return StatusError
		}
		return StatusFetching
	}
	if v.err != nil {
		return StatusError
	}
	if v.invalidated || now.Sub(v.fetchedAt) >= v.ttl {
		return StatusStale
	}
	return StatusFresh
}

// State is the typed read-state handed to the render boundary.
type State[T any] struct {
	Data       T
	HasData    bool
	Status     Status
	Err        error
	FetchedAt  time.Time
	Optimistic bool
	Refreshing bool
}

// StateOf converts an Entry into a typed State. Data of another type is
// reported as absent.
func StateOf[T any](e Entry) State[T] {
	st := State[T]{
		Status:     e.Status,
		Err:        e.Err,
		FetchedAt:  e.FetchedAt,
		Optimistic: e.Optimistic,
		Refreshing: e.Refreshing,
	}
	if e.HasData {
		if v, ok := e.Data.(T); ok {
			st.Data = v
			st.HasData = true
		}
	}
	return st
}
