// Package pending holds the correlation table between gateway-assigned
// internal request ids and in-flight caller requests.
//
// The table is the single resolution authority: whichever of transport
// completion, timeout expiry, cancellation or caller death removes an
// entry first wins, and every later path finds nothing and gives up. That
// structural property is what makes "exactly one terminal callback per
// request" enforceable without flags.
package pending

import (
	"sync"
	"time"

	"github.com/propgate/propgate-go/pkg/wire"
)

// Kind distinguishes read from write requests.
type Kind uint8

const (
	// KindGet is a property read.
	KindGet Kind = 0

	// KindSet is a property write.
	KindSet Kind = 1
)

// String returns the kind name.
func (k Kind) String() string {
	if k == KindSet {
		return "SET"
	}
	return "GET"
}

// Request is the metadata stored for one in-flight request. The gateway
// does not own the caller's lifetime; CallerID is a name, not a reference.
type Request struct {
	// CallerID identifies the submitting caller.
	CallerID string

	// CallerRequestID is the caller-scoped request id echoed back on
	// the terminal result. It never leaves the caller/gateway boundary.
	CallerRequestID int64

	// PropID and AreaID address the property.
	PropID int32
	AreaID int32

	// Kind is GET or SET.
	Kind Kind

	// Target is the value being written. SET only.
	Target *wire.PropValue

	// Deadline is the absolute point at which the total timeout budget
	// is exhausted, across all retries.
	Deadline time.Time

	// Attempt counts dispatches of this logical request, starting at 1.
	Attempt int
}

// Remaining returns the unspent timeout budget.
func (r *Request) Remaining() time.Duration {
	return time.Until(r.Deadline)
}

type entry struct {
	req   *Request
	timer *time.Timer
}

// Table correlates internal request ids with pending requests. Internal
// ids are issued monotonically and never reused.
type Table struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*entry
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[int64]*entry)}
}

// Insert stores req under a fresh internal id and arms a timeout task for
// the given duration. When the timer fires, onTimeout runs with the
// internal id; it must call Take itself and treat a miss as "already
// resolved". A timeout <= 0 arms no timer.
func (t *Table) Insert(req *Request, timeout time.Duration, onTimeout func(id int64)) int64 {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	e := &entry{req: req}
	t.entries[id] = e
	if timeout > 0 && onTimeout != nil {
		e.timer = time.AfterFunc(timeout, func() { onTimeout(id) })
	}
	t.mu.Unlock()
	return id
}

// Take atomically removes and returns the request for id, disarming its
// timeout. The second return is false if the id was already resolved,
// cancelled or purged; callers must then discard whatever prompted the
// Take.
func (t *Table) Take(id int64) (*Request, bool) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	return e.req, true
}

// Taken pairs a removed request with the internal id it was stored under.
type Taken struct {
	ID  int64
	Req *Request
}

// TakeCallerRequests removes every entry of callerID whose caller-scoped
// request id appears in callerRequestIDs, disarming timeouts. Used for
// explicit cancellation; the removals are silent by design.
func (t *Table) TakeCallerRequests(callerID string, callerRequestIDs []int64) []Taken {
	want := make(map[int64]bool, len(callerRequestIDs))
	for _, id := range callerRequestIDs {
		want[id] = true
	}

	var taken []Taken
	t.mu.Lock()
	for id, e := range t.entries {
		if e.req.CallerID == callerID && want[e.req.CallerRequestID] {
			delete(t.entries, id)
			if e.timer != nil {
				e.timer.Stop()
			}
			taken = append(taken, Taken{ID: id, Req: e.req})
		}
	}
	t.mu.Unlock()
	return taken
}

// TakeAllForCaller removes every entry belonging to callerID, disarming
// timeouts. Used when the caller's channel closes; no callbacks follow.
func (t *Table) TakeAllForCaller(callerID string) []Taken {
	var taken []Taken
	t.mu.Lock()
	for id, e := range t.entries {
		if e.req.CallerID == callerID {
			delete(t.entries, id)
			if e.timer != nil {
				e.timer.Stop()
			}
			taken = append(taken, Taken{ID: id, Req: e.req})
		}
	}
	t.mu.Unlock()
	return taken
}

// HasCallerRequest reports whether callerID already has an in-flight
// request under the given caller-scoped id. Caller request ids must be
// unique among that caller's pending requests.
// Has reports whether an internal id is still pending.
func (t *Table) Has(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

func (t *Table) HasCallerRequest(callerID string, callerRequestID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.req.CallerID == callerID && e.req.CallerRequestID == callerRequestID {
			return true
		}
	}
	return false
}

// Len returns the number of pending requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
