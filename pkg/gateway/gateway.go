package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/propgate/propgate-go/pkg/liveness"
	"github.com/propgate/propgate-go/pkg/pending"
	"github.com/propgate/propgate-go/pkg/subrate"
	"github.com/propgate/propgate-go/pkg/transport"
	"github.com/propgate/propgate-go/pkg/wire"
)

// Gateway errors.
var (
	ErrUnknownCaller      = errors.New("caller not registered")
	ErrDuplicateRequestID = errors.New("duplicate caller request id")
	ErrInvalidTimeout     = errors.New("timeout must be positive")
	ErrClosed             = errors.New("gateway is closed")
)

// DefaultRetryBackoff is the pause before re-dispatching a request that
// came back TRY_AGAIN. It keeps a synchronous busy loop from burning the
// whole budget in a tight spin while staying well under typical budgets.
const DefaultRetryBackoff = 10 * time.Millisecond

// Result is one terminal outcome delivered to a caller.
type Result struct {
	// CallerRequestID echoes the id the caller submitted.
	CallerRequestID int64

	// Status is OK, a permanent error, or TIMEOUT. Never TRY_AGAIN.
	Status wire.Status

	// Value is the property value for successful gets.
	Value *wire.PropValue

	// UpdatedAt is the observed update timestamp in nanoseconds since
	// the Unix epoch: the value timestamp for gets, the confirming
	// change event's timestamp for sets.
	UpdatedAt int64
}

// ResultFunc receives batched terminal results. Entries for one submitted
// batch may arrive split across invocations and out of submission order.
type ResultFunc func(results []Result)

// Caller identifies one consumer of the gateway. The gateway does not own
// the caller's lifetime; Done is how it learns the caller is gone.
type Caller struct {
	// ID names the caller. Must be unique among registered callers.
	ID string

	// OnResults receives terminal results for this caller's requests.
	OnResults ResultFunc

	// OnEvents receives change events for properties this caller
	// subscribed to. Optional.
	OnEvents func(events []wire.PropValue)

	// Done closes when the caller is gone. Optional; nil means the
	// caller never dies.
	Done <-chan struct{}
}

// GetRequest is one property read submitted through GetAsync.
type GetRequest struct {
	CallerRequestID int64
	PropID          int32
	AreaID          int32
}

// SetRequest is one property write submitted through SetAsync.
type SetRequest struct {
	CallerRequestID int64
	Value           wire.PropValue
}

// Config adjusts gateway behavior.
type Config struct {
	// Logger for gateway events. Nil disables logging.
	Logger *slog.Logger

	// RetryBackoff is the pause before re-dispatching a TRY_AGAIN
	// request. Zero means DefaultRetryBackoff.
	RetryBackoff time.Duration
}

type callerState struct {
	caller Caller
	subs   map[int32]bool // properties subscribed for event forwarding
}

// Gateway is the property request gateway. All methods are safe for
// concurrent use; none blocks the calling goroutine on the transport.
type Gateway struct {
	log          *slog.Logger
	adapter      transport.Adapter
	table        *pending.Table
	arbiter      *subrate.Arbiter
	tracker      *liveness.Tracker
	retryBackoff time.Duration

	// baselineID issues ids for untracked baseline reads, kept out of
	// the table's positive id space.
	baselineID atomic.Int64

	mu           sync.Mutex
	callers      map[string]*callerState
	watches      map[int64]*setWatch // internal id -> watch
	watchIndex   map[propArea][]*setWatch
	nextWatchSeq int64
	closed       bool
}

// New creates a Gateway over the adapter with default configuration.
// It fetches the static property configuration once; failure to reach the
// service here is reported synchronously since no asynchronous channel
// exists yet.
func New(adapter transport.Adapter) (*Gateway, error) {
	return NewWithConfig(adapter, Config{})
}

// NewWithConfig creates a Gateway with custom configuration.
func NewWithConfig(adapter transport.Adapter, cfg Config) (*Gateway, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}

	configs, err := adapter.PropConfigs()
	if err != nil {
		return nil, fmt.Errorf("service unreachable: %w", err)
	}

	g := &Gateway{
		log:          logger,
		adapter:      adapter,
		table:        pending.NewTable(),
		tracker:      liveness.NewTracker(),
		retryBackoff: backoff,
		callers:      make(map[string]*callerState),
		watches:      make(map[int64]*setWatch),
		watchIndex:   make(map[propArea][]*setWatch),
	}
	g.arbiter = subrate.New(adapter, configs, logger)
	adapter.SetEventHandler(g.handleEvents)
	adapter.SetErrorHandler(g.handleSetErrors)

	logger.Info("gateway started",
		slog.String("transport", adapter.Describe()),
		slog.Int("properties", len(configs)))
	return g, nil
}

// RegisterCaller admits a caller. Registration fails fast with
// liveness.ErrCallerGone if the caller's done channel is already closed.
func (g *Gateway) RegisterCaller(c Caller) error {
	if c.ID == "" || c.OnResults == nil {
		return errors.New("caller needs an ID and an OnResults callback")
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	if _, ok := g.callers[c.ID]; ok {
		g.mu.Unlock()
		return fmt.Errorf("caller %q already registered", c.ID)
	}
	g.callers[c.ID] = &callerState{caller: c, subs: make(map[int32]bool)}
	g.mu.Unlock()

	if c.Done != nil {
		if err := g.tracker.Register(c.ID, c.Done, g.onCallerDied); err != nil {
			g.mu.Lock()
			delete(g.callers, c.ID)
			g.mu.Unlock()
			return err
		}
	}
	return nil
}

// UnregisterCaller removes a caller and silently purges its pending state
// and subscription contributions, exactly as death would.
func (g *Gateway) UnregisterCaller(callerID string) {
	g.tracker.Unregister(callerID)
	g.purgeCaller(callerID)
}

// GetAsync submits a batch of property reads. Terminal results arrive via
// the caller's OnResults within timeout per request. Requests naming
// unknown properties complete immediately with INVALID_ARG.
func (g *Gateway) GetAsync(callerID string, requests []GetRequest, timeout time.Duration) error {
	if timeout <= 0 {
		return ErrInvalidTimeout
	}
	if err := g.checkCaller(callerID); err != nil {
		return err
	}
	ids := make([]int64, len(requests))
	for i, r := range requests {
		ids[i] = r.CallerRequestID
	}
	if err := g.checkDuplicates(callerID, ids); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	var immediate []Result
	var treqs []transport.Request
	for _, r := range requests {
		if !g.arbiter.Known(r.PropID) {
			immediate = append(immediate, Result{
				CallerRequestID: r.CallerRequestID,
				Status:          wire.StatusInvalidArg,
			})
			continue
		}
		req := &pending.Request{
			CallerID:        callerID,
			CallerRequestID: r.CallerRequestID,
			PropID:          r.PropID,
			AreaID:          r.AreaID,
			Kind:            pending.KindGet,
			Deadline:        deadline,
			Attempt:         1,
		}
		id := g.table.Insert(req, timeout, g.onTimeout)
		treqs = append(treqs, transport.Request{
			ID:    id,
			Value: wire.PropValue{PropID: r.PropID, AreaID: r.AreaID},
		})
	}

	g.deliver(callerID, immediate)
	g.adapter.DispatchGet(treqs, g.handleGetResults)
	return nil
}

// Cancel silently removes the given caller-scoped request ids: no callback
// will fire for them even if the transport later reports a result. The
// transport is advised to drop the underlying calls, but only the table
// removal is load-bearing.
func (g *Gateway) Cancel(callerID string, callerRequestIDs []int64) {
	taken := g.table.TakeCallerRequests(callerID, callerRequestIDs)
	if len(taken) == 0 {
		return
	}
	internal := make([]int64, len(taken))
	for i, tk := range taken {
		internal[i] = tk.ID
	}
	g.adapter.Cancel(internal)
	g.dropWatches(taken)
	g.log.Debug("cancelled requests",
		slog.String("caller", callerID), slog.Int("count", len(taken)))
}

// Subscribe adds a plain client subscription for the caller, independent
// of any write-completion watching. Change events for the property are
// forwarded to the caller's OnEvents.
func (g *Gateway) Subscribe(callerID string, propID int32, rate float32) error {
	if err := g.checkCaller(callerID); err != nil {
		return err
	}
	if err := g.arbiter.Add(propID, callerContributor(callerID), rate); err != nil {
		return err
	}
	g.mu.Lock()
	if cs, ok := g.callers[callerID]; ok {
		cs.subs[propID] = true
	}
	g.mu.Unlock()
	return nil
}

// Unsubscribe withdraws the caller's subscription to the property.
func (g *Gateway) Unsubscribe(callerID string, propID int32) error {
	if err := g.checkCaller(callerID); err != nil {
		return err
	}
	g.arbiter.Remove(propID, callerContributor(callerID))
	g.mu.Lock()
	if cs, ok := g.callers[callerID]; ok {
		delete(cs.subs, propID)
	}
	g.mu.Unlock()
	return nil
}

// PendingCount returns the number of in-flight requests, for diagnostics.
func (g *Gateway) PendingCount() int {
	return g.table.Len()
}

// EffectiveRates returns the per-property rates currently pushed to the
// transport, for diagnostics.
func (g *Gateway) EffectiveRates() map[int32]float32 {
	return g.arbiter.Snapshot()
}

// Describe identifies the active transport variant.
func (g *Gateway) Describe() string {
	return g.adapter.Describe()
}

// Close stops admitting work. In-flight requests resolve or time out as
// usual.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

func callerContributor(callerID string) string {
	return "caller:" + callerID
}

func (g *Gateway) checkCaller(callerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	if _, ok := g.callers[callerID]; !ok {
		return ErrUnknownCaller
	}
	return nil
}

// checkDuplicates rejects batches reusing a caller request id, either
// against in-flight requests or within the batch itself.
func (g *Gateway) checkDuplicates(callerID string, ids []int64) error {
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] || g.table.HasCallerRequest(callerID, id) {
			return fmt.Errorf("%w: %d", ErrDuplicateRequestID, id)
		}
		seen[id] = true
	}
	return nil
}

// handleGetResults resolves transport completions for reads. Late results
// whose id is no longer in the table are discarded; that miss is the
// exactly-once guarantee at work.
func (g *Gateway) handleGetResults(results []transport.Result) {
	byCaller := make(map[string][]Result)
	var retries []*pending.Request

	for _, res := range results {
		req, ok := g.table.Take(res.ID)
		if !ok {
			g.log.Debug("discarding late result", slog.Int64("request_id", res.ID))
			continue
		}
		if res.Status.IsTransient() {
			retries = append(retries, req)
			continue
		}
		out := Result{
			CallerRequestID: req.CallerRequestID,
			Status:          res.Status,
			Value:           res.Value,
		}
		if res.Value != nil {
			out.UpdatedAt = res.Value.Timestamp
		}
		byCaller[req.CallerID] = append(byCaller[req.CallerID], out)
	}

	g.deliverAll(byCaller)
	for _, req := range retries {
		g.scheduleRetry(req)
	}
}

// scheduleRetry re-dispatches a TRY_AGAIN request under a new internal id
// after a short backoff, with whatever budget remains as the new, strictly
// smaller timeout slice. The request goes back into the table before the
// pause starts, so Cancel, caller death, and duplicate-id validation see
// it while it waits; the delayed dispatch is skipped when the entry is
// gone by the time the pause ends. An exhausted budget resolves as
// TIMEOUT instead.
func (g *Gateway) scheduleRetry(req *pending.Request) {
	remaining := req.Remaining()
	if remaining <= 0 {
		g.resolveExpired(req)
		return
	}
	req.Attempt++
	g.log.Debug("retrying busy request",
		slog.Int("prop_id", int(req.PropID)),
		slog.Int("attempt", req.Attempt),
		slog.Duration("remaining", remaining))

	// Insert and re-key under one critical section so the timeout
	// handler never sees the watch under a stale id.
	g.mu.Lock()
	id := g.table.Insert(req, remaining, g.onTimeout)
	if req.Kind == pending.KindSet {
		g.rekeyWatchLocked(req, id)
	}
	g.mu.Unlock()

	time.AfterFunc(g.retryBackoff, func() {
		if !g.table.Has(id) {
			// Cancelled, purged, or timed out during the pause.
			return
		}
		treq := transport.Request{
			ID:    id,
			Value: wire.PropValue{PropID: req.PropID, AreaID: req.AreaID},
		}
		if req.Kind == pending.KindSet {
			if req.Target != nil {
				treq.Value = *req.Target
			}
			g.adapter.DispatchSet([]transport.Request{treq}, g.handleSetResults)
			return
		}
		g.adapter.DispatchGet([]transport.Request{treq}, g.handleGetResults)
	})
}

// resolveExpired delivers TIMEOUT for a request whose budget ran out
// between resolutions, outside the table.
func (g *Gateway) resolveExpired(req *pending.Request) {
	if req.Kind == pending.KindSet {
		g.dropWatchFor(req)
	}
	g.deliver(req.CallerID, []Result{{
		CallerRequestID: req.CallerRequestID,
		Status:          wire.StatusTimeout,
	}})
}

// onTimeout is armed per table entry; a fire that still finds the entry
// wins the resolution and delivers TIMEOUT.
func (g *Gateway) onTimeout(id int64) {
	req, ok := g.table.Take(id)
	if !ok {
		return
	}
	g.log.Debug("request timed out",
		slog.Int64("request_id", id),
		slog.Int("prop_id", int(req.PropID)),
		slog.String("kind", req.Kind.String()))
	if req.Kind == pending.KindSet {
		g.removeWatch(id)
	}
	g.deliver(req.CallerID, []Result{{
		CallerRequestID: req.CallerRequestID,
		Status:          wire.StatusTimeout,
	}})
}

// onCallerDied purges every trace of a dead caller with zero callbacks.
func (g *Gateway) onCallerDied(callerID string) {
	g.log.Info("caller gone, purging state", slog.String("caller", callerID))
	g.purgeCaller(callerID)
}

func (g *Gateway) purgeCaller(callerID string) {
	g.mu.Lock()
	delete(g.callers, callerID)
	g.mu.Unlock()

	taken := g.table.TakeAllForCaller(callerID)
	if len(taken) > 0 {
		internal := make([]int64, len(taken))
		for i, tk := range taken {
			internal[i] = tk.ID
		}
		g.adapter.Cancel(internal)
		g.dropWatches(taken)
	}
	g.arbiter.RemoveContributor(callerContributor(callerID))
}

// deliver invokes a caller's OnResults outside every gateway lock. Results
// for callers that vanished in the meantime are dropped.
func (g *Gateway) deliver(callerID string, results []Result) {
	if len(results) == 0 {
		return
	}
	g.mu.Lock()
	cs, ok := g.callers[callerID]
	g.mu.Unlock()
	if !ok {
		g.log.Debug("dropping results for vanished caller",
			slog.String("caller", callerID), slog.Int("count", len(results)))
		return
	}
	cs.caller.OnResults(results)
}

func (g *Gateway) deliverAll(byCaller map[string][]Result) {
	for callerID, results := range byCaller {
		g.deliver(callerID, results)
	}
}
