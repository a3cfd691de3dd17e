package gateway

import (
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/propgate/propgate-go/pkg/pending"
	"github.com/propgate/propgate-go/pkg/transport"
	"github.com/propgate/propgate-go/pkg/wire"
)

// propArea keys state by property and area.
type propArea struct {
	propID int32
	areaID int32
}

// setWatch tracks one in-flight write until both halves of its confirmation
// arrive: the transport's write acknowledgement and an observation that the
// property now carries the target value. Whichever lands second resolves
// the request.
type setWatch struct {
	seq             int64 // submission order, for deterministic resolution
	id              int64 // current internal request id
	callerID        string
	callerRequestID int64
	propID          int32
	areaID          int32
	target          wire.PropValue

	writeAcked     bool
	matched        bool
	matchTimestamp int64
}

func (w *setWatch) contributor() string {
	return "setwatch:" + strconv.FormatInt(w.seq, 10)
}

// SetAsync submits a batch of property writes. A write resolves OK only
// after the transport acknowledges it and the property is observed at the
// target value, via change event or baseline read. Terminal results arrive
// via the caller's OnResults within timeout per request.
func (g *Gateway) SetAsync(callerID string, requests []SetRequest, timeout time.Duration) error {
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
	var watches []*setWatch
	for _, r := range requests {
		if !g.arbiter.Known(r.Value.PropID) {
			immediate = append(immediate, Result{
				CallerRequestID: r.CallerRequestID,
				Status:          wire.StatusInvalidArg,
			})
			continue
		}
		target := r.Value
		req := &pending.Request{
			CallerID:        callerID,
			CallerRequestID: r.CallerRequestID,
			PropID:          target.PropID,
			AreaID:          target.AreaID,
			Kind:            pending.KindSet,
			Target:          &target,
			Deadline:        deadline,
			Attempt:         1,
		}
		// Insert and register under one critical section: the timeout
		// timer must never fire before the watch is findable by id.
		g.mu.Lock()
		g.nextWatchSeq++
		id := g.table.Insert(req, timeout, g.onTimeout)
		w := &setWatch{
			seq:             g.nextWatchSeq,
			id:              id,
			callerID:        callerID,
			callerRequestID: r.CallerRequestID,
			propID:          target.PropID,
			areaID:          target.AreaID,
			target:          target,
		}
		g.watches[id] = w
		key := propArea{w.propID, w.areaID}
		g.watchIndex[key] = append(g.watchIndex[key], w)
		g.mu.Unlock()

		// Watch the change stream on-change only; a faster rate would
		// not make the confirming event arrive sooner.
		if err := g.arbiter.Add(w.propID, w.contributor(), 0); err != nil {
			g.log.Warn("confirmation subscription failed",
				slog.Int("prop_id", int(w.propID)), slog.Any("error", err))
		}

		treqs = append(treqs, transport.Request{ID: id, Value: target})
		watches = append(watches, w)
	}

	g.deliver(callerID, immediate)
	g.adapter.DispatchSet(treqs, g.handleSetResults)
	for _, w := range watches {
		g.dispatchBaseline(w)
	}
	return nil
}

// dispatchBaseline issues an untracked read of the written property. A
// baseline that already carries the target value counts as the matching
// observation, covering properties that never emit an event because the
// write was a no-op.
func (g *Gateway) dispatchBaseline(w *setWatch) {
	id := -g.baselineID.Add(1)
	g.adapter.DispatchGet([]transport.Request{{
		ID:    id,
		Value: wire.PropValue{PropID: w.propID, AreaID: w.areaID},
	}}, func(results []transport.Result) {
		g.handleBaseline(w, results)
	})
}

func (g *Gateway) handleBaseline(w *setWatch, results []transport.Result) {
	for _, res := range results {
		if res.Status != wire.StatusOK || res.Value == nil {
			continue
		}
		if !wire.EqualValue(res.Value.Value, w.target.Value) {
			continue
		}
		g.mu.Lock()
		if !w.matched {
			w.matched = true
			w.matchTimestamp = res.Value.Timestamp
		}
		resolve := w.writeAcked && w.matched
		g.mu.Unlock()
		if resolve {
			g.resolveWatch(w, wire.StatusOK)
		}
	}
}

// handleSetResults processes transport completions for writes. An OK ack
// does not resolve the request; the table entry stays live until the
// matching observation arrives or the budget expires.
func (g *Gateway) handleSetResults(results []transport.Result) {
	var retries []*pending.Request

	for _, res := range results {
		switch {
		case res.Status == wire.StatusOK:
			g.mu.Lock()
			w, ok := g.watches[res.ID]
			var resolve bool
			if ok {
				w.writeAcked = true
				resolve = w.matched
			}
			g.mu.Unlock()
			if !ok {
				g.log.Debug("discarding late write ack", slog.Int64("request_id", res.ID))
				continue
			}
			if resolve {
				g.resolveWatch(w, wire.StatusOK)
			}

		case res.Status.IsTransient():
			req, ok := g.table.Take(res.ID)
			if !ok {
				continue
			}
			retries = append(retries, req)

		default:
			req, ok := g.table.Take(res.ID)
			if !ok {
				continue
			}
			g.removeWatch(res.ID)
			g.deliver(req.CallerID, []Result{{
				CallerRequestID: req.CallerRequestID,
				Status:          res.Status,
			}})
		}
	}

	for _, req := range retries {
		g.scheduleRetry(req)
	}
}

// resolveWatch completes a write whose confirmation is done, or whose
// property reported a terminal error. Losing the table race means a
// timeout already resolved it.
func (g *Gateway) resolveWatch(w *setWatch, status wire.Status) {
	g.mu.Lock()
	id := w.id
	g.mu.Unlock()

	req, ok := g.table.Take(id)
	if !ok {
		return
	}
	g.removeWatch(id)
	out := Result{
		CallerRequestID: req.CallerRequestID,
		Status:          status,
	}
	if status == wire.StatusOK {
		out.UpdatedAt = w.matchTimestamp
	}
	g.deliver(req.CallerID, []Result{out})
}

/// handleEvents is the single change-event entry point: it feeds write
// confirmation first, then forwards events to subscribed callers.
func (g *Gateway) handleEvents(events []wire.PropValue) {
	var toResolve []*setWatch

	g.mu.Lock()
	for _, ev := range events {
		for _, w := range g.watchIndex[propArea{ev.PropID, ev.AreaID}] {
			if w.matched && w.writeAcked {
				continue // already queued for resolution
			}
			if !wire.EqualValue(ev.Value, w.target.Value) {
				continue // intermediate value, keep waiting
			}
			if !w.matched {
				w.matched = true
				w.matchTimestamp = ev.Timestamp
			}
			if w.writeAcked {
				toResolve = append(toResolve, w)
			}
		}
	}

	// Fan events out to callers subscribed to each property.
	byCaller := make(map[string][]wire.PropValue)
	for id, cs := range g.callers {
		if cs.caller.OnEvents == nil {
			continue
		}
		for _, ev := range events {
			if cs.subs[ev.PropID] {
				byCaller[id] = append(byCaller[id], ev)
			}
		}
	}
	callbacks := make(map[string]func(events []wire.PropValue), len(byCaller))
	for id := range byCaller {
		callbacks[id] = g.callers[id].caller.OnEvents
	}
	g.mu.Unlock()

	// A single event may confirm several writes targeting the same
	// value; resolve them in submission order.
	sortWatches(toResolve)
	for _, w := range toResolve {
		g.resolveWatch(w, wire.StatusOK)
	}
	for id, evs := range byCaller {
		callbacks[id](evs)
	}
}

// handleSetErrors resolves watched writes whose property reported an
// asynchronous failure after the ack.
func (g *Gateway) handleSetErrors(errs []wire.SetError) {
	var failed []*setWatch
	statuses := make(map[*setWatch]wire.Status)

	g.mu.Lock()
	for _, se := range errs {
		for _, w := range g.watchIndex[propArea{se.PropID, se.AreaID}] {
			if _, seen := statuses[w]; seen {
				continue
			}
			failed = append(failed, w)
			statuses[w] = se.Status
		}
	}
	g.mu.Unlock()

	sortWatches(failed)
	for _, w := range failed {
		g.log.Debug("write failed after ack",
			slog.Int("prop_id", int(w.propID)),
			slog.String("status", statuses[w].String()))
		g.resolveWatch(w, statuses[w])
	}
}

// rekeyWatchLocked moves a watch to the internal id of a retried
// dispatch. Callers hold g.mu.
func (g *Gateway) rekeyWatchLocked(req *pending.Request, newID int64) {
	for _, w := range g.watchIndex[propArea{req.PropID, req.AreaID}] {
		if w.callerID == req.CallerID && w.callerRequestID == req.CallerRequestID {
			delete(g.watches, w.id)
			w.id = newID
			g.watches[newID] = w
			return
		}
	}
}

// removeWatch drops a watch and releases its confirmation subscription.
func (g *Gateway) removeWatch(id int64) {
	g.mu.Lock()
	w, ok := g.watches[id]
	if ok {
		delete(g.watches, id)
		key := propArea{w.propID, w.areaID}
		list := g.watchIndex[key]
		for i, cand := range list {
			if cand == w {
				g.watchIndex[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(g.watchIndex[key]) == 0 {
			delete(g.watchIndex, key)
		}
	}
	g.mu.Unlock()
	if ok {
		g.arbiter.Remove(w.propID, w.contributor())
	}
}

// dropWatches removes watches belonging to taken set entries.
func (g *Gateway) dropWatches(taken []pending.Taken) {
	for _, tk := range taken {
		if tk.Req.Kind == pending.KindSet {
			g.removeWatch(tk.ID)
		}
	}
}

// dropWatchFor removes a watch whose table entry was already taken, so the
// internal id association is gone.
func (g *Gateway) dropWatchFor(req *pending.Request) {
	g.mu.Lock()
	var w *setWatch
	for _, cand := range g.watchIndex[propArea{req.PropID, req.AreaID}] {
		if cand.callerID == req.CallerID && cand.callerRequestID == req.CallerRequestID {
			w = cand
			break
		}
	}
	g.mu.Unlock()
	if w != nil {
		g.removeWatch(w.id)
	}
}

func sortWatches(ws []*setWatch) {
	sort.Slice(ws, func(i, j int) bool { return ws[i].seq < ws[j].seq })
}
