package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/propgate/propgate-go/pkg/wire"
)

// BatchService is the modern remote service surface: batched calls with
// asynchronous callback completion and envelope payloads.
type BatchService interface {
	// GetValues requests the values described in the envelope. Results
	// arrive via cb.OnGetResults, possibly before GetValues returns.
	GetValues(cb BatchCallback, requests *wire.Envelope) error

	// SetValues requests the writes described in the envelope. Results
	// arrive via cb.OnSetResults.
	SetValues(cb BatchCallback, requests *wire.Envelope) error

	// Subscribe streams change events for the property to cb.
	Subscribe(cb BatchCallback, propID int32, rate float32) error

	// Unsubscribe stops the property's event stream.
	Unsubscribe(propID int32) error

	// PropConfigs returns an envelope holding []wire.PropConfig.
	PropConfigs() (*wire.Envelope, error)
}

// BatchCallback receives asynchronous completions from a BatchService.
// Implemented by Modern.
type BatchCallback interface {
	OnGetResults(results *wire.Envelope)
	OnSetResults(results *wire.Envelope)
	OnPropertyEvents(events *wire.Envelope)
	OnPropertySetErrors(errs *wire.Envelope)
}

// dispatch groups the in-flight entries of one DispatchGet/DispatchSet
// call so demultiplexed results can find their way back to the right
// callback.
type dispatch struct {
	onResult ResultFunc
}

// flight is one outstanding wire request.
type flight struct {
	internalID int64
	disp       *dispatch
}

// Modern adapts a BatchService to the Adapter interface. It assigns its
// own wire request ids, maps them back to the gateway's internal ids when
// results arrive, and moves oversized batches out-of-band transparently.
type Modern struct {
	svc       BatchService
	log       *slog.Logger
	threshold int

	nextWireID atomic.Int64

	mu       sync.Mutex
	inFlight map[int64]flight // wire id -> flight

	eventFn  atomic.Value // EventFunc
	setErrFn atomic.Value // SetErrorFunc
}

// NewModern creates a Modern adapter over svc. A nil logger disables
// logging; a threshold <= 0 uses wire.DefaultInlineThreshold.
func NewModern(svc BatchService, logger *slog.Logger, threshold int) *Modern {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if threshold <= 0 {
		threshold = wire.DefaultInlineThreshold
	}
	return &Modern{
		svc:       svc,
		log:       logger,
		threshold: threshold,
		inFlight:  make(map[int64]flight),
	}
}

// Describe identifies the adapter variant.
func (m *Modern) Describe() string {
	return "modern batched transport"
}

// DispatchGet sends a batched get call.
func (m *Modern) DispatchGet(requests []Request, onResult ResultFunc) {
	if len(requests) == 0 {
		return
	}
	d := &dispatch{onResult: onResult}

	wireReqs := make([]wire.GetRequest, len(requests))
	wireIDs := make([]int64, len(requests))
	m.mu.Lock()
	for i, req := range requests {
		wireID := m.nextWireID.Add(1)
		m.inFlight[wireID] = flight{internalID: req.ID, disp: d}
		wireReqs[i] = wire.GetRequest{
			RequestID: wireID,
			PropID:    req.Value.PropID,
			AreaID:    req.Value.AreaID,
		}
		wireIDs[i] = wireID
	}
	m.mu.Unlock()

	env, err := wire.PackEnvelope(wireReqs, m.threshold)
	if err != nil {
		m.failWireIDs(wireIDs, err)
		return
	}
	if err := m.svc.GetValues(m, env); err != nil {
		m.failWireIDs(wireIDs, err)
	}
}

// DispatchSet sends a batched set call.
func (m *Modern) DispatchSet(requests []Request, onResult ResultFunc) {
	if len(requests) == 0 {
		return
	}
	d := &dispatch{onResult: onResult}

	wireReqs := make([]wire.SetRequest, len(requests))
	wireIDs := make([]int64, len(requests))
	m.mu.Lock()
	for i, req := range requests {
		wireID := m.nextWireID.Add(1)
		m.inFlight[wireID] = flight{internalID: req.ID, disp: d}
		wireReqs[i] = wire.SetRequest{RequestID: wireID, Value: req.Value}
		wireIDs[i] = wireID
	}
	m.mu.Unlock()

	env, err := wire.PackEnvelope(wireReqs, m.threshold)
	if err != nil {
		m.failWireIDs(wireIDs, err)
		return
	}
	if err := m.svc.SetValues(m, env); err != nil {
		m.failWireIDs(wireIDs, err)
	}
}

// failWireIDs converts a synchronous native failure into onResult calls
// for every request that has not completed through the callback already.
func (m *Modern) failWireIDs(wireIDs []int64, err error) {
	m.log.Warn("batched call failed, service unreachable",
		slog.Int("requests", len(wireIDs)), slog.Any("error", err))

	byDispatch := make(map[*dispatch][]Result)
	m.mu.Lock()
	for _, wireID := range wireIDs {
		fl, ok := m.inFlight[wireID]
		if !ok {
			// Completed on the synchronous fast path before the
			// call returned.
			continue
		}
		delete(m.inFlight, wireID)
		byDispatch[fl.disp] = append(byDispatch[fl.disp], Result{
			ID:     fl.internalID,
			Status: wire.StatusInternalError,
		})
	}
	m.mu.Unlock()

	for d, results := range byDispatch {
		d.onResult(results)
	}
}

// OnGetResults demultiplexes a batch of get results by wire id.
func (m *Modern) OnGetResults(env *wire.Envelope) {
	var wireResults []wire.GetResult
	if err := wire.UnpackEnvelope(env, &wireResults); err != nil {
		m.log.Warn("failed to unpack get results", slog.Any("error", err))
		return
	}

	byDispatch := make(map[*dispatch][]Result)
	m.mu.Lock()
	for _, wr := range wireResults {
		fl, ok := m.inFlight[wr.RequestID]
		if !ok {
			m.log.Debug("dropping result with no in-flight request",
				slog.Int64("wire_id", wr.RequestID))
			continue
		}
		delete(m.inFlight, wr.RequestID)

		res := Result{ID: fl.internalID, Status: wr.Status, Value: wr.Value}
		if wr.Status == wire.StatusOK && wr.Value == nil {
			// OK with no value means the property cannot be served.
			res.Status = wire.StatusNotAvailable
		}
		byDispatch[fl.disp] = append(byDispatch[fl.disp], res)
	}
	m.mu.Unlock()

	for d, results := range byDispatch {
		d.onResult(results)
	}
}

// OnSetResults demultiplexes a batch of set acknowledgements by wire id.
func (m *Modern) OnSetResults(env *wire.Envelope) {
	var wireResults []wire.SetResult
	if err := wire.UnpackEnvelope(env, &wireResults); err != nil {
		m.log.Warn("failed to unpack set results", slog.Any("error", err))
		return
	}

	byDispatch := make(map[*dispatch][]Result)
	m.mu.Lock()
	for _, wr := range wireResults {
		fl, ok := m.inFlight[wr.RequestID]
		if !ok {
			m.log.Debug("dropping result with no in-flight request",
				slog.Int64("wire_id", wr.RequestID))
			continue
		}
		delete(m.inFlight, wr.RequestID)
		byDispatch[fl.disp] = append(byDispatch[fl.disp], Result{
			ID:     fl.internalID,
			Status: wr.Status,
		})
	}
	m.mu.Unlock()

	for d, results := range byDispatch {
		d.onResult(results)
	}
}

// OnPropertyEvents forwards change events to the installed handler.
func (m *Modern) OnPropertyEvents(env *wire.Envelope) {
	var events []wire.PropValue
	if err := wire.UnpackEnvelope(env, &events); err != nil {
		m.log.Warn("failed to unpack property events", slog.Any("error", err))
		return
	}
	if fn, ok := m.eventFn.Load().(EventFunc); ok && len(events) > 0 {
		fn(events)
	}
}

// OnPropertySetErrors forwards asynchronous set failures to the installed
// handler.
func (m *Modern) OnPropertySetErrors(env *wire.Envelope) {
	var errs []wire.SetError
	if err := wire.UnpackEnvelope(env, &errs); err != nil {
		m.log.Warn("failed to unpack set errors", slog.Any("error", err))
		return
	}
	if fn, ok := m.setErrFn.Load().(SetErrorFunc); ok && len(errs) > 0 {
		fn(errs)
	}
}

// Subscribe streams change events for the property at the given rate.
func (m *Modern) Subscribe(propID int32, rate float32) error {
	if err := m.svc.Subscribe(m, propID, rate); err != nil {
		return fmt.Errorf("subscribe prop %d: %w", propID, err)
	}
	return nil
}

// Unsubscribe stops the property's event stream.
func (m *Modern) Unsubscribe(propID int32) error {
	if err := m.svc.Unsubscribe(propID); err != nil {
		return fmt.Errorf("unsubscribe prop %d: %w", propID, err)
	}
	return nil
}

// Cancel drops completion routing for the given internal request ids.
func (m *Modern) Cancel(ids []int64) {
	cancel := make(map[int64]bool, len(ids))
	for _, id := range ids {
		cancel[id] = true
	}
	m.mu.Lock()
	for wireID, fl := range m.inFlight {
		if cancel[fl.internalID] {
			m.log.Warn("cancelling in-flight request",
				slog.Int64("wire_id", wireID),
				slog.Int64("request_id", fl.internalID))
			delete(m.inFlight, wireID)
		}
	}
	m.mu.Unlock()
}

// PropConfigs fetches and reconstructs the per-property configuration.
func (m *Modern) PropConfigs() ([]wire.PropConfig, error) {
	env, err := m.svc.PropConfigs()
	if err != nil {
		return nil, fmt.Errorf("fetch prop configs: %w", err)
	}
	var configs []wire.PropConfig
	if err := wire.UnpackEnvelope(env, &configs); err != nil {
		return nil, fmt.Errorf("unpack prop configs: %w", err)
	}
	return configs, nil
}

// SetEventHandler installs the change event sink.
func (m *Modern) SetEventHandler(fn EventFunc) {
	m.eventFn.Store(fn)
}

// SetErrorHandler installs the asynchronous set-error sink.
func (m *Modern) SetErrorHandler(fn SetErrorFunc) {
	m.setErrFn.Store(fn)
}
