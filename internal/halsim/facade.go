package halsim

import (
	"github.com/propgate/propgate-go/pkg/transport"
	"github.com/propgate/propgate-go/pkg/wire"
)

// Batch exposes the sim through the modern batched service surface.
type Batch struct {
	sim *Sim
}

var _ transport.BatchService = (*Batch)(nil)

// Batch returns the modern service surface of the sim.
func (s *Sim) Batch() *Batch {
	return &Batch{sim: s}
}

func (s *Sim) attachBatch(cb transport.BatchCallback) {
	s.mu.Lock()
	s.batchCB = cb
	s.mu.Unlock()
}

// GetValues serves a batched read. Results are delivered asynchronously
// through cb.OnGetResults.
func (b *Batch) GetValues(cb transport.BatchCallback, requests *wire.Envelope) error {
	if err := b.sim.checkUp(); err != nil {
		return err
	}
	b.sim.attachBatch(cb)
	var reqs []wire.GetRequest
	if err := wire.UnpackEnvelope(requests, &reqs); err != nil {
		return err
	}
	go func() {
		results := make([]wire.GetResult, len(reqs))
		for i, r := range reqs {
			st, v := b.sim.get(r.PropID, r.AreaID)
			results[i] = wire.GetResult{RequestID: r.RequestID, Status: st, Value: v}
		}
		if env, err := wire.PackEnvelope(results, wire.DefaultInlineThreshold); err == nil {
			cb.OnGetResults(env)
		}
	}()
	return nil
}

// SetValues serves a batched write. Acks are delivered through
// cb.OnSetResults before the writes become visible, matching real devices
// where the ack races the change event.
func (b *Batch) SetValues(cb transport.BatchCallback, requests *wire.Envelope) error {
	if err := b.sim.checkUp(); err != nil {
		return err
	}
	b.sim.attachBatch(cb)
	var reqs []wire.SetRequest
	if err := wire.UnpackEnvelope(requests, &reqs); err != nil {
		return err
	}
	go func() {
		results := make([]wire.SetResult, len(reqs))
		applies := make([]func(), 0, len(reqs))
		for i, r := range reqs {
			st, apply := b.sim.set(r.Value)
			results[i] = wire.SetResult{RequestID: r.RequestID, Status: st}
			if apply != nil {
				applies = append(applies, apply)
			}
		}
		if env, err := wire.PackEnvelope(results, wire.DefaultInlineThreshold); err == nil {
			cb.OnSetResults(env)
		}
		for _, apply := range applies {
			go apply()
		}
	}()
	return nil
}

// Subscribe starts the property's event stream toward cb.
func (b *Batch) Subscribe(cb transport.BatchCallback, propID int32, rate float32) error {
	b.sim.attachBatch(cb)
	return b.sim.subscribe(propID, rate)
}

// Unsubscribe stops the property's event stream.
func (b *Batch) Unsubscribe(propID int32) error {
	return b.sim.unsubscribe(propID)
}

// PropConfigs returns the per-property configuration as an envelope.
func (b *Batch) PropConfigs() (*wire.Envelope, error) {
	configs, err := b.sim.propConfigs()
	if err != nil {
		return nil, err
	}
	return wire.PackEnvelope(configs, wire.DefaultInlineThreshold)
}

// LegacyFacade exposes the sim through the legacy per-call service
// surface.
type LegacyFacade struct {
	sim *Sim
}

var _ transport.LegacyService = (*LegacyFacade)(nil)

// Legacy returns the legacy service surface of the sim.
func (s *Sim) Legacy() *LegacyFacade {
	return &LegacyFacade{sim: s}
}

func toLegacyStatus(st wire.Status) transport.LegacyStatus {
	switch st {
	case wire.StatusOK:
		return transport.LegacyOK
	case wire.StatusTryAgain:
		return transport.LegacyTryAgain
	case wire.StatusNotAvailable, wire.StatusInvalidArg:
		return transport.LegacyNotFound
	default:
		return transport.LegacyFailed
	}
}

// Get serves one read, completing asynchronously.
func (l *LegacyFacade) Get(propID, areaID int32, cb func(transport.LegacyStatus, *wire.PropValue)) error {
	if err := l.sim.checkUp(); err != nil {
		return err
	}
	go func() {
		st, v := l.sim.get(propID, areaID)
		cb(toLegacyStatus(st), v)
	}()
	return nil
}

// Set serves one write, completing asynchronously.
func (l *LegacyFacade) Set(value wire.PropValue, cb func(transport.LegacyStatus)) error {
	if err := l.sim.checkUp(); err != nil {
		return err
	}
	go func() {
		st, apply := l.sim.set(value)
		cb(toLegacyStatus(st))
		if apply != nil {
			apply()
		}
	}()
	return nil
}

// Subscribe starts the property's event stream.
func (l *LegacyFacade) Subscribe(propID int32, rate float32) error {
	return l.sim.subscribe(propID, rate)
}

// Unsubscribe stops the property's event stream.
func (l *LegacyFacade) Unsubscribe(propID int32) error {
	return l.sim.unsubscribe(propID)
}

// PropConfigs returns the per-property configuration.
func (l *LegacyFacade) PropConfigs() ([]wire.PropConfig, error) {
	return l.sim.propConfigs()
}

// SetEventCallback installs the one-event-per-call change sink.
func (l *LegacyFacade) SetEventCallback(fn func(event wire.PropValue)) {
	l.sim.mu.Lock()
	l.sim.legacyEventCB = fn
	l.sim.mu.Unlock()
}

// SetErrorCallback installs the asynchronous set-error sink.
func (l *LegacyFacade) SetErrorCallback(fn func(propID, areaID int32)) {
	l.sim.mu.Lock()
	l.sim.legacySetErrCB = fn
	l.sim.mu.Unlock()
}
