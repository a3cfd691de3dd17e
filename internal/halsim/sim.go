// Package halsim provides an in-memory simulated property service for
// tests and the interactive demo binary. One Sim holds the property store
// and fault injection; Batch() and Legacy() expose it through the two
// native service generations.
package halsim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/propgate/propgate-go/pkg/transport"
	"github.com/propgate/propgate-go/pkg/wire"
)

// ErrUnreachable is returned from every native call once the sim is taken
// down, modelling a dead service process.
var ErrUnreachable = errors.New("simulated service unreachable")

type propKey struct {
	propID int32
	areaID int32
}

type subState struct {
	rate float32
	stop chan struct{}
}

// Sim is the simulated service core. All methods are safe for concurrent
// use.
type Sim struct {
	mu      sync.Mutex
	configs []wire.PropConfig
	byProp  map[int32]wire.PropConfig
	store   map[propKey]wire.PropValue

	// fault injection
	busy         map[int32]int         // remaining TRY_AGAIN responses per property
	failSet      map[int32]wire.Status // sets fail synchronously with this status
	asyncSetFail map[int32]wire.Status // sets ack OK, then report this via the error stream
	applyDelay   time.Duration
	down         bool

	// event sinks
	batchCB        transport.BatchCallback
	legacyEventCB  func(wire.PropValue)
	legacySetErrCB func(propID, areaID int32)
	subs           map[int32]*subState
}

// NewSim creates a simulator serving the given property configurations.
func NewSim(configs []wire.PropConfig) *Sim {
	byProp := make(map[int32]wire.PropConfig, len(configs))
	for _, c := range configs {
		byProp[c.PropID] = c
	}
	return &Sim{
		configs:      configs,
		byProp:       byProp,
		store:        make(map[propKey]wire.PropValue),
		busy:         make(map[int32]int),
		failSet:      make(map[int32]wire.Status),
		asyncSetFail: make(map[int32]wire.Status),
		subs:         make(map[int32]*subState),
	}
}

// SetInitial seeds a property value without emitting a change event.
func (s *Sim) SetInitial(v wire.PropValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.Timestamp == 0 {
		v.Timestamp = time.Now().UnixNano()
	}
	s.store[propKey{v.PropID, v.AreaID}] = v
}

// Busy makes the next n operations on propID come back TRY_AGAIN.
func (s *Sim) Busy(propID int32, n int) {
	s.mu.Lock()
	s.busy[propID] = n
	s.mu.Unlock()
}

// FailSet makes writes to propID fail synchronously with status.
func (s *Sim) FailSet(propID int32, status wire.Status) {
	s.mu.Lock()
	s.failSet[propID] = status
	s.mu.Unlock()
}

// FailSetAsync makes writes to propID acknowledge OK and then report
// status through the asynchronous set-error stream, never applying the
// value.
func (s *Sim) FailSetAsync(propID int32, status wire.Status) {
	s.mu.Lock()
	s.asyncSetFail[propID] = status
	s.mu.Unlock()
}

// SetApplyDelay delays the visibility of writes: the ack is immediate but
// the store update and change event land after d.
func (s *Sim) SetApplyDelay(d time.Duration) {
	s.mu.Lock()
	s.applyDelay = d
	s.mu.Unlock()
}

// Down makes every native call fail with ErrUnreachable.
func (s *Sim) Down() {
	s.mu.Lock()
	s.down = true
	s.mu.Unlock()
}

// Emit injects a change event for an externally caused value change, as a
// real device would on sensor updates.
func (s *Sim) Emit(v wire.PropValue) {
	if v.Timestamp == 0 {
		v.Timestamp = time.Now().UnixNano()
	}
	s.mu.Lock()
	s.store[propKey{v.PropID, v.AreaID}] = v
	subscribed := s.subs[v.PropID] != nil
	s.mu.Unlock()
	if subscribed {
		s.publish(v)
	}
}

func (s *Sim) checkUp() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return ErrUnreachable
	}
	return nil
}

// takeBusy consumes one injected TRY_AGAIN for propID if any remain.
func (s *Sim) takeBusy(propID int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[propID] > 0 {
		s.busy[propID]--
		return true
	}
	return false
}

// get computes one read outcome.
func (s *Sim) get(propID, areaID int32) (wire.Status, *wire.PropValue) {
	if s.takeBusy(propID) {
		return wire.StatusTryAgain, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byProp[propID]; !ok {
		return wire.StatusInvalidArg, nil
	}
	v, ok := s.store[propKey{propID, areaID}]
	if !ok {
		return wire.StatusNotAvailable, nil
	}
	return wire.StatusOK, &v
}

// set computes one write outcome. The returned func, if non-nil, applies
// the write and must run after the ack path completes.
func (s *Sim) set(v wire.PropValue) (wire.Status, func()) {
	if s.takeBusy(v.PropID) {
		return wire.StatusTryAgain, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byProp[v.PropID]; !ok {
		return wire.StatusInvalidArg, nil
	}
	if st, ok := s.failSet[v.PropID]; ok {
		return st, nil
	}
	if st, ok := s.asyncSetFail[v.PropID]; ok {
		return wire.StatusOK, func() { s.publishSetError(v.PropID, v.AreaID, st) }
	}
	delay := s.applyDelay
	return wire.StatusOK, func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		applied := v
		applied.Timestamp = time.Now().UnixNano()
		s.mu.Lock()
		s.store[propKey{applied.PropID, applied.AreaID}] = applied
		subscribed := s.subs[applied.PropID] != nil
		s.mu.Unlock()
		if subscribed {
			s.publish(applied)
		}
	}
}

func (s *Sim) subscribe(propID int32, rate float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return ErrUnreachable
	}
	cfg, ok := s.byProp[propID]
	if !ok {
		return fmt.Errorf("unknown property %d", propID)
	}
	if prev, ok := s.subs[propID]; ok {
		if prev.stop != nil {
			close(prev.stop)
		}
	}
	sub := &subState{rate: rate}
	if cfg.ChangeMode == wire.ChangeModeContinuous && rate > 0 {
		sub.stop = make(chan struct{})
		go s.tick(propID, rate, sub.stop)
	}
	s.subs[propID] = sub
	return nil
}

func (s *Sim) unsubscribe(propID int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[propID]; ok {
		if sub.stop != nil {
			close(sub.stop)
		}
		delete(s.subs, propID)
	}
	return nil
}

// tick streams the current value of a continuous property at rate Hz
// until stopped.
func (s *Sim) tick(propID int32, rate float32, stop chan struct{}) {
	interval := time.Duration(float64(time.Second) / float64(rate))
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.mu.Lock()
			var out []wire.PropValue
			for key, v := range s.store {
				if key.propID == propID {
					v.Timestamp = time.Now().UnixNano()
					out = append(out, v)
				}
			}
			s.mu.Unlock()
			for _, v := range out {
				s.publish(v)
			}
		}
	}
}

// publish fans one change event out to whichever generation is attached.
func (s *Sim) publish(v wire.PropValue) {
	s.mu.Lock()
	cb := s.batchCB
	legacy := s.legacyEventCB
	s.mu.Unlock()

	if cb != nil {
		if env, err := wire.PackEnvelope([]wire.PropValue{v}, wire.DefaultInlineThreshold); err == nil {
			cb.OnPropertyEvents(env)
		}
	}
	if legacy != nil {
		legacy(v)
	}
}

func (s *Sim) publishSetError(propID, areaID int32, status wire.Status) {
	s.mu.Lock()
	cb := s.batchCB
	legacy := s.legacySetErrCB
	s.mu.Unlock()

	if cb != nil {
		errs := []wire.SetError{{PropID: propID, AreaID: areaID, Status: status}}
		if env, err := wire.PackEnvelope(errs, wire.DefaultInlineThreshold); err == nil {
			cb.OnPropertySetErrors(env)
		}
	}
	if legacy != nil {
		legacy(propID, areaID)
	}
}

func (s *Sim) propConfigs() ([]wire.PropConfig, error) {
	if err := s.checkUp(); err != nil {
		return nil, err
	}
	out := make([]wire.PropConfig, len(s.configs))
	copy(out, s.configs)
	return out, nil
}
