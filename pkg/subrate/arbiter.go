// Package subrate arbitrates the subscription sample rate of each
// property across all contributors: external client subscribers and the
// gateway's own write-completion watches. The effective rate pushed to the
// transport is always the maximum of the current contributions, clamped to
// the property's supported range.
package subrate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/propgate/propgate-go/pkg/wire"
)

// Arbiter errors.
var (
	// ErrUnknownProperty is returned for properties absent from the
	// startup configuration.
	ErrUnknownProperty = errors.New("unknown property")
)

// Subscriber is the slice of the transport surface the arbiter drives.
// Satisfied by transport.Adapter.
type Subscriber interface {
	Subscribe(propID int32, rate float32) error
	Unsubscribe(propID int32) error
}

// Arbiter tracks per-property rate contributions and keeps the transport
// subscription state equal to their maximum. It never calls the transport
// while holding its own lock.
type Arbiter struct {
	transport Subscriber
	log       *slog.Logger

	mu      sync.Mutex
	configs map[int32]wire.PropConfig
	// contributions[propID][contributorID] = requested rate in Hz
	contributions map[int32]map[string]float32
	// current is the effective rate last pushed to the transport, only
	// present while the property is subscribed.
	current map[int32]float32
}

// New creates an Arbiter over the given transport, seeded with the static
// property configuration used to clamp requested rates. A nil logger
// disables logging.
func New(transport Subscriber, configs []wire.PropConfig, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	byID := make(map[int32]wire.PropConfig, len(configs))
	for _, cfg := range configs {
		byID[cfg.PropID] = cfg
	}
	return &Arbiter{
		transport:     transport,
		log:           logger,
		configs:       byID,
		contributions: make(map[int32]map[string]float32),
		current:       make(map[int32]float32),
	}
}

// Known reports whether the property appeared in the startup
// configuration.
func (a *Arbiter) Known(propID int32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.configs[propID]
	return ok
}

// Config returns the static configuration for the property.
func (a *Arbiter) Config(propID int32) (wire.PropConfig, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg, ok := a.configs[propID]
	return cfg, ok
}

// Add registers or updates a contribution. Updating an existing
// contributor's rate in place never causes an unsubscribe/resubscribe
// flicker; only the numeric effective rate moves.
func (a *Arbiter) Add(propID int32, contributorID string, rate float32) error {
	a.mu.Lock()
	cfg, ok := a.configs[propID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownProperty, propID)
	}
	rate = cfg.ClampRate(rate)

	m := a.contributions[propID]
	if m == nil {
		m = make(map[string]float32)
		a.contributions[propID] = m
	}
	m[contributorID] = rate
	action := a.reconcileLocked(propID)
	a.mu.Unlock()

	return a.apply(action)
}

// Remove withdraws one contributor's contribution to one property. When
// the last contribution goes, the property is unsubscribed; otherwise the
// effective rate is restored to the remaining maximum.
func (a *Arbiter) Remove(propID int32, contributorID string) {
	a.mu.Lock()
	m := a.contributions[propID]
	if m == nil {
		a.mu.Unlock()
		return
	}
	delete(m, contributorID)
	if len(m) == 0 {
		delete(a.contributions, propID)
	}
	action := a.reconcileLocked(propID)
	a.mu.Unlock()

	if err := a.apply(action); err != nil {
		a.log.Warn("failed to restore subscription rate",
			slog.Int("prop_id", int(propID)), slog.Any("error", err))
	}
}

// RemoveContributor withdraws a contributor from every property it
// touches. Used when a caller dies.
func (a *Arbiter) RemoveContributor(contributorID string) {
	a.mu.Lock()
	var actions []action
	for propID, m := range a.contributions {
		if _, ok := m[contributorID]; !ok {
			continue
		}
		delete(m, contributorID)
		if len(m) == 0 {
			delete(a.contributions, propID)
		}
		actions = append(actions, a.reconcileLocked(propID))
	}
	a.mu.Unlock()

	for _, act := range actions {
		if err := a.apply(act); err != nil {
			a.log.Warn("failed to reconcile subscription after contributor removal",
				slog.Int("prop_id", int(act.propID)), slog.Any("error", err))
		}
	}
}

// EffectiveRate returns the rate currently pushed to the transport for the
// property. The second return is false while unsubscribed.
func (a *Arbiter) EffectiveRate(propID int32) (float32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rate, ok := a.current[propID]
	return rate, ok
}

// Snapshot returns the effective rate of every subscribed property, for
// diagnostics.
func (a *Arbiter) Snapshot() map[int32]float32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int32]float32, len(a.current))
	for propID, rate := range a.current {
		out[propID] = rate
	}
	return out
}

type actionKind uint8

const (
	actionNone actionKind = iota
	actionSubscribe
	actionUnsubscribe
)

type action struct {
	kind   actionKind
	propID int32
	rate   float32
}

// reconcileLocked computes the transport call needed to bring the
// property's subscription in line with its contributions. The call itself
// happens after the lock is released.
func (a *Arbiter) reconcileLocked(propID int32) action {
	m := a.contributions[propID]
	if len(m) == 0 {
		if _, subscribed := a.current[propID]; subscribed {
			delete(a.current, propID)
			return action{kind: actionUnsubscribe, propID: propID}
		}
		return action{kind: actionNone}
	}

	var max float32
	first := true
	for _, rate := range m {
		if first || rate > max {
			max = rate
			first = false
		}
	}

	cur, subscribed := a.current[propID]
	if subscribed && cur == max {
		return action{kind: actionNone}
	}
	a.current[propID] = max
	return action{kind: actionSubscribe, propID: propID, rate: max}
}

func (a *Arbiter) apply(act action) error {
	switch act.kind {
	case actionSubscribe:
		a.log.Debug("pushing effective rate",
			slog.Int("prop_id", int(act.propID)), slog.Any("rate", act.rate))
		return a.transport.Subscribe(act.propID, act.rate)
	case actionUnsubscribe:
		a.log.Debug("unsubscribing property", slog.Int("prop_id", int(act.propID)))
		return a.transport.Unsubscribe(act.propID)
	default:
		return nil
	}
}
