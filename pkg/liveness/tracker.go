// Package liveness observes caller liveness through a generic
// closed-channel notification: any mechanism that can close a channel when
// a consumer is gone (dropped client, closed socket, cancelled context)
// plugs into the same cleanup path.
package liveness

import (
	"errors"
	"sync"
)

// Tracker errors.
var (
	// ErrCallerGone is returned when registering a caller whose done
	// channel is already closed. Failing fast here prevents silently
	// losing requests submitted against a caller that died moments
	// earlier.
	ErrCallerGone = errors.New("caller is already gone")

	// ErrAlreadyRegistered is returned when a caller id is registered
	// twice.
	ErrAlreadyRegistered = errors.New("caller already registered")
)

// Tracker watches registered callers and fires their death callback
// exactly once when the done channel closes.
type Tracker struct {
	mu      sync.Mutex
	watches map[string]chan struct{} // caller id -> stop channel
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{watches: make(map[string]chan struct{})}
}

// Register starts watching a caller. onDeath runs once, from the watch
// goroutine, when done closes. Registration fails fast with ErrCallerGone
// if the channel is already closed.
func (t *Tracker) Register(callerID string, done <-chan struct{}, onDeath func(callerID string)) error {
	select {
	case <-done:
		return ErrCallerGone
	default:
	}

	t.mu.Lock()
	if _, ok := t.watches[callerID]; ok {
		t.mu.Unlock()
		return ErrAlreadyRegistered
	}
	stop := make(chan struct{})
	t.watches[callerID] = stop
	t.mu.Unlock()

	go func() {
		select {
		case <-done:
			// Deregister first so Unregister racing with death is
			// a no-op either way.
			t.mu.Lock()
			_, live := t.watches[callerID]
			delete(t.watches, callerID)
			t.mu.Unlock()
			if live && onDeath != nil {
				onDeath(callerID)
			}
		case <-stop:
		}
	}()
	return nil
}

// Unregister stops watching a caller without firing its death callback.
// Safe to call for unknown ids.
func (t *Tracker) Unregister(callerID string) {
	t.mu.Lock()
	stop, ok := t.watches[callerID]
	delete(t.watches, callerID)
	t.mu.Unlock()
	if ok {
		close(stop)
	}
}

// Len returns the number of watched callers.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.watches)
}
