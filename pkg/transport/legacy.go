package transport

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/propgate/propgate-go/pkg/wire"
)

// LegacyStatus is the narrower status vocabulary of the legacy service
// generation.
type LegacyStatus uint8

const (
	// LegacyOK indicates success.
	LegacyOK LegacyStatus = 0

	// LegacyTryAgain indicates the service is momentarily busy.
	LegacyTryAgain LegacyStatus = 1

	// LegacyNotFound indicates the property cannot be served.
	LegacyNotFound LegacyStatus = 2

	// LegacyFailed indicates any other failure.
	LegacyFailed LegacyStatus = 3
)

// translateLegacyStatus maps the legacy vocabulary into the gateway's
// status set.
func translateLegacyStatus(s LegacyStatus) wire.Status {
	switch s {
	case LegacyOK:
		return wire.StatusOK
	case LegacyTryAgain:
		return wire.StatusTryAgain
	case LegacyNotFound:
		return wire.StatusNotAvailable
	default:
		return wire.StatusInternalError
	}
}

// LegacyService is the per-call legacy remote service surface. Each get or
// set carries its own completion callback; there is no batching and no
// out-of-band payload path.
type LegacyService interface {
	// Get requests one property value. The callback may run before Get
	// returns on services with a synchronous fast path.
	Get(propID, areaID int32, cb func(LegacyStatus, *wire.PropValue)) error

	// Set requests one property write under the same callback contract.
	Set(value wire.PropValue, cb func(LegacyStatus)) error

	// Subscribe streams change events for the property.
	Subscribe(propID int32, rate float32) error

	// Unsubscribe stops the property's event stream.
	Unsubscribe(propID int32) error

	// PropConfigs returns the static per-property configuration.
	PropConfigs() ([]wire.PropConfig, error)

	// SetEventCallback installs the change event sink, one event per
	// call.
	SetEventCallback(fn func(event wire.PropValue))

	// SetErrorCallback installs the asynchronous set-error sink. The
	// legacy generation reports no status detail, only the location.
	SetErrorCallback(fn func(propID, areaID int32))
}

// Legacy adapts a LegacyService to the Adapter interface, issuing one
// native call per request and translating the narrower status vocabulary.
type Legacy struct {
	svc LegacyService
	log *slog.Logger

	mu       sync.Mutex
	inFlight map[int64]bool // internal ids awaiting completion
}

// NewLegacy creates a Legacy adapter over svc. A nil logger disables
// logging.
func NewLegacy(svc LegacyService, logger *slog.Logger) *Legacy {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Legacy{
		svc:      svc,
		log:      logger,
		inFlight: make(map[int64]bool),
	}
}

// Describe identifies the adapter variant.
func (l *Legacy) Describe() string {
	return "legacy per-call transport"
}

// begin records an internal id as awaiting completion.
func (l *Legacy) begin(id int64) {
	l.mu.Lock()
	l.inFlight[id] = true
	l.mu.Unlock()
}

// finish removes an internal id and reports whether the completion should
// still be delivered. Cancelled requests find nothing and are dropped.
func (l *Legacy) finish(id int64) bool {
	l.mu.Lock()
	ok := l.inFlight[id]
	delete(l.inFlight, id)
	l.mu.Unlock()
	return ok
}

// DispatchGet issues one native get call per request.
func (l *Legacy) DispatchGet(requests []Request, onResult ResultFunc) {
	for _, req := range requests {
		id := req.ID
		l.begin(id)
		err := l.svc.Get(req.Value.PropID, req.Value.AreaID,
			func(status LegacyStatus, value *wire.PropValue) {
				if !l.finish(id) {
					return
				}
				res := Result{ID: id, Status: translateLegacyStatus(status), Value: value}
				if res.Status == wire.StatusOK && value == nil {
					res.Status = wire.StatusNotAvailable
					res.Value = nil
				}
				onResult([]Result{res})
			})
		if err != nil {
			l.log.Warn("legacy get call failed, service unreachable",
				slog.Int64("request_id", id), slog.Any("error", err))
			if l.finish(id) {
				onResult([]Result{{ID: id, Status: wire.StatusInternalError}})
			}
		}
	}
}

// DispatchSet issues one native set call per request.
func (l *Legacy) DispatchSet(requests []Request, onResult ResultFunc) {
	for _, req := range requests {
		id := req.ID
		l.begin(id)
		err := l.svc.Set(req.Value, func(status LegacyStatus) {
			if !l.finish(id) {
				return
			}
			onResult([]Result{{ID: id, Status: translateLegacyStatus(status)}})
		})
		if err != nil {
			l.log.Warn("legacy set call failed, service unreachable",
				slog.Int64("request_id", id), slog.Any("error", err))
			if l.finish(id) {
				onResult([]Result{{ID: id, Status: wire.StatusInternalError}})
			}
		}
	}
}

// Subscribe streams change events for the property at the given rate.
func (l *Legacy) Subscribe(propID int32, rate float32) error {
	if err := l.svc.Subscribe(propID, rate); err != nil {
		return fmt.Errorf("subscribe prop %d: %w", propID, err)
	}
	return nil
}

// Unsubscribe stops the property's event stream.
func (l *Legacy) Unsubscribe(propID int32) error {
	if err := l.svc.Unsubscribe(propID); err != nil {
		return fmt.Errorf("unsubscribe prop %d: %w", propID, err)
	}
	return nil
}

// Cancel drops completion routing for the given internal request ids.
func (l *Legacy) Cancel(ids []int64) {
	l.mu.Lock()
	for _, id := range ids {
		if l.inFlight[id] {
			l.log.Warn("cancelling in-flight request", slog.Int64("request_id", id))
			delete(l.inFlight, id)
		}
	}
	l.mu.Unlock()
}

// PropConfigs returns the static per-property configuration.
func (l *Legacy) PropConfigs() ([]wire.PropConfig, error) {
	configs, err := l.svc.PropConfigs()
	if err != nil {
		return nil, fmt.Errorf("fetch prop configs: %w", err)
	}
	return configs, nil
}

// SetEventHandler installs the change event sink, wrapping the legacy
// one-event-per-call shape into batches of one.
func (l *Legacy) SetEventHandler(fn EventFunc) {
	l.svc.SetEventCallback(func(event wire.PropValue) {
		fn([]wire.PropValue{event})
	})
}

// SetErrorHandler installs the asynchronous set-error sink. The legacy
// generation carries no status, so failures surface as INTERNAL_ERROR.
func (l *Legacy) SetErrorHandler(fn SetErrorFunc) {
	l.svc.SetErrorCallback(func(propID, areaID int32) {
		fn([]wire.SetError{{PropID: propID, AreaID: areaID, Status: wire.StatusInternalError}})
	})
}
