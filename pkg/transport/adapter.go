package transport

import (
	"github.com/propgate/propgate-go/pkg/wire"
)

// Request is one get or set operation handed to an Adapter. ID is the
// gateway's internal request id; adapters own the mapping between it and
// whatever call ids their native protocol uses.
type Request struct {
	// ID is the gateway-assigned internal request id.
	ID int64

	// Value identifies (PropID, AreaID) for gets and additionally
	// carries the target value for sets.
	Value wire.PropValue
}

// Result is the completion of one Request, delivered via ResultFunc.
type Result struct {
	// ID echoes the internal request id of the completed Request.
	ID int64

	// Status is the normalized completion status.
	Status wire.Status

	// Value is the property value for successful gets, nil otherwise.
	Value *wire.PropValue
}

// ResultFunc receives completions for a dispatched batch. Results for one
// batch may arrive split across several invocations and out of order.
type ResultFunc func(results []Result)

// EventFunc receives change events for subscribed properties in arrival
// order.
type EventFunc func(events []wire.PropValue)

// SetErrorFunc receives asynchronous set failures reported by the service
// after a write was already accepted.
type SetErrorFunc func(errs []wire.SetError)

// Adapter is the narrow surface the gateway uses to reach the remote
// hardware abstraction service. Implemented by Modern and Legacy.
type Adapter interface {
	// DispatchGet sends a batch of get requests. Fire-and-forget:
	// completion, including any synchronous native failure, arrives
	// only through onResult.
	DispatchGet(requests []Request, onResult ResultFunc)

	// DispatchSet sends a batch of set requests under the same
	// contract as DispatchGet.
	DispatchSet(requests []Request, onResult ResultFunc)

	// Subscribe asks the service to stream change events for the
	// property at the given rate in Hz (0 means on-change only).
	Subscribe(propID int32, rate float32) error

	// Unsubscribe stops the property's event stream.
	Unsubscribe(propID int32) error

	// Cancel drops local completion routing for the given internal
	// request ids. Advisory: the underlying calls may still run to
	// completion remotely, but no onResult will fire for them here.
	Cancel(ids []int64)

	// PropConfigs returns the static per-property configuration,
	// consumed once at startup.
	PropConfigs() ([]wire.PropConfig, error)

	// SetEventHandler installs the change event sink. Must be called
	// before the first Subscribe.
	SetEventHandler(fn EventFunc)

	// SetErrorHandler installs the asynchronous set-error sink.
	SetErrorHandler(fn SetErrorFunc)

	// Describe identifies the adapter variant for diagnostics.
	Describe() string
}

// Compile-time interface satisfaction checks.
var (
	_ Adapter = (*Modern)(nil)
	_ Adapter = (*Legacy)(nil)
)
