package wire

// ChangeMode describes how a property reports updates.
type ChangeMode uint8

const (
	// ChangeModeOnChange properties emit an event only when the value
	// actually changes.
	ChangeModeOnChange ChangeMode = 0

	// ChangeModeContinuous properties stream samples at the subscribed
	// rate regardless of change.
	ChangeModeContinuous ChangeMode = 1
)

// String returns the change mode name.
func (m ChangeMode) String() string {
	switch m {
	case ChangeModeOnChange:
		return "ON_CHANGE"
	case ChangeModeContinuous:
		return "CONTINUOUS"
	default:
		return "UNKNOWN"
	}
}

// PropValue is a property value at a point in time. A value carried on the
// subscription event stream is a change event; the same shape serves get
// results and set requests.
type PropValue struct {
	// PropID identifies the property.
	PropID int32 `cbor:"1,keyasint"`

	// AreaID is the sub-address within the property, e.g. a physical
	// zone. Zero for global properties.
	AreaID int32 `cbor:"2,keyasint"`

	// Value is the property payload. Supported kinds are booleans,
	// integers, floats, strings, byte slices and flat slices thereof.
	Value any `cbor:"3,keyasint"`

	// Timestamp is when the value was captured, in nanoseconds since
	// the Unix epoch.
	Timestamp int64 `cbor:"4,keyasint"`
}

// PropConfig is the static per-property configuration published by the
// remote service, consumed once at startup.
type PropConfig struct {
	// PropID identifies the property.
	PropID int32 `cbor:"1,keyasint"`

	// MinSampleRate is the lowest supported subscription rate in Hz.
	MinSampleRate float32 `cbor:"2,keyasint"`

	// MaxSampleRate is the highest supported subscription rate in Hz.
	MaxSampleRate float32 `cbor:"3,keyasint"`

	// ChangeMode describes how the property reports updates.
	ChangeMode ChangeMode `cbor:"4,keyasint"`
}

// ClampRate clamps a requested subscription rate to the property's
// supported range.
func (c PropConfig) ClampRate(rate float32) float32 {
	if rate > c.MaxSampleRate {
		return c.MaxSampleRate
	}
	if rate < c.MinSampleRate {
		return c.MinSampleRate
	}
	return rate
}

// SetError reports an asynchronous failure applying a previously accepted
// write to (PropID, AreaID).
type SetError struct {
	// PropID identifies the property.
	PropID int32 `cbor:"1,keyasint"`

	// AreaID is the sub-address within the property.
	AreaID int32 `cbor:"2,keyasint"`

	// Status is the failure status. Never OK or TRY_AGAIN.
	Status Status `cbor:"3,keyasint"`
}
