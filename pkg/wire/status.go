package wire

// Status represents the normalized result status of a get/set call.
// Both transport generations translate their native vocabulary into this set.
type Status uint8

const (
	// StatusOK indicates the operation completed successfully.
	StatusOK Status = 0

	// StatusTryAgain indicates the service is momentarily busy.
	// Requests with this status are retried within the remaining
	// timeout budget and the status is never surfaced to callers.
	StatusTryAgain Status = 1

	// StatusInvalidArg indicates the request referenced an unknown
	// property or carried a malformed value.
	StatusInvalidArg Status = 2

	// StatusNotAvailable indicates the property exists but cannot be
	// served right now (and retrying will not help).
	StatusNotAvailable Status = 3

	// StatusInternalError indicates a failure inside the remote service
	// or the transport to it.
	StatusInternalError Status = 4

	// StatusTimeout indicates the timeout budget was exhausted before a
	// terminal result was observed.
	StatusTimeout Status = 5
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusTryAgain:
		return "TRY_AGAIN"
	case StatusInvalidArg:
		return "INVALID_ARG"
	case StatusNotAvailable:
		return "NOT_AVAILABLE"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// IsSuccess returns true if the status indicates success.
func (s Status) IsSuccess() bool {
	return s == StatusOK
}

// IsTransient returns true if the status should be retried rather than
// surfaced.
func (s Status) IsTransient() bool {
	return s == StatusTryAgain
}

// IsError returns true for any terminal non-success status.
func (s Status) IsError() bool {
	return s != StatusOK && s != StatusTryAgain
}
