package wire

// GetRequest is one entry in a batched get call. RequestID is assigned by
// the sending side and echoed back on the matching GetResult.
type GetRequest struct {
	RequestID int64 `cbor:"1,keyasint"`
	PropID    int32 `cbor:"2,keyasint"`
	AreaID    int32 `cbor:"3,keyasint"`
}

// SetRequest is one entry in a batched set call.
type SetRequest struct {
	RequestID int64     `cbor:"1,keyasint"`
	Value     PropValue `cbor:"2,keyasint"`
}

// GetResult is the result for one GetRequest. Value is present only when
// Status is OK.
type GetResult struct {
	RequestID int64      `cbor:"1,keyasint"`
	Status    Status     `cbor:"2,keyasint"`
	Value     *PropValue `cbor:"3,keyasint,omitempty"`
}

// SetResult is the acknowledgement for one SetRequest. An OK status means
// the service accepted the write, not that the property has changed yet.
type SetResult struct {
	RequestID int64  `cbor:"1,keyasint"`
	Status    Status `cbor:"2,keyasint"`
}
