// Package wire defines the types exchanged with the remote hardware
// abstraction service: property values, per-property static configuration,
// batched get/set call records, status codes, and the CBOR envelope used to
// move oversized batches through an out-of-band shared buffer.
//
// The package is transport-agnostic. Both protocol generations in
// pkg/transport build on these types.
package wire
