// Package transport adapts the two protocol generations of the remote
// hardware abstraction service behind a single Adapter interface.
//
// The modern generation batches many requests per call and returns results
// asynchronously through a callback, moving oversized batches through an
// out-of-band shared buffer. The legacy generation issues one call per
// request with a narrower status vocabulary. Callers of the Adapter never
// see which generation is active.
//
// Every dispatch is fire-and-forget: completion is always delivered via the
// onResult callback, never as a return value. A service whose native call
// shape fails synchronously still reports through onResult.
package transport
