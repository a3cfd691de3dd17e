// Package gateway mediates between concurrent callers and the remote
// hardware abstraction service reached through a pkg/transport Adapter.
//
// It gives callers a race-free, retryable, timeout-bounded request and
// response contract: every submitted request receives exactly one terminal
// callback (OK, a permanent error, or TIMEOUT), transient busy responses
// are retried within a shrinking timeout budget, and a write is reported
// successful only once the property is observed to actually carry the
// target value on the change stream.
//
// All resolution paths funnel through the pending table's take-once
// removal; no component invokes a caller callback except the gateway, and
// only after the entry is gone. Caller death (a closed done channel)
// silently purges all pending state and subscription contributions.
package gateway
