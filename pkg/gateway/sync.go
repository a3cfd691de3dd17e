package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/propgate/propgate-go/pkg/wire"
)

// StatusError reports a request that completed with a non-OK status.
type StatusError struct {
	Status wire.Status
	PropID int32
	AreaID int32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("property 0x%x area 0x%x: %s", e.PropID, e.AreaID, e.Status)
}

// Get reads a property and blocks until the result, the timeout, or ctx
// cancellation. It registers a throwaway caller under the hood, so state
// is purged even when the context fires first.
func (g *Gateway) Get(ctx context.Context, propID, areaID int32, timeout time.Duration) (*wire.PropValue, error) {
	res, err := g.roundTrip(ctx, GetRequest{CallerRequestID: 1, PropID: propID, AreaID: areaID}, nil, timeout)
	if err != nil {
		return nil, err
	}
	if res.Status != wire.StatusOK {
		return nil, &StatusError{Status: res.Status, PropID: propID, AreaID: areaID}
	}
	return res.Value, nil
}

// Set writes a property and blocks until the write is confirmed, the
// timeout elapses, or ctx is cancelled.
func (g *Gateway) Set(ctx context.Context, value wire.PropValue, timeout time.Duration) error {
	res, err := g.roundTrip(ctx, GetRequest{}, &SetRequest{CallerRequestID: 1, Value: value}, timeout)
	if err != nil {
		return err
	}
	if res.Status != wire.StatusOK {
		return &StatusError{Status: res.Status, PropID: value.PropID, AreaID: value.AreaID}
	}
	return nil
}

func (g *Gateway) roundTrip(ctx context.Context, get GetRequest, set *SetRequest, timeout time.Duration) (Result, error) {
	done := make(chan struct{})
	defer close(done)

	resultCh := make(chan Result, 1)
	callerID := "sync-" + uuid.NewString()
	err := g.RegisterCaller(Caller{
		ID: callerID,
		OnResults: func(results []Result) {
			if len(results) > 0 {
				resultCh <- results[0]
			}
		},
		Done: done,
	})
	if err != nil {
		return Result{}, err
	}

	if set != nil {
		err = g.SetAsync(callerID, []SetRequest{*set}, timeout)
	} else {
		err = g.GetAsync(callerID, []GetRequest{get}, timeout)
	}
	if err != nil {
		g.UnregisterCaller(callerID)
		return Result{}, err
	}

	select {
	case res := <-resultCh:
		g.UnregisterCaller(callerID)
		return res, nil
	case <-ctx.Done():
		g.UnregisterCaller(callerID)
		return Result{}, ctx.Err()
	}
}
