package gateway_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propgate/propgate-go/internal/halsim"
	"github.com/propgate/propgate-go/pkg/gateway"
	"github.com/propgate/propgate-go/pkg/transport"
	"github.com/propgate/propgate-go/pkg/wire"
)

const (
	propSpeed   int32 = 0x100 // continuous
	propHVAC    int32 = 0x200 // on change
	propLocked  int32 = 0x300 // on change
	areaGlobal  int32 = 0
	testTimeout       = 2 * time.Second
)

func testConfigs() []wire.PropConfig {
	return []wire.PropConfig{
		{PropID: propSpeed, MinSampleRate: 1, MaxSampleRate: 100, ChangeMode: wire.ChangeModeContinuous},
		{PropID: propHVAC, ChangeMode: wire.ChangeModeOnChange},
		{PropID: propLocked, ChangeMode: wire.ChangeModeOnChange},
	}
}

// collector funnels batched results into a channel for assertions.
type collector struct {
	results chan gateway.Result
	events  chan wire.PropValue
}

func newCollector() *collector {
	return &collector{
		results: make(chan gateway.Result, 16),
		events:  make(chan wire.PropValue, 64),
	}
}

func (c *collector) onResults(results []gateway.Result) {
	for _, r := range results {
		c.results <- r
	}
}

func (c *collector) onEvents(events []wire.PropValue) {
	for _, e := range events {
		c.events <- e
	}
}

func (c *collector) wait(t *testing.T) gateway.Result {
	t.Helper()
	select {
	case r := <-c.results:
		return r
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for result")
		return gateway.Result{}
	}
}

// expectNone asserts no result arrives within d.
func (c *collector) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case r := <-c.results:
		t.Fatalf("unexpected result: %+v", r)
	case <-time.After(d):
	}
}

func newTestGateway(t *testing.T) (*gateway.Gateway, *halsim.Sim, *collector) {
	t.Helper()
	return newTestGatewayWithConfig(t, gateway.Config{})
}

func newTestGatewayWithConfig(t *testing.T, cfg gateway.Config) (*gateway.Gateway, *halsim.Sim, *collector) {
	t.Helper()
	sim := halsim.NewSim(testConfigs())
	sim.SetInitial(wire.PropValue{PropID: propHVAC, AreaID: areaGlobal, Value: int64(22)})

	adapter := transport.NewModern(sim.Batch(), nil, 0)
	g, err := gateway.NewWithConfig(adapter, cfg)
	require.NoError(t, err)

	c := newCollector()
	require.NoError(t, g.RegisterCaller(gateway.Caller{
		ID:        "test",
		OnResults: c.onResults,
		OnEvents:  c.onEvents,
	}))
	return g, sim, c
}

func TestGetDeliversValue(t *testing.T) {
	g, _, c := newTestGateway(t)

	err := g.GetAsync("test", []gateway.GetRequest{
		{CallerRequestID: 1, PropID: propHVAC, AreaID: areaGlobal},
	}, time.Second)
	require.NoError(t, err)

	res := c.wait(t)
	assert.Equal(t, int64(1), res.CallerRequestID)
	assert.Equal(t, wire.StatusOK, res.Status)
	require.NotNil(t, res.Value)
	assert.True(t, wire.EqualValue(int64(22), res.Value.Value))
	assert.NotZero(t, res.UpdatedAt)
}

func TestGetUnknownPropertyFailsImmediately(t *testing.T) {
	g, _, c := newTestGateway(t)

	err := g.GetAsync("test", []gateway.GetRequest{
		{CallerRequestID: 1, PropID: 0xdead},
	}, time.Second)
	require.NoError(t, err)

	res := c.wait(t)
	assert.Equal(t, wire.StatusInvalidArg, res.Status)
}

func TestGetUnseededAreaNotAvailable(t *testing.T) {
	g, _, c := newTestGateway(t)

	err := g.GetAsync("test", []gateway.GetRequest{
		{CallerRequestID: 1, PropID: propHVAC, AreaID: 99},
	}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, wire.StatusNotAvailable, c.wait(t).Status)
}

func TestGetRetriesBusyServiceWithinBudget(t *testing.T) {
	g, sim, c := newTestGateway(t)
	sim.Busy(propHVAC, 2)

	err := g.GetAsync("test", []gateway.GetRequest{
		{CallerRequestID: 7, PropID: propHVAC},
	}, time.Second)
	require.NoError(t, err)

	res := c.wait(t)
	assert.Equal(t, int64(7), res.CallerRequestID)
	assert.Equal(t, wire.StatusOK, res.Status)
}

func TestGetBusyServiceExhaustsBudget(t *testing.T) {
	g, sim, c := newTestGateway(t)
	sim.Busy(propHVAC, 1000)

	err := g.GetAsync("test", []gateway.GetRequest{
		{CallerRequestID: 1, PropID: propHVAC},
	}, 80*time.Millisecond)
	require.NoError(t, err)

	res := c.wait(t)
	assert.Equal(t, wire.StatusTimeout, res.Status)

	// Exactly once: nothing else surfaces after the timeout fired.
	c.expectNone(t, 200*time.Millisecond)
	assert.Zero(t, g.PendingCount())
}

func TestDuplicateRequestIDRejected(t *testing.T) {
	g, _, _ := newTestGateway(t)

	err := g.GetAsync("test", []gateway.GetRequest{
		{CallerRequestID: 1, PropID: propHVAC},
		{CallerRequestID: 1, PropID: propLocked},
	}, time.Second)
	assert.ErrorIs(t, err, gateway.ErrDuplicateRequestID)
}

func TestUnknownCallerRejected(t *testing.T) {
	g, _, _ := newTestGateway(t)

	err := g.GetAsync("ghost", []gateway.GetRequest{{CallerRequestID: 1, PropID: propHVAC}}, time.Second)
	assert.ErrorIs(t, err, gateway.ErrUnknownCaller)

	err = g.GetAsync("test", nil, 0)
	assert.ErrorIs(t, err, gateway.ErrInvalidTimeout)
}

func TestSetConfirmedByChangeEvent(t *testing.T) {
	g, _, c := newTestGateway(t)

	err := g.SetAsync("test", []gateway.SetRequest{{
		CallerRequestID: 1,
		Value:           wire.PropValue{PropID: propHVAC, AreaID: areaGlobal, Value: int64(25)},
	}}, time.Second)
	require.NoError(t, err)

	res := c.wait(t)
	assert.Equal(t, wire.StatusOK, res.Status)
	assert.NotZero(t, res.UpdatedAt)
	assert.Zero(t, g.PendingCount())
}

func TestSetAckAloneTimesOut(t *testing.T) {
	g, sim, c := newTestGateway(t)
	// The write acks but never becomes visible within the budget.
	sim.SetApplyDelay(500 * time.Millisecond)

	err := g.SetAsync("test", []gateway.SetRequest{{
		CallerRequestID: 1,
		Value:           wire.PropValue{PropID: propHVAC, AreaID: areaGlobal, Value: int64(30)},
	}}, 100*time.Millisecond)
	require.NoError(t, err)

	res := c.wait(t)
	assert.Equal(t, wire.StatusTimeout, res.Status)
	c.expectNone(t, 600*time.Millisecond)
}

func TestSetIgnoresIntermediateValues(t *testing.T) {
	g, sim, c := newTestGateway(t)
	sim.SetApplyDelay(100 * time.Millisecond)

	err := g.SetAsync("test", []gateway.SetRequest{{
		CallerRequestID: 1,
		Value:           wire.PropValue{PropID: propHVAC, AreaID: areaGlobal, Value: int64(25)},
	}}, time.Second)
	require.NoError(t, err)

	// Other values arriving mid-flight must not confirm the write.
	sim.Emit(wire.PropValue{PropID: propHVAC, AreaID: areaGlobal, Value: int64(23)})
	c.expectNone(t, 50*time.Millisecond)

	res := c.wait(t)
	assert.Equal(t, wire.StatusOK, res.Status)
}

func TestSetPermanentErrorResolvesImmediately(t *testing.T) {
	g, sim, c := newTestGateway(t)
	sim.FailSet(propLocked, wire.StatusInvalidArg)

	err := g.SetAsync("test", []gateway.SetRequest{{
		CallerRequestID: 1,
		Value:           wire.PropValue{PropID: propLocked, Value: true},
	}}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, wire.StatusInvalidArg, c.wait(t).Status)
	assert.Zero(t, g.PendingCount())
}

func TestSetAsyncErrorStreamResolvesWatch(t *testing.T) {
	g, sim, c := newTestGateway(t)
	sim.FailSetAsync(propLocked, wire.StatusNotAvailable)

	err := g.SetAsync("test", []gateway.SetRequest{{
		CallerRequestID: 1,
		Value:           wire.PropValue{PropID: propLocked, Value: true},
	}}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, wire.StatusNotAvailable, c.wait(t).Status)
}

func TestSetRetriesBusyService(t *testing.T) {
	g, sim, c := newTestGateway(t)
	sim.Busy(propHVAC, 2)

	err := g.SetAsync("test", []gateway.SetRequest{{
		CallerRequestID: 1,
		Value:           wire.PropValue{PropID: propHVAC, AreaID: areaGlobal, Value: int64(26)},
	}}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, wire.StatusOK, c.wait(t).Status)
}

func TestCancelSuppressesResult(t *testing.T) {
	g, sim, c := newTestGateway(t)
	sim.SetApplyDelay(100 * time.Millisecond)

	err := g.SetAsync("test", []gateway.SetRequest{{
		CallerRequestID: 5,
		Value:           wire.PropValue{PropID: propHVAC, AreaID: areaGlobal, Value: int64(27)},
	}}, time.Second)
	require.NoError(t, err)

	g.Cancel("test", []int64{5})
	assert.Zero(t, g.PendingCount())

	// Even after the write lands and its event arrives, no callback.
	c.expectNone(t, 300*time.Millisecond)
}

func TestCallerDeathPurgesEverything(t *testing.T) {
	g, sim, _ := newTestGateway(t)
	sim.SetApplyDelay(200 * time.Millisecond)

	done := make(chan struct{})
	dead := newCollector()
	require.NoError(t, g.RegisterCaller(gateway.Caller{
		ID:        "mortal",
		OnResults: dead.onResults,
		OnEvents:  dead.onEvents,
		Done:      done,
	}))
	require.NoError(t, g.Subscribe("mortal", propSpeed, 50))
	require.NoError(t, g.SetAsync("mortal", []gateway.SetRequest{{
		CallerRequestID: 1,
		Value:           wire.PropValue{PropID: propHVAC, AreaID: areaGlobal, Value: int64(28)},
	}}, time.Second))

	close(done)

	require.Eventually(t, func() bool {
		return g.PendingCount() == 0
	}, testTimeout, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := g.EffectiveRates()[propSpeed]
		return !ok
	}, testTimeout, 10*time.Millisecond)

	dead.expectNone(t, 300*time.Millisecond)

	err := g.GetAsync("mortal", []gateway.GetRequest{{CallerRequestID: 2, PropID: propHVAC}}, time.Second)
	assert.ErrorIs(t, err, gateway.ErrUnknownCaller)
}

func TestRegisterDeadCallerFailsFast(t *testing.T) {
	g, _, c := newTestGateway(t)

	done := make(chan struct{})
	close(done)
	err := g.RegisterCaller(gateway.Caller{ID: "stillborn", OnResults: c.onResults, Done: done})
	assert.Error(t, err)
}

func TestSubscribeForwardsEvents(t *testing.T) {
	g, sim, c := newTestGateway(t)

	require.NoError(t, g.Subscribe("test", propLocked, 0))
	sim.Emit(wire.PropValue{PropID: propLocked, AreaID: areaGlobal, Value: true})

	select {
	case ev := <-c.events:
		assert.Equal(t, propLocked, ev.PropID)
		assert.True(t, wire.EqualValue(true, ev.Value))
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for event")
	}

	require.NoError(t, g.Unsubscribe("test", propLocked))
	_, subscribed := g.EffectiveRates()[propLocked]
	assert.False(t, subscribed)
}

func TestContinuousSubscriptionStreams(t *testing.T) {
	g, sim, c := newTestGateway(t)
	sim.SetInitial(wire.PropValue{PropID: propSpeed, AreaID: areaGlobal, Value: 42.5})

	require.NoError(t, g.Subscribe("test", propSpeed, 50))

	for i := 0; i < 3; i++ {
		select {
		case ev := <-c.events:
			assert.Equal(t, propSpeed, ev.PropID)
		case <-time.After(testTimeout):
			t.Fatal("continuous stream produced no event")
		}
	}
}

func TestServiceUnreachableAtStartup(t *testing.T) {
	sim := halsim.NewSim(testConfigs())
	sim.Down()

	_, err := gateway.New(transport.NewModern(sim.Batch(), nil, 0))
	assert.Error(t, err)
}

func TestSyncGetAndSet(t *testing.T) {
	g, _, _ := newTestGateway(t)
	ctx := context.Background()

	err := g.Set(ctx, wire.PropValue{PropID: propHVAC, AreaID: areaGlobal, Value: int64(29)}, time.Second)
	require.NoError(t, err)

	v, err := g.Get(ctx, propHVAC, areaGlobal, time.Second)
	require.NoError(t, err)
	assert.True(t, wire.EqualValue(int64(29), v.Value))
}

func TestSyncGetStatusError(t *testing.T) {
	g, _, _ := newTestGateway(t)

	_, err := g.Get(context.Background(), 0xdead, 0, time.Second)
	var se *gateway.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, wire.StatusInvalidArg, se.Status)
}

func TestSyncGetContextCancelled(t *testing.T) {
	g, sim, _ := newTestGateway(t)
	sim.Busy(propHVAC, 1000)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.Get(ctx, propHVAC, areaGlobal, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLegacyTransportRoundTrip(t *testing.T) {
	sim := halsim.NewSim(testConfigs())
	sim.SetInitial(wire.PropValue{PropID: propHVAC, AreaID: areaGlobal, Value: int64(21)})

	g, err := gateway.New(transport.NewLegacy(sim.Legacy(), nil))
	require.NoError(t, err)

	ctx := context.Background()
	v, err := g.Get(ctx, propHVAC, areaGlobal, time.Second)
	require.NoError(t, err)
	assert.True(t, wire.EqualValue(int64(21), v.Value))

	require.NoError(t, g.Set(ctx, wire.PropValue{PropID: propHVAC, AreaID: areaGlobal, Value: int64(24)}, time.Second))

	v, err = g.Get(ctx, propHVAC, areaGlobal, time.Second)
	require.NoError(t, err)
	assert.True(t, wire.EqualValue(int64(24), v.Value))
}

func TestLegacyBusyTranslatesToRetry(t *testing.T) {
	sim := halsim.NewSim(testConfigs())
	sim.SetInitial(wire.PropValue{PropID: propHVAC, AreaID: areaGlobal, Value: int64(20)})
	sim.Busy(propHVAC, 2)

	g, err := gateway.New(transport.NewLegacy(sim.Legacy(), nil))
	require.NoError(t, err)

	v, err := g.Get(context.Background(), propHVAC, areaGlobal, time.Second)
	require.NoError(t, err)
	assert.True(t, wire.EqualValue(int64(20), v.Value))
}

func TestCancelDuringRetryBackoff(t *testing.T) {
	g, sim, c := newTestGatewayWithConfig(t, gateway.Config{RetryBackoff: 300 * time.Millisecond})
	sim.Busy(propHVAC, 1)

	err := g.GetAsync("test", []gateway.GetRequest{
		{CallerRequestID: 9, PropID: propHVAC},
	}, time.Second)
	require.NoError(t, err)

	// The first attempt comes back busy almost immediately; cancel while
	// the retry is still waiting out its backoff.
	time.Sleep(100 * time.Millisecond)
	g.Cancel("test", []int64{9})
	assert.Zero(t, g.PendingCount())

	// The retry fires after 300ms total; it must not surface anything.
	c.expectNone(t, 600*time.Millisecond)
	assert.Zero(t, g.PendingCount())
}

func TestCancelSetDuringRetryBackoff(t *testing.T) {
	g, sim, c := newTestGatewayWithConfig(t, gateway.Config{RetryBackoff: 300 * time.Millisecond})
	// Two tokens: the write and its baseline read each consume one, so
	// the write comes back TRY_AGAIN no matter which lands first.
	sim.Busy(propHVAC, 2)

	err := g.SetAsync("test", []gateway.SetRequest{{
		CallerRequestID: 9,
		Value:           wire.PropValue{PropID: propHVAC, AreaID: areaGlobal, Value: int64(26)},
	}}, time.Second)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	g.Cancel("test", []int64{9})
	assert.Zero(t, g.PendingCount())

	// The write-completion watch and its subscription go with the entry.
	_, watching := g.EffectiveRates()[propHVAC]
	assert.False(t, watching)

	c.expectNone(t, 600*time.Millisecond)
}

// busyAdapter answers every get with TRY_AGAIN and records when each
// dispatch arrived and under which internal id.
type busyAdapter struct {
	mu         sync.Mutex
	dispatches []busyDispatch
}

type busyDispatch struct {
	id int64
	at time.Time
}

func (a *busyAdapter) DispatchGet(requests []transport.Request, onResult transport.ResultFunc) {
	a.mu.Lock()
	for _, req := range requests {
		a.dispatches = append(a.dispatches, busyDispatch{id: req.ID, at: time.Now()})
	}
	a.mu.Unlock()
	results := make([]transport.Result, len(requests))
	for i, req := range requests {
		results[i] = transport.Result{ID: req.ID, Status: wire.StatusTryAgain}
	}
	go onResult(results)
}

func (a *busyAdapter) DispatchSet(requests []transport.Request, onResult transport.ResultFunc) {
	a.DispatchGet(requests, onResult)
}

func (a *busyAdapter) Subscribe(propID int32, rate float32) error { return nil }
func (a *busyAdapter) Unsubscribe(propID int32) error             { return nil }
func (a *busyAdapter) Cancel(ids []int64)                         {}
func (a *busyAdapter) SetEventHandler(fn transport.EventFunc)     {}
func (a *busyAdapter) SetErrorHandler(fn transport.SetErrorFunc)  {}
func (a *busyAdapter) Describe() string                           { return "always busy test transport" }

func (a *busyAdapter) PropConfigs() ([]wire.PropConfig, error) {
	return []wire.PropConfig{{PropID: propHVAC, ChangeMode: wire.ChangeModeOnChange}}, nil
}

func (a *busyAdapter) recorded() []busyDispatch {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]busyDispatch, len(a.dispatches))
	copy(out, a.dispatches)
	return out
}

func TestRetryShrinksBudgetAndRotatesIDs(t *testing.T) {
	adapter := &busyAdapter{}
	g, err := gateway.NewWithConfig(adapter, gateway.Config{RetryBackoff: 20 * time.Millisecond})
	require.NoError(t, err)

	c := newCollector()
	require.NoError(t, g.RegisterCaller(gateway.Caller{ID: "test", OnResults: c.onResults}))

	budget := 200 * time.Millisecond
	start := time.Now()
	require.NoError(t, g.GetAsync("test", []gateway.GetRequest{
		{CallerRequestID: 1, PropID: propHVAC},
	}, budget))

	res := c.wait(t)
	elapsed := time.Since(start)
	assert.Equal(t, wire.StatusTimeout, res.Status)

	dispatches := adapter.recorded()
	require.GreaterOrEqual(t, len(dispatches), 2, "a permanently busy service must be retried")

	// Every attempt runs under a fresh internal id, and with a fixed
	// deadline each later dispatch necessarily gets a strictly smaller
	// slice of the budget.
	for i := 1; i < len(dispatches); i++ {
		assert.Greater(t, dispatches[i].id, dispatches[i-1].id)
		assert.True(t, dispatches[i].at.After(dispatches[i-1].at))
	}

	// Retries never extend the overall budget.
	assert.Less(t, elapsed, budget*3/2)
	c.expectNone(t, 100*time.Millisecond)
	assert.Zero(t, g.PendingCount())
}

func TestOneEventResolvesWritesInSubmissionOrder(t *testing.T) {
	g, sim, c := newTestGateway(t)
	sim.SetApplyDelay(100 * time.Millisecond)

	// Both writes target the same value; both acks land before the first
	// confirming event, which then completes them oldest first.
	err := g.SetAsync("test", []gateway.SetRequest{
		{CallerRequestID: 1, Value: wire.PropValue{PropID: propHVAC, AreaID: areaGlobal, Value: int64(31)}},
		{CallerRequestID: 2, Value: wire.PropValue{PropID: propHVAC, AreaID: areaGlobal, Value: int64(31)}},
	}, time.Second)
	require.NoError(t, err)

	first := c.wait(t)
	second := c.wait(t)
	assert.Equal(t, int64(1), first.CallerRequestID)
	assert.Equal(t, int64(2), second.CallerRequestID)
	assert.Equal(t, wire.StatusOK, first.Status)
	assert.Equal(t, wire.StatusOK, second.Status)
}

func TestClosedGatewayRejectsWork(t *testing.T) {
	g, _, c := newTestGateway(t)
	g.Close()

	err := g.GetAsync("test", []gateway.GetRequest{{CallerRequestID: 1, PropID: propHVAC}}, time.Second)
	assert.ErrorIs(t, err, gateway.ErrClosed)

	err = g.RegisterCaller(gateway.Caller{ID: "late", OnResults: c.onResults})
	assert.ErrorIs(t, err, gateway.ErrClosed)
}
