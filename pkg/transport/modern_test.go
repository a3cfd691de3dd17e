package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propgate/propgate-go/pkg/wire"
)

// fakeBatchService records calls and lets tests deliver completions by
// hand.
type fakeBatchService struct {
	cb      BatchCallback
	getEnvs []*wire.Envelope
	setEnvs []*wire.Envelope
	subs    map[int32]float32
	fail    error
	configs []wire.PropConfig
}

func newFakeBatchService() *fakeBatchService {
	return &fakeBatchService{subs: make(map[int32]float32)}
}

func (f *fakeBatchService) GetValues(cb BatchCallback, requests *wire.Envelope) error {
	if f.fail != nil {
		return f.fail
	}
	f.cb = cb
	f.getEnvs = append(f.getEnvs, requests)
	return nil
}

func (f *fakeBatchService) SetValues(cb BatchCallback, requests *wire.Envelope) error {
	if f.fail != nil {
		return f.fail
	}
	f.cb = cb
	f.setEnvs = append(f.setEnvs, requests)
	return nil
}

func (f *fakeBatchService) Subscribe(cb BatchCallback, propID int32, rate float32) error {
	f.cb = cb
	f.subs[propID] = rate
	return nil
}

func (f *fakeBatchService) Unsubscribe(propID int32) error {
	delete(f.subs, propID)
	return nil
}

func (f *fakeBatchService) PropConfigs() (*wire.Envelope, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return wire.PackEnvelope(f.configs, wire.DefaultInlineThreshold)
}

// pendingGets unpacks the most recent get envelope.
func (f *fakeBatchService) pendingGets(t *testing.T) []wire.GetRequest {
	t.Helper()
	require.NotEmpty(t, f.getEnvs)
	var reqs []wire.GetRequest
	require.NoError(t, wire.UnpackEnvelope(f.getEnvs[len(f.getEnvs)-1], &reqs))
	return reqs
}

func (f *fakeBatchService) deliverGets(t *testing.T, results []wire.GetResult) {
	t.Helper()
	env, err := wire.PackEnvelope(results, wire.DefaultInlineThreshold)
	require.NoError(t, err)
	f.cb.OnGetResults(env)
}

func TestModernDemuxAcrossDispatches(t *testing.T) {
	svc := newFakeBatchService()
	m := NewModern(svc, nil, 0)

	var first, second []Result
	m.DispatchGet([]Request{{ID: 10, Value: wire.PropValue{PropID: 1}}},
		func(rs []Result) { first = append(first, rs...) })
	firstWire := svc.pendingGets(t)
	m.DispatchGet([]Request{{ID: 20, Value: wire.PropValue{PropID: 2}}},
		func(rs []Result) { second = append(second, rs...) })
	secondWire := svc.pendingGets(t)

	// One native callback carrying results of both dispatches.
	svc.deliverGets(t, []wire.GetResult{
		{RequestID: firstWire[0].RequestID, Status: wire.StatusOK, Value: &wire.PropValue{PropID: 1, Value: int64(5)}},
		{RequestID: secondWire[0].RequestID, Status: wire.StatusNotAvailable},
	})

	require.Len(t, first, 1)
	assert.Equal(t, int64(10), first[0].ID)
	assert.Equal(t, wire.StatusOK, first[0].Status)
	require.Len(t, second, 1)
	assert.Equal(t, int64(20), second[0].ID)
	assert.Equal(t, wire.StatusNotAvailable, second[0].Status)
}

func TestModernSyncFailureBecomesInternalError(t *testing.T) {
	svc := newFakeBatchService()
	svc.fail = errors.New("binder transaction failed")
	m := NewModern(svc, nil, 0)

	var got []Result
	m.DispatchGet([]Request{
		{ID: 1, Value: wire.PropValue{PropID: 1}},
		{ID: 2, Value: wire.PropValue{PropID: 2}},
	}, func(rs []Result) { got = append(got, rs...) })

	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, wire.StatusInternalError, r.Status)
	}
}

func TestModernOKWithoutValueIsNotAvailable(t *testing.T) {
	svc := newFakeBatchService()
	m := NewModern(svc, nil, 0)

	var got []Result
	m.DispatchGet([]Request{{ID: 1, Value: wire.PropValue{PropID: 1}}},
		func(rs []Result) { got = append(got, rs...) })
	reqs := svc.pendingGets(t)

	svc.deliverGets(t, []wire.GetResult{{RequestID: reqs[0].RequestID, Status: wire.StatusOK}})

	require.Len(t, got, 1)
	assert.Equal(t, wire.StatusNotAvailable, got[0].Status)
}

func TestModernCancelDropsRouting(t *testing.T) {
	svc := newFakeBatchService()
	m := NewModern(svc, nil, 0)

	called := false
	m.DispatchGet([]Request{{ID: 1, Value: wire.PropValue{PropID: 1}}},
		func([]Result) { called = true })
	reqs := svc.pendingGets(t)

	m.Cancel([]int64{1})
	svc.deliverGets(t, []wire.GetResult{{RequestID: reqs[0].RequestID, Status: wire.StatusOK,
		Value: &wire.PropValue{PropID: 1, Value: int64(9)}}})

	assert.False(t, called)
}

func TestModernUnknownWireIDDropped(t *testing.T) {
	svc := newFakeBatchService()
	m := NewModern(svc, nil, 0)

	var got []Result
	m.DispatchGet([]Request{{ID: 1, Value: wire.PropValue{PropID: 1}}},
		func(rs []Result) { got = append(got, rs...) })

	svc.deliverGets(t, []wire.GetResult{{RequestID: 9999, Status: wire.StatusOK,
		Value: &wire.PropValue{Value: int64(1)}}})
	assert.Empty(t, got)
}

func TestModernOversizedBatchGoesOutOfBand(t *testing.T) {
	svc := newFakeBatchService()
	m := NewModern(svc, nil, 16) // tiny threshold

	m.DispatchSet([]Request{{ID: 1, Value: wire.PropValue{
		PropID: 1, Value: string(make([]byte, 256)),
	}}}, func([]Result) {})

	require.Len(t, svc.setEnvs, 1)
	env := svc.setEnvs[0]
	assert.Nil(t, env.Inline)
	require.NotNil(t, env.OOB)

	var reqs []wire.SetRequest
	require.NoError(t, wire.UnpackEnvelope(env, &reqs))
	require.Len(t, reqs, 1)
}

func TestModernPropConfigs(t *testing.T) {
	svc := newFakeBatchService()
	svc.configs = []wire.PropConfig{{PropID: 7, MaxSampleRate: 10}}
	m := NewModern(svc, nil, 0)

	configs, err := m.PropConfigs()
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, int32(7), configs[0].PropID)
}

func TestModernEventAndErrorForwarding(t *testing.T) {
	svc := newFakeBatchService()
	m := NewModern(svc, nil, 0)

	var events []wire.PropValue
	var errs []wire.SetError
	m.SetEventHandler(func(evs []wire.PropValue) { events = append(events, evs...) })
	m.SetErrorHandler(func(es []wire.SetError) { errs = append(errs, es...) })
	require.NoError(t, m.Subscribe(3, 5))
	assert.Equal(t, float32(5), svc.subs[3])

	env, err := wire.PackEnvelope([]wire.PropValue{{PropID: 3, Value: int64(1)}}, wire.DefaultInlineThreshold)
	require.NoError(t, err)
	m.OnPropertyEvents(env)
	require.Len(t, events, 1)
	assert.Equal(t, int32(3), events[0].PropID)

	env, err = wire.PackEnvelope([]wire.SetError{{PropID: 3, Status: wire.StatusNotAvailable}}, wire.DefaultInlineThreshold)
	require.NoError(t, err)
	m.OnPropertySetErrors(env)
	require.Len(t, errs, 1)
	assert.Equal(t, wire.StatusNotAvailable, errs[0].Status)

	require.NoError(t, m.Unsubscribe(3))
	_, ok := svc.subs[3]
	assert.False(t, ok)
}
