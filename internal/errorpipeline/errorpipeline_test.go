package errorpipeline

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badu/channeld/internal/statemachine"
	"github.com/badu/channeld/transport"
)

type fakeTransport struct {
	sends     []*transport.ResponseMeta
	aborted   error
	completed bool
}

func (f *fakeTransport) Send(req *transport.RequestMeta, meta *transport.ResponseMeta, chunk transport.Chunk, last bool, cb transport.WriteCallback) {
	f.sends = append(f.sends, meta)
	if cb != nil {
		cb.Succeeded()
	}
}

func (f *fakeTransport) Abort(err error) { f.aborted = err }
func (f *fakeTransport) OnCompleted()    { f.completed = true }

func TestNewBadMessage_ClampsStatus(t *testing.T) {
	bm := NewBadMessage(999, "too big", nil)
	assert.Equal(t, 400, bm.Status)

	bm = NewBadMessage(414, "uri too long", nil)
	assert.Equal(t, 414, bm.Status)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassBadMessage, Classify(NewBadMessage(400, "bad", nil)))
	assert.Equal(t, ClassQuiet, Classify(&QuietError{Cause: errors.New("shh")}))
	assert.Equal(t, ClassApplication, Classify(errors.New("boom")))
	assert.Equal(t, ClassBadMessage, Classify(errors.Wrap(NewBadMessage(400, "bad", nil), "context")))
}

func TestOnBadMessage_SendsMinimalResponseWhenIdle(t *testing.T) {
	sm := statemachine.New()
	tr := &fakeTransport{}
	pipe := New(sm, tr, nil, 0)

	bm := NewBadMessage(414, "uri too long", nil)
	err := pipe.OnBadMessage(context.Background(), &transport.RequestMeta{}, "1.2.3.4:5", bm)

	require.NoError(t, err)
	require.Len(t, tr.sends, 1)
	assert.Equal(t, 414, tr.sends[0].Status)
	assert.True(t, tr.completed)
}

func TestOnBadMessage_ReRaisesOnceDispatched(t *testing.T) {
	sm := statemachine.New()
	_, err := sm.Handling()
	require.NoError(t, err)

	tr := &fakeTransport{}
	pipe := New(sm, tr, nil, 0)

	bm := NewBadMessage(400, "bad", nil)
	got := pipe.OnBadMessage(context.Background(), &transport.RequestMeta{}, "1.2.3.4:5", bm)
	assert.Same(t, bm, got)
	assert.Empty(t, tr.sends)
}

func TestDispatch_NoBodyForHeadOr204(t *testing.T) {
	sm := statemachine.New()
	tr := &fakeTransport{}
	pipe := New(sm, tr, nil, 0)

	resp := &transport.ResponseMeta{}
	body, dispatched := pipe.Dispatch(context.Background(), &transport.RequestMeta{}, resp, 500, "HEAD")
	assert.False(t, dispatched)
	assert.Nil(t, body)

	resp = &transport.ResponseMeta{Status: 204}
	body, dispatched = pipe.Dispatch(context.Background(), &transport.RequestMeta{}, resp, 500, "GET")
	assert.False(t, dispatched)
	assert.Nil(t, body)
}

func TestAbort_IsIdempotent(t *testing.T) {
	sm := statemachine.New()
	tr := &fakeTransport{}
	pipe := New(sm, tr, nil, 0)

	calls := 0
	pipe.Abort(errors.New("boom"), func(error) { calls++ })
	pipe.Abort(errors.New("boom again"), func(error) { calls++ })

	assert.Equal(t, 1, calls)
	require.Error(t, tr.aborted)
}

func TestTrackRepeat_SuppressesAfterThreshold(t *testing.T) {
	sm := statemachine.New()
	tr := &fakeTransport{}
	pipe := New(sm, tr, nil, 8)

	var last int
	for i := 0; i < 5; i++ {
		last = pipe.trackRepeat("9.9.9.9:1", 400)
	}
	assert.Equal(t, 5, last)
}
