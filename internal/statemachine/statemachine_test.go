package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandling_SimpleDispatchThenComplete(t *testing.T) {
	sm := New()

	action, err := sm.Handling()
	require.NoError(t, err)
	assert.Equal(t, ActionDispatch, action)

	sm.DispatchComplete()
	require.True(t, sm.CommitResponse())
	require.True(t, sm.CompleteResponse())

	action, err = sm.Unhandle()
	require.NoError(t, err)
	assert.Equal(t, ActionComplete, action)

	action, err = sm.Unhandle()
	require.NoError(t, err)
	assert.Equal(t, ActionTerminated, action)
}

func TestHandling_AlreadyOwnedIsIllegal(t *testing.T) {
	sm := New()
	_, err := sm.Handling()
	require.NoError(t, err)

	_, err = sm.Handling()
	require.Error(t, err)
}

func TestAsync_StartDispatchComplete(t *testing.T) {
	sm := New()
	_, err := sm.Handling()
	require.NoError(t, err)

	require.NoError(t, sm.StartAsync())
	sm.DispatchComplete()

	action, err := sm.Unhandle()
	require.NoError(t, err)
	assert.Equal(t, ActionWait, action)

	require.NoError(t, sm.Complete())
	reschedule := sm.NotifyContentProducible()
	assert.True(t, reschedule, "no thread owns the exchange, so a reschedule is due")

	action, err = sm.Handling()
	require.NoError(t, err)
	assert.Equal(t, ActionComplete, action)
	require.True(t, sm.CommitResponse())
	require.True(t, sm.CompleteResponse())

	action, err = sm.Unhandle()
	require.NoError(t, err)
	assert.Equal(t, ActionTerminated, action)
}

func TestFinishSendError_DrivesAsyncExchangeToCompletionNotBackToAsync(t *testing.T) {
	sm := New()
	_, err := sm.Handling()
	require.NoError(t, err)
	require.NoError(t, sm.StartAsync())
	sm.DispatchComplete()
	_, err = sm.Unhandle()
	require.NoError(t, err)

	require.NoError(t, sm.SendError())
	action, err := sm.Handling()
	require.NoError(t, err)
	require.Equal(t, ActionSendError, action)

	require.True(t, sm.CommitResponse())
	sm.FinishSendError()
	require.True(t, sm.CompleteResponse())

	action, err = sm.Unhandle()
	require.NoError(t, err)
	assert.Equal(t, ActionComplete, action, "an async exchange must progress to completion after an error response, not park in RequestAsync again")
}

func TestAsyncTimeout_EscalatesToSendErrorWhenUnresolved(t *testing.T) {
	sm := New()
	_, err := sm.Handling()
	require.NoError(t, err)
	require.NoError(t, sm.StartAsync())
	sm.DispatchComplete()
	_, err = sm.Unhandle()
	require.NoError(t, err)

	sm.OnTimeout()

	action, err := sm.Handling()
	require.NoError(t, err)
	assert.Equal(t, ActionAsyncTimeout, action)

	sm.FinishAsyncTimeout()
	action, err = sm.Unhandle()
	require.NoError(t, err)
	assert.Equal(t, ActionSendError, action)
}

func TestOnError_DuringAsyncProducesAsyncErrorOnce(t *testing.T) {
	sm := New()
	_, err := sm.Handling()
	require.NoError(t, err)
	require.NoError(t, sm.StartAsync())
	sm.DispatchComplete()
	_, err = sm.Unhandle()
	require.NoError(t, err)

	boom := assertErr("boom")
	sm.OnError(boom)

	_, err = sm.Handling()
	require.NoError(t, err)
	action, err := sm.Unhandle()
	require.NoError(t, err)
	assert.Equal(t, ActionAsyncError, action)

	assert.Equal(t, boom, sm.TakeAsyncError())
	assert.Nil(t, sm.TakeAsyncError())
}

func TestSendError_IllegalAfterCommit(t *testing.T) {
	sm := New()
	require.True(t, sm.CommitResponse())
	err := sm.SendError()
	require.Error(t, err)
}

func TestAbortResponse_IsIdempotent(t *testing.T) {
	sm := New()
	assert.True(t, sm.AbortResponse())
	assert.False(t, sm.AbortResponse())
}

func TestRecycle_ResetsEntireVector(t *testing.T) {
	sm := New()
	_, _ = sm.Handling()
	sm.DispatchComplete()
	require.True(t, sm.CommitResponse())
	require.True(t, sm.CompleteResponse())
	_, _ = sm.Unhandle()
	_, _ = sm.Unhandle()

	sm.Recycle()
	assert.Equal(t, RequestIdle, sm.RequestState())
	assert.Equal(t, OutputOpen, sm.OutputState())

	action, err := sm.Handling()
	require.NoError(t, err)
	assert.Equal(t, ActionDispatch, action)
}

type testErr string

func (e testErr) Error() string { return string(e) }

func assertErr(msg string) error {
	e := testErr(msg)
	return e
}
