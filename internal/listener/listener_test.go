package listener

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFanout_FiresCombinedAndTransient(t *testing.T) {
	var combinedCalled, transientCalled bool
	f := New(Hooks{OnRequestBegin: func(id, method, target string) { combinedCalled = true }})
	f.AddTransient(Hooks{OnRequestBegin: func(id, method, target string) { transientCalled = true }})

	f.RequestBegin("ex-1", "GET", "/")

	assert.True(t, combinedCalled)
	assert.True(t, transientCalled)
}

func TestFanout_TransientCapacityBounded(t *testing.T) {
	f := New(Hooks{})
	count := 0
	for i := 0; i < transientCapacity+3; i++ {
		f.AddTransient(Hooks{OnComplete: func(id string) { count++ }})
	}

	f.Complete("ex-1")
	assert.Equal(t, transientCapacity, count)
}

func TestFanout_RecycleClearsTransient(t *testing.T) {
	f := New(Hooks{})
	called := false
	f.AddTransient(Hooks{OnComplete: func(id string) { called = true }})
	f.Recycle()

	f.Complete("ex-1")
	assert.False(t, called)
}

func TestFanout_PanicIsolatedPerListener(t *testing.T) {
	secondCalled := false
	f := New(Hooks{})
	f.AddTransient(Hooks{OnDispatchFailure: func(id string, err error) { panic("boom") }})
	f.AddTransient(Hooks{OnDispatchFailure: func(id string, err error) { secondCalled = true }})

	assert.NotPanics(t, func() {
		f.DispatchFailure("ex-1", errors.New("original"))
	})
	assert.True(t, secondCalled)
}

func TestFanout_NilHooksAreSkipped(t *testing.T) {
	f := New(Hooks{})
	assert.NotPanics(t, func() {
		f.ResponseCommit("ex-1")
		f.ResponseEnd("ex-1")
	})
}
