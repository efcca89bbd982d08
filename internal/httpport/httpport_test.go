package httpport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducer_PushThenNeedContent(t *testing.T) {
	p := NewProducer()
	assert.False(t, p.NeedContent(func() {}))

	p.Push([]byte("hello"), false)
	chunk, ok := p.Produce()
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), chunk.Data)
}

func TestProducer_NeedContentTrueWhenQueued(t *testing.T) {
	p := NewProducer()
	p.Push([]byte("x"), true)
	assert.True(t, p.NeedContent(func() {}))
}

func TestProducer_WakesWaiterOnPush(t *testing.T) {
	p := NewProducer()
	woke := false
	p.NeedContent(func() { woke = true })
	p.Push([]byte("y"), true)
	assert.True(t, woke)
}

func TestProducer_FailAllClosesAndDropsFurtherPushes(t *testing.T) {
	p := NewProducer()
	p.FailAll(errors.New("boom"))
	p.Push([]byte("dropped"), false)

	chunk, ok := p.Produce()
	require.True(t, ok)
	assert.True(t, chunk.Special)
	require.Error(t, chunk.Err)
}

func TestProducer_EOFMarksClosed(t *testing.T) {
	p := NewProducer()
	p.EOF()
	assert.True(t, p.NeedContent(func() {}))
}

func TestProducer_Continue100AlwaysFalse(t *testing.T) {
	p := NewProducer()
	assert.False(t, p.Continue100(4096))
}
