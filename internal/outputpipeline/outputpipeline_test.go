package outputpipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badu/channeld/internal/statemachine"
	"github.com/badu/channeld/transport"
)

type fakeTransport struct {
	sends     []sendCall
	aborted   error
	completed bool
}

type sendCall struct {
	meta  *transport.ResponseMeta
	chunk transport.Chunk
	last  bool
}

func (f *fakeTransport) Send(req *transport.RequestMeta, meta *transport.ResponseMeta, chunk transport.Chunk, last bool, cb transport.WriteCallback) {
	f.sends = append(f.sends, sendCall{meta: meta, chunk: chunk, last: last})
	cb.Succeeded()
}

func (f *fakeTransport) Abort(err error)  { f.aborted = err }
func (f *fakeTransport) OnCompleted()     { f.completed = true }

type recordingCallback struct {
	succeeded bool
	failErr   error
}

func (r *recordingCallback) Succeeded()      { r.succeeded = true }
func (r *recordingCallback) Failed(err error) { r.failErr = err }

func newPipeline() (*Pipeline, *fakeTransport) {
	sm := statemachine.New()
	sm.Handling()
	req := &transport.RequestMeta{Method: "GET", Proto: "HTTP/1.1"}
	resp := &transport.ResponseMeta{Status: 200, Header: map[string][]string{}}
	tr := &fakeTransport{}
	return New(sm, tr, req, resp, Hooks{}), tr
}

func TestWrite_FirstCallCommitsAndSendsMeta(t *testing.T) {
	p, tr := newPipeline()
	cb := &recordingCallback{}

	p.Write(transport.Chunk{Data: []byte("hi")}, false, cb)

	require.Len(t, tr.sends, 1)
	assert.NotNil(t, tr.sends[0].meta)
	assert.True(t, cb.succeeded)
	assert.Equal(t, int64(2), p.Written())
}

func TestWrite_SecondCallDoesNotResendMeta(t *testing.T) {
	p, tr := newPipeline()
	p.Write(transport.Chunk{Data: []byte("a")}, false, nil)
	p.Write(transport.Chunk{Data: []byte("b")}, true, nil)

	require.Len(t, tr.sends, 2)
	assert.NotNil(t, tr.sends[0].meta)
	assert.Nil(t, tr.sends[1].meta)
	assert.Equal(t, int64(2), p.Written())
}

func TestCompleteOutput_WithNoPriorWriteSendsEmptyCommit(t *testing.T) {
	p, tr := newPipeline()
	p.CompleteOutput(nil)

	require.Len(t, tr.sends, 1)
	assert.True(t, tr.sends[0].last)
	assert.NotNil(t, tr.sends[0].meta)
}

func TestResetContent_FailsOnceCommitted(t *testing.T) {
	p, _ := newPipeline()
	p.Write(transport.Chunk{Data: []byte("x")}, true, nil)

	err := p.ResetContent()
	require.Error(t, err)
}

func TestCheckContentLength_MismatchErrors(t *testing.T) {
	p, _ := newPipeline()
	p.Write(transport.Chunk{Data: []byte("abc")}, true, nil)

	err := p.CheckContentLength("GET", 10, true)
	require.Error(t, err)
}

func TestCheckContentLength_HeadAlwaysOK(t *testing.T) {
	p, _ := newPipeline()
	err := p.CheckContentLength("HEAD", 10, true)
	require.NoError(t, err)
}

func TestIsBadMessage_IgnoresPlainError(t *testing.T) {
	assert.False(t, isBadMessage(errors.New("plain")))
}
