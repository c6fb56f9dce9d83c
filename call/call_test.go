package call

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edupush/edupush/wire"
)

type fakePusher struct {
	sync.Mutex
	pushes map[int32][]*wire.ServerMsg
}

func newFakePusher() *fakePusher {
	return &fakePusher{pushes: make(map[int32][]*wire.ServerMsg)}
}

func (p *fakePusher) PushUser(uid int32, msg *wire.ServerMsg) int {
	p.Lock()
	defer p.Unlock()
	p.pushes[uid] = append(p.pushes[uid], msg)
	return 1
}

func (p *fakePusher) pushed(uid int32) []*wire.ServerMsg {
	p.Lock()
	defer p.Unlock()
	return append([]*wire.ServerMsg(nil), p.pushes[uid]...)
}

var offer = json.RawMessage(`{"sdp":"v=0 caller"}`)
var answer = json.RawMessage(`{"sdp":"v=0 callee"}`)

func TestInitiateAndAnswer(t *testing.T) {
	pusher := newFakePusher()
	c := NewCoordinator(pusher, time.Minute)

	require.NoError(t, c.Initiate(1, 2, offer))

	incoming := pusher.pushed(2)
	require.Len(t, incoming, 1)
	require.NotNil(t, incoming[0].CallIncoming)
	assert.Equal(t, int32(1), incoming[0].CallIncoming.CallerId)
	// payload relayed verbatim
	assert.JSONEq(t, string(offer), string(incoming[0].CallIncoming.Offer))

	peer, state, ok := c.SessionOf(1)
	require.True(t, ok)
	assert.Equal(t, int32(2), peer)
	assert.Equal(t, Ringing, state)

	require.NoError(t, c.Answer(2, 1, answer))

	accepted := pusher.pushed(1)
	require.Len(t, accepted, 1)
	require.NotNil(t, accepted[0].CallAccepted)
	assert.JSONEq(t, string(answer), string(accepted[0].CallAccepted.Answer))

	_, state, ok = c.SessionOf(2)
	require.True(t, ok)
	assert.Equal(t, Connected, state)
	assert.Equal(t, 1, c.SessionCount())
}

func TestInitiateBusyCallee(t *testing.T) {
	pusher := newFakePusher()
	c := NewCoordinator(pusher, time.Minute)

	require.NoError(t, c.Initiate(2, 4, offer))
	require.NoError(t, c.Answer(4, 2, answer))

	// 2 is connected with 4: a third party gets Busy, the existing
	// session is untouched.
	err := c.Initiate(1, 2, offer)
	assert.Equal(t, ErrBusy, err)

	assert.Equal(t, 1, c.SessionCount())
	peer, state, ok := c.SessionOf(2)
	require.True(t, ok)
	assert.Equal(t, int32(4), peer)
	assert.Equal(t, Connected, state)

	// nothing rang at 2 for the rejected attempt
	for _, msg := range pusher.pushed(2) {
		assert.Nil(t, msg.CallIncoming)
	}
}

func TestInitiateBusyCaller(t *testing.T) {
	c := NewCoordinator(newFakePusher(), time.Minute)

	require.NoError(t, c.Initiate(1, 2, offer))
	assert.Equal(t, ErrBusy, c.Initiate(1, 3, offer))
	assert.Equal(t, 1, c.SessionCount())
}

func TestAnswerInvalidTransitions(t *testing.T) {
	c := NewCoordinator(newFakePusher(), time.Minute)

	// no session at all
	assert.Equal(t, ErrInvalidTransition, c.Answer(2, 1, answer))

	require.NoError(t, c.Initiate(1, 2, offer))

	// the caller cannot answer their own call
	assert.Equal(t, ErrInvalidTransition, c.Answer(1, 2, answer))
	// wrong caller id
	assert.Equal(t, ErrInvalidTransition, c.Answer(2, 9, answer))

	require.NoError(t, c.Answer(2, 1, answer))
	// already connected
	assert.Equal(t, ErrInvalidTransition, c.Answer(2, 1, answer))
}

func TestEndNotifiesPeerAndClearsTable(t *testing.T) {
	pusher := newFakePusher()
	c := NewCoordinator(pusher, time.Minute)

	require.NoError(t, c.Initiate(1, 2, offer))
	require.NoError(t, c.Answer(2, 1, answer))
	require.NoError(t, c.End(2, 1))

	ended := pusher.pushed(1)
	require.NotEmpty(t, ended)
	last := ended[len(ended)-1]
	require.NotNil(t, last.CallEnded)
	assert.Equal(t, int32(2), last.CallEnded.PeerId)
	assert.Equal(t, ReasonHangup, last.CallEnded.Reason)

	assert.Equal(t, 0, c.SessionCount())
	assert.Equal(t, ErrInvalidTransition, c.End(1, 2))
}

func TestDropUserWhileRinging(t *testing.T) {
	pusher := newFakePusher()
	c := NewCoordinator(pusher, time.Minute)

	require.NoError(t, c.Initiate(1, 2, offer))

	// caller disconnects while ringing: callee gets call_ended and the
	// session entry is gone.
	c.DropUser(1)

	ended := pusher.pushed(2)
	require.Len(t, ended, 2) // call_incoming then call_ended
	require.NotNil(t, ended[1].CallEnded)
	assert.Equal(t, ReasonDisconnected, ended[1].CallEnded.Reason)
	assert.Equal(t, 0, c.SessionCount())

	// idempotent
	c.DropUser(1)
	assert.Equal(t, 0, c.SessionCount())
}

func TestRingTimeout(t *testing.T) {
	pusher := newFakePusher()
	c := NewCoordinator(pusher, 30*time.Millisecond)

	require.NoError(t, c.Initiate(1, 2, offer))

	assert.Eventually(t, func() bool {
		return c.SessionCount() == 0
	}, time.Second, 10*time.Millisecond)

	callerMsgs := pusher.pushed(1)
	require.Len(t, callerMsgs, 1)
	require.NotNil(t, callerMsgs[0].CallEnded)
	assert.Equal(t, ReasonTimeout, callerMsgs[0].CallEnded.Reason)

	// callee stops ringing too
	calleeMsgs := pusher.pushed(2)
	require.Len(t, calleeMsgs, 2)
	require.NotNil(t, calleeMsgs[1].CallEnded)
	assert.Equal(t, ReasonTimeout, calleeMsgs[1].CallEnded.Reason)

	// the pair is free again
	require.NoError(t, c.Initiate(1, 2, offer))
}

func TestAnswerStopsRingTimeout(t *testing.T) {
	pusher := newFakePusher()
	c := NewCoordinator(pusher, 30*time.Millisecond)

	require.NoError(t, c.Initiate(1, 2, offer))
	require.NoError(t, c.Answer(2, 1, answer))

	time.Sleep(100 * time.Millisecond)

	_, state, ok := c.SessionOf(1)
	require.True(t, ok)
	assert.Equal(t, Connected, state)
}
