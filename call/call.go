// Package call coordinates peer-call signaling. It keeps one state machine
// per unordered user pair and relays negotiation payloads verbatim: offers
// and answers are opaque blobs, the coordinator never interprets them.
package call

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/edupush/edupush/wire"
)

// Pusher fans an event out to a user's live handles.
type Pusher interface {
	PushUser(uid int32, msg *wire.ServerMsg) int
}

type State int32

const (
	Ringing State = iota + 1
	Connected
)

var (
	// ErrBusy rejects an initiation because a party is already in an
	// active session. The existing session is left untouched.
	ErrBusy = errors.New("busy")

	ErrInvalidArgument = errors.New("invalid call target")

	// ErrInvalidTransition rejects a signaling event received for a
	// session not in the expected state.
	ErrInvalidTransition = errors.New("invalid call transition")
)

// end reasons pushed with `call_ended`.
const (
	ReasonHangup       = "hangup"
	ReasonTimeout      = "timeout"
	ReasonDisconnected = "peer_disconnected"
)

type session struct {
	callerId   int32
	calleeId   int32
	state      State
	createTime time.Time
	ringTimer  *time.Timer
}

func (s *session) peerOf(uid int32) int32 {
	if uid == s.callerId {
		return s.calleeId
	}
	return s.callerId
}

// Coordinator owns the active session table. A user is party to at most
// one active (ringing or connected) session at any time, which also
// enforces "at most one session per unordered pair". Pushes happen outside
// the table lock; the lock is never held across I/O.
type Coordinator struct {
	mu          sync.Mutex
	byUser      map[int32]*session
	pusher      Pusher
	ringTimeout time.Duration
}

func NewCoordinator(pusher Pusher, ringTimeout time.Duration) *Coordinator {
	return &Coordinator{
		byUser:      make(map[int32]*session),
		pusher:      pusher,
		ringTimeout: ringTimeout,
	}
}

// Initiate transitions (caller, callee) from idle to ringing. Fails with
// ErrBusy if either party already has an active session with anyone.
// An offline callee is not an error: no handle receives the offer and the
// ring timeout reaps the session.
func (c *Coordinator) Initiate(callerId, calleeId int32, offer json.RawMessage) error {
	if calleeId <= 0 || calleeId == callerId {
		return ErrInvalidArgument
	}

	c.mu.Lock()
	if c.byUser[callerId] != nil || c.byUser[calleeId] != nil {
		c.mu.Unlock()
		return ErrBusy
	}

	s := &session{
		callerId:   callerId,
		calleeId:   calleeId,
		state:      Ringing,
		createTime: time.Now(),
	}
	s.ringTimer = time.AfterFunc(c.ringTimeout, func() { c.expire(s) })
	c.byUser[callerId] = s
	c.byUser[calleeId] = s
	c.mu.Unlock()

	glog.V(5).Infof("call ringing: %d -> %d", callerId, calleeId)
	c.pusher.PushUser(calleeId, &wire.ServerMsg{CallIncoming: &wire.CallIncoming{
		CallerId: callerId,
		Offer:    offer,
	}})
	return nil
}

// Answer transitions the (callerId, calleeId) session from ringing to
// connected and relays the answer payload to the caller's live handles.
func (c *Coordinator) Answer(calleeId, callerId int32, answer json.RawMessage) error {
	c.mu.Lock()
	s := c.byUser[calleeId]
	if s == nil || s.calleeId != calleeId || s.callerId != callerId || s.state != Ringing {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	s.ringTimer.Stop()
	s.state = Connected
	c.mu.Unlock()

	glog.V(5).Infof("call connected: %d <-> %d", callerId, calleeId)
	c.pusher.PushUser(callerId, &wire.ServerMsg{CallAccepted: &wire.CallAccepted{
		CalleeId: calleeId,
		Answer:   answer,
	}})
	return nil
}

// End terminates the session uid is party to and notifies the peer.
func (c *Coordinator) End(uid, peerId int32) error {
	c.mu.Lock()
	s := c.byUser[uid]
	if s == nil || s.peerOf(uid) != peerId {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	c.remove(s)
	c.mu.Unlock()

	glog.V(5).Infof("call ended by %d: %d <-> %d", uid, s.callerId, s.calleeId)
	c.pusher.PushUser(peerId, &wire.ServerMsg{CallEnded: &wire.CallEnded{
		PeerId: uid,
		Reason: ReasonHangup,
	}})
	return nil
}

// DropUser terminates any session uid is party to. Called when the user's
// last handle disconnects; a no-op if there is no active session.
func (c *Coordinator) DropUser(uid int32) {
	c.mu.Lock()
	s := c.byUser[uid]
	if s == nil {
		c.mu.Unlock()
		return
	}
	c.remove(s)
	c.mu.Unlock()

	peerId := s.peerOf(uid)
	glog.V(5).Infof("call dropped, %d disconnected: %d <-> %d", uid, s.callerId, s.calleeId)
	c.pusher.PushUser(peerId, &wire.ServerMsg{CallEnded: &wire.CallEnded{
		PeerId: uid,
		Reason: ReasonDisconnected,
	}})
}

// expire reaps a session that rang out unanswered. Both parties are
// notified: the callee's devices are ringing and must stop too.
func (c *Coordinator) expire(s *session) {
	c.mu.Lock()
	if c.byUser[s.callerId] != s || s.state != Ringing {
		c.mu.Unlock()
		return
	}
	c.remove(s)
	c.mu.Unlock()

	glog.V(5).Infof("call ring timeout: %d -> %d", s.callerId, s.calleeId)
	c.pusher.PushUser(s.callerId, &wire.ServerMsg{CallEnded: &wire.CallEnded{
		PeerId: s.calleeId,
		Reason: ReasonTimeout,
	}})
	c.pusher.PushUser(s.calleeId, &wire.ServerMsg{CallEnded: &wire.CallEnded{
		PeerId: s.callerId,
		Reason: ReasonTimeout,
	}})
}

// remove deletes the session entry; the caller holds the table lock.
func (c *Coordinator) remove(s *session) {
	s.ringTimer.Stop()
	delete(c.byUser, s.callerId)
	delete(c.byUser, s.calleeId)
}

// SessionCount reports the number of active sessions.
func (c *Coordinator) SessionCount() int {
	c.mu.Lock()
	seen := make(map[*session]struct{})
	for _, s := range c.byUser {
		seen[s] = struct{}{}
	}
	c.mu.Unlock()
	return len(seen)
}

// SessionOf reports the active session uid is party to, if any.
func (c *Coordinator) SessionOf(uid int32) (peerId int32, state State, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.byUser[uid]
	if s == nil {
		return 0, 0, false
	}
	return s.peerOf(uid), s.state, true
}
