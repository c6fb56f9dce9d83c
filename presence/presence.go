// Package presence derives online/offline transitions from connection
// registry changes and notifies every peer the user holds or has held a
// conversation with.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/edupush/edupush/wire"
)

// Pusher fans an event out to a user's live handles.
type Pusher interface {
	PushUser(uid int32, msg *wire.ServerMsg) int
}

// PeerSource lists the users interested in a presence transition.
type PeerSource interface {
	ListPeers(ctx context.Context, uid int32) ([]int32, error)
}

// OnlineChecker reports current reachability; consulted when a grace
// timer fires, since the user may have reconnected meanwhile.
type OnlineChecker interface {
	IsOnline(uid int32) bool
}

// Broadcaster applies a short grace delay between "last handle removed"
// and the offline broadcast. A reconnect inside the window suppresses the
// broadcast entirely, so rapid reconnects never flap peers' UIs.
type Broadcaster struct {
	mu     sync.Mutex
	timers map[int32]*time.Timer

	grace    time.Duration
	peers    PeerSource
	pusher   Pusher
	online   OnlineChecker
	lastSeen *LastSeenStore // may be nil
}

func NewBroadcaster(peers PeerSource, pusher Pusher, online OnlineChecker,
	lastSeen *LastSeenStore, grace time.Duration) *Broadcaster {
	return &Broadcaster{
		timers:   make(map[int32]*time.Timer),
		grace:    grace,
		peers:    peers,
		pusher:   pusher,
		online:   online,
		lastSeen: lastSeen,
	}
}

// UserOnline handles a first-handle-added transition. If an offline
// broadcast is pending for the user it is suppressed and nothing is
// emitted: peers never saw them leave.
func (b *Broadcaster) UserOnline(uid int32) {
	b.mu.Lock()
	if timer, ok := b.timers[uid]; ok {
		timer.Stop()
		delete(b.timers, uid)
		b.mu.Unlock()
		glog.V(5).Infof("presence: %d reconnected within grace, offline suppressed", uid)
		return
	}
	b.mu.Unlock()

	b.broadcast(uid, true, 0)
}

// UserOffline handles a last-handle-removed transition by arming the
// grace timer.
func (b *Broadcaster) UserOffline(uid int32) {
	b.mu.Lock()
	if timer, ok := b.timers[uid]; ok {
		timer.Stop()
	}
	b.timers[uid] = time.AfterFunc(b.grace, func() { b.graceExpired(uid) })
	b.mu.Unlock()
}

func (b *Broadcaster) graceExpired(uid int32) {
	b.mu.Lock()
	if _, ok := b.timers[uid]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.timers, uid)
	b.mu.Unlock()

	if b.online.IsOnline(uid) {
		// reconnected between timer fire and now
		return
	}

	now := wire.UnixMilli(time.Now())
	if b.lastSeen != nil {
		if err := b.lastSeen.Touch(uid, now); err != nil {
			glog.Errorf("presence: record last seen for %d err: %v", uid, err)
		}
	}
	b.broadcast(uid, false, now)
}

func (b *Broadcaster) broadcast(uid int32, isOnline bool, lastSeen int64) {
	peers, err := b.peers.ListPeers(context.Background(), uid)
	if err != nil {
		glog.Errorf("presence: list peers of %d err: %v", uid, err)
		return
	}

	msg := &wire.ServerMsg{StatusChanged: &wire.StatusChanged{
		UserId:   uid,
		IsOnline: isOnline,
		LastSeen: lastSeen,
	}}
	for _, peer := range peers {
		b.pusher.PushUser(peer, msg)
	}
}

// Stop cancels every pending grace timer. Called on server stop.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	for uid, timer := range b.timers {
		timer.Stop()
		delete(b.timers, uid)
	}
	b.mu.Unlock()
}
