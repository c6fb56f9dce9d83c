package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edupush/edupush/wire"
)

type fakePusher struct {
	sync.Mutex
	pushes map[int32][]*wire.StatusChanged
}

func newFakePusher() *fakePusher {
	return &fakePusher{pushes: make(map[int32][]*wire.StatusChanged)}
}

func (p *fakePusher) PushUser(uid int32, msg *wire.ServerMsg) int {
	p.Lock()
	defer p.Unlock()
	if msg.StatusChanged != nil {
		p.pushes[uid] = append(p.pushes[uid], msg.StatusChanged)
	}
	return 1
}

func (p *fakePusher) statusOf(uid int32) []*wire.StatusChanged {
	p.Lock()
	defer p.Unlock()
	return append([]*wire.StatusChanged(nil), p.pushes[uid]...)
}

type fakePeers struct {
	peers map[int32][]int32
}

func (f *fakePeers) ListPeers(ctx context.Context, uid int32) ([]int32, error) {
	return f.peers[uid], nil
}

type fakeOnline struct {
	sync.Mutex
	online map[int32]bool
}

func (f *fakeOnline) IsOnline(uid int32) bool {
	f.Lock()
	defer f.Unlock()
	return f.online[uid]
}

func (f *fakeOnline) set(uid int32, v bool) {
	f.Lock()
	f.online[uid] = v
	f.Unlock()
}

func newTestBroadcaster(grace time.Duration) (*Broadcaster, *fakePusher, *fakeOnline) {
	pusher := newFakePusher()
	online := &fakeOnline{online: make(map[int32]bool)}
	peers := &fakePeers{peers: map[int32][]int32{1: {2, 3}}}
	return NewBroadcaster(peers, pusher, online, nil, grace), pusher, online
}

func TestOnlineBroadcastToPeers(t *testing.T) {
	b, pusher, online := newTestBroadcaster(time.Minute)

	online.set(1, true)
	b.UserOnline(1)

	for _, peer := range []int32{2, 3} {
		events := pusher.statusOf(peer)
		require.Len(t, events, 1)
		assert.Equal(t, int32(1), events[0].UserId)
		assert.True(t, events[0].IsOnline)
	}
}

func TestOfflineBroadcastAfterGrace(t *testing.T) {
	b, pusher, online := newTestBroadcaster(20 * time.Millisecond)

	online.set(1, false)
	b.UserOffline(1)

	// nothing before the grace window elapses
	assert.Empty(t, pusher.statusOf(2))

	assert.Eventually(t, func() bool {
		return len(pusher.statusOf(2)) == 1
	}, time.Second, 5*time.Millisecond)

	events := pusher.statusOf(2)
	assert.False(t, events[0].IsOnline)
	assert.NotZero(t, events[0].LastSeen)
}

func TestReconnectWithinGraceSuppressesBoth(t *testing.T) {
	b, pusher, online := newTestBroadcaster(50 * time.Millisecond)

	online.set(1, false)
	b.UserOffline(1)

	online.set(1, true)
	b.UserOnline(1)

	time.Sleep(150 * time.Millisecond)

	// peers saw neither the offline nor a redundant online event
	assert.Empty(t, pusher.statusOf(2))
	assert.Empty(t, pusher.statusOf(3))
}

func TestGraceExpiryChecksCurrentReachability(t *testing.T) {
	b, pusher, online := newTestBroadcaster(20 * time.Millisecond)

	online.set(1, false)
	b.UserOffline(1)
	// user reconnects but the broadcaster was not told (e.g. ordering
	// race on a busy node); the expiry must consult the registry.
	online.set(1, true)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, pusher.statusOf(2))
}

func TestStopCancelsPendingTimers(t *testing.T) {
	b, pusher, online := newTestBroadcaster(20 * time.Millisecond)

	online.set(1, false)
	b.UserOffline(1)
	b.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, pusher.statusOf(2))
}
