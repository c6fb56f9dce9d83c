package presence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edupush/edupush/wire"
)

func TestLastSeenRoundTrip(t *testing.T) {
	s, err := OpenLastSeen(filepath.Join(t.TempDir(), "lastseen.db"))
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Get(1)
	require.NoError(t, err)
	assert.False(t, ok)

	now := wire.UnixMilli(time.Now())
	require.NoError(t, s.Touch(1, now))

	got, ok, err := s.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now, got)

	// later touch overwrites
	require.NoError(t, s.Touch(1, now+5000))
	got, _, err = s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, now+5000, got)
}

func TestOfflineTransitionRecordsLastSeen(t *testing.T) {
	s, err := OpenLastSeen(filepath.Join(t.TempDir(), "lastseen.db"))
	require.NoError(t, err)
	defer s.Close()

	pusher := newFakePusher()
	online := &fakeOnline{online: make(map[int32]bool)}
	peers := &fakePeers{peers: map[int32][]int32{1: {2}}}
	b := NewBroadcaster(peers, pusher, online, s, 10*time.Millisecond)

	b.UserOffline(1)

	assert.Eventually(t, func() bool {
		_, ok, err := s.Get(1)
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)
}
