package ws

import (
	"sync"
	"time"

	"github.com/edupush/edupush/wire"
)

// Pusher fans an event out to a user's live handles.
type Pusher interface {
	PushUser(uid int32, msg *wire.ServerMsg) int
}

type typingKey struct {
	senderId   int32
	receiverId int32
}

// TypingTracker relays ephemeral typing signals. Nothing is persisted.
// Every typing=true carries an implicit expiry: if no renewing event
// arrives within the TTL the tracker pushes a synthetic typing=false, so
// a lost stop signal never leaves the receiver with a stuck indicator.
type TypingTracker struct {
	mu     sync.Mutex
	ttl    time.Duration
	pusher Pusher
	timers map[typingKey]*time.Timer
}

func NewTypingTracker(pusher Pusher, ttl time.Duration) *TypingTracker {
	return &TypingTracker{
		ttl:    ttl,
		pusher: pusher,
		timers: make(map[typingKey]*time.Timer),
	}
}

func (t *TypingTracker) Notify(senderId, receiverId int32, isTyping bool) {
	if receiverId <= 0 || receiverId == senderId {
		return
	}

	k := typingKey{senderId: senderId, receiverId: receiverId}

	t.mu.Lock()
	if timer, ok := t.timers[k]; ok {
		timer.Stop()
		delete(t.timers, k)
	}
	if isTyping {
		var timer *time.Timer
		timer = time.AfterFunc(t.ttl, func() { t.expire(k, timer) })
		t.timers[k] = timer
	}
	t.mu.Unlock()

	t.pusher.PushUser(receiverId, &wire.ServerMsg{UserTyping: &wire.UserTyping{
		SenderId: senderId,
		IsTyping: isTyping,
	}})
}

// IsTyping reports the observable typing state of sender towards receiver.
func (t *TypingTracker) IsTyping(senderId, receiverId int32) bool {
	t.mu.Lock()
	_, ok := t.timers[typingKey{senderId: senderId, receiverId: receiverId}]
	t.mu.Unlock()
	return ok
}

// DropSender clears all pending indicators of a disconnected sender and
// pushes the stop signal to their receivers right away.
func (t *TypingTracker) DropSender(senderId int32) {
	var receivers []int32

	t.mu.Lock()
	for k, timer := range t.timers {
		if k.senderId == senderId {
			timer.Stop()
			delete(t.timers, k)
			receivers = append(receivers, k.receiverId)
		}
	}
	t.mu.Unlock()

	for _, receiverId := range receivers {
		t.pusher.PushUser(receiverId, &wire.ServerMsg{UserTyping: &wire.UserTyping{
			SenderId: senderId,
			IsTyping: false,
		}})
	}
}

func (t *TypingTracker) expire(k typingKey, timer *time.Timer) {
	t.mu.Lock()
	if t.timers[k] != timer {
		// raced with an explicit stop or a renewal
		t.mu.Unlock()
		return
	}
	delete(t.timers, k)
	t.mu.Unlock()

	t.pusher.PushUser(k.receiverId, &wire.ServerMsg{UserTyping: &wire.UserTyping{
		SenderId: k.senderId,
		IsTyping: false,
	}})
}

// Stop cancels every pending expiry. Called on server stop.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	for k, timer := range t.timers {
		timer.Stop()
		delete(t.timers, k)
	}
	t.mu.Unlock()
}
