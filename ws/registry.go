package ws

import (
	"sync"

	"github.com/edupush/edupush/wire"
)

// Registry is the single source of truth for "is this user reachable now".
// A user may own several live handles at once (multi-device); registering
// another handle adds to the set, it never evicts existing ones.
type Registry struct {
	sync.RWMutex

	// sid -> handler
	handlers map[string]*Handler
	// uid -> sid -> handler
	byUid map[int32]map[string]*Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]*Handler),
		byUid:    make(map[int32]map[string]*Handler),
	}
}

// add registers the handler, returns true if this is the user's first
// live handle (offline -> online transition).
func (r *Registry) add(h *Handler) bool {
	r.Lock()
	defer r.Unlock()

	sid := h.session.Sid
	uid := h.session.Uid

	r.handlers[sid] = h
	set, ok := r.byUid[uid]
	if !ok {
		set = make(map[string]*Handler)
		r.byUid[uid] = set
	}
	set[sid] = h
	return len(set) == 1
}

// del removes the handle, returns its uid, whether it was registered, and
// whether it was the user's last handle (online -> offline transition).
func (r *Registry) del(sid string) (uid int32, removed, last bool) {
	r.Lock()
	defer r.Unlock()

	h, ok := r.handlers[sid]
	if !ok {
		return 0, false, false
	}
	uid = h.session.Uid
	delete(r.handlers, sid)

	if set, ok := r.byUid[uid]; ok {
		delete(set, sid)
		if len(set) == 0 {
			delete(r.byUid, uid)
			return uid, true, true
		}
	}
	return uid, true, false
}

func (r *Registry) get(sid string) *Handler {
	r.RLock()
	h := r.handlers[sid]
	r.RUnlock()
	return h
}

// HandlesFor gets a snapshot of the user's live handlers.
func (r *Registry) HandlesFor(uid int32) []*Handler {
	r.RLock()
	defer r.RUnlock()

	set := r.byUid[uid]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Handler, 0, len(set))
	for _, h := range set {
		out = append(out, h)
	}
	return out
}

func (r *Registry) IsOnline(uid int32) bool {
	r.RLock()
	_, ok := r.byUid[uid]
	r.RUnlock()
	return ok
}

// PushUser fans the message out to every live handle of uid, returns the
// number of handles pushed to. Zero means the user is unreachable; that is
// a degraded-delivery condition, not an error.
func (r *Registry) PushUser(uid int32, msg *wire.ServerMsg) int {
	handlers := r.HandlesFor(uid)
	for _, h := range handlers {
		h.appendDataChan(&SessionData{ServerMsg: msg})
	}
	return len(handlers)
}

// OnlineCount reports the number of distinct users with a live handle.
func (r *Registry) OnlineCount() int {
	r.RLock()
	n := len(r.byUid)
	r.RUnlock()
	return n
}

func (r *Registry) count() int {
	r.RLock()
	n := len(r.handlers)
	r.RUnlock()
	return n
}

// close asks every live handler to flush a server-stop frame and shut down.
// Pushes happen on a snapshot, outside the registry lock.
func (r *Registry) close() {
	r.RLock()
	handlers := make([]*Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.RUnlock()

	for _, h := range handlers {
		h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{ServerStop: true}})
	}
}
