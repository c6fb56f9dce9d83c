package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/edupush/edupush/auth"
	"github.com/edupush/edupush/call"
	"github.com/edupush/edupush/wire"
)

// Conf holds the hub runtime limits. Pushed to clients on connect.
type Conf struct {
	MaxMsgSize    int32
	HistoryLimit  int32
	TypingTTL     time.Duration
	RingTimeout   time.Duration
	PresenceGrace time.Duration
}

func (c *Conf) wire() *wire.Conf {
	return &wire.Conf{
		MaxMsgSize:      c.MaxMsgSize,
		HistoryLimit:    c.HistoryLimit,
		TypingTTLMs:     c.TypingTTL.Milliseconds(),
		RingTimeoutMs:   c.RingTimeout.Milliseconds(),
		PresenceGraceMs: c.PresenceGrace.Milliseconds(),
	}
}

// Presence is notified of registry first-handle/last-handle transitions.
type Presence interface {
	UserOnline(uid int32)
	UserOffline(uid int32)
}

// Calls is the per-pair call signaling coordinator.
type Calls interface {
	Initiate(callerId, calleeId int32, offer json.RawMessage) error
	Answer(calleeId, callerId int32, answer json.RawMessage) error
	End(uid, peerId int32) error
	DropUser(uid int32)
}

// Hub accepts websocket connections and dispatches their inbound events.
type Hub struct {
	conf       *Conf
	authClient auth.Client
	registry   *Registry
	relay      *Relay
	typing     *TypingTracker
	presence   Presence
	calls      Calls
}

func NewHub(authClient auth.Client, registry *Registry, relay *Relay, typing *TypingTracker,
	presence Presence, calls Calls, conf *Conf) *Hub {
	return &Hub{
		conf:       conf,
		authClient: authClient,
		registry:   registry,
		relay:      relay,
		typing:     typing,
		presence:   presence,
		calls:      calls,
	}
}

// ServeHTTP handles websocket upgrade requests.
func (hub *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid, err := hub.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	sess := &Session{
		Uid:        uid,
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().Unix(),
		Ip:         getRemoteIP(r),
	}

	// If the upgrade fails, Upgrade replies to the client with an HTTP error.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %d, err: %s", uid, err)
		return
	}

	handler := &Handler{
		dataChan: make(chan *SessionData, 16),
		session:  sess,
		conn:     conn,
		hub:      hub,
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		hub.disconnect(sess.Sid)
		return nil
	})

	first := hub.registry.add(handler)
	liveConnections.Inc()
	if first {
		hub.presence.UserOnline(uid)
	}

	handler.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Conf: hub.conf.wire()}})

	go handler.recvLoop()
	go handler.sendLoop()
}

// disconnect removes the handle and cascades cleanup: presence grace logic
// on the last handle, and termination of any call the user is party to.
func (hub *Hub) disconnect(sid string) {
	uid, removed, last := hub.registry.del(sid)
	if !removed {
		return
	}
	liveConnections.Dec()
	if last {
		hub.presence.UserOffline(uid)
		hub.calls.DropUser(uid)
		hub.typing.DropSender(uid)
	}
}

// Close shuts down every live session. Called on server stop.
func (hub *Hub) Close() {
	glog.Infof("close connections ...")
	hub.typing.Stop()
	hub.registry.close()
	glog.Infof("close connections done")
}

// dispatch runs on the owning connection's recv goroutine; blocking here
// (persistence writes) never stalls other connections.
func (hub *Hub) dispatch(h *Handler, req *wire.ClientMsg) {
	ctx := context.Background()
	uid := h.session.Uid

	if v := req.Send; v != nil {
		msg, werr := hub.relay.Send(ctx, uid, v)
		if werr != nil {
			glog.Errorf("dispatch(): Send error: %v", werr)
			wire.InterceptError(werr)
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Error: werr}})
			return
		}
		// Ack the sender regardless of receiver reachability.
		h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{MessageSent: msg}})
	} else if v := req.MarkRead; v != nil {
		if werr := hub.relay.MarkRead(ctx, uid, v); werr != nil {
			glog.Errorf("dispatch(): MarkRead error: %v", werr)
			wire.InterceptError(werr)
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Error: werr}})
		}
	} else if v := req.Typing; v != nil {
		hub.typing.Notify(uid, v.ReceiverId, v.IsTyping)
	} else if v := req.CallInitiate; v != nil {
		if err := hub.calls.Initiate(uid, v.CalleeId, v.Offer); err != nil {
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Error: callError(err, req)}})
		}
	} else if v := req.CallAnswer; v != nil {
		if err := hub.calls.Answer(uid, v.CallerId, v.Answer); err != nil {
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Error: callError(err, req)}})
		}
	} else if v := req.CallEnd; v != nil {
		if err := hub.calls.End(uid, v.PeerId); err != nil {
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Error: callError(err, req)}})
		}
	} else if v := req.History; v != nil {
		resp, werr := hub.relay.History(ctx, uid, v)
		if werr != nil {
			glog.Errorf("dispatch(): History error: %v", werr)
			wire.InterceptError(werr)
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Error: werr}})
			return
		}
		h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{History: resp}})
	} else if req.Conversations != nil {
		resp, werr := hub.relay.Conversations(ctx, uid)
		if werr != nil {
			glog.Errorf("dispatch(): Conversations error: %v", werr)
			wire.InterceptError(werr)
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Error: werr}})
			return
		}
		h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Conversations: resp}})
	} else {
		glog.Errorf("dispatch(): unsupported request: %+v", req)
		h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{
			Error: wire.NewInvalidArgumentError(req, "unsupported request"),
		}})
		h.appendDataChan(&SessionData{Error: BadRequest})
	}
}

func callError(err error, req *wire.ClientMsg) *wire.Error {
	switch err {
	case call.ErrBusy:
		return wire.NewBusyError(req)
	case call.ErrInvalidArgument:
		return wire.NewInvalidArgumentError(req, err.Error())
	default:
		return wire.NewInvalidTransitionError(req, err.Error())
	}
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
