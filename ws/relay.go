package ws

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/edupush/edupush/store"
	"github.com/edupush/edupush/wire"
)

// Publisher journals delivered messages for downstream consumers.
// Best effort; never on the send critical path's failure domain.
type Publisher interface {
	Publish(msg *wire.Message)
}

// Relay persists messages and fans them out to the receiver's live handles.
// The durable write always happens first: a persistence failure aborts the
// send entirely, no partial real-time delivery is attempted.
type Relay struct {
	store    store.IMessageStore
	registry *Registry
	journal  Publisher // may be nil
	conf     *Conf
}

func NewRelay(messageStore store.IMessageStore, registry *Registry, journal Publisher, conf *Conf) *Relay {
	return &Relay{
		store:    messageStore,
		registry: registry,
		journal:  journal,
		conf:     conf,
	}
}

func (r *Relay) Send(ctx context.Context, senderId int32, req *wire.SendReq) (*wire.Message, *wire.Error) {
	var errs []string
	if req.ReceiverId <= 0 {
		errs = append(errs, "receiver_id: should be positive integer")
	}
	if req.ReceiverId == senderId {
		errs = append(errs, "receiver_id: cannot send to self")
	}
	if req.Content == "" {
		errs = append(errs, "content: should not be empty")
	}
	if int32(len(req.Content)) > r.conf.MaxMsgSize {
		errs = append(errs, fmt.Sprintf("content: exceeds max size: %d", r.conf.MaxMsgSize))
	}
	if len(errs) > 0 {
		return nil, wire.NewInvalidArgumentError(&wire.ClientMsg{Send: req}, errs...)
	}

	msg, err := r.store.Insert(ctx, senderId, req.ReceiverId, req.Content)
	if err != nil {
		persistFailures.Inc()
		return nil, wire.NewInternalError(&wire.ClientMsg{Send: req}, err.Error())
	}

	if n := r.registry.PushUser(req.ReceiverId, &wire.ServerMsg{NewMessage: msg}); n == 0 {
		// Receiver unreachable: the message is only retrievable through
		// the fallback fetch path until they reconnect.
		glog.V(5).Infof("receiver %d unreachable, message %d persisted only", req.ReceiverId, msg.Id)
	}
	messagesRelayed.Inc()

	if r.journal != nil {
		r.journal.Publish(msg)
	}
	return msg, nil
}

// MarkRead is idempotent: the read receipt fires on the first transition
// only, and is best effort towards the sender's live handles.
func (r *Relay) MarkRead(ctx context.Context, uid int32, req *wire.MarkReadReq) *wire.Error {
	if req.MessageId <= 0 {
		return wire.NewInvalidArgumentError(&wire.ClientMsg{MarkRead: req}, "message_id: should be positive integer")
	}

	msg, changed, err := r.store.MarkRead(ctx, req.MessageId, uid)
	if err != nil {
		return wire.NewInternalError(&wire.ClientMsg{MarkRead: req}, err.Error())
	}
	if !changed {
		return nil
	}

	r.registry.PushUser(msg.SenderId, &wire.ServerMsg{MessageRead: &wire.MessageRead{
		MessageId: msg.Id,
		ReadTime:  msg.ReadTime,
	}})
	return nil
}

func (r *Relay) History(ctx context.Context, uid int32, req *wire.HistoryReq) (*wire.HistoryResp, *wire.Error) {
	if req.PeerId <= 0 {
		return nil, wire.NewInvalidArgumentError(&wire.ClientMsg{History: req}, "peer_id: should be positive integer")
	}
	limit := req.Limit
	if limit <= 0 || limit > r.conf.HistoryLimit {
		limit = r.conf.HistoryLimit
	}

	msgs, err := r.store.ListMessages(ctx, uid, req.PeerId, req.FromId, limit)
	if err != nil {
		return nil, wire.NewInternalError(&wire.ClientMsg{History: req}, err.Error())
	}
	return &wire.HistoryResp{PeerId: req.PeerId, Messages: msgs}, nil
}

func (r *Relay) Conversations(ctx context.Context, uid int32) (*wire.ConversationsResp, *wire.Error) {
	convs, err := r.store.ListConversations(ctx, uid)
	if err != nil {
		return nil, wire.NewInternalError(&wire.ClientMsg{Conversations: &wire.ConversationsReq{}}, err.Error())
	}
	return &wire.ConversationsResp{Conversations: convs}, nil
}
