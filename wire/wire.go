// Package wire defines the JSON event contract between the server and
// websocket clients. Inbound and outbound messages are tagged unions:
// exactly one request/event field is set per frame.
package wire

import (
	"encoding/json"
	"time"
)

// Message is a persisted direct message between two users.
// Immutable once created except for the unread -> read transition.
type Message struct {
	Id         int64  `json:"id"`
	SenderId   int32  `json:"sender_id"`
	ReceiverId int32  `json:"receiver_id"`
	Content    string `json:"content"`
	CreateTime int64  `json:"create_time"`
	Read       bool   `json:"read"`
	ReadTime   int64  `json:"read_time,omitempty"`
}

// Conversation is the denormalized per-peer view over message history.
type Conversation struct {
	PeerId      int32    `json:"peer_id"`
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount int32    `json:"unread_count"`
}

// Conf is pushed to every client right after connect.
type Conf struct {
	MaxMsgSize      int32 `json:"max_msg_size"`
	HistoryLimit    int32 `json:"history_limit"`
	TypingTTLMs     int64 `json:"typing_ttl_ms"`
	RingTimeoutMs   int64 `json:"ring_timeout_ms"`
	PresenceGraceMs int64 `json:"presence_grace_ms"`
}

// Client requests.

type SendReq struct {
	ReceiverId int32  `json:"receiver_id"`
	Content    string `json:"content"`
}

type MarkReadReq struct {
	MessageId int64 `json:"message_id"`
}

type TypingReq struct {
	ReceiverId int32 `json:"receiver_id"`
	IsTyping   bool  `json:"is_typing"`
}

// CallInitiateReq carries an opaque negotiation offer. The server relays
// the payload verbatim and never inspects its structure.
type CallInitiateReq struct {
	CalleeId int32           `json:"callee_id"`
	Offer    json.RawMessage `json:"offer"`
}

type CallAnswerReq struct {
	CallerId int32           `json:"caller_id"`
	Answer   json.RawMessage `json:"answer"`
}

type CallEndReq struct {
	PeerId int32 `json:"peer_id"`
}

type HistoryReq struct {
	PeerId int32 `json:"peer_id"`
	FromId int64 `json:"from_id"`
	Limit  int32 `json:"limit"`
}

type ConversationsReq struct{}

// ClientMsg is the inbound tagged union. Exactly one field is set.
type ClientMsg struct {
	Send          *SendReq          `json:"send,omitempty"`
	MarkRead      *MarkReadReq      `json:"mark_read,omitempty"`
	Typing        *TypingReq        `json:"typing,omitempty"`
	CallInitiate  *CallInitiateReq  `json:"call_initiate,omitempty"`
	CallAnswer    *CallAnswerReq    `json:"call_answer,omitempty"`
	CallEnd       *CallEndReq       `json:"call_end,omitempty"`
	History       *HistoryReq       `json:"history,omitempty"`
	Conversations *ConversationsReq `json:"conversations,omitempty"`
}

// Server events.

type StatusChanged struct {
	UserId   int32 `json:"user_id"`
	IsOnline bool  `json:"is_online"`
	LastSeen int64 `json:"last_seen,omitempty"`
}

type MessageRead struct {
	MessageId int64 `json:"message_id"`
	ReadTime  int64 `json:"read_time"`
}

type UserTyping struct {
	SenderId int32 `json:"sender_id"`
	IsTyping bool  `json:"is_typing"`
}

type CallIncoming struct {
	CallerId int32           `json:"caller_id"`
	Offer    json.RawMessage `json:"offer"`
}

type CallAccepted struct {
	CalleeId int32           `json:"callee_id"`
	Answer   json.RawMessage `json:"answer"`
}

type CallEnded struct {
	PeerId int32  `json:"peer_id"`
	Reason string `json:"reason"`
}

type HistoryResp struct {
	PeerId   int32      `json:"peer_id"`
	Messages []*Message `json:"messages"`
}

type ConversationsResp struct {
	Conversations []*Conversation `json:"conversations"`
}

// ServerMsg is the outbound tagged union.
type ServerMsg struct {
	Error         *Error             `json:"error,omitempty"`
	Conf          *Conf              `json:"conf,omitempty"`
	StatusChanged *StatusChanged     `json:"status_changed,omitempty"`
	NewMessage    *Message           `json:"new_message,omitempty"`
	MessageSent   *Message           `json:"message_sent,omitempty"`
	MessageRead   *MessageRead       `json:"message_read,omitempty"`
	UserTyping    *UserTyping        `json:"user_typing,omitempty"`
	CallIncoming  *CallIncoming      `json:"call_incoming,omitempty"`
	CallAccepted  *CallAccepted      `json:"call_accepted,omitempty"`
	CallEnded     *CallEnded         `json:"call_ended,omitempty"`
	History       *HistoryResp       `json:"history,omitempty"`
	Conversations *ConversationsResp `json:"conversations,omitempty"`

	// ServerStop asks the client to stop reconnect attempts for a while.
	ServerStop bool `json:"server_stop,omitempty"`
}

// UnixMilli converts t to the wire timestamp representation.
func UnixMilli(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}
