package store

import (
	"context"

	"github.com/edupush/edupush/wire"
)

// IMessageStore is the durable persistence collaborator of the relay.
// Each write is atomic and visible to subsequent reads.
type IMessageStore interface {
	// Insert persists a new message, assigns id and create time.
	// The auto-increment id gives monotonic creation order.
	Insert(ctx context.Context, senderId, receiverId int32, content string) (*wire.Message, error)

	// ListMessages gets the history between two users, order by id ASC,
	// starting after fromId, at most limit rows.
	ListMessages(ctx context.Context, userA, userB int32, fromId int64, limit int32) ([]*wire.Message, error)

	// ListConversations gets the per-peer last message snapshot and
	// unread count for uid, most recent first.
	ListConversations(ctx context.Context, uid int32) ([]*wire.Conversation, error)

	// ListPeers gets every uid that holds or has held a conversation with uid.
	ListPeers(ctx context.Context, uid int32) ([]int32, error)

	// MarkRead transitions the message to read if uid is its receiver and
	// it is still unread. Idempotent: changed is false on repeat calls and
	// the stored read time is left untouched.
	MarkRead(ctx context.Context, msgId int64, uid int32) (msg *wire.Message, changed bool, err error)
}
