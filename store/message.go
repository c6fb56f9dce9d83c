package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/golang/glog"

	"github.com/edupush/edupush/wire"
)

const (
	insertMessageSQL = "INSERT INTO messages (sender_id,receiver_id,content,create_time,read_state) VALUES (?,?,?,?,0)"
	getMessageSQL    = "SELECT id,sender_id,receiver_id,content,create_time,read_state,read_time FROM messages WHERE id=?"
	listMessagesSQL  = "SELECT id,sender_id,receiver_id,content,create_time,read_state,read_time FROM messages " +
		"WHERE ((sender_id=? AND receiver_id=?) OR (sender_id=? AND receiver_id=?)) AND id>? " +
		"ORDER BY id ASC LIMIT ?"
	listLastMessagesSQL = "SELECT m.id,m.sender_id,m.receiver_id,m.content,m.create_time,m.read_state,m.read_time " +
		"FROM messages AS m JOIN (" +
		"SELECT MAX(id) AS id FROM messages WHERE sender_id=? OR receiver_id=? " +
		"GROUP BY IF(sender_id=?, receiver_id, sender_id)" +
		") AS t ON m.id=t.id ORDER BY m.id DESC"
	countUnreadSQL = "SELECT sender_id, COUNT(*) FROM messages WHERE receiver_id=? AND read_state=0 GROUP BY sender_id"
	listPeersSQL   = "SELECT DISTINCT IF(sender_id=?, receiver_id, sender_id) FROM messages WHERE sender_id=? OR receiver_id=?"
	markReadSQL    = "UPDATE messages SET read_state=1, read_time=? WHERE id=? AND receiver_id=? AND read_state=0"
)

// messageStore implements `IMessageStore` on MySQL.
type messageStore struct {
	*sql.DB
}

func NewMessageStore(db *sql.DB) *messageStore {
	return &messageStore{db}
}

func (s *messageStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func scanMessage(row interface {
	Scan(dest ...interface{}) error
}) (*wire.Message, error) {
	var m wire.Message
	var createTime time.Time
	var readState byte
	var readTime sql.NullTime

	if err := row.Scan(&m.Id, &m.SenderId, &m.ReceiverId, &m.Content, &createTime, &readState, &readTime); err != nil {
		return nil, err
	}
	m.CreateTime = wire.UnixMilli(createTime)
	m.Read = readState > 0
	if readTime.Valid {
		m.ReadTime = wire.UnixMilli(readTime.Time)
	}
	return &m, nil
}

func (s *messageStore) Insert(ctx context.Context, senderId, receiverId int32, content string) (*wire.Message, error) {
	now := time.Now()
	var id int64

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, insertMessageSQL, senderId, receiverId, content, now)
		if err != nil {
			glog.Errorf("insert message exec err: %v", err)
			return err
		}
		id, err = res.LastInsertId()
		return err
	}); err != nil {
		return nil, err
	}

	return &wire.Message{
		Id:         id,
		SenderId:   senderId,
		ReceiverId: receiverId,
		Content:    content,
		CreateTime: wire.UnixMilli(now),
	}, nil
}

func (s *messageStore) ListMessages(ctx context.Context, userA, userB int32, fromId int64, limit int32) ([]*wire.Message, error) {
	var out []*wire.Message

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, listMessagesSQL, userA, userB, userB, userA, fromId, limit)
		if err != nil {
			glog.Errorf("list messages query err: %v", err)
			return err
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				glog.Errorf("list messages scan err: %v", err)
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	}); err != nil {
		return nil, err
	}

	return out, nil
}

func (s *messageStore) ListConversations(ctx context.Context, uid int32) ([]*wire.Conversation, error) {
	var out []*wire.Conversation

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		unread := make(map[int32]int32)

		rows, err := tx.QueryContext(ctx, countUnreadSQL, uid)
		if err != nil {
			glog.Errorf("count unread query err: %v", err)
			return err
		}
		for rows.Next() {
			var peer, count int32
			if err := rows.Scan(&peer, &count); err != nil {
				rows.Close()
				return err
			}
			unread[peer] = count
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		rows, err = tx.QueryContext(ctx, listLastMessagesSQL, uid, uid, uid)
		if err != nil {
			glog.Errorf("list conversations query err: %v", err)
			return err
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			peer := m.SenderId
			if peer == uid {
				peer = m.ReceiverId
			}
			out = append(out, &wire.Conversation{
				PeerId:      peer,
				LastMessage: m,
				UnreadCount: unread[peer],
			})
		}
		return rows.Err()
	}); err != nil {
		return nil, err
	}

	return out, nil
}

func (s *messageStore) ListPeers(ctx context.Context, uid int32) ([]int32, error) {
	var out []int32

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, listPeersSQL, uid, uid, uid)
		if err != nil {
			glog.Errorf("list peers query err: %v", err)
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var peer int32
			if err := rows.Scan(&peer); err != nil {
				return err
			}
			out = append(out, peer)
		}
		return rows.Err()
	}); err != nil {
		return nil, err
	}

	return out, nil
}

func (s *messageStore) MarkRead(ctx context.Context, msgId int64, uid int32) (*wire.Message, bool, error) {
	var msg *wire.Message
	var changed bool
	now := time.Now()

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, markReadSQL, now, msgId, uid)
		if err != nil {
			glog.Errorf("mark read exec err: %v", err)
			return err
		}

		n, _ := res.RowsAffected()
		changed = n == 1
		if !changed {
			return nil
		}

		row := tx.QueryRowContext(ctx, getMessageSQL, msgId)
		msg, err = scanMessage(row)
		if err != nil {
			glog.Errorf("mark read get message err: %v", err)
			return err
		}
		return nil
	}); err != nil {
		return nil, false, err
	}

	return msg, changed, nil
}
