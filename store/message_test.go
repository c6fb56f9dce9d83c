package store

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	dsn = "root:@tcp(127.0.0.1:3306)/edupush?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci"
)

// openTestDB connects to the local MySQL, see dev/schema.sql.
func openTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)

	if err := db.Ping(); err != nil {
		t.Skipf("mysql not reachable: %v", err)
	}

	_, err = db.Exec("DELETE FROM messages")
	require.NoError(t, err)
	return db
}

func TestInsertAndListMessages(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	s := NewMessageStore(db)
	ctx := context.Background()

	m1, err := s.Insert(ctx, 1, 2, "hello")
	require.NoError(t, err)
	m2, err := s.Insert(ctx, 2, 1, "hi back")
	require.NoError(t, err)
	_, err = s.Insert(ctx, 1, 3, "other thread")
	require.NoError(t, err)

	assert.Less(t, m1.Id, m2.Id, "ids are monotonic by creation order")

	msgs, err := s.ListMessages(ctx, 1, 2, 0, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "history returns each message exactly once")
	assert.Equal(t, m1.Id, msgs[0].Id)
	assert.Equal(t, m2.Id, msgs[1].Id)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.False(t, msgs[0].Read)

	// pagination from the first id
	msgs, err = s.ListMessages(ctx, 1, 2, m1.Id, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, m2.Id, msgs[0].Id)
}

func TestMarkReadIdempotent(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	s := NewMessageStore(db)
	ctx := context.Background()

	m, err := s.Insert(ctx, 1, 2, "read me")
	require.NoError(t, err)

	got, changed, err := s.MarkRead(ctx, m.Id, 2)
	require.NoError(t, err)
	require.True(t, changed)
	require.NotNil(t, got)
	assert.True(t, got.Read)
	assert.NotZero(t, got.ReadTime)
	firstReadTime := got.ReadTime

	// second call is a no-op
	got, changed, err = s.MarkRead(ctx, m.Id, 2)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, got)

	msgs, err := s.ListMessages(ctx, 1, 2, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, firstReadTime, msgs[0].ReadTime, "read time never reverts")

	// only the receiver may mark read
	_, changed, err = s.MarkRead(ctx, m.Id, 1)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestListConversations(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	s := NewMessageStore(db)
	ctx := context.Background()

	_, err := s.Insert(ctx, 1, 2, "a")
	require.NoError(t, err)
	_, err = s.Insert(ctx, 1, 2, "b")
	require.NoError(t, err)
	last, err := s.Insert(ctx, 2, 1, "c")
	require.NoError(t, err)
	m3, err := s.Insert(ctx, 3, 1, "hey")
	require.NoError(t, err)

	convs, err := s.ListConversations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, convs, 2)

	// most recent conversation first
	assert.Equal(t, int32(3), convs[0].PeerId)
	assert.Equal(t, m3.Id, convs[0].LastMessage.Id)
	assert.Equal(t, int32(1), convs[0].UnreadCount)

	assert.Equal(t, int32(2), convs[1].PeerId)
	assert.Equal(t, last.Id, convs[1].LastMessage.Id)
	assert.Equal(t, int32(1), convs[1].UnreadCount, "only inbound unread counts")
}

func TestListPeers(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	s := NewMessageStore(db)
	ctx := context.Background()

	_, err := s.Insert(ctx, 1, 2, "x")
	require.NoError(t, err)
	_, err = s.Insert(ctx, 3, 1, "y")
	require.NoError(t, err)
	_, err = s.Insert(ctx, 2, 1, "z")
	require.NoError(t, err)

	peers, err := s.ListPeers(ctx, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int32{2, 3}, peers)
}
