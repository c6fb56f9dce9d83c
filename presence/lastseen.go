package presence

import (
	"encoding/binary"

	"go.etcd.io/bbolt"
)

var lastSeenBucket = []byte("last_seen")

// LastSeenStore keeps the node-local last-seen-at record, written on each
// confirmed offline transition and served back with offline broadcasts.
type LastSeenStore struct {
	db *bbolt.DB
}

func OpenLastSeen(path string) (*LastSeenStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(lastSeenBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &LastSeenStore{db: db}, nil
}

func (s *LastSeenStore) Touch(uid int32, unixMilli int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(lastSeenBucket).Put(uidKey(uid), milliValue(unixMilli))
	})
}

func (s *LastSeenStore) Get(uid int32) (unixMilli int64, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(lastSeenBucket).Get(uidKey(uid))
		if len(v) == 8 {
			unixMilli = int64(binary.BigEndian.Uint64(v))
			ok = true
		}
		return nil
	})
	return unixMilli, ok, err
}

func (s *LastSeenStore) Close() error {
	return s.db.Close()
}

func uidKey(uid int32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], uint32(uid))
	return k[:]
}

func milliValue(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}
