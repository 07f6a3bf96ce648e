package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// bucketName is the bbolt bucket holding serialized checkpoint Records,
// following the single-bucket-per-concern layout of the teacher pack's
// own bbolt checkpoint store.
const bucketName = "checkpoints"

// BoltStore is a durable Store backed by a single bbolt database file,
// grounded on the polymarket-indexer's CheckpointDB: one bucket, JSON
// values keyed by a string derived from the record's identity.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (creating if absent) a bbolt-backed checkpoint
// store at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func boltKey(sessionID, table string) []byte {
	return []byte(sessionID + "/" + table)
}

func (s *BoltStore) Load(ctx context.Context, sessionID, table string) (Record, bool, error) {
	var rec Record
	var found bool

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		data := b.Get(boltKey(sessionID, table))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("checkpoint: load: %w", err)
	}
	return rec, found, nil
}

func (s *BoltStore) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal record: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put(boltKey(rec.SessionID, rec.Table), data)
	})
	if err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

func (s *BoltStore) Clear(ctx context.Context, sessionID, table string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Delete(boltKey(sessionID, table))
	})
	if err != nil {
		return fmt.Errorf("checkpoint: clear: %w", err)
	}
	return nil
}
