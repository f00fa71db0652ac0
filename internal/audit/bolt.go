package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltSink stores audit records in a single bbolt file: one bucket per
// logical {bucket}/{keyPrefix} pair, keyed by {yyyymmdd}/{record_id}.csv
// with the CSV bytes as the value. Useful for single-host deployments where
// a directory of tiny files is unwieldy.
type BoltSink struct {
	db        *bolt.DB
	bucket    string
	keyPrefix string
}

// NewBoltSink opens (or creates) the bolt file at path.
func NewBoltSink(path, bucket, keyPrefix string) (*BoltSink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("audit bolt sink: bucket is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit bolt directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open audit bolt db: %w", err)
	}
	return &BoltSink{db: db, bucket: bucket, keyPrefix: keyPrefix}, nil
}

func (s *BoltSink) bucketName() []byte {
	if s.keyPrefix == "" {
		return []byte(s.bucket)
	}
	return []byte(s.bucket + "/" + s.keyPrefix)
}

// Record writes the CSV object synchronously. Bolt commits are fast enough
// for chat-rate traffic that no background queue is needed here.
func (s *BoltSink) Record(_ context.Context, rec Record) error {
	data, err := rec.CSV()
	if err != nil {
		return err
	}
	key := rec.CreatedAt.In(JST).Format(keyDateLayout) + "/" + rec.RecordID + ".csv"

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucketName())
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("store audit record: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *BoltSink) Close() error {
	return s.db.Close()
}

var _ Sink = (*BoltSink)(nil)
