package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

var journalBucket = []byte("journal")

// BoltJournal keeps entries as JSON in a single bucket of a local file,
// keyed by message ID.
type BoltJournal struct {
	db *bolt.DB
}

func NewBoltJournal(path string) (*BoltJournal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(journalBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal bucket: %w", err)
	}
	return &BoltJournal{db: db}, nil
}

func (b *BoltJournal) Record(ctx context.Context, entry *Entry) error {
	_, span := startSpan(ctx, "Record")
	defer span.End()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).Put([]byte(entry.ID), data)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (b *BoltJournal) MarkCompleted(ctx context.Context, id string) error {
	_, span := startSpan(ctx, "MarkCompleted")
	defer span.End()

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(journalBucket)
		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrEntryNotFound
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		entry.Status = StatusCompleted
		entry.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), updated)
	})
}

// Get returns the entry stored under id.
func (b *BoltJournal) Get(id string) (*Entry, error) {
	var entry Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(journalBucket).Get([]byte(id))
		if data == nil {
			return ErrEntryNotFound
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (b *BoltJournal) Close() error {
	return b.db.Close()
}
