package statestore

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const (
	publisherPrefix  = "pub:"
	subscriberPrefix = "sub:"
)

// BadgerStore persists transfer records in BadgerDB, JSON-encoded under
// role-prefixed keys.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a BadgerDB at the given path.
func OpenBadgerStore(dbPath string) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %v", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the BadgerDB.
func (bs *BadgerStore) Close() error {
	return bs.db.Close()
}

func (bs *BadgerStore) put(key []byte, rec interface{}) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

func (bs *BadgerStore) get(key []byte, rec interface{}) error {
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, rec)
		})
	})
	if err == badger.ErrKeyNotFound {
		return ErrNotFound
	}
	return err
}

// PutPublisher stores the publisher record for a transfer.
func (bs *BadgerStore) PutPublisher(rec *PublisherRecord) error {
	rec.LastUpdate = touch(rec.LastUpdate)
	return bs.put([]byte(publisherPrefix+rec.FileID), rec)
}

// GetPublisher retrieves the publisher record for a file_id.
func (bs *BadgerStore) GetPublisher(fileID string) (*PublisherRecord, error) {
	var rec PublisherRecord
	if err := bs.get([]byte(publisherPrefix+fileID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutSubscriber stores the subscriber record for a transfer.
func (bs *BadgerStore) PutSubscriber(rec *SubscriberRecord) error {
	rec.LastUpdate = touch(rec.LastUpdate)
	return bs.put([]byte(subscriberPrefix+rec.FileID), rec)
}

// GetSubscriber retrieves the subscriber record for a file_id.
func (bs *BadgerStore) GetSubscriber(fileID string) (*SubscriberRecord, error) {
	var rec SubscriberRecord
	if err := bs.get([]byte(subscriberPrefix+fileID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListSubscribers returns every durable subscriber record, used on startup
// to resume in-flight transfers before any message is processed.
func (bs *BadgerStore) ListSubscribers() ([]*SubscriberRecord, error) {
	var records []*SubscriberRecord
	err := bs.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(subscriberPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec SubscriberRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriber records: %v", err)
	}
	return records, nil
}

// Delete removes a record; local housekeeping only, never a protocol step.
func (bs *BadgerStore) Delete(fileID string, role Role) error {
	prefix := subscriberPrefix
	if role == RolePublisher {
		prefix = publisherPrefix
	}
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefix + fileID))
	})
}
