package statestore

import (
	"encoding/json"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and loopback runs. Records
// are copied on the way in and out so callers never share state through it.
type MemoryStore struct {
	mu          sync.RWMutex
	publishers  map[string][]byte
	subscribers map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		publishers:  make(map[string][]byte),
		subscribers: make(map[string][]byte),
	}
}

func (ms *MemoryStore) Close() error { return nil }

func (ms *MemoryStore) PutPublisher(rec *PublisherRecord) error {
	rec.LastUpdate = touch(rec.LastUpdate)
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.publishers[rec.FileID] = val
	return nil
}

func (ms *MemoryStore) GetPublisher(fileID string) (*PublisherRecord, error) {
	ms.mu.RLock()
	val, ok := ms.publishers[fileID]
	ms.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var rec PublisherRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (ms *MemoryStore) PutSubscriber(rec *SubscriberRecord) error {
	rec.LastUpdate = touch(rec.LastUpdate)
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.subscribers[rec.FileID] = val
	return nil
}

func (ms *MemoryStore) GetSubscriber(fileID string) (*SubscriberRecord, error) {
	ms.mu.RLock()
	val, ok := ms.subscribers[fileID]
	ms.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var rec SubscriberRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (ms *MemoryStore) ListSubscribers() ([]*SubscriberRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	records := make([]*SubscriberRecord, 0, len(ms.subscribers))
	for _, val := range ms.subscribers {
		var rec SubscriberRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, nil
}

func (ms *MemoryStore) Delete(fileID string, role Role) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if role == RolePublisher {
		delete(ms.publishers, fileID)
	} else {
		delete(ms.subscribers, fileID)
	}
	return nil
}
