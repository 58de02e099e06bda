package statestore

import (
	"errors"
	"time"

	"github.com/orcastack/filewire/internal/manifest"
)

// ErrNotFound is returned when no record exists for a (file_id, role) pair.
var ErrNotFound = errors.New("transfer record not found")

// Role distinguishes the two record shapes kept for one file_id.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// PublisherRecord is the durable send-side state for one transfer.
type PublisherRecord struct {
	FileID       string             `json:"file_id"`
	SourcePath   string             `json:"source_path"`
	Manifest     *manifest.Manifest `json:"manifest"`
	Acknowledged bool               `json:"acknowledged"`
	RetryQueue   []int              `json:"retry_queue"`
	LastUpdate   int64              `json:"last_update"`
}

// SubscriberRecord is the durable receive-side state for one transfer.
// Received holds verified chunk indices; AckSent marks that the ack message
// was actually published, separately from Acked, so a crash between
// verification and publish is recoverable.
type SubscriberRecord struct {
	FileID      string             `json:"file_id"`
	Manifest    *manifest.Manifest `json:"manifest"`
	Received    []int              `json:"received"`
	Destination string             `json:"destination"`
	Acked       bool               `json:"acked"`
	AckSent     bool               `json:"ack_sent"`
	LastUpdate  int64              `json:"last_update"`
}

// Store is the crash-recoverable record store for transfer state, one record
// per (file_id, role). The protocol logic only depends on this interface so
// it runs against MemoryStore in tests and BadgerStore in production.
type Store interface {
	GetPublisher(fileID string) (*PublisherRecord, error)
	PutPublisher(rec *PublisherRecord) error
	GetSubscriber(fileID string) (*SubscriberRecord, error)
	PutSubscriber(rec *SubscriberRecord) error
	ListSubscribers() ([]*SubscriberRecord, error)
	Delete(fileID string, role Role) error
	Close() error
}

// touch advances a record timestamp without ever moving it backwards.
func touch(last int64) int64 {
	now := time.Now().UnixNano()
	if now < last {
		return last
	}
	return now
}
