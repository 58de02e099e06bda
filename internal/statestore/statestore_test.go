package statestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/orcastack/filewire/internal/manifest"
)

func testManifest() *manifest.Manifest {
	return manifest.New("f-1", "f.bin", 100, 64, "digest", []string{"a", "b"}, "", false)
}

func TestBadgerStoreCRUD(t *testing.T) {
	dbPath := filepath.Join(os.TempDir(), "filewire_test_state_db")
	defer os.RemoveAll(dbPath)

	store, err := OpenBadgerStore(dbPath)
	if err != nil {
		t.Fatalf("failed to open state store: %v", err)
	}
	defer store.Close()

	if _, err := store.GetPublisher("f-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	pub := &PublisherRecord{FileID: "f-1", SourcePath: "/tmp/f.bin", Manifest: testManifest(), RetryQueue: []int{1}}
	if err := store.PutPublisher(pub); err != nil {
		t.Fatalf("failed to put publisher record: %v", err)
	}
	gotPub, err := store.GetPublisher("f-1")
	if err != nil {
		t.Fatalf("failed to get publisher record: %v", err)
	}
	if gotPub.SourcePath != pub.SourcePath || len(gotPub.RetryQueue) != 1 || gotPub.Manifest.FileID != "f-1" {
		t.Errorf("retrieved publisher record does not match")
	}
	if gotPub.LastUpdate == 0 {
		t.Error("last_update not set on put")
	}

	sub := &SubscriberRecord{FileID: "f-1", Manifest: testManifest(), Received: []int{0}, Destination: "/tmp/out/f.bin"}
	if err := store.PutSubscriber(sub); err != nil {
		t.Fatalf("failed to put subscriber record: %v", err)
	}
	gotSub, err := store.GetSubscriber("f-1")
	if err != nil {
		t.Fatalf("failed to get subscriber record: %v", err)
	}
	if gotSub.Destination != sub.Destination || len(gotSub.Received) != 1 {
		t.Errorf("retrieved subscriber record does not match")
	}

	// Publisher and subscriber records for one file_id are independent.
	subs, err := store.ListSubscribers()
	if err != nil {
		t.Fatalf("failed to list subscriber records: %v", err)
	}
	if len(subs) != 1 {
		t.Errorf("expected 1 subscriber record, got %d", len(subs))
	}

	if err := store.Delete("f-1", RoleSubscriber); err != nil {
		t.Fatalf("failed to delete record: %v", err)
	}
	if _, err := store.GetSubscriber("f-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted record still present, err=%v", err)
	}
	if _, err := store.GetPublisher("f-1"); err != nil {
		t.Errorf("publisher record lost on subscriber delete: %v", err)
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemoryStore()

	rec := &SubscriberRecord{FileID: "f-2", Received: []int{0, 1}}
	if err := store.PutSubscriber(rec); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetSubscriber("f-2")
	if err != nil {
		t.Fatal(err)
	}
	got.Received = append(got.Received, 2)

	again, err := store.GetSubscriber("f-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Received) != 2 {
		t.Errorf("store leaked caller mutations: %v", again.Received)
	}
}

func TestLastUpdateMonotonic(t *testing.T) {
	store := NewMemoryStore()
	rec := &PublisherRecord{FileID: "f-3"}
	if err := store.PutPublisher(rec); err != nil {
		t.Fatal(err)
	}
	first := rec.LastUpdate

	rec.LastUpdate = first + 1 << 40 // far future
	if err := store.PutPublisher(rec); err != nil {
		t.Fatal(err)
	}
	if rec.LastUpdate < first+1<<40 {
		t.Error("last_update moved backwards")
	}
}
