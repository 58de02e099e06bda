package publisher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/orcastack/filewire/internal/chunker"
	"github.com/orcastack/filewire/internal/compressor"
	"github.com/orcastack/filewire/internal/manifest"
	"github.com/orcastack/filewire/internal/statestore"
	"github.com/orcastack/filewire/internal/transport"
	"github.com/orcastack/filewire/internal/wire"
)

// State of a publisher session.
type State string

const (
	StateIdle        State = "idle"
	StateSending     State = "sending"
	StateAwaitingAck State = "awaiting_ack"
	StateAcked       State = "acked"
	StateFailed      State = "failed"
)

// Options configure a publisher session.
type Options struct {
	Namespace string
	ChunkSize int64 // 0 derives the size from the file length
	Compress  bool
	Logger    *logrus.Logger
}

// Session owns the sending side of one file transfer: it builds the
// manifest, streams every chunk once, and afterwards resends only what
// subscribers report missing. All retransmission is demand-driven; there is
// no blind timer-based resend of the file.
type Session struct {
	bus   transport.Transport
	store statestore.Store
	log   *logrus.Logger
	opts  Options

	mu       sync.Mutex
	state    State
	fileID   string
	path     string
	man      *manifest.Manifest
	topics   wire.Topics
	inflight map[int]bool
	// retryQueue holds every index owed a resend across all status batches
	// still in flight; the durable record mirrors this set, not the batch.
	retryQueue map[int]bool
}

// New creates an idle publisher session.
func New(bus transport.Transport, store statestore.Store, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}
	if opts.Namespace == "" {
		opts.Namespace = "orca"
	}
	return &Session{
		bus:        bus,
		store:      store,
		log:        log,
		opts:       opts,
		state:      StateIdle,
		inflight:   make(map[int]bool),
		retryQueue: make(map[int]bool),
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FileID returns the transfer identifier, empty until Send or Resume.
func (s *Session) FileID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileID
}

// Send starts a new transfer for the file at path. It computes the manifest
// in one full pass (atomically: a half-computed manifest is never
// published), persists it, publishes the meta message and then streams
// every chunk in index order. Returns the generated file_id.
func (s *Session) Send(ctx context.Context, path string) (string, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return "", fmt.Errorf("session already started (state %s)", s.state)
	}

	info, err := os.Stat(path)
	if err != nil {
		s.state = StateFailed
		s.mu.Unlock()
		return "", fmt.Errorf("%w: cannot stat %s: %v", chunker.ErrSourceUnavailable, path, err)
	}

	chunkSize := s.opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = chunker.DefaultChunkSize(info.Size())
	}
	compress := s.opts.Compress && !compressor.ShouldSkipCompression(path)

	fileDigest, chunkDigests, err := chunker.BuildDigests(path, chunkSize)
	if err != nil {
		s.state = StateFailed
		s.mu.Unlock()
		s.log.WithField("path", path).Errorf("Manifest computation failed: %v", err)
		return "", err
	}

	name := filepath.Base(path)
	fileID := manifest.GenerateFileID(name, info.Size())
	man := manifest.New(fileID, name, info.Size(), chunkSize, fileDigest, chunkDigests, manifest.ContentTypeFor(path), compress)

	s.fileID = fileID
	s.path = path
	s.man = man
	s.topics = wire.TopicsFor(s.opts.Namespace, fileID)

	// The record must be durable before the manifest goes out, so a crash
	// right after publishing can resume instead of restarting.
	if err := s.store.PutPublisher(&statestore.PublisherRecord{
		FileID:     fileID,
		SourcePath: path,
		Manifest:   man,
	}); err != nil {
		s.state = StateFailed
		s.mu.Unlock()
		return "", fmt.Errorf("failed to persist publisher record: %v", err)
	}

	payload, err := man.Marshal()
	if err != nil {
		s.state = StateFailed
		s.mu.Unlock()
		return "", err
	}
	if err := s.bus.Publish(s.topics.Meta, payload); err != nil {
		s.state = StateFailed
		s.mu.Unlock()
		return "", fmt.Errorf("failed to publish manifest: %v", err)
	}
	s.state = StateSending
	s.mu.Unlock()

	if err := s.listen(ctx); err != nil {
		return fileID, err
	}

	s.log.WithFields(logrus.Fields{
		"file_id": fileID,
		"chunks":  man.TotalChunks,
		"size":    man.Size,
	}).Info("📤 Streaming chunks")

	indices := make([]int, man.TotalChunks)
	for i := range indices {
		indices[i] = i
	}
	if err := s.sendChunks(indices); err != nil {
		return fileID, err
	}

	// Ask for an immediate report so drops from the first pass are
	// requested right away instead of after a full status interval.
	inquiry, err := wire.Encode(wire.StatusRequest{Request: wire.StatusRequestValue})
	if err != nil {
		return fileID, err
	}
	if err := s.bus.Publish(s.topics.Status, inquiry); err != nil {
		return fileID, fmt.Errorf("failed to publish status request: %v", err)
	}

	s.mu.Lock()
	if s.state == StateSending {
		s.state = StateAwaitingAck
	}
	s.mu.Unlock()
	return fileID, nil
}

// Resume restarts a crashed transfer from its durable record: the persisted
// manifest and retry queue are reused, never recomputed.
func (s *Session) Resume(ctx context.Context, fileID string) error {
	rec, err := s.store.GetPublisher(fileID)
	if err != nil {
		return fmt.Errorf("no durable state for %s: %v", fileID, err)
	}

	s.mu.Lock()
	s.fileID = rec.FileID
	s.path = rec.SourcePath
	s.man = rec.Manifest
	s.topics = wire.TopicsFor(s.opts.Namespace, rec.FileID)
	if rec.Acknowledged {
		s.state = StateAcked
		s.mu.Unlock()
		return nil
	}
	s.state = StateSending
	retry := append([]int(nil), rec.RetryQueue...)
	for _, idx := range retry {
		s.retryQueue[idx] = true
	}
	s.mu.Unlock()

	if err := s.listen(ctx); err != nil {
		return err
	}

	// Re-publishing the manifest is harmless under at-least-once delivery
	// and lets subscribers that never saw it catch up.
	payload, err := s.man.Marshal()
	if err != nil {
		return err
	}
	if err := s.bus.Publish(s.topics.Meta, payload); err != nil {
		return fmt.Errorf("failed to republish manifest: %v", err)
	}

	if len(retry) > 0 {
		if err := s.sendChunks(retry); err != nil {
			return err
		}
		s.mu.Lock()
		for _, idx := range retry {
			delete(s.retryQueue, idx)
		}
		err = s.persistRecordLocked()
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.state == StateSending {
		s.state = StateAwaitingAck
	}
	s.mu.Unlock()
	return nil
}

// HandleStatus processes a subscriber status report. The retry set is
// exactly the missing indices, deduplicated against chunks already being
// resent. Replaying a status message only ever causes those indices to be
// resent again; it never implies acknowledgement of anything else.
func (s *Session) HandleStatus(st wire.StatusMessage) error {
	s.mu.Lock()
	if s.man == nil || s.state == StateAcked || st.FileID != s.fileID {
		s.mu.Unlock()
		return nil
	}
	if st.Complete {
		// Completion is signalled by the ack message, not here.
		s.mu.Unlock()
		return nil
	}

	var retry []int
	for _, idx := range st.Missing {
		if idx < 0 || idx >= s.man.TotalChunks || s.inflight[idx] {
			continue
		}
		s.inflight[idx] = true
		s.retryQueue[idx] = true
		retry = append(retry, idx)
	}
	if len(retry) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.state = StateSending

	// Persist the full outstanding set before publishing anything, so a
	// crash mid-resend resumes with the same obligations.
	if err := s.persistRecordLocked(); err != nil {
		for _, idx := range retry {
			delete(s.inflight, idx)
			delete(s.retryQueue, idx)
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to persist retry queue: %v", err)
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"file_id": st.FileID,
		"missing": len(retry),
	}).Debug("Resending missing chunks")

	sendErr := s.sendChunks(retry)

	s.mu.Lock()
	for _, idx := range retry {
		delete(s.inflight, idx)
		if sendErr == nil {
			delete(s.retryQueue, idx)
		}
	}
	if sendErr != nil {
		s.mu.Unlock()
		return sendErr
	}
	// Only this batch's indices leave the durable queue; batches still in
	// flight keep their obligations.
	if err := s.persistRecordLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.state == StateSending {
		s.state = StateAwaitingAck
	}
	s.mu.Unlock()
	return nil
}

// HandleAck processes a subscriber ack for this transfer.
func (s *Session) HandleAck(a wire.AckMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.FileID != s.fileID || s.state == StateAcked {
		return nil
	}
	if a.Status != wire.AckOK {
		s.log.WithField("file_id", a.FileID).Warn("Subscriber reported failed transfer")
		return nil
	}
	if err := s.store.PutPublisher(&statestore.PublisherRecord{
		FileID:       s.fileID,
		SourcePath:   s.path,
		Manifest:     s.man,
		Acknowledged: true,
	}); err != nil {
		return fmt.Errorf("failed to persist ack: %v", err)
	}
	s.state = StateAcked
	s.log.WithField("file_id", s.fileID).Info("✅ Transfer acknowledged")
	return nil
}

// Abandon drops the durable record and subscriptions. Local housekeeping,
// not a protocol step.
func (s *Session) Abandon() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fileID == "" {
		return nil
	}
	_ = s.bus.Unsubscribe(s.topics.Status)
	_ = s.bus.Unsubscribe(s.topics.Ack)
	return s.store.Delete(s.fileID, statestore.RolePublisher)
}

// listen subscribes to the status and ack topics and dispatches them onto
// the session until ctx is cancelled. Events are serialized by the session
// mutex; sessions for different file_ids run fully in parallel.
func (s *Session) listen(ctx context.Context) error {
	statusCh, err := s.bus.Subscribe(s.topics.Status)
	if err != nil {
		return fmt.Errorf("failed to subscribe to status topic: %v", err)
	}
	ackCh, err := s.bus.Subscribe(s.topics.Ack)
	if err != nil {
		return fmt.Errorf("failed to subscribe to ack topic: %v", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-statusCh:
				if !ok {
					return
				}
				st, err := wire.DecodeStatus(msg.Payload)
				if err != nil {
					s.log.Warnf("Ignoring malformed status: %v", err)
					continue
				}
				if err := s.HandleStatus(st); err != nil {
					s.log.WithField("file_id", st.FileID).Errorf("Status handling failed: %v", err)
				}
			case msg, ok := <-ackCh:
				if !ok {
					return
				}
				a, err := wire.DecodeAck(msg.Payload)
				if err != nil {
					s.log.Warnf("Ignoring malformed ack: %v", err)
					continue
				}
				if err := s.HandleAck(a); err != nil {
					s.log.WithField("file_id", a.FileID).Errorf("Ack handling failed: %v", err)
				}
			}
		}
	}()
	return nil
}

// sendChunks publishes the given chunk indices, reading each one straight
// from the source file.
func (s *Session) sendChunks(indices []int) error {
	if len(indices) == 0 {
		return nil
	}
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("%w: cannot reopen %s: %v", chunker.ErrSourceUnavailable, s.path, err)
	}
	defer file.Close()

	for _, idx := range indices {
		r := chunker.RangeAt(idx, s.man.Size, s.man.ChunkSize)
		raw, err := chunker.ReadChunk(file, r)
		if err != nil {
			return err
		}

		payload := raw
		if s.man.Compressed {
			if payload, err = compressor.Compress(raw); err != nil {
				return err
			}
		}

		msg := wire.NewChunkMessage(s.fileID, idx, s.man.ChunkDigests[idx], payload)
		encoded, err := wire.Encode(msg)
		if err != nil {
			return err
		}
		if err := s.bus.Publish(s.topics.Chunk, encoded); err != nil {
			return fmt.Errorf("failed to publish chunk %d: %v", idx, err)
		}
	}
	return nil
}

// persistRecordLocked writes the durable record including the merged retry
// queue across every batch still owed. Callers hold s.mu.
func (s *Session) persistRecordLocked() error {
	queue := make([]int, 0, len(s.retryQueue))
	for idx := range s.retryQueue {
		queue = append(queue, idx)
	}
	sort.Ints(queue)
	return s.store.PutPublisher(&statestore.PublisherRecord{
		FileID:       s.fileID,
		SourcePath:   s.path,
		Manifest:     s.man,
		Acknowledged: s.state == StateAcked,
		RetryQueue:   queue,
	})
}
