package subscriber

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orcastack/filewire/internal/chunker"
	"github.com/orcastack/filewire/internal/compressor"
	"github.com/orcastack/filewire/internal/manifest"
	"github.com/orcastack/filewire/internal/progress"
	"github.com/orcastack/filewire/internal/statestore"
	"github.com/orcastack/filewire/internal/transport"
	"github.com/orcastack/filewire/internal/wire"
)

// State of one receiving transfer.
type State string

const (
	StateAwaitingMeta State = "awaiting_meta"
	StateReceiving    State = "receiving"
	StateVerifying    State = "verifying"
	StateComplete     State = "complete"
	StateMismatched   State = "mismatched"
)

var (
	// ErrUnknownFile marks a chunk that arrived before its manifest; it
	// cannot be positioned and is dropped until meta arrives.
	ErrUnknownFile = errors.New("no manifest for file")
	// ErrCorruptChunk marks a chunk whose digest did not match the manifest.
	ErrCorruptChunk = errors.New("chunk digest mismatch")
	// ErrCorruptFile marks a whole-file digest mismatch after all chunks
	// verified individually.
	ErrCorruptFile = errors.New("file digest mismatch")
	// ErrStorageWrite marks a failed write to destination storage.
	ErrStorageWrite = errors.New("storage write failed")
)

// Options configure a receiver.
type Options struct {
	Namespace      string
	OutputDir      string
	StatusInterval time.Duration
	StallIntervals int
	MissingCap     int
	Logger         *logrus.Logger
	Progress       *progress.Tracker
}

// Receiver consumes file transfers published under a namespace. Each
// transfer is tracked by its own session; messages for one file_id are
// serialized against that session's lock while different file_ids proceed
// in parallel.
type Receiver struct {
	bus   transport.Transport
	store statestore.Store
	log   *logrus.Logger
	opts  Options

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	r *Receiver

	mu           sync.Mutex
	fileID       string
	state        State
	man          *manifest.Manifest
	topics       wire.Topics
	dest         *os.File
	destPath     string
	received     map[int]struct{}
	acked        bool
	ackSent      bool
	lastProgress int
	stallTicks   int
}

// NewReceiver creates a receiver writing completed files under
// opts.OutputDir, one directory per file_id.
func NewReceiver(bus transport.Transport, store statestore.Store, opts Options) *Receiver {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetLevel(logrus.InfoLevel)
	}
	if opts.Namespace == "" {
		opts.Namespace = "orca"
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "./received"
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 5 * time.Second
	}
	if opts.StallIntervals <= 0 {
		opts.StallIntervals = 6
	}
	if opts.MissingCap <= 0 {
		opts.MissingCap = 500
	}
	return &Receiver{
		bus:      bus,
		store:    store,
		log:      opts.Logger,
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

// Start loads durable state, resumes unfinished transfers, subscribes to
// the namespace wildcard and begins processing messages. Durable records
// are loaded before any message is handled.
func (r *Receiver) Start(ctx context.Context) error {
	records, err := r.store.ListSubscribers()
	if err != nil {
		return err
	}
	for _, rec := range records {
		s, err := r.restore(rec)
		if err != nil {
			r.log.WithField("file_id", rec.FileID).Errorf("Failed to restore transfer: %v", err)
			continue
		}
		r.mu.Lock()
		r.sessions[rec.FileID] = s
		r.mu.Unlock()
	}

	msgCh, err := r.bus.Subscribe(wire.Wildcard(r.opts.Namespace))
	if err != nil {
		return fmt.Errorf("failed to subscribe: %v", err)
	}

	// Resynchronize resumed transfers now that we are listening again.
	r.mu.RLock()
	for _, s := range r.sessions {
		s.mu.Lock()
		if s.state != StateComplete {
			if s.acked && !s.ackSent {
				s.recoverAck()
			} else if s.man != nil && len(s.received) == s.man.TotalChunks {
				// The crash hit after the last chunk was persisted but
				// before verification ran; finish the transfer now.
				if err := s.verifyLocked(); err != nil {
					r.log.WithField("file_id", s.fileID).Errorf("Verification on restart failed: %v", err)
				}
			} else if s.man != nil {
				s.emitStatusLocked()
			}
		}
		s.mu.Unlock()
	}
	r.mu.RUnlock()

	go r.loop(ctx, msgCh)
	go r.statusLoop(ctx)
	return nil
}

func (r *Receiver) loop(ctx context.Context, msgCh <-chan transport.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			r.Deliver(msg)
		}
	}
}

// statusLoop drives the fixed-interval status emission and stall detection
// for every active transfer. It never blocks chunk ingestion beyond the
// per-session lock.
func (r *Receiver) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.RLock()
			sessions := make([]*session, 0, len(r.sessions))
			for _, s := range r.sessions {
				sessions = append(sessions, s)
			}
			r.mu.RUnlock()
			for _, s := range sessions {
				s.tick(r.opts.StallIntervals)
			}
		}
	}
}

// Deliver routes one transport message to its session. Exposed so tests and
// alternative event loops can feed messages synchronously.
func (r *Receiver) Deliver(msg transport.Message) {
	fileID, kind, err := wire.Split(msg.Topic)
	if err != nil {
		r.log.Debugf("Ignoring message on unrecognized topic %s", msg.Topic)
		return
	}

	switch kind {
	case wire.KindMeta:
		man, err := manifest.Unmarshal(msg.Payload)
		if err != nil {
			r.log.Warnf("Ignoring malformed manifest on %s: %v", msg.Topic, err)
			return
		}
		if err := r.session(fileID).handleMeta(man); err != nil {
			r.log.WithField("file_id", fileID).Errorf("Manifest handling failed: %v", err)
		}
	case wire.KindChunk, wire.KindRetry:
		chunk, err := wire.DecodeChunk(msg.Payload)
		if err != nil {
			r.log.Warnf("Ignoring malformed chunk on %s: %v", msg.Topic, err)
			return
		}
		if err := r.session(fileID).handleChunk(chunk); err != nil && !errors.Is(err, ErrUnknownFile) {
			r.log.WithField("file_id", fileID).Errorf("Chunk handling failed: %v", err)
		}
	case wire.KindStatus:
		// Senders put {"request":"status"} on this topic to ask for an
		// immediate report; everything else on it is our own outbound echo.
		req, err := wire.DecodeStatusRequest(msg.Payload)
		if err != nil || req.Request != wire.StatusRequestValue {
			return
		}
		r.session(fileID).requestStatus()
	default:
		// the ack topic carries our own outbound traffic
	}
}

// Resync re-subscribes after a transport reconnect and emits a fresh status
// for every unfinished transfer so a restarted publisher can catch up.
func (r *Receiver) Resync(ctx context.Context) error {
	msgCh, err := r.bus.Subscribe(wire.Wildcard(r.opts.Namespace))
	if err != nil {
		return fmt.Errorf("failed to resubscribe: %v", err)
	}
	go r.loop(ctx, msgCh)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.mu.Lock()
		if s.man != nil && s.state != StateComplete {
			s.emitStatusLocked()
		}
		s.mu.Unlock()
	}
	return nil
}

// Abandon drops a transfer locally: state record deleted, destination
// closed. There is no cross-process cancellation.
func (r *Receiver) Abandon(fileID string) error {
	r.mu.Lock()
	s, ok := r.sessions[fileID]
	delete(r.sessions, fileID)
	r.mu.Unlock()
	if ok {
		s.mu.Lock()
		if s.dest != nil {
			s.dest.Close()
		}
		s.mu.Unlock()
	}
	if r.opts.Progress != nil {
		r.opts.Progress.Remove(fileID)
	}
	return r.store.Delete(fileID, statestore.RoleSubscriber)
}

// SessionState reports the state of one transfer.
func (r *Receiver) SessionState(fileID string) (State, bool) {
	r.mu.RLock()
	s, ok := r.sessions[fileID]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, true
}

func (r *Receiver) session(fileID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[fileID]; ok {
		return s
	}
	s := &session{
		r:        r,
		fileID:   fileID,
		state:    StateAwaitingMeta,
		topics:   wire.TopicsFor(r.opts.Namespace, fileID),
		received: make(map[int]struct{}),
	}
	r.sessions[fileID] = s
	return s
}

// restore rebuilds a session from its durable record on startup.
func (r *Receiver) restore(rec *statestore.SubscriberRecord) (*session, error) {
	s := &session{
		r:        r,
		fileID:   rec.FileID,
		state:    StateAwaitingMeta,
		topics:   wire.TopicsFor(r.opts.Namespace, rec.FileID),
		received: make(map[int]struct{}),
		man:      rec.Manifest,
		destPath: rec.Destination,
		acked:    rec.Acked,
		ackSent:  rec.AckSent,
	}
	for _, idx := range rec.Received {
		s.received[idx] = struct{}{}
	}
	if rec.Manifest != nil {
		if err := s.openDest(); err != nil {
			return nil, err
		}
		if rec.Acked && rec.AckSent {
			s.state = StateComplete
		} else {
			s.state = StateReceiving
		}
		if r.opts.Progress != nil {
			r.opts.Progress.Start(rec.FileID, rec.Manifest.Name, rec.Manifest.TotalChunks, rec.Manifest.Size)
		}
	}
	return s, nil
}

// handleMeta processes a manifest message. Duplicates are harmless and only
// trigger a fresh status report.
func (s *session) handleMeta(man *manifest.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.man != nil {
		s.emitStatusLocked()
		return nil
	}
	if err := man.Validate(); err != nil {
		return err
	}

	s.man = man
	s.destPath = filepath.Join(s.r.opts.OutputDir, man.FileID, man.Name)
	if err := s.openDest(); err != nil {
		s.man = nil
		return err
	}
	s.state = StateReceiving

	if err := s.persistLocked(); err != nil {
		return err
	}
	if s.r.opts.Progress != nil {
		s.r.opts.Progress.Start(man.FileID, man.Name, man.TotalChunks, man.Size)
	}
	s.r.log.WithFields(logrus.Fields{
		"file_id": man.FileID,
		"name":    man.Name,
		"chunks":  man.TotalChunks,
		"size":    man.Size,
	}).Info("📥 Receiving file")

	s.emitStatusLocked()

	// Empty files and crash-recovered bitmaps can already be complete.
	if len(s.received) == s.man.TotalChunks {
		return s.verifyLocked()
	}
	return nil
}

// handleChunk ingests one chunk message idempotently: verify against the
// manifest digest, write positionally, mark received. Arrival order is
// irrelevant and duplicates are no-ops.
func (s *session) handleChunk(chunk wire.ChunkMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.man == nil {
		// Cannot position a chunk without chunk_size; drop until meta arrives.
		s.r.log.WithField("file_id", chunk.FileID).Debug("Chunk before manifest, dropped")
		return ErrUnknownFile
	}
	if chunk.ChunkIndex < 0 || chunk.ChunkIndex >= s.man.TotalChunks {
		s.r.log.WithFields(logrus.Fields{
			"file_id": chunk.FileID,
			"index":   chunk.ChunkIndex,
		}).Warn("Chunk index out of range, dropped")
		return nil
	}
	if _, dup := s.received[chunk.ChunkIndex]; dup {
		return nil
	}

	raw, err := chunk.Bytes()
	if err != nil {
		s.r.log.Warnf("Dropping undecodable chunk: %v", err)
		return nil
	}
	if s.man.Compressed {
		if raw, err = compressor.Decompress(raw); err != nil {
			s.r.log.Warnf("Dropping chunk %d of %s: %v", chunk.ChunkIndex, chunk.FileID, err)
			return nil
		}
	}

	if chunker.Digest(raw) != s.man.ChunkDigests[chunk.ChunkIndex] {
		s.r.log.WithFields(logrus.Fields{
			"file_id": chunk.FileID,
			"index":   chunk.ChunkIndex,
		}).Warnf("%v, chunk discarded", ErrCorruptChunk)
		// The index stays missing; the next status report requests a resend.
		s.emitStatusLocked()
		return nil
	}

	// Never write past the declared file size, whatever the payload length.
	if want := s.man.ChunkLength(chunk.ChunkIndex); int64(len(raw)) > want {
		raw = raw[:want]
	}

	offset := int64(chunk.ChunkIndex) * s.man.ChunkSize
	if _, err := s.dest.WriteAt(raw, offset); err != nil {
		// The failing index stays unmarked so resumption can retry it;
		// already-written indices keep their durable marks.
		return fmt.Errorf("%w: chunk %d of %s: %v", ErrStorageWrite, chunk.ChunkIndex, chunk.FileID, err)
	}

	s.received[chunk.ChunkIndex] = struct{}{}
	if err := s.persistLocked(); err != nil {
		delete(s.received, chunk.ChunkIndex)
		return err
	}

	if s.r.opts.Progress != nil {
		s.r.opts.Progress.Update(s.fileID, len(s.received), s.bytesReceived(), false)
	}

	if len(s.received) == s.man.TotalChunks {
		return s.verifyLocked()
	}
	if len(s.received)%50 == 0 {
		s.emitStatusLocked()
	}
	return nil
}

// verifyLocked runs the whole-file digest check and drives the
// Verifying → Complete / Mismatched transitions. Callers hold s.mu.
func (s *session) verifyLocked() error {
	s.state = StateVerifying

	if _, err := s.dest.Seek(0, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	actual, err := chunker.DigestReader(s.dest, s.man.ChunkSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	if actual != s.man.FileDigest {
		// Every chunk verified individually yet the file digest disagrees:
		// a systemic storage fault. Re-receive everything.
		s.state = StateMismatched
		s.r.log.WithFields(logrus.Fields{
			"file_id":  s.fileID,
			"expected": s.man.FileDigest,
			"actual":   actual,
		}).Errorf("%v, re-receiving all chunks", ErrCorruptFile)

		s.received = make(map[int]struct{})
		if err := s.persistLocked(); err != nil {
			return err
		}
		s.state = StateReceiving
		s.emitStatusLocked()
		return nil
	}

	// Mark verification durable before the ack goes out; a crash in between
	// re-verifies and re-emits the ack on restart without re-receiving.
	s.acked = true
	if err := s.persistLocked(); err != nil {
		s.acked = false
		return err
	}
	if err := s.publishAckLocked(); err != nil {
		return err
	}

	s.state = StateComplete
	if s.r.opts.Progress != nil {
		s.r.opts.Progress.Update(s.fileID, len(s.received), s.man.Size, true)
	}
	s.r.log.WithFields(logrus.Fields{
		"file_id": s.fileID,
		"name":    s.man.Name,
	}).Info("✅ File verified and acknowledged")
	return nil
}

// recoverAck covers the crash window between verification and ack publish:
// the digest is checked again and, if still valid, the ack is re-emitted
// without re-receiving any data. Callers hold s.mu.
func (s *session) recoverAck() {
	if _, err := s.dest.Seek(0, 0); err != nil {
		s.r.log.WithField("file_id", s.fileID).Errorf("Ack recovery failed: %v", err)
		return
	}
	actual, err := chunker.DigestReader(s.dest, s.man.ChunkSize)
	if err != nil {
		s.r.log.WithField("file_id", s.fileID).Errorf("Ack recovery failed: %v", err)
		return
	}
	if actual != s.man.FileDigest {
		s.acked = false
		s.received = make(map[int]struct{})
		s.state = StateReceiving
		if err := s.persistLocked(); err != nil {
			s.r.log.WithField("file_id", s.fileID).Errorf("Ack recovery failed: %v", err)
			return
		}
		s.emitStatusLocked()
		return
	}
	if err := s.publishAckLocked(); err != nil {
		s.r.log.WithField("file_id", s.fileID).Errorf("Ack recovery failed: %v", err)
		return
	}
	s.state = StateComplete
}

// publishAckLocked emits ack(ok) and then durably marks it sent.
func (s *session) publishAckLocked() error {
	payload, err := wire.Encode(wire.AckMessage{
		FileID:    s.fileID,
		Status:    wire.AckOK,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	if err := s.r.bus.Publish(s.topics.Ack, payload); err != nil {
		return fmt.Errorf("failed to publish ack: %v", err)
	}
	s.ackSent = true
	return s.persistLocked()
}

// emitStatusLocked publishes the status report: received count and the
// exact complement of the received set, capped per message. This feedback
// loop is the protocol's only pacing mechanism.
func (s *session) emitStatusLocked() {
	if s.man == nil {
		return
	}
	missing := s.missingLocked(s.r.opts.MissingCap)
	payload, err := wire.Encode(wire.StatusMessage{
		FileID:   s.fileID,
		Received: len(s.received),
		Total:    s.man.TotalChunks,
		Missing:  missing,
		Complete: len(s.received) == s.man.TotalChunks,
	})
	if err != nil {
		s.r.log.Errorf("Failed to encode status: %v", err)
		return
	}
	if err := s.r.bus.Publish(s.topics.Status, payload); err != nil {
		s.r.log.Warnf("Failed to publish status for %s: %v", s.fileID, err)
	}
}

// requestStatus answers a sender's status inquiry with a fresh report.
func (s *session) requestStatus() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.man != nil && s.state != StateComplete {
		s.emitStatusLocked()
	}
}

func (s *session) missingLocked(limit int) []int {
	missing := make([]int, 0)
	for i := 0; i < s.man.TotalChunks; i++ {
		if _, ok := s.received[i]; !ok {
			missing = append(missing, i)
			if limit > 0 && len(missing) >= limit {
				break
			}
		}
	}
	return missing
}

// tick emits the periodic status report and raises a stall warning when the
// missing set stops shrinking with no publisher activity. Prolonged silence
// is inconclusive (the publisher may be offline or simply caught up), so
// the warning is surfaced to the operator and nothing else changes.
func (s *session) tick(stallIntervals int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.man == nil || s.state != StateReceiving {
		return
	}
	if len(s.received) == s.lastProgress {
		s.stallTicks++
		if s.stallTicks >= stallIntervals {
			s.r.log.WithFields(logrus.Fields{
				"file_id": s.fileID,
				"missing": s.man.TotalChunks - len(s.received),
			}).Warn("⚠️ Transfer stalled: no new chunks across status intervals")
			s.stallTicks = 0
		}
	} else {
		s.lastProgress = len(s.received)
		s.stallTicks = 0
	}
	s.emitStatusLocked()
}

func (s *session) openDest() error {
	if err := os.MkdirAll(filepath.Dir(s.destPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	file, err := os.OpenFile(s.destPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := file.Truncate(s.man.Size); err != nil {
		file.Close()
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	s.dest = file
	return nil
}

func (s *session) bytesReceived() int64 {
	var total int64
	for idx := range s.received {
		total += s.man.ChunkLength(idx)
	}
	return total
}

func (s *session) persistLocked() error {
	received := make([]int, 0, len(s.received))
	for idx := range s.received {
		received = append(received, idx)
	}
	sort.Ints(received)
	return s.r.store.PutSubscriber(&statestore.SubscriberRecord{
		FileID:      s.fileID,
		Manifest:    s.man,
		Received:    received,
		Destination: s.destPath,
		Acked:       s.acked,
		AckSent:     s.ackSent,
	})
}
