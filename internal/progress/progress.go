package progress

import (
	"sync"
	"time"
)

// Tracker tracks the progress of active transfers for operator display.
// It is fed by subscriber callbacks and never consulted by the protocol.
type Tracker struct {
	transfers map[string]*TransferProgress
	mu        sync.RWMutex
}

// TransferProgress represents the progress of a single transfer
type TransferProgress struct {
	FileID         string
	Name           string
	ChunksReceived int
	TotalChunks    int
	BytesReceived  int64
	TotalBytes     int64
	Complete       bool
	StartTime      time.Time
	LastUpdateTime time.Time
	Speed          float64 // bytes per second
	EstimatedTime  time.Duration
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	return &Tracker{
		transfers: make(map[string]*TransferProgress),
	}
}

// Start begins tracking a transfer.
func (t *Tracker) Start(fileID, name string, totalChunks int, totalBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.transfers[fileID]; exists {
		return
	}
	t.transfers[fileID] = &TransferProgress{
		FileID:         fileID,
		Name:           name,
		TotalChunks:    totalChunks,
		TotalBytes:     totalBytes,
		StartTime:      time.Now(),
		LastUpdateTime: time.Now(),
	}
}

// Update records new progress for a transfer.
func (t *Tracker) Update(fileID string, chunksReceived int, bytesReceived int64, complete bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, exists := t.transfers[fileID]
	if !exists {
		return
	}

	now := time.Now()
	p.ChunksReceived = chunksReceived
	p.BytesReceived = bytesReceived
	p.Complete = complete
	p.LastUpdateTime = now

	elapsed := now.Sub(p.StartTime).Seconds()
	if elapsed > 0 {
		p.Speed = float64(bytesReceived) / elapsed
	}
	if p.Speed > 0 && p.TotalBytes > bytesReceived {
		remaining := float64(p.TotalBytes-bytesReceived) / p.Speed
		p.EstimatedTime = time.Duration(remaining * float64(time.Second))
	} else {
		p.EstimatedTime = 0
	}
}

// Get returns a snapshot of one transfer's progress.
func (t *Tracker) Get(fileID string) (TransferProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, exists := t.transfers[fileID]
	if !exists {
		return TransferProgress{}, false
	}
	return *p, true
}

// All returns a snapshot of every tracked transfer.
func (t *Tracker) All() []TransferProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TransferProgress, 0, len(t.transfers))
	for _, p := range t.transfers {
		out = append(out, *p)
	}
	return out
}

// Remove stops tracking a transfer.
func (t *Tracker) Remove(fileID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.transfers, fileID)
}
