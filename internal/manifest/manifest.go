package manifest

import (
	"encoding/json"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Schema identifies the manifest wire format version.
const Schema = "orca.file.manifest.v1"

const DefaultContentType = "application/octet-stream"

// Manifest describes a single file transfer. It is immutable once published:
// every chunk message is interpreted against the manifest with the same FileID.
type Manifest struct {
	Schema       string   `json:"schema"`
	FileID       string   `json:"file_id"`
	Name         string   `json:"name"`
	Size         int64    `json:"size"`
	ChunkSize    int64    `json:"chunk_size"`
	TotalChunks  int      `json:"total_chunks"`
	FileDigest   string   `json:"file_sha256"`
	ChunkDigests []string `json:"chunk_sha256"`
	ContentType  string   `json:"content_type"`
	Compressed   bool     `json:"compressed,omitempty"`
	Timestamp    int64    `json:"timestamp"`
}

// New builds a manifest for a file of the given size. ChunkDigests must be
// ordered by chunk index and cover the whole byte range.
func New(fileID, name string, size, chunkSize int64, fileDigest string, chunkDigests []string, contentType string, compressed bool) *Manifest {
	if contentType == "" {
		contentType = DefaultContentType
	}
	return &Manifest{
		Schema:       Schema,
		FileID:       fileID,
		Name:         name,
		Size:         size,
		ChunkSize:    chunkSize,
		TotalChunks:  TotalChunks(size, chunkSize),
		FileDigest:   fileDigest,
		ChunkDigests: chunkDigests,
		ContentType:  contentType,
		Compressed:   compressed,
		Timestamp:    time.Now().Unix(),
	}
}

// TotalChunks returns ceil(size / chunkSize).
func TotalChunks(size, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// Validate checks the internal consistency of a received manifest.
func (m *Manifest) Validate() error {
	if m.FileID == "" {
		return fmt.Errorf("manifest has empty file_id")
	}
	if m.Size < 0 {
		return fmt.Errorf("manifest for %s has negative size %d", m.FileID, m.Size)
	}
	if m.ChunkSize <= 0 {
		return fmt.Errorf("manifest for %s has invalid chunk_size %d", m.FileID, m.ChunkSize)
	}
	if want := TotalChunks(m.Size, m.ChunkSize); m.TotalChunks != want {
		return fmt.Errorf("manifest for %s declares %d chunks, expected %d", m.FileID, m.TotalChunks, want)
	}
	if len(m.ChunkDigests) != m.TotalChunks {
		return fmt.Errorf("manifest for %s has %d chunk digests for %d chunks", m.FileID, len(m.ChunkDigests), m.TotalChunks)
	}
	if m.FileDigest == "" {
		return fmt.Errorf("manifest for %s has empty file digest", m.FileID)
	}
	return nil
}

// ChunkLength returns the byte length of the chunk at index, which is
// ChunkSize for every chunk except possibly the last one.
func (m *Manifest) ChunkLength(index int) int64 {
	offset := int64(index) * m.ChunkSize
	if offset >= m.Size {
		return 0
	}
	if remaining := m.Size - offset; remaining < m.ChunkSize {
		return remaining
	}
	return m.ChunkSize
}

// Marshal encodes the manifest as JSON for the meta topic.
func (m *Manifest) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a meta payload into a manifest.
func Unmarshal(payload []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %v", err)
	}
	return &m, nil
}

// GenerateFileID produces an opaque transfer identifier of the form
// {name}-{size}-{random}. The random suffix keeps repeated sends of the
// same file distinct.
func GenerateFileID(name string, size int64) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", name, size, suffix)
}

// ContentTypeFor guesses a content descriptor from the file extension.
func ContentTypeFor(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return DefaultContentType
}
