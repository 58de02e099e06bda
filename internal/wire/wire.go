package wire

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Message kinds, used as the last topic segment.
const (
	KindMeta   = "meta"
	KindChunk  = "chunk"
	KindStatus = "status"
	KindRetry  = "retry"
	KindAck    = "ack"
)

// Ack outcomes.
const (
	AckOK     = "ok"
	AckFailed = "failed"
)

// Topics holds the per-transfer topic names under a namespace:
// {namespace}/file/{file_id}/{kind}.
type Topics struct {
	Base   string
	Meta   string
	Chunk  string
	Status string
	Retry  string
	Ack    string
}

// TopicsFor builds the topic set for one transfer.
func TopicsFor(namespace, fileID string) Topics {
	base := fmt.Sprintf("%s/file/%s", namespace, fileID)
	return Topics{
		Base:   base,
		Meta:   base + "/" + KindMeta,
		Chunk:  base + "/" + KindChunk,
		Status: base + "/" + KindStatus,
		Retry:  base + "/" + KindRetry,
		Ack:    base + "/" + KindAck,
	}
}

// Wildcard matches every file topic under a namespace.
func Wildcard(namespace string) string {
	return namespace + "/file/+/+"
}

// Split extracts the file_id and kind from a file topic.
func Split(topic string) (fileID, kind string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[len(parts)-3] != "file" {
		return "", "", fmt.Errorf("not a file transfer topic: %s", topic)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}

// ChunkMessage carries one chunk of a transfer. Data is hex-encoded so the
// payload stays JSON-safe on text-only transports. A retry is the same
// message re-published; only the trigger differs.
type ChunkMessage struct {
	FileID     string `json:"file_id"`
	ChunkIndex int    `json:"chunk_index"`
	Digest     string `json:"sha256"`
	Data       string `json:"data"`
}

// NewChunkMessage wraps raw chunk bytes for the wire.
func NewChunkMessage(fileID string, index int, digest string, data []byte) ChunkMessage {
	return ChunkMessage{
		FileID:     fileID,
		ChunkIndex: index,
		Digest:     digest,
		Data:       hex.EncodeToString(data),
	}
}

// Bytes decodes the hex payload back into raw chunk bytes.
func (c *ChunkMessage) Bytes() ([]byte, error) {
	data, err := hex.DecodeString(c.Data)
	if err != nil {
		return nil, fmt.Errorf("chunk %d of %s has undecodable payload: %v", c.ChunkIndex, c.FileID, err)
	}
	return data, nil
}

// StatusRequestValue marks an inquiry payload on the status topic.
const StatusRequestValue = "status"

// StatusRequest is published by a sender on the status topic to ask
// receivers for an immediate report instead of waiting out their interval.
type StatusRequest struct {
	Request string `json:"request"`
}

// StatusMessage reports a subscriber's progress. Missing is the exact
// complement of the received set, capped per message by the sender.
type StatusMessage struct {
	FileID   string `json:"file_id"`
	Received int    `json:"received"`
	Total    int    `json:"total"`
	Missing  []int  `json:"missing"`
	Complete bool   `json:"complete"`
}

// AckMessage finalizes a transfer from one subscriber's point of view.
type AckMessage struct {
	FileID    string `json:"file_id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

func Encode(msg interface{}) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %v", err)
	}
	return payload, nil
}

func DecodeChunk(payload []byte) (ChunkMessage, error) {
	var msg ChunkMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("failed to decode chunk message: %v", err)
	}
	return msg, nil
}

func DecodeStatus(payload []byte) (StatusMessage, error) {
	var msg StatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("failed to decode status message: %v", err)
	}
	return msg, nil
}

func DecodeStatusRequest(payload []byte) (StatusRequest, error) {
	var msg StatusRequest
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("failed to decode status request: %v", err)
	}
	return msg, nil
}

func DecodeAck(payload []byte) (AckMessage, error) {
	var msg AckMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("failed to decode ack message: %v", err)
	}
	return msg, nil
}
