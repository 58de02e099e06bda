package wire

import (
	"bytes"
	"testing"
)

func TestTopicsForAndSplit(t *testing.T) {
	topics := TopicsFor("orca", "f-123")
	if topics.Chunk != "orca/file/f-123/chunk" {
		t.Errorf("unexpected chunk topic %s", topics.Chunk)
	}

	for _, topic := range []string{topics.Meta, topics.Chunk, topics.Status, topics.Retry, topics.Ack} {
		fileID, kind, err := Split(topic)
		if err != nil {
			t.Fatalf("Split(%s) failed: %v", topic, err)
		}
		if fileID != "f-123" {
			t.Errorf("Split(%s) returned file id %s", topic, fileID)
		}
		if kind == "" {
			t.Errorf("Split(%s) returned empty kind", topic)
		}
	}

	if _, _, err := Split("orca/sensor/abc"); err == nil {
		t.Error("non-file topic accepted")
	}
}

func TestChunkMessagePayloadRoundTrip(t *testing.T) {
	data := []byte{0x00, 0xff, 0x10, 0x42}
	msg := NewChunkMessage("f-1", 2, "digest", data)

	encoded, err := Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeChunk(encoded)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := decoded.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, data) {
		t.Errorf("payload round trip changed bytes: %x", raw)
	}
	if decoded.ChunkIndex != 2 || decoded.FileID != "f-1" {
		t.Errorf("fields lost in round trip: %+v", decoded)
	}
}

func TestChunkMessageRejectsBadHex(t *testing.T) {
	msg := ChunkMessage{FileID: "f-1", Data: "not-hex"}
	if _, err := msg.Bytes(); err == nil {
		t.Error("undecodable payload accepted")
	}
}
