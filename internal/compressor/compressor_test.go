package compressor

import (
	"bytes"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("chunk payload "), 1000)

	compressed, err := Compress(data)
	if err != nil {
		t.Fatalf("compression failed: %v", err)
	}
	if len(compressed) >= len(data) {
		t.Errorf("repetitive payload did not shrink: %d -> %d", len(data), len(compressed))
	}

	restored, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("decompression failed: %v", err)
	}
	if !bytes.Equal(restored, data) {
		t.Error("round trip changed bytes")
	}
}

func TestShouldSkipCompression(t *testing.T) {
	if !ShouldSkipCompression("/tmp/video.MP4") {
		t.Error("already-compressed format not skipped")
	}
	if ShouldSkipCompression("/tmp/readings.csv") {
		t.Error("compressible format skipped")
	}
}
