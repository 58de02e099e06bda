package chunker

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestPlanCoversSourceExactlyOnce(t *testing.T) {
	ranges := Plan(1000000, 262144)
	if len(ranges) != 4 {
		t.Fatalf("expected 4 ranges, got %d", len(ranges))
	}
	var next int64
	for i, r := range ranges {
		if r.Index != i {
			t.Errorf("range %d has index %d", i, r.Index)
		}
		if r.Offset != next {
			t.Errorf("range %d starts at %d, expected %d", i, r.Offset, next)
		}
		next = r.Offset + r.Length
	}
	if next != 1000000 {
		t.Errorf("ranges cover %d bytes, expected 1000000", next)
	}
	if last := ranges[3]; last.Length != 1000000-3*262144 {
		t.Errorf("last range length %d, expected %d", last.Length, 1000000-3*262144)
	}
}

func TestRangeAtRestartable(t *testing.T) {
	ranges := Plan(5000, 1024)
	for _, want := range ranges {
		got := RangeAt(want.Index, 5000, 1024)
		if got != want {
			t.Errorf("RangeAt(%d) = %+v, plan has %+v", want.Index, got, want)
		}
	}
}

func TestPlanEmptySource(t *testing.T) {
	if ranges := Plan(0, 1024); len(ranges) != 0 {
		t.Errorf("expected no ranges for empty source, got %d", len(ranges))
	}
}

func TestDigestDeterministic(t *testing.T) {
	data := []byte("the same bytes always hash the same")
	if Digest(data) != Digest(append([]byte(nil), data...)) {
		t.Error("identical content produced different digests")
	}

	fromReader, err := DigestReader(bytes.NewReader(data), 8)
	if err != nil {
		t.Fatalf("DigestReader failed: %v", err)
	}
	if fromReader != Digest(data) {
		t.Error("reader digest differs from slice digest")
	}
}

func TestBuildDigests(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "source.bin")
	data := make([]byte, 10000)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	fileDigest, chunkDigests, err := BuildDigests(path, 4096)
	if err != nil {
		t.Fatalf("BuildDigests failed: %v", err)
	}
	if fileDigest != Digest(data) {
		t.Error("whole-file digest does not match content digest")
	}
	if len(chunkDigests) != 3 {
		t.Fatalf("expected 3 chunk digests, got %d", len(chunkDigests))
	}
	for i, r := range Plan(int64(len(data)), 4096) {
		if chunkDigests[i] != Digest(data[r.Offset:r.Offset+r.Length]) {
			t.Errorf("chunk %d digest does not match its byte range", i)
		}
	}
}

func TestBuildDigestsSourceUnavailable(t *testing.T) {
	_, _, err := BuildDigests(filepath.Join(t.TempDir(), "missing.bin"), 4096)
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestDefaultChunkSize(t *testing.T) {
	cases := []struct {
		fileSize int64
		want     int64
	}{
		{512 * 1024, 256 * 1024},
		{5 * 1024 * 1024, 512 * 1024},
		{50 * 1024 * 1024, 1024 * 1024},
		{500 * 1024 * 1024, 4 * 1024 * 1024},
		{2 * 1024 * 1024 * 1024, 8 * 1024 * 1024},
	}
	for _, c := range cases {
		if got := DefaultChunkSize(c.fileSize); got != c.want {
			t.Errorf("DefaultChunkSize(%d) = %d, expected %d", c.fileSize, got, c.want)
		}
	}
}
