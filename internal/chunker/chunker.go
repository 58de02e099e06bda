package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/orcastack/filewire/config"
)

// ErrSourceUnavailable reports that the byte source could not be read while
// computing digests. No partial manifest is ever produced.
var ErrSourceUnavailable = errors.New("source unavailable")

// Range is one chunk's position within the source: bytes
// [Offset, Offset+Length) hold chunk Index.
type Range struct {
	Index  int
	Offset int64
	Length int64
}

// Plan covers a source of the given size exactly once with fixed-size
// ranges in index order. The last range may be shorter.
func Plan(size, chunkSize int64) []Range {
	if size < 0 || chunkSize <= 0 {
		return nil
	}
	total := int((size + chunkSize - 1) / chunkSize)
	ranges := make([]Range, 0, total)
	for i := 0; i < total; i++ {
		ranges = append(ranges, RangeAt(i, size, chunkSize))
	}
	return ranges
}

// RangeAt returns the range for a single chunk index, so a caller can
// restart an interrupted walk at any position without replaying the plan.
func RangeAt(index int, size, chunkSize int64) Range {
	offset := int64(index) * chunkSize
	length := chunkSize
	if offset+length > size {
		length = size - offset
	}
	if length < 0 {
		length = 0
	}
	return Range{Index: index, Offset: offset, Length: length}
}

// Digest returns the hex SHA-256 of a byte slice. The same function is used
// for per-chunk and whole-file digests.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestReader streams a reader through SHA-256 in chunkSize blocks.
func DigestReader(r io.Reader, chunkSize int64) (string, error) {
	if chunkSize <= 0 {
		chunkSize = 256 * 1024
	}
	hasher := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

type digestTask struct {
	Index int
	Data  []byte
}

// BuildDigests makes a single pass over the file, feeding the whole-file
// hasher sequentially while chunk digests are computed by a worker pool.
// Any read error aborts the pass: complete digests or nothing.
func BuildDigests(filePath string, chunkSize int64) (string, []string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", nil, fmt.Errorf("%w: failed to open %s: %v", ErrSourceUnavailable, filePath, err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return "", nil, fmt.Errorf("%w: failed to stat %s: %v", ErrSourceUnavailable, filePath, err)
	}
	total := int((fileInfo.Size() + chunkSize - 1) / chunkSize)

	parallelismRatio := 2
	if config.Config != nil && config.Config.ParallelismRatio > 0 {
		parallelismRatio = config.Config.ParallelismRatio
	}
	numWorkers := runtime.NumCPU() / parallelismRatio
	if numWorkers < 1 {
		numWorkers = 1
	}

	taskChan := make(chan digestTask, numWorkers*2)
	chunkDigests := make([]string, total)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				chunkDigests[task.Index] = Digest(task.Data)
			}
		}()
	}

	fileHasher := sha256.New()
	buf := make([]byte, chunkSize)
	index := 0
	for {
		n, err := io.ReadFull(file, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			close(taskChan)
			wg.Wait()
			return "", nil, fmt.Errorf("%w: failed to read chunk %d: %v", ErrSourceUnavailable, index, err)
		}
		if n == 0 {
			break
		}

		fileHasher.Write(buf[:n])
		taskCopy := make([]byte, n)
		copy(taskCopy, buf[:n])
		taskChan <- digestTask{Index: index, Data: taskCopy}
		index++

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
	}

	close(taskChan)
	wg.Wait()

	if index != total {
		return "", nil, fmt.Errorf("%w: %s changed size mid-read (%d chunks, expected %d)", ErrSourceUnavailable, filePath, index, total)
	}

	return hex.EncodeToString(fileHasher.Sum(nil)), chunkDigests, nil
}

// ReadChunk reads exactly one chunk's bytes from the file.
func ReadChunk(file *os.File, r Range) ([]byte, error) {
	data := make([]byte, r.Length)
	if _, err := file.ReadAt(data, r.Offset); err != nil {
		return nil, fmt.Errorf("%w: failed to read chunk %d: %v", ErrSourceUnavailable, r.Index, err)
	}
	return data, nil
}

// DefaultChunkSize picks a chunk size proportionate to the file size.
func DefaultChunkSize(fileSize int64) int64 {
	switch {
	case fileSize <= 1*1024*1024:
		return 256 * 1024
	case fileSize <= 10*1024*1024:
		return 512 * 1024
	case fileSize <= 100*1024*1024:
		return 1 * 1024 * 1024
	case fileSize <= 1024*1024*1024:
		return 4 * 1024 * 1024
	default:
		return 8 * 1024 * 1024
	}
}
