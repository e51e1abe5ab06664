package audio

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// ChunkBuffer accumulates the PCM bytes of one transcription chunk in a
// durable temp file. Storage is allocated lazily on the first append
// after the buffer is empty and released when the chunk is finalized or
// discarded. A finalized chunk's byte count resets to zero so the next
// frame starts a fresh chunk; no byte is ever transcribed twice.
type ChunkBuffer struct {
	sessionID  string
	dir        string
	sampleRate int

	file       *os.File
	totalBytes int64

	// firstFlushed is set once the first non-empty chunk of the
	// session has been handed off; until then ShouldFlush fires on any
	// data at all to keep first-transcript latency low.
	firstFlushed bool

	// finalizing marks the session as stopping; any buffered remainder
	// is flush-ready regardless of duration.
	finalizing bool

	mu sync.Mutex
}

// NewChunkBuffer creates an empty buffer spooling to dir. No storage is
// allocated until the first Append.
func NewChunkBuffer(dir, sessionID string, sampleRate int) *ChunkBuffer {
	return &ChunkBuffer{
		sessionID:  sessionID,
		dir:        dir,
		sampleRate: sampleRate,
	}
}

// Append persists a PCM payload to the chunk's backing file, creating
// the file and writing the header stub first when the buffer is empty.
// Failures surface as StorageError; the caller drops the frame and the
// session continues.
func (b *ChunkBuffer) Append(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file == nil {
		if err := b.open(); err != nil {
			return err
		}
	}

	n, err := b.file.Write(pcm)
	b.totalBytes += int64(n)
	if err != nil {
		return &StorageError{Op: "append", Err: err}
	}

	return nil
}

// open allocates the backing temp file and writes the header stub.
func (b *ChunkBuffer) open() error {
	f, err := os.CreateTemp(b.dir, fmt.Sprintf("chunk-%s-*.wav", b.sessionID))
	if err != nil {
		return &StorageError{Op: "create", Err: err}
	}

	header, err := BuildHeader(b.sampleRate)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return &StorageError{Op: "header", Err: err}
	}

	if _, err := f.Write(header); err != nil {
		f.Close()
		os.Remove(f.Name())
		return &StorageError{Op: "header", Err: err}
	}

	b.file = f
	return nil
}

// ShouldFlush reports whether the accumulated chunk is ready to
// finalize and transcribe: true for the very first non-empty chunk of
// the session, once the accumulated PCM duration reaches minDuration,
// or whenever the session has been marked finalizing.
func (b *ChunkBuffer) ShouldFlush(minDuration time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.totalBytes == 0 {
		return false
	}
	if b.finalizing {
		return true
	}
	if !b.firstFlushed {
		return true
	}
	return PCMDuration(b.totalBytes, b.sampleRate) >= minDuration
}

// MarkFinalizing marks the session as stopping so any buffered
// remainder becomes flush-ready.
func (b *ChunkBuffer) MarkFinalizing() {
	b.mu.Lock()
	b.finalizing = true
	b.mu.Unlock()
}

// Finalize patches the WAV size fields, closes the backing file, and
// transfers exclusive ownership of its path to the caller, resetting
// the buffer so new frames start a fresh chunk. The caller is
// responsible for deleting the file once transcription completes or is
// abandoned.
func (b *ChunkBuffer) Finalize() (path string, dataBytes int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file == nil || b.totalBytes == 0 {
		return "", 0, fmt.Errorf("chunk buffer is empty")
	}

	f := b.file
	total := b.totalBytes
	path = f.Name()

	if err := PatchSizes(f, uint32(total)); err != nil {
		f.Close()
		os.Remove(path)
		b.reset()
		return "", 0, err
	}

	if err := f.Close(); err != nil {
		os.Remove(path)
		b.reset()
		return "", 0, &StorageError{Op: "close", Err: err}
	}

	b.reset()
	b.firstFlushed = true

	return path, total, nil
}

// Discard releases the backing storage without transcribing, dropping
// any buffered bytes.
func (b *ChunkBuffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file != nil {
		name := b.file.Name()
		b.file.Close()
		os.Remove(name)
	}
	b.reset()
}

// reset clears the per-chunk state. Callers must hold b.mu.
func (b *ChunkBuffer) reset() {
	b.file = nil
	b.totalBytes = 0
}

// TotalBytes returns the number of PCM bytes buffered for the current
// chunk.
func (b *ChunkBuffer) TotalBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalBytes
}

// Empty reports whether the buffer holds no PCM bytes.
func (b *ChunkBuffer) Empty() bool {
	return b.TotalBytes() == 0
}

// Duration returns the accumulated PCM duration of the current chunk.
func (b *ChunkBuffer) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return PCMDuration(b.totalBytes, b.sampleRate)
}

// SampleRate returns the immutable sample rate the buffer was created
// with.
func (b *ChunkBuffer) SampleRate() int {
	return b.sampleRate
}
