package session

import (
	"errors"
	"sync"
)

// ErrBufferFull is returned when the buffer exceeds its maximum size
var ErrBufferFull = errors.New("audio buffer full")

// PendingAudio holds input audio received before the upstream is connected
type PendingAudio struct {
	mu        sync.Mutex
	chunks    [][]byte
	totalSize int
	maxSize   int
}

// NewPendingAudio creates a buffer with the specified maximum size in bytes
func NewPendingAudio(maxSize int) *PendingAudio {
	return &PendingAudio{maxSize: maxSize}
}

// MaxSize returns the maximum buffer size
func (pa *PendingAudio) MaxSize() int {
	return pa.maxSize
}

// Append adds a chunk, or returns ErrBufferFull if it would exceed maxSize
func (pa *PendingAudio) Append(chunk []byte) error {
	pa.mu.Lock()
	defer pa.mu.Unlock()

	if pa.totalSize+len(chunk) > pa.maxSize {
		return ErrBufferFull
	}
	pa.chunks = append(pa.chunks, chunk)
	pa.totalSize += len(chunk)
	return nil
}

// Drain returns the buffered chunks in arrival order and empties the buffer
func (pa *PendingAudio) Drain() [][]byte {
	pa.mu.Lock()
	defer pa.mu.Unlock()

	chunks := pa.chunks
	pa.chunks = nil
	pa.totalSize = 0
	return chunks
}

// Clear empties the buffer without returning data
func (pa *PendingAudio) Clear() {
	pa.mu.Lock()
	defer pa.mu.Unlock()

	pa.chunks = nil
	pa.totalSize = 0
}

// Size returns the current total buffered bytes
func (pa *PendingAudio) Size() int {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.totalSize
}
