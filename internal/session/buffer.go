package session

import (
	"sync"
	"time"
)

// Chunk is one piece of agent output. Seq is monotonically increasing per
// session and survives eviction, so consumers can detect gaps after the
// buffer wraps.
type Chunk struct {
	Seq       uint64    `json:"seq"`
	Stream    string    `json:"stream"` // "stdout" or "stderr"
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Buffer is a bounded FIFO of output chunks. When full, appending evicts
// the oldest chunk. Safe for concurrent use.
type Buffer struct {
	mu     sync.Mutex
	chunks []Chunk
	head   int    // index of the oldest chunk
	size   int    // number of live chunks
	next   uint64 // next sequence number to assign
}

// NewBuffer creates a Buffer holding at most capacity chunks. A capacity
// of zero or less falls back to 1 so appends always succeed.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{
		chunks: make([]Chunk, capacity),
	}
}

// Append adds a chunk of output, evicting the oldest chunk if the buffer
// is full. It returns the sequence number assigned to the chunk.
func (b *Buffer) Append(stream, data string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.next
	b.next++

	c := Chunk{
		Seq:       seq,
		Stream:    stream,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	if b.size < len(b.chunks) {
		b.chunks[(b.head+b.size)%len(b.chunks)] = c
		b.size++
	} else {
		b.chunks[b.head] = c
		b.head = (b.head + 1) % len(b.chunks)
	}

	return seq
}

// Chunks returns all buffered chunks, oldest first.
func (b *Buffer) Chunks() []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Chunk, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.chunks[(b.head+i)%len(b.chunks)]
	}
	return out
}

// Since returns buffered chunks with sequence numbers at or above seq,
// oldest first, so Since(0) replays everything still buffered. Chunks
// evicted before seq are gone; the caller can detect the gap by comparing
// the first returned Seq against seq.
func (b *Buffer) Since(seq uint64) []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Chunk
	for i := 0; i < b.size; i++ {
		c := b.chunks[(b.head+i)%len(b.chunks)]
		if c.Seq >= seq {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of buffered chunks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// NextSeq returns the sequence number the next appended chunk will get.
func (b *Buffer) NextSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}
