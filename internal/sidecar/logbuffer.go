package sidecar

import (
	"fmt"
	"sync"
	"time"
)

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

const DefaultLogBufferSize = 200

type LogRecord struct {
	Stream     Stream
	Line       string
	CapturedAt time.Time
}

func (r LogRecord) String() string {
	return fmt.Sprintf("%s [%s] %s", r.CapturedAt.Format("15:04:05.000"), r.Stream, r.Line)
}

// LogBuffer is a fixed-size ring of captured worker output. When full the
// oldest record is overwritten.
type LogBuffer struct {
	mu      sync.Mutex
	records []LogRecord
	start   int
	count   int
	now     func() time.Time
}

func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = DefaultLogBufferSize
	}
	return &LogBuffer{records: make([]LogRecord, size), now: time.Now}
}

func (b *LogBuffer) Push(stream Stream, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := LogRecord{Stream: stream, Line: line, CapturedAt: b.now()}
	if b.count < len(b.records) {
		b.records[(b.start+b.count)%len(b.records)] = rec
		b.count++
		return
	}
	b.records[b.start] = rec
	b.start = (b.start + 1) % len(b.records)
}

// Snapshot returns the buffered records oldest first without clearing them.
func (b *LogBuffer) Snapshot() []LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copyLocked(b.count)
}

// Tail returns up to the n most recent records.
func (b *LogBuffer) Tail(n int) []LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.count {
		n = b.count
	}
	return b.copyLocked(n)
}

// Drain returns every buffered record and empties the buffer.
func (b *LogBuffer) Drain() []LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.copyLocked(b.count)
	b.start, b.count = 0, 0
	return out
}

func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// copyLocked copies the newest n records in chronological order.
func (b *LogBuffer) copyLocked(n int) []LogRecord {
	out := make([]LogRecord, 0, n)
	skip := b.count - n
	for i := skip; i < b.count; i++ {
		out = append(out, b.records[(b.start+i)%len(b.records)])
	}
	return out
}
