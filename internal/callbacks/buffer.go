// Package callbacks records side-channel calls made by code running inside
// the kernel so they can be relayed to the client alongside output events.
package callbacks

import (
	"errors"
	"fmt"
	"sync"
)

// Names of the callbacks that code in the kernel may record.
const (
	DisplayDataframe       = "display_dataframe_to_user"
	DisplayChart           = "display_chart_to_user"
	DisplayMatplotlibImage = "display_matplotlib_image_to_user"
)

var allowed = map[string]bool{
	DisplayDataframe:       true,
	DisplayChart:           true,
	DisplayMatplotlibImage: true,
}

// Defaults for the buffer capacity and the per-pull drain cap.
const (
	DefaultRecordLimit = 1000
	DefaultPullLimit   = 100
)

// ErrNotAllowed is returned when recording a callback outside the allow-list.
var ErrNotAllowed = errors.New("invalid callback name")

// IsAllowed reports whether name is on the callback allow-list.
func IsAllowed(name string) bool {
	return allowed[name]
}

// Record is one recorded callback invocation.
type Record struct {
	Name   string         `json:"name"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// Buffer is a fixed-capacity FIFO of records. When full, recording evicts the
// oldest unread record instead of blocking the recorder.
type Buffer struct {
	mu      sync.Mutex
	items   []Record
	head    int // index of the oldest record
	size    int
	dropped uint64
}

// NewBuffer returns a buffer holding at most capacity records.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultRecordLimit
	}
	return &Buffer{items: make([]Record, capacity)}
}

// Record appends rec, evicting the oldest record if the buffer is full.
func (b *Buffer) Record(rec Record) error {
	if !IsAllowed(rec.Name) {
		return fmt.Errorf("%w: %q", ErrNotAllowed, rec.Name)
	}
	if rec.Args == nil {
		rec.Args = []any{}
	}
	if rec.Kwargs == nil {
		rec.Kwargs = map[string]any{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.items)
	if b.size == capacity {
		b.items[b.head] = rec
		b.head = (b.head + 1) % capacity
		b.dropped++
		return nil
	}
	b.items[(b.head+b.size)%capacity] = rec
	b.size++
	return nil
}

// DrainUpTo removes and returns up to n of the oldest records in order.
// It never returns nil.
func (b *Buffer) DrainUpTo(n int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.size {
		n = b.size
	}
	if n < 0 {
		n = 0
	}

	out := make([]Record, n)
	capacity := len(b.items)
	for i := range n {
		out[i] = b.items[b.head]
		b.items[b.head] = Record{}
		b.head = (b.head + 1) % capacity
	}
	b.size -= n
	return out
}

// Len returns the number of unread records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.items)
}

// Dropped returns how many records were evicted by overflow.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
