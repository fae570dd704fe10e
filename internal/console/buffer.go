package console

import "github.com/sxwxbxr/nxrthstack-sub004/internal/logparse"

// Buffer is a bounded ring of console entries. The oldest entry is evicted
// first. It is not safe for concurrent use; Hub guards it.
type Buffer struct {
	entries []logparse.Entry
	start   int
	n       int
	next    uint64
}

// NewBuffer returns a buffer holding at most capacity entries.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Buffer{entries: make([]logparse.Entry, capacity), next: 1}
}

// Append stores e with the next sequence number and returns the stored copy.
func (b *Buffer) Append(e logparse.Entry) logparse.Entry {
	e.Seq = b.next
	b.next++
	capacity := len(b.entries)
	if b.n < capacity {
		b.entries[(b.start+b.n)%capacity] = e
		b.n++
		return e
	}
	b.entries[b.start] = e
	b.start = (b.start + 1) % capacity
	return e
}

// Last copies the newest n entries in append order.
func (b *Buffer) Last(n int) []logparse.Entry {
	if n <= 0 {
		return nil
	}
	if n > b.n {
		n = b.n
	}
	out := make([]logparse.Entry, n)
	capacity := len(b.entries)
	first := b.start + b.n - n
	for i := 0; i < n; i++ {
		out[i] = b.entries[(first+i)%capacity]
	}
	return out
}

// All copies every entry in append order.
func (b *Buffer) All() []logparse.Entry { return b.Last(b.n) }

func (b *Buffer) Len() int { return b.n }
func (b *Buffer) Cap() int { return len(b.entries) }
