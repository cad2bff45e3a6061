package exec

// ring is a fixed-capacity buffer of output entries with O(1) append. When
// full, the oldest entry is overwritten.
type ring struct {
	entries []OutputChunk
	head    int
	size    int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultBufferLines
	}
	return &ring{entries: make([]OutputChunk, capacity)}
}

func (r *ring) append(chunk OutputChunk) {
	idx := (r.head + r.size) % len(r.entries)
	r.entries[idx] = chunk
	if r.size < len(r.entries) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.entries)
	}
}

// snapshot returns the buffered entries oldest first.
func (r *ring) snapshot() []OutputChunk {
	out := make([]OutputChunk, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.entries[(r.head+i)%len(r.entries)])
	}
	return out
}
