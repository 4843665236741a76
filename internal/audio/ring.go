package audio

// Ring is the rolling window of the most recent audio. It is owned
// exclusively by the frame loop; Snapshot hands out copies so readers
// never alias the live buffer.
type Ring struct {
	buf  []int16
	head int
	size int
}

// NewRing creates a ring holding capacity samples.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]int16, capacity)}
}

// NewRingForWindow sizes a ring to hold windowMS of audio at sampleRate.
func NewRingForWindow(sampleRate, windowMS int) *Ring {
	return NewRing(sampleRate * windowMS / 1000)
}

// Push appends a frame, evicting the oldest samples once at capacity.
func (r *Ring) Push(f Frame) {
	for _, s := range f {
		r.buf[r.head] = s
		r.head = (r.head + 1) % len(r.buf)
		if r.size < len(r.buf) {
			r.size++
		}
	}
}

// Snapshot returns the buffered samples oldest-first as a fresh slice.
func (r *Ring) Snapshot() []int16 {
	out := make([]int16, r.size)
	if r.size < len(r.buf) {
		copy(out, r.buf[:r.size])
		return out
	}
	n := copy(out, r.buf[r.head:])
	copy(out[n:], r.buf[:r.head])
	return out
}

// Len reports the number of buffered samples.
func (r *Ring) Len() int {
	return r.size
}

// Cap reports the ring capacity in samples.
func (r *Ring) Cap() int {
	return len(r.buf)
}
