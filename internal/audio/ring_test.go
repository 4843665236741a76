package audio

import "testing"

func TestRingPushBelowCapacity(t *testing.T) {
	r := NewRing(8)
	r.Push(Frame{1, 2, 3})
	if r.Len() != 3 {
		t.Fatalf("expected 3 buffered samples, got %d", r.Len())
	}
	snap := r.Snapshot()
	if len(snap) != 3 || snap[0] != 1 || snap[2] != 3 {
		t.Fatalf("unexpected snapshot: %v", snap)
	}
}

func TestRingEvictsOldestFirst(t *testing.T) {
	r := NewRing(4)
	r.Push(Frame{1, 2, 3, 4})
	r.Push(Frame{5, 6})
	if r.Len() != 4 {
		t.Fatalf("expected ring at capacity, got %d", r.Len())
	}
	snap := r.Snapshot()
	want := []int16{3, 4, 5, 6}
	for i, v := range want {
		if snap[i] != v {
			t.Fatalf("expected %v, got %v", want, snap)
		}
	}
}

func TestRingSnapshotIsCopy(t *testing.T) {
	r := NewRing(4)
	r.Push(Frame{1, 2})
	snap := r.Snapshot()
	snap[0] = 99
	if r.Snapshot()[0] != 1 {
		t.Fatal("snapshot must not alias the ring buffer")
	}
}

func TestRingForWindowCapacity(t *testing.T) {
	r := NewRingForWindow(16000, 2000)
	if r.Cap() != 32000 {
		t.Fatalf("expected 32000 samples for 2s at 16kHz, got %d", r.Cap())
	}
}

func TestFramePCMBytesLittleEndian(t *testing.T) {
	f := Frame{0x0102, -2}
	b := f.PCMBytes()
	if b[0] != 0x02 || b[1] != 0x01 {
		t.Fatalf("expected little-endian encoding, got % x", b)
	}
	if b[2] != 0xfe || b[3] != 0xff {
		t.Fatalf("expected two's complement encoding, got % x", b)
	}
}

func TestFramePeak(t *testing.T) {
	f := Frame{10, -300, 250}
	if f.Peak() != 300 {
		t.Fatalf("expected peak 300, got %d", f.Peak())
	}
}
