package pool

import "testing"

func TestAllocatePrefersSmallest(t *testing.T) {
	p := New(2, 2)

	b, err := p.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if b.Cap() != SmallCapacity {
		t.Fatalf("expected small buffer, got capacity %d", b.Cap())
	}
}

func TestAllocateFallsBackToLarge(t *testing.T) {
	p := New(0, 2)

	b, err := p.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if b.Cap() != LargeCapacity {
		t.Fatalf("expected fallback to large buffer, got capacity %d", b.Cap())
	}
}

func TestAllocateOversizedFails(t *testing.T) {
	p := New(1, 1)

	if _, err := p.Allocate(LargeCapacity + 1); err != ErrOutOfBuffers {
		t.Fatalf("expected ErrOutOfBuffers, got %v", err)
	}
}

func TestOutOfBuffersWhenExhausted(t *testing.T) {
	p := New(1, 0)

	if _, err := p.Allocate(1); err != nil {
		t.Fatalf("first Allocate: %v", err)
	}

	if _, err := p.Allocate(1); err != ErrOutOfBuffers {
		t.Fatalf("expected ErrOutOfBuffers on second Allocate, got %v", err)
	}
}

func TestReleaseReturnsBufferToCorrectClass(t *testing.T) {
	p := New(1, 1)

	small, _ := p.Allocate(1)
	p.Release(small)

	// the freed small buffer must be handed back out before the pool
	// would need to fall back to the large class
	b, err := p.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if b.Cap() != SmallCapacity {
		t.Fatalf("expected released small buffer to be reused, got capacity %d", b.Cap())
	}
}

func TestOutstandingTracksAllocationsMinusReleases(t *testing.T) {
	p := New(2, 2)

	a, _ := p.Allocate(1)
	b, _ := p.Allocate(1)

	if got := p.Outstanding(); got != 2 {
		t.Fatalf("Outstanding = %d, want 2", got)
	}

	p.Release(a)

	if got := p.Outstanding(); got != 1 {
		t.Fatalf("Outstanding = %d, want 1", got)
	}

	p.Release(b)

	if got := p.Outstanding(); got != 0 {
		t.Fatalf("Outstanding = %d, want 0", got)
	}
}

func TestSliceUnsliceRoundTrip(t *testing.T) {
	p := New(0, 1)

	b, _ := p.Allocate(LargeCapacity)
	b.SetLen(LargeCapacity)

	s := b.Slice(14, 0)
	if s.Unslice() != b {
		t.Fatalf("Unslice did not return the original outer buffer")
	}
}

func TestSlicePanicsWhenOversized(t *testing.T) {
	p := New(1, 0)
	b, _ := p.Allocate(1)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic slicing past capacity")
		}
	}()

	b.Slice(SmallCapacity+1, 0)
}

func TestReleasePanicsOnSliceView(t *testing.T) {
	p := New(0, 1)
	b, _ := p.Allocate(LargeCapacity)
	s := b.Slice(14, 0)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic releasing a slice view")
		}
	}()

	p.Release(s)
}

func TestQueueFIFOOrder(t *testing.T) {
	p := New(0, 3)
	var q Queue

	a, _ := p.Allocate(1)
	b, _ := p.Allocate(1)
	c, _ := p.Allocate(1)

	q.Push(a)
	q.Push(b)
	q.Push(c)

	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}

	if got := q.Pop(); got != a {
		t.Fatalf("expected FIFO order: first pop should be a")
	}
	if got := q.Pop(); got != b {
		t.Fatalf("expected FIFO order: second pop should be b")
	}
	if got := q.Pop(); got != c {
		t.Fatalf("expected FIFO order: third pop should be c")
	}
	if got := q.Pop(); got != nil {
		t.Fatalf("expected nil on empty queue, got %v", got)
	}
}
