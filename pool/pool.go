// Buffer pool for netdev6
// https://github.com/usbarmory/netdev6
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pool implements the IRQ-safe fixed-capacity buffer allocator
// shared by usbnet, ipv6 and tcpip. Buffers are never split or merged: a
// caller receives a whole buffer from one of two size classes and returns it
// whole. Allocation and release are safe to call from interrupt context.
package pool

import (
	"errors"
	"sync"
)

// ErrOutOfBuffers is returned by Allocate when no buffer of a suitable size
// class is free.
var ErrOutOfBuffers = errors.New("pool: out of buffers")

// Default buffer size classes, matching the two classes in the original
// firmware's allocator: small buffers serve control/ack traffic, large
// buffers serve full Ethernet frames.
const (
	SmallCapacity = 128
	LargeCapacity = 768
)

// owner records which list currently holds a Buffer; Queue.Push checks it
// to catch a buffer being enqueued twice.
type owner int

const (
	ownerNone owner = iota
	ownerFree
	ownerQueued
	ownerInFlight
)

// Buffer is a length-prefixed byte region threaded into singly-linked
// intrusive queues via next. capacity is immutable once allocated; data is
// the region itself, always len(data) == capacity — the logical length is
// tracked separately so a Buffer can be reused without reallocating.
type Buffer struct {
	next  *Buffer
	data  []byte
	base  int // start offset into data for the current (possibly sliced) view
	n     int // logical length of the current view
	owner owner

	// outer is set when this Buffer is a slice view: it points back to the
	// buffer that owns the backing array, so Unslice can restore it.
	outer *Buffer
}

// Cap returns the capacity of the current view.
func (b *Buffer) Cap() int {
	return len(b.data) - b.base
}

// Len returns the logical length of the current view.
func (b *Buffer) Len() int {
	return b.n
}

// SetLen sets the logical length of the current view. It panics if n
// exceeds the view's capacity, matching the pool's data_len <= capacity
// invariant.
func (b *Buffer) SetLen(n int) {
	if n > b.Cap() {
		panic("pool: data_len exceeds capacity")
	}
	b.n = n
}

// Bytes returns the current view's bytes, sized to its logical length.
func (b *Buffer) Bytes() []byte {
	return b.data[b.base : b.base+b.n]
}

// Full returns the entire current view regardless of logical length, for
// callers that need to write into unused capacity (e.g. appending
// reassembly packets) before calling SetLen.
func (b *Buffer) Full() []byte {
	return b.data[b.base:]
}

// Slice returns a view into b reserving prefix bytes before the view and
// suffix bytes after its capacity, for a higher layer to stamp its own
// header later without copying. The outer buffer must not be released
// while the slice is outstanding; ownership transfers to the slice holder.
func (b *Buffer) Slice(prefix, suffix int) *Buffer {
	if prefix+suffix > b.Cap() {
		panic("pool: slice prefix+suffix exceeds capacity")
	}

	return &Buffer{
		data:  b.data[:len(b.data)-suffix],
		base:  b.base + prefix,
		n:     0,
		owner: b.owner,
		outer: b,
	}
}

// Unslice returns the outer buffer a slice view was carved from. It panics
// if b is not a slice view, enforcing the slice/unslice symmetry invariant.
func (b *Buffer) Unslice() *Buffer {
	if b.outer == nil {
		panic("pool: Unslice called on a non-slice buffer")
	}
	return b.outer
}

// list is an owning singly-linked intrusive free list for one size class.
type list struct {
	head *Buffer
	cap  int
}

func (l *list) push(b *Buffer) {
	b.base = 0
	b.n = 0
	b.outer = nil
	b.owner = ownerFree
	b.next = l.head
	l.head = b
}

func (l *list) pop() *Buffer {
	b := l.head
	if b == nil {
		return nil
	}
	l.head = b.next
	b.next = nil
	b.owner = ownerInFlight
	return b
}

// Pool is the IRQ-safe allocator. Both size classes are pre-populated at
// construction time (fixed-capacity, no heap growth at runtime).
type Pool struct {
	mu     sync.Mutex
	small  list
	large  list
	outCnt int
}

// New constructs a Pool with nSmall buffers of SmallCapacity and nLarge
// buffers of LargeCapacity.
func New(nSmall, nLarge int) *Pool {
	p := &Pool{
		small: list{cap: SmallCapacity},
		large: list{cap: LargeCapacity},
	}

	for i := 0; i < nSmall; i++ {
		p.small.push(&Buffer{data: make([]byte, SmallCapacity)})
	}

	for i := 0; i < nLarge; i++ {
		p.large.push(&Buffer{data: make([]byte, LargeCapacity)})
	}

	return p
}

// Allocate returns a Buffer with capacity >= n and data_len == 0, preferring
// the smallest size class that fits. The critical section covers only the
// list pop, so it is safe to call from interrupt context.
func (p *Pool) Allocate(n int) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b *Buffer

	if n <= p.small.cap {
		b = p.small.pop()
	}

	if b == nil && n <= p.large.cap {
		b = p.large.pop()
	}

	if b == nil {
		return nil, ErrOutOfBuffers
	}

	p.outCnt++

	return b, nil
}

// Release returns b to the free list matching its capacity. b must be the
// outer buffer, not an outstanding slice view (slice views are unsliced
// first): it panics when given a slice view. It does not detect an outer
// buffer that still has slice views outstanding.
func (p *Pool) Release(b *Buffer) {
	if b.outer != nil {
		panic("pool: Release called on a slice view, release the outer buffer")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch b.Cap() {
	case SmallCapacity:
		p.small.push(b)
	case LargeCapacity:
		p.large.push(b)
	default:
		panic("pool: buffer capacity does not match any size class")
	}

	p.outCnt--
}

// Outstanding returns the number of buffers currently allocated out of the
// pool (allocations - releases), exposed for the allocations-minus-releases
// invariant and for diagnostics.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outCnt
}

// Queue is an owning FIFO of Buffers, used for the per-class rx-ready and
// tx queues. It is a distinct type from the pool's free lists: a Buffer
// moves into exactly one of {free list, a Queue, held exclusively by a
// handler} at a time, and Queue.Push/Pop is where that ownership transfer
// happens for non-free-list queues.
type Queue struct {
	mu         sync.Mutex
	head, tail *Buffer
	depth      int
}

// Push appends b to the queue's tail.
func (q *Queue) Push(b *Buffer) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if b.owner == ownerQueued {
		panic("pool: buffer is already queued")
	}

	b.next = nil
	b.owner = ownerQueued

	if q.tail == nil {
		q.head = b
	} else {
		q.tail.next = b
	}

	q.tail = b
	q.depth++
}

// Pop removes and returns the queue's head buffer, or nil if the queue is
// empty.
func (q *Queue) Pop() *Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.head
	if b == nil {
		return nil
	}

	q.head = b.next
	if q.head == nil {
		q.tail = nil
	}

	b.next = nil
	b.owner = ownerInFlight
	q.depth--

	return b
}

// Len returns the number of buffers currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}
