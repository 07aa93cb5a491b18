package xget

import (
	"io"
	"log"
	"sync"

	"go.uber.org/atomic"
)

// DefaultCacheSize is the default reassembly buffer capacity in bytes
// (200 MiB), per spec.md §4.3.
const DefaultCacheSize int64 = 200 * 1024 * 1024

// admitEntry is one pending write waiting for capacity in the admit queue.
// eof marks the end-of-stream sentinel (its data is nil).
type admitEntry struct {
	slot int
	data []byte
	eof  bool
	done chan struct{}
}

// slotState is the per-segment staging area described in spec.md §3/§4.3.
type slotState struct {
	buffer        [][]byte // each entry nil means the sentinel is here
	pendingWrites int
	pendingReads  int
	readers       []chan readResult
}

type readResult struct {
	data []byte
	eof  bool
}

// ReassemblyBuffer is the in-memory, capacity-bounded FIFO-per-segment
// staging area between N fetch producers and one ordered consumer, per
// spec.md §4.3. It is the hardest subsystem in this module: the dispatcher
// below is the literal translation of spec.md §4.3's admit algorithm,
// including the same-slot bypass that keeps a full buffer from deadlocking
// behind a slow consumer.
type ReassemblyBuffer struct {
	mu          sync.Mutex
	maxCapacity int64
	reallocate  bool
	nowarn      bool
	warnOut     *log.Logger
	length      int64
	admitQueue  []*admitEntry
	slots       []*slotState

	max           atomic.Int64
	totalComputed atomic.Int64
	tickIndex     atomic.Int64
}

// NewReassemblyBuffer constructs a buffer for numSlots segments with the
// given capacity in bytes.
func NewReassemblyBuffer(numSlots int, maxCapacity int64, reallocate, nowarn bool) *ReassemblyBuffer {
	if maxCapacity <= 0 {
		maxCapacity = DefaultCacheSize
	}
	b := &ReassemblyBuffer{
		maxCapacity: maxCapacity,
		reallocate:  reallocate,
		nowarn:      nowarn,
		warnOut:     log.New(io.Discard, "", 0),
		slots:       make([]*slotState, numSlots),
	}
	b.warnIfOversize(maxCapacity)
	for i := range b.slots {
		b.slots[i] = &slotState{}
	}
	return b
}

// Write admits data into slot s, blocking until capacity (or a waiting
// reader) accepts it. Per spec.md §4.3's admit algorithm.
func (b *ReassemblyBuffer) Write(s int, data []byte) {
	b.admit(s, data, false)
}

// End admits the end-of-stream sentinel for slot s.
func (b *ReassemblyBuffer) End(s int) {
	b.admit(s, nil, true)
}

func (b *ReassemblyBuffer) admit(slot int, data []byte, eof bool) {
	done := make(chan struct{})
	b.mu.Lock()
	s := b.slots[slot]
	entry := &admitEntry{slot: slot, data: data, eof: eof, done: done}

	if s.pendingWrites > 0 || s.pendingReads == 0 {
		s.pendingWrites++
		b.admitQueue = append(b.admitQueue, entry)
		b.dispatch()
		b.mu.Unlock()
		<-done
		return
	}

	// Bypass: hand directly to the oldest waiting reader, avoiding a
	// deadlock where capacity is full but the consumer is draining this
	// very slot (spec.md §4.3, admit step 2).
	r := s.readers[0]
	s.readers = s.readers[1:]
	s.pendingReads--
	b.mu.Unlock()
	r <- readResult{data: data, eof: eof}
}

// Read pulls the next chunk (or end-of-stream) from slot s, blocking until
// one is available.
func (b *ReassemblyBuffer) Read(s int) ([]byte, bool) {
	b.mu.Lock()
	slot := b.slots[s]

	if len(slot.buffer) > 0 {
		data := slot.buffer[0]
		slot.buffer = slot.buffer[1:]
		if data != nil {
			b.length -= int64(len(data))
			b.tick()
		}
		b.dispatch()
		b.mu.Unlock()
		if data == nil {
			return nil, false
		}
		return data, true
	}

	ch := make(chan readResult, 1)
	slot.readers = append(slot.readers, ch)
	slot.pendingReads++
	b.dispatch()
	b.mu.Unlock()

	res := <-ch
	if res.eof {
		return nil, false
	}
	return res.data, true
}

// dispatch walks the admit queue front to back, admitting entries as
// capacity allows and bypassing directly to waiting readers when it is
// full, per spec.md §4.3. Must be called with mu held; it never recurses
// and is safe to call repeatedly (re-entrant-safe, per spec).
func (b *ReassemblyBuffer) dispatch() {
	i := 0
	for i < len(b.admitQueue) {
		e := b.admitQueue[i]
		s := b.slots[e.slot]

		if b.length >= b.maxCapacity {
			if len(s.readers) > 0 {
				r := s.readers[0]
				s.readers = s.readers[1:]
				s.pendingReads--
				s.pendingWrites--
				b.removeAdmitAt(i)
				b.warnOut.Printf("slot %d bypass: buffer full at %d/%d bytes, handing straight to waiting reader", e.slot, b.length, b.maxCapacity)
				close(e.done)
				r <- readResult{data: e.data, eof: e.eof}
				continue
			}
			i++
			continue
		}

		avail := b.maxCapacity - b.length
		if e.eof || int64(len(e.data)) <= avail {
			s.buffer = append(s.buffer, e.data)
			if !e.eof {
				b.length += int64(len(e.data))
				b.tick()
			}
			s.pendingWrites--
			b.removeAdmitAt(i)
			close(e.done)
			b.drainToReaders(s)
			continue
		}

		// Split: head fills remaining capacity, tail waits.
		head := e.data[:avail]
		tail := e.data[avail:]
		s.buffer = append(s.buffer, head)
		b.length += avail
		b.tick()

		if b.reallocate {
			b.removeAdmitAt(i)
			b.admitQueue = append(b.admitQueue, &admitEntry{slot: e.slot, data: tail, done: e.done})
			b.drainToReaders(s)
			continue
		}

		e.data = tail
		b.drainToReaders(s)
		i++
	}
}

func (b *ReassemblyBuffer) removeAdmitAt(i int) {
	b.admitQueue = append(b.admitQueue[:i], b.admitQueue[i+1:]...)
}

// drainToReaders satisfies as many waiting readers of s as the buffer's
// head can feed, per spec.md §4.3 dispatcher step 3.
func (b *ReassemblyBuffer) drainToReaders(s *slotState) {
	for len(s.buffer) > 0 && len(s.readers) > 0 {
		data := s.buffer[0]
		s.buffer = s.buffer[1:]
		r := s.readers[0]
		s.readers = s.readers[1:]
		s.pendingReads--
		if data != nil {
			b.length -= int64(len(data))
			b.tick()
		}
		r <- readResult{data: data, eof: data == nil}
	}
}

func (b *ReassemblyBuffer) tick() {
	if b.length > b.max.Load() {
		b.max.Store(b.length)
	}
	b.totalComputed.Add(b.length)
	b.tickIndex.Add(1)
}

// Metrics returns the peak length observed, and the running average
// length across all capacity-changing ticks, per spec.md §4.3.
func (b *ReassemblyBuffer) Metrics() (max int64, average float64) {
	max = b.max.Load()
	ticks := b.tickIndex.Load()
	if ticks == 0 {
		return max, 0
	}
	return max, float64(b.totalComputed.Load()) / float64(ticks)
}

// SetCapacity resizes the buffer's capacity. It never evicts already
// stored chunks; the store may temporarily exceed the new cap until
// drained (spec.md §4.3's capacity-change policy, and its Open Question:
// a lowered cap silently drains rather than rejecting or erroring).
func (b *ReassemblyBuffer) SetCapacity(n int64) error {
	if n <= 0 {
		return &InvalidOption{Name: "cacheSize", Reason: "must be positive"}
	}
	if total := totalPhysicalMemory(); total > 0 && n > total {
		return &InvalidOption{Name: "cacheSize", Reason: "exceeds total physical memory"}
	}

	b.warnIfOversize(n)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxCapacity = n
	b.dispatch()
	return nil
}

func (b *ReassemblyBuffer) warnIfOversize(n int64) {
	if b.nowarn {
		return
	}
	if total := totalPhysicalMemory(); total > 0 && float64(n) > 0.4*float64(total) {
		b.warnOut.Printf("reassembly buffer capacity %d bytes exceeds 40%% of total physical memory (%d bytes)\n", n, total)
	}
}
