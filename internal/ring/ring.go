// Package ring implements a lock-free, multi-producer multi-consumer queue
// of variable-size packets. Metadata slots form a circular sequence governed
// by two monotone cursors; payload bytes live in a circular arena carved in
// the same order.
package ring

import (
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Slot lifecycle statuses.
const (
	statusEmpty int64 = iota
	statusReserved
	statusWriting
	statusReady
	statusReading
)

// Bounded spin while a predecessor's byte region is not yet committed.
const chainSpinLimit = 20

var (
	// ErrFull reports that no slot or arena region could be claimed.
	ErrFull = errors.New("ring full")
	// ErrEmpty reports that no published slot is available.
	ErrEmpty = errors.New("ring empty")
)

// Slot is one claimed metadata record. A producer holds it between Reserve
// and Publish, a consumer between TryTake and Release.
type Slot struct {
	status  atomic.Int64
	start   int64
	size    int64
	gen     atomic.Int64 // cursor+1 of the claim that committed start/size
	arrival atomic.Int64

	ring   *Ring
	cursor int64
}

// Bytes returns the slot's arena region. Valid between Reserve and Publish
// for producers, and between TryTake and Release for consumers.
func (s *Slot) Bytes() []byte {
	return s.ring.arena[s.start : s.start+s.size]
}

// SetArrival stamps the slot with a delivery due time in milliseconds.
func (s *Slot) SetArrival(ms int64) { s.arrival.Store(ms) }

// Arrival returns the slot's delivery due time in milliseconds.
func (s *Slot) Arrival() int64 { return s.arrival.Load() }

// Ring is the queue. The zero value is not usable; call New.
type Ring struct {
	slots []Slot
	arena []byte
	n     int64

	writeCursor atomic.Int64
	_           [56]byte // keep the cursors on separate cache lines
	readCursor  atomic.Int64
	_           [56]byte

	ready chan struct{}
}

// New creates a ring with the given metadata slot count and arena capacity.
func New(slots int, arenaBytes int) *Ring {
	if slots <= 0 || arenaBytes <= 0 {
		panic("ring: non-positive capacity")
	}
	r := &Ring{
		slots: make([]Slot, slots),
		arena: make([]byte, arenaBytes),
		n:     int64(slots),
		ready: make(chan struct{}, 1),
	}
	for i := range r.slots {
		r.slots[i].ring = r
	}
	return r
}

// Ready returns a channel that receives a notification after a Publish.
// The channel is 1-buffered so notifications coalesce.
func (r *Ring) Ready() <-chan struct{} { return r.ready }

// Reserve claims a metadata slot and an arena region of the given size.
// The caller fills Bytes() and then calls Publish. Returns ErrFull when no
// slot or no arena region can be claimed; the caller drops the packet.
func (r *Ring) Reserve(size int) (*Slot, error) {
	need := int64(size)
	if need <= 0 || need > int64(len(r.arena)) {
		return nil, errors.Wrapf(ErrFull, "unsatisfiable reservation of %d bytes", size)
	}
	for {
		w := r.writeCursor.Load()
		if w-r.readCursor.Load() >= r.n {
			return nil, ErrFull
		}
		s := &r.slots[w%r.n]
		if !s.status.CompareAndSwap(statusEmpty, statusReserved) {
			// Lost the slot to a racing producer, or the previous lap's
			// occupant has not finished releasing yet.
			runtime.Gosched()
			continue
		}
		r.advanceWrite(w + 1)
		start, err := r.carve(w, need)
		if err != nil {
			s.status.Store(statusEmpty)
			r.rollbackWrite(w)
			return nil, err
		}
		s.start = start
		s.size = need
		s.gen.Store(w + 1)
		s.status.Store(statusWriting)
		s.cursor = w
		return s, nil
	}
}

// Publish makes a reserved slot visible to consumers.
func (r *Ring) Publish(s *Slot) {
	s.status.Store(statusReady)
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

// TryTake claims the slot at the read cursor if it is published. Never
// blocks: returns ErrEmpty when the head slot is absent, still being
// written, or held by another consumer.
func (r *Ring) TryTake() (*Slot, error) {
	s, _, err := r.take(0, false)
	return s, err
}

// TryTakeDue is the due-time variant used by the wire. It only claims the
// head slot once its arrival stamp is at or before nowMS. When the head is
// published but not yet due, it returns ErrEmpty with the remaining
// milliseconds until it becomes due.
func (r *Ring) TryTakeDue(nowMS int64) (*Slot, int64, error) {
	return r.take(nowMS, true)
}

func (r *Ring) take(nowMS int64, due bool) (*Slot, int64, error) {
	for {
		c := r.readCursor.Load()
		if c >= r.writeCursor.Load() {
			return nil, 0, ErrEmpty
		}
		s := &r.slots[c%r.n]
		if s.gen.Load() != c+1 {
			// Reserved or rejected but not yet committed for this cursor.
			return nil, 0, ErrEmpty
		}
		if due {
			if eta := s.arrival.Load() - nowMS; eta > 0 {
				return nil, eta, ErrEmpty
			}
		}
		if s.status.CompareAndSwap(statusReady, statusReading) {
			if s.gen.Load() != c+1 {
				// A whole lap elapsed between the cursor read and the
				// claim. Put the newer occupant back and retry.
				s.status.Store(statusReady)
				continue
			}
			s.cursor = c
			return s, 0, nil
		}
		if r.readCursor.Load() != c {
			continue
		}
		return nil, 0, ErrEmpty
	}
}

// Release frees a taken slot and advances the read cursor past it.
func (r *Ring) Release(s *Slot) {
	r.readCursor.CompareAndSwap(s.cursor, s.cursor+1)
	s.status.Store(statusEmpty)
}

// Len reports the number of slots currently claimed or published.
func (r *Ring) Len() int {
	n := r.writeCursor.Load() - r.readCursor.Load()
	if n < 0 {
		n = 0
	}
	return int(n)
}

// carve determines the arena region for the claim at cursor w. The region
// chains off the predecessor's committed region and wraps to offset zero
// when the tail cannot hold it.
func (r *Ring) carve(w, need int64) (int64, error) {
	var candidate int64
	if w > 0 {
		p := &r.slots[(w-1)%r.n]
		spins := 0
		for p.gen.Load() != w {
			// The predecessor claim may itself have been rejected, in
			// which case the write cursor was rolled back below us.
			if r.writeCursor.Load() <= w {
				return 0, ErrFull
			}
			spins++
			if spins > chainSpinLimit {
				return 0, ErrFull
			}
			runtime.Gosched()
		}
		candidate = p.start + p.size
	}
	if candidate+need > int64(len(r.arena)) {
		candidate = 0
	}
	// The oldest unconsumed region is the allocation frontier; colliding
	// with it means the arena is exhausted.
	c := r.readCursor.Load()
	if c < w {
		rs := &r.slots[c%r.n]
		if rs.gen.Load() == c+1 {
			rstart, rend := rs.start, rs.start+rs.size
			if candidate < rend && candidate+need > rstart {
				return 0, ErrFull
			}
		}
	}
	return candidate, nil
}

// advanceWrite moves the shared write cursor up to at least target.
func (r *Ring) advanceWrite(target int64) {
	for {
		c := r.writeCursor.Load()
		if c >= target {
			return
		}
		if r.writeCursor.CompareAndSwap(c, target) {
			return
		}
	}
}

// rollbackWrite moves the shared write cursor back down to target so the
// rejected claim's cursor can be re-claimed. Claims made above the target
// observe the rollback while chaining and reject themselves in turn.
func (r *Ring) rollbackWrite(target int64) {
	for {
		c := r.writeCursor.Load()
		if c <= target {
			return
		}
		if r.writeCursor.CompareAndSwap(c, target) {
			return
		}
	}
}
