package mailbox

import "iter"

// Sequence yields one Provider per message number, 1 through count. It is
// forward-only: once a number has been handed out it is never produced
// again, and advancing performs no I/O.
type Sequence struct {
	actor *Actor
	count uint32
	next  uint32
}

// NewSequence returns a sequence over a folder holding count messages.
func NewSequence(actor *Actor, count uint32) *Sequence {
	return &Sequence{actor: actor, count: count, next: 1}
}

// Next returns the next provider, or false once the folder is exhausted.
func (s *Sequence) Next() (Provider, bool) {
	if s.next == 0 || s.next > s.count {
		return Provider{}, false
	}
	p := NewProvider(s.actor, s.next)
	// next wraps to 0 after math.MaxUint32, which ends the sequence.
	s.next++
	return p, true
}

// Skip discards up to k providers without inspecting them and returns how
// many were discarded.
func (s *Sequence) Skip(k uint32) uint32 {
	var skipped uint32
	for skipped < k {
		if _, ok := s.Next(); !ok {
			break
		}
		skipped++
	}
	return skipped
}

// Remaining is the number of providers still to be produced.
func (s *Sequence) Remaining() uint32 {
	if s.next == 0 || s.next > s.count {
		return 0
	}
	return s.count - s.next + 1
}

// All drains the sequence.
func (s *Sequence) All() iter.Seq[Provider] {
	return func(yield func(Provider) bool) {
		for {
			p, ok := s.Next()
			if !ok || !yield(p) {
				return
			}
		}
	}
}
