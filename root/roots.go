// Package root holds the collector's root set: permanent ranges that are
// re-scanned on every collection, eager-permanent ranges discovered once
// (because they are read-only and cannot change after load) but then
// rescanned on every collection exactly like a permanent range, and
// temporary ranges, which stay registered until ClearTemporary drops them
// at the start of the next collection. Grounded on
// _examples/original_source/roots.hh's Roots class.
package root

import (
	"github.com/CTSRD-CHERI/cheri-gc-kit/platform"
)

// Range is one root range: a [Low, High) address span conservatively
// scanned word by word for plausible pointers into the managed heap.
type Range struct {
	Low, High uintptr
}

// Set is the collector's root set: permanent ranges (re-scanned every
// collection, typically goroutine stacks and writable global segments),
// eager-permanent ranges (discovered once, typically read-only global
// segments whose contents cannot change after the program loads, but
// then re-scanned every collection just like a permanent range), and
// temporary ranges (registered for one collection and dropped by
// ClearTemporary at the start of the next, e.g. frozen thread stacks).
type Set struct {
	permanent      []Range
	eagerPermanent []Range
	temporary      []Range
}

// New returns an empty root set.
func New() *Set {
	return &Set{}
}

// AddPermanentRange registers a range to be rescanned on every
// collection.
func (s *Set) AddPermanentRange(low, high uintptr) {
	if low == 0 {
		// Mirrors add_range_to_roots's skip of null-based capabilities
		// (DDC/PCC with no backing range): a zero base is never a valid
		// range to scan.
		return
	}
	s.permanent = append(s.permanent, Range{Low: low, High: high})
}

// AddEagerPermanentRange registers a range that, once added, is scanned
// on every future collection exactly like a permanent range. The "eager"
// in the name refers to when the range is discovered (once, up front,
// typically from RegisterSegments at startup), not to how often it is
// scanned afterward — matching register_global_roots, which pushes a
// read-only segment into permanent_roots exactly once but leaves it in
// that vector for every later mark_roots call to iterate.
func (s *Set) AddEagerPermanentRange(low, high uintptr) {
	if low == 0 {
		return
	}
	s.eagerPermanent = append(s.eagerPermanent, Range{Low: low, High: high})
}

// AddTemporaryRange registers a range that Ranges and WritableRanges
// return until ClearTemporary drops it.
func (s *Set) AddTemporaryRange(low, high uintptr) {
	if low == 0 {
		return
	}
	s.temporary = append(s.temporary, Range{Low: low, High: high})
}

// AddThreadStacks registers every frozen thread's stack as a temporary
// range, called once per collection after platform.ThreadRegistry.Freeze.
func (s *Set) AddThreadStacks(stacks []platform.StackRange) {
	for _, st := range stacks {
		s.AddTemporaryRange(st.Low, st.High)
	}
}

// AddSegments files each segment into the permanent or eager-permanent
// pool by writability, matching register_global_roots's split.
func (s *Set) AddSegments(segs []platform.Segment) {
	for _, seg := range segs {
		if seg.Writable {
			s.AddPermanentRange(seg.Low, seg.High)
		} else {
			s.AddEagerPermanentRange(seg.Low, seg.High)
		}
	}
}

// ClearTemporary drops every temporary range. The collectors call it at
// the start of each collection, before registering that cycle's thread
// stacks.
func (s *Set) ClearTemporary() {
	s.temporary = nil
}

// Ranges returns every range that should be scanned for this collection:
// permanent, eager-permanent, and temporary ranges alike, on every call
// — matching roots.hh's SplicedForwardIterator, which joins permanent_
// roots (into which register_global_roots has already folded the
// read-only segments) and temporary_roots without copying them. Once a
// range is registered via AddEagerPermanentRange it participates in
// every collection from then on, same as AddPermanentRange; only the
// moment of discovery is one-shot, not the scanning.
func (s *Set) Ranges() []Range {
	out := make([]Range, 0, len(s.permanent)+len(s.eagerPermanent)+len(s.temporary))
	out = append(out, s.permanent...)
	out = append(out, s.eagerPermanent...)
	out = append(out, s.temporary...)
	return out
}

// WritableRanges returns the subset of Ranges that it is safe to write
// back into: permanent and temporary ranges, but never eager-permanent
// ones. compact's update_pointers-equivalent pass needs exactly this
// subset — eager-permanent ranges are read-only image segments by
// definition, and attempting to patch a moved pointer's address in one
// would fault the same way writing to any other read-only page would.
func (s *Set) WritableRanges() []Range {
	out := make([]Range, 0, len(s.permanent)+len(s.temporary))
	out = append(out, s.permanent...)
	out = append(out, s.temporary...)
	return out
}
