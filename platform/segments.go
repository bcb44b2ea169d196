package platform

// Segment is one loaded range of the process's address space, tagged
// with whether the collector should treat it as a root range to
// re-scan on every collection (a writable segment, e.g. a shared
// library's .data/.bss) or a root range discovered once and filed as
// eager-permanent (a read-only segment, e.g. .rodata/.text), which
// root.Set still scans on every collection, mirroring roots.hh's
// register_global_roots split between permanent_root_ranges and
// permanent_roots.
type Segment struct {
	Low, High uintptr
	Writable  bool
}

// SegmentEnumerator supplies the process's loaded segments, the
// substitute for dl_iterate_phdr. There is no portable way to enumerate
// an arbitrary Go binary's loaded segments from within the binary itself
// without platform-specific support (reading /proc/self/maps on Linux,
// parsing the Mach-O load commands on Darwin, etc.), so this is an
// interface a caller supplies rather than a single cross-platform
// implementation.
type SegmentEnumerator interface {
	Segments() ([]Segment, error)
}

// StaticSegments is a SegmentEnumerator that always returns a fixed
// list, useful for embedding callers that already know their own data
// segment layout (e.g. a Go program exposing a handful of global
// variables as roots) without needing /proc/self/maps parsing at all.
type StaticSegments []Segment

// Segments implements SegmentEnumerator.
func (s StaticSegments) Segments() ([]Segment, error) {
	return []Segment(s), nil
}
