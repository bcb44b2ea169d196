package gc

// Config holds the tunables for a Heap. The zero value is not usable;
// construct one with DefaultConfig and override individual fields.
type Config struct {
	// ChunkSize is the size, in bytes, of each slab chunk. Must be a power
	// of two and a multiple of PageSize.
	ChunkSize int

	// PageSize is the granularity at which the backing store is mapped and
	// advised back to the OS.
	PageSize int

	// CacheLineSize is used only to pick medium-bucket boundaries; it does
	// not have to match the host microarchitecture exactly.
	CacheLineSize int

	// FixedBuckets is the number of fixed-size buckets (small + medium)
	// before an allocation is routed to the large or huge allocator.
	FixedBuckets int

	// LargeMax is the largest size, in bytes, served by the large
	// allocator. Allocations above this go to the huge allocator.
	LargeMax int

	// LogAlloc turns on verbose allocator tracing regardless of the
	// GCKIT_LOG_ALLOC environment variable.
	LogAlloc bool

	// StopTheWorld and ResumeTheWorld are the thread-suspend primitive
	// spec.md's concurrency model treats as an external collaborator:
	// Go has no portable pthread_suspend_all_np equivalent, so a caller
	// running mutators on more than one goroutine/thread must supply
	// these to actually pause them for the duration of a collection.
	// The zero value (nil) is a no-op, correct for a single-goroutine
	// embedder that calls Collect itself between allocations.
	StopTheWorld   func()
	ResumeTheWorld func()
}

// DefaultConfig returns the configuration this module was grounded against:
// a 2 MiB chunk, 4 KiB pages, a 64-byte cache line, and 100 fixed buckets.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     2 << 20,
		PageSize:      4 << 10,
		CacheLineSize: 64,
		FixedBuckets:  100,
		LargeMax:      (2 << 20) / 4,
		LogAlloc:      false,
	}
}
