// Package slidingwindow provides the FIFO time-window primitive used for
// rolling rate accounting. Entries carry a timestamp and a weight; totals
// over a trailing duration are answered in amortised O(1) as long as the
// caller prunes before querying, which is the intended usage pattern.
package slidingwindow

import "time"

// Clock returns the current time. Implementations must be monotonic-safe:
// the default is time.Now, whose readings carry Go's monotonic component,
// so wall-clock jumps do not distort window arithmetic.
type Clock func() time.Time

// Entry is a single weighted observation.
type Entry struct {
	At     time.Time
	Weight int
}

// Window is a FIFO of timestamped weights. It is not safe for concurrent
// use; owners serialise access with their own lock.
type Window struct {
	clock   Clock
	entries []Entry
	head    int
	sum     int64
}

// New creates an empty window. A nil clock defaults to time.Now.
func New(clock Clock) *Window {
	if clock == nil {
		clock = time.Now
	}
	return &Window{clock: clock}
}

// Add appends an observation with the given weight at the current time.
func (w *Window) Add(weight int) {
	w.entries = append(w.entries, Entry{At: w.clock(), Weight: weight})
	w.sum += int64(weight)
}

// PruneOlderThan discards entries strictly older than cutoff from the head.
// The backing slice is compacted once the dead prefix dominates, keeping
// Add amortised O(1).
func (w *Window) PruneOlderThan(cutoff time.Time) {
	for w.head < len(w.entries) && w.entries[w.head].At.Before(cutoff) {
		w.sum -= int64(w.entries[w.head].Weight)
		w.head++
	}
	if w.head > len(w.entries)/2 {
		w.entries = append(w.entries[:0], w.entries[w.head:]...)
		w.head = 0
	}
}

// SumWithin returns the total weight of entries recorded within the trailing
// duration d. Entries older than the cutoff that have not been pruned yet
// are skipped without being removed.
func (w *Window) SumWithin(d time.Duration) int64 {
	cutoff := w.clock().Add(-d)
	if w.head >= len(w.entries) || !w.entries[w.head].At.Before(cutoff) {
		return w.sum
	}
	var sum int64
	for i := w.head; i < len(w.entries); i++ {
		if !w.entries[i].At.Before(cutoff) {
			sum += int64(w.entries[i].Weight)
		}
	}
	return sum
}

// CountWithin returns the number of entries recorded within the trailing
// duration d.
func (w *Window) CountWithin(d time.Duration) int {
	cutoff := w.clock().Add(-d)
	if w.head >= len(w.entries) || !w.entries[w.head].At.Before(cutoff) {
		return len(w.entries) - w.head
	}
	count := 0
	for i := w.head; i < len(w.entries); i++ {
		if !w.entries[i].At.Before(cutoff) {
			count++
		}
	}
	return count
}

// Len returns the number of live entries, pruned or not yet expired.
func (w *Window) Len() int {
	return len(w.entries) - w.head
}

// Now exposes the window's clock reading, so owners share one time source.
func (w *Window) Now() time.Time {
	return w.clock()
}
