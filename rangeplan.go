package xget

import "fmt"

// unknownSize marks a Range.Max or a total size as unbounded/unknown (the
// spec's `∞`): only possible when a single segment covers a resource whose
// length the server never reported.
const unknownSize int64 = -1

// Range is an inclusive byte interval [Min, Max] assigned to one segment.
// Max is unknownSize when the upper bound is open.
type Range struct {
	Min int64
	Max int64
}

// Open reports whether r has no known upper bound.
func (r Range) Open() bool { return r.Max == unknownSize }

// Size returns Max-Min+1, or unknownSize if r is open.
func (r Range) Size() int64 {
	if r.Open() {
		return unknownSize
	}
	return r.Max - r.Min + 1
}

// Plan is the ordered sequence of Ranges covering a resource from some
// start offset to its end, produced by planRanges.
type Plan []Range

// planRanges implements spec.md §4.1's planner rules. start and totalSize
// are absolute byte offsets; totalSize is unknownSize when the server never
// reported a length. configuredChunks is the caller's requested
// parallelism; acceptsRanges reports whether the server advertised
// byte-range support.
//
// Returns an empty, non-nil Plan when size == 0 (caller treats this as
// immediate, zero-byte success). Returns ErrRangeExceeded when start is
// past totalSize.
func planRanges(start, totalSize int64, acceptsRanges bool, configuredChunks int) (Plan, error) {
	if totalSize == unknownSize {
		// Size unknown: only one connection can usefully cover it, and its
		// upper bound stays open until the socket reports EOF.
		return Plan{{Min: start, Max: unknownSize}}, nil
	}

	size := totalSize - start
	if size < 0 {
		return nil, fmt.Errorf("start %d exceeds total size %d: %w", start, totalSize, ErrRangeExceeded)
	}
	if size == 0 {
		return Plan{}, nil
	}

	chunks := configuredChunks
	if !acceptsRanges {
		chunks = 1
	} else if size < int64(configuredChunks) {
		if size < 5 {
			chunks = 1
		} else {
			chunks = 5
		}
	}
	if chunks < 1 {
		chunks = 1
	}
	// A plan can never have more segments than there are bytes to assign.
	if int64(chunks) > size {
		chunks = int(size)
	}

	quotient := size / int64(chunks)
	plan := make(Plan, 0, chunks)
	cur := start
	for i := 0; i < chunks; i++ {
		var end int64
		if i == chunks-1 {
			end = totalSize - 1
		} else {
			end = cur + quotient - 1
		}
		plan = append(plan, Range{Min: cur, Max: end})
		cur = end + 1
	}
	return plan, nil
}
