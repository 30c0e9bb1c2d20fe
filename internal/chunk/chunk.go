// Package chunk partitions each container's matched-record index range
// into near-equal chunks and interleaves chunks from different
// containers round-robin. The spacing minimizes the chance that two
// concurrent parse tasks need the same container's pooled archive
// handle at the same time, which would force the pool to open a second
// copy.
package chunk

import "github.com/larsgrefer/classgraph/internal/container"

// Chunk is a contiguous (start, end] index range over one container's
// matched-record list. Ephemeral: created by Plan, consumed once by a
// parse task.
type Chunk struct {
	Container *container.Container
	Start     int
	End       int
}

// split partitions [0, m) into ceil(m/target) near-equal contiguous
// ranges. The ranges are disjoint, cover [0, m) exactly, and never have
// zero length.
func split(m, target int) [][2]int {
	if m <= 0 || target <= 0 {
		return nil
	}
	numChunks := (m + target - 1) / target
	ranges := make([][2]int, 0, numChunks)
	for i := 0; i < numChunks; i++ {
		start := i * m / numChunks
		end := (i + 1) * m / numChunks
		if end > start {
			ranges = append(ranges, [2]int{start, end})
		}
	}
	return ranges
}

// Plan builds the parse task order: per-container chunk sequences
// interleaved round-robin. Each container's own chunks keep their
// relative order; shorter sequences are exhausted first without
// reordering the rest. No ordering is guaranteed between chunks of
// different containers.
func Plan(order []*container.Container, target int) []Chunk {
	perContainer := make([][]Chunk, 0, len(order))
	total := 0
	for _, c := range order {
		ranges := split(len(c.Matched()), target)
		if len(ranges) == 0 {
			continue
		}
		chunks := make([]Chunk, len(ranges))
		for i, rg := range ranges {
			chunks[i] = Chunk{Container: c, Start: rg[0], End: rg[1]}
		}
		perContainer = append(perContainer, chunks)
		total += len(chunks)
	}

	interleaved := make([]Chunk, 0, total)
	for len(perContainer) > 0 {
		next := perContainer[:0]
		for _, chunks := range perContainer {
			interleaved = append(interleaved, chunks[0])
			if rest := chunks[1:]; len(rest) > 0 {
				next = append(next, rest)
			}
		}
		perContainer = next
	}
	return interleaved
}
