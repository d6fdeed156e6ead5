// Package planner implements the Partition Planner: it turns the gaps
// in a Sink's coverage into a concrete list of chunk-worker jobs.
package planner

import (
	"tachyon/internal/interval"
)

const (
	// MinChunkSize is the smallest range a worker will be assigned;
	// below this it isn't worth the overhead of a separate connection.
	MinChunkSize = 1 * 1024 * 1024 // 1MiB
	// MaxWorkers caps fan-out regardless of how many gaps exist.
	MaxWorkers = 32
)

// Chunk is one unit of work for a Chunk Worker: fetch [Start, End)
// and write it at Start.
type Chunk struct {
	Start int64
	End   int64
}

// Plan computes the chunks needed to fill every gap in written, up to
// maxWorkers chunks. If the server doesn't support ranges, the whole
// remaining span is returned as a single chunk regardless of size.
func Plan(written *interval.Set, totalSize int64, rangesSupported bool, maxWorkers int) []Chunk {
	gaps := written.Complement(totalSize)
	if len(gaps) == 0 {
		return nil
	}

	if !rangesSupported {
		return []Chunk{{Start: gaps[0].Start, End: totalSize}}
	}

	if maxWorkers <= 0 || maxWorkers > MaxWorkers {
		maxWorkers = MaxWorkers
	}

	var chunks []Chunk
	for _, gap := range gaps {
		chunks = append(chunks, splitGap(gap)...)
	}

	if len(chunks) <= maxWorkers {
		return chunks
	}

	// Too many chunks for the worker cap: coalesce the tail of the
	// list into the last worker's chunk rather than dropping work.
	merged := make([]Chunk, maxWorkers)
	copy(merged, chunks[:maxWorkers-1])
	merged[maxWorkers-1] = Chunk{Start: chunks[maxWorkers-1].Start, End: chunks[len(chunks)-1].End}
	return merged
}

// splitGap divides one gap into MinChunkSize-ish pieces, never
// producing a trailing sliver smaller than half a chunk (the last two
// pieces merge instead).
func splitGap(gap interval.Range) []Chunk {
	span := gap.End - gap.Start
	if span <= MinChunkSize {
		return []Chunk{{Start: gap.Start, End: gap.End}}
	}

	n := span / MinChunkSize
	if span%MinChunkSize >= MinChunkSize/2 {
		n++
	}

	chunks := make([]Chunk, 0, n)
	cursor := gap.Start
	for i := int64(0); i < n; i++ {
		end := cursor + MinChunkSize
		if end > gap.End || i == n-1 {
			end = gap.End
		}
		chunks = append(chunks, Chunk{Start: cursor, End: end})
		cursor = end
	}
	return chunks
}
