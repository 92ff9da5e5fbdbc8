package jobs

import "fmt"

// DefaultChunkSize is the preferred number of items per submission.
const DefaultChunkSize = 10

// PlanLanes splits total items across at most maxLanes lanes.
//
// When total fits in one chunk a single lane takes everything. Otherwise
// min(ceil(total/chunkSize), maxLanes) lanes are used and total is shared as
// evenly as possible, the first total%lanes lanes taking one extra item.
// The result always sums to total and never contains a zero share.
func PlanLanes(total, maxLanes, chunkSize int) ([]int, error) {
	if total <= 0 {
		return nil, fmt.Errorf("%w: total must be positive, got %d", ErrValidation, total)
	}
	if maxLanes <= 0 {
		return nil, fmt.Errorf("%w: max lanes must be positive, got %d", ErrValidation, maxLanes)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrValidation, chunkSize)
	}

	if total <= chunkSize {
		return []int{total}, nil
	}

	required := (total + chunkSize - 1) / chunkSize
	lanes := min(required, maxLanes)

	base, extra := total/lanes, total%lanes
	plan := make([]int, lanes)
	for i := range plan {
		plan[i] = base
		if i < extra {
			plan[i]++
		}
	}
	return plan, nil
}

// ChunkSizes splits a lane's share into consecutive chunks of at most chunkSize.
func ChunkSizes(count, chunkSize int) []int {
	if count <= 0 || chunkSize <= 0 {
		return nil
	}
	sizes := make([]int, 0, (count+chunkSize-1)/chunkSize)
	for start := 0; start < count; start += chunkSize {
		sizes = append(sizes, min(chunkSize, count-start))
	}
	return sizes
}
