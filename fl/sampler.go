package fl

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/stat/sampleuv"
)

var ErrTooManyNeighbors = errors.New("too many neighbors")

// SampleNeighbor picks, for each of n members, xi distinct other members
// uniformly without replacement.
func SampleNeighbor(n, xi int) ([][]int, error) {
	if xi < 0 || xi > n-1 {
		return nil, fmt.Errorf("%w: cannot pick %d neighbors among %d members", ErrTooManyNeighbors, xi, n)
	}
	neighbors := make([][]int, n)
	for i := range neighbors {
		idx := make([]int, xi)
		if xi == 0 {
			neighbors[i] = idx
			continue
		}
		sampleuv.WithoutReplacement(idx, n-1, nil)
		// skip over i itself
		for j, v := range idx {
			if v >= i {
				idx[j] = v + 1
			}
		}
		neighbors[i] = idx
	}
	return neighbors, nil
}

// cohorts shuffles the user ids [0, nUsers) and splits them into batches
// of at most size users; the last batch may be short.
func cohorts(rng *rand.Rand, nUsers, size int) [][]int {
	perm := rng.Perm(nUsers)
	out := make([][]int, 0, (nUsers+size-1)/size)
	for start := 0; start < nUsers; start += size {
		end := start + size
		if end > nUsers {
			end = nUsers
		}
		out = append(out, perm[start:end])
	}
	return out
}
