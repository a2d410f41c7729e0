package fl

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Clusterer splits rows into two groups labelled 0 and 1.
type Clusterer interface {
	ClusterTwo(rows *mat.Dense, seed int64) []int
}

// TwoMeans is Lloyd's algorithm with k-means++ seeding, restarted NInit
// times; the labelling with the lowest inertia wins. Identical input and
// seed always give identical labels.
type TwoMeans struct {
	NInit   int
	MaxIter int
	Tol     float64
}

func NewTwoMeans() TwoMeans {
	return TwoMeans{NInit: 10, MaxIter: 300, Tol: 1e-4}
}

func (k TwoMeans) ClusterTwo(rows *mat.Dense, seed int64) []int {
	n, _ := rows.Dims()
	labels := make([]int, n)
	if n < 2 {
		return labels
	}
	rng := rand.New(rand.NewSource(seed))
	bestInertia := math.Inf(1)
	for run := 0; run < max(k.NInit, 1); run++ {
		centers := k.seedCenters(rows, rng)
		l, inertia := k.lloyd(rows, centers)
		if inertia < bestInertia {
			bestInertia = inertia
			copy(labels, l)
		}
	}
	return labels
}

// seedCenters picks the first center uniformly and the second with
// probability proportional to squared distance from the first.
func (k TwoMeans) seedCenters(rows *mat.Dense, rng *rand.Rand) [2][]float64 {
	n, _ := rows.Dims()
	first := rows.RawRowView(rng.Intn(n))
	d2 := make([]float64, n)
	for i := range d2 {
		d := floats.Distance(rows.RawRowView(i), first, 2)
		d2[i] = d * d
	}
	second := rng.Intn(n)
	if total := floats.Sum(d2); total > 0 {
		target := rng.Float64() * total
		for i, d := range d2 {
			target -= d
			if target < 0 {
				second = i
				break
			}
		}
	}
	return [2][]float64{
		append([]float64(nil), first...),
		append([]float64(nil), rows.RawRowView(second)...),
	}
}

func (k TwoMeans) lloyd(rows *mat.Dense, centers [2][]float64) ([]int, float64) {
	n, c := rows.Dims()
	labels := make([]int, n)
	inertia := 0.0
	for iter := 0; iter < max(k.MaxIter, 1); iter++ {
		inertia = 0
		for i := 0; i < n; i++ {
			row := rows.RawRowView(i)
			d0 := floats.Distance(row, centers[0], 2)
			d1 := floats.Distance(row, centers[1], 2)
			if d1 < d0 {
				labels[i] = 1
				inertia += d1 * d1
			} else {
				labels[i] = 0
				inertia += d0 * d0
			}
		}

		shift := 0.0
		for label := range centers {
			next := make([]float64, c)
			count := 0
			for i := 0; i < n; i++ {
				if labels[i] == label {
					floats.Add(next, rows.RawRowView(i))
					count++
				}
			}
			// an empty cluster keeps its center
			if count == 0 {
				continue
			}
			floats.Scale(1/float64(count), next)
			d := floats.Distance(next, centers[label], 2)
			shift += d * d
			centers[label] = next
		}
		if shift <= k.Tol*k.Tol {
			break
		}
	}
	return labels, inertia
}
