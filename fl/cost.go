package fl

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/PaluMacil/fedvae/m"
)

// Ledger records the per-user communication cost of every round in MB.
type Ledger struct {
	rounds []float64
}

func (l *Ledger) Append(mb float64) {
	l.rounds = append(l.rounds, mb)
}

func (l *Ledger) Rounds() []float64 {
	return append([]float64(nil), l.rounds...)
}

// Mean is the average over all recorded rounds, zero when none.
func (l *Ledger) Mean() float64 {
	if len(l.rounds) == 0 {
		return 0
	}
	return stat.Mean(l.rounds, nil)
}

// UploadCost is the MB the cohort sends to the server. With compression, a
// protected tensor only costs the fraction of items it carries non-zero
// gradient for.
func UploadCost(grads CohortGradients, protected map[string]bool, nItems int, compressed bool) float64 {
	bytes := 0.0
	for _, u := range grads {
		for name, g := range u.Grads {
			fraction := 1.0
			if compressed && protected[name] {
				fraction = nonZeroItems(g, nItems) / float64(nItems)
			}
			bytes += float64(m.ByteSize(g)) * fraction
		}
	}
	return m.Megabytes(bytes)
}

// nonZeroItems counts item slices of g with non-zero gradient. Matrices are
// summed along the axis that is not the item axis; 1-D tensors are tested
// element-wise.
func nonZeroItems(g *mat.Dense, nItems int) float64 {
	r, c := g.Dims()
	count := 0.0
	if c == 1 {
		for i := 0; i < r; i++ {
			if g.At(i, 0) != 0 {
				count++
			}
		}
		return count
	}
	sums := m.RowSums(g)
	if r != nItems {
		sums = m.RowSums(g.T())
	}
	for _, s := range sums {
		if s != 0 {
			count++
		}
	}
	return count
}
