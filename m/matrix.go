package m

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

func apply(fn func(i, j int, v float64) float64, m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Apply(fn, m)
	return o
}

func scale(s float64, m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Scale(s, m)
	return o
}

func multiply(m, n mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.MulElem(m, n)
	return o
}

func add(m, n mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Add(m, n)
	return o
}

func subtract(m, n mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Sub(m, n)
	return o
}

// affine returns w·x + b for a column-vector input.
func affine(w *mat.Dense, x []float64, b *mat.Dense) []float64 {
	r, _ := w.Dims()
	out := make([]float64, r)
	var o mat.VecDense
	o.MulVec(w, mat.NewVecDense(len(x), x))
	for i := 0; i < r; i++ {
		out[i] = o.AtVec(i) + b.At(i, 0)
	}
	return out
}

// transposeTimes returns wᵀ·d.
func transposeTimes(w *mat.Dense, d []float64) []float64 {
	_, c := w.Dims()
	var o mat.VecDense
	o.MulVec(w.T(), mat.NewVecDense(len(d), d))
	out := make([]float64, c)
	for i := range out {
		out[i] = o.AtVec(i)
	}
	return out
}

func outer(d, v []float64) *mat.Dense {
	o := mat.NewDense(len(d), len(v), nil)
	o.Outer(1, mat.NewVecDense(len(d), d), mat.NewVecDense(len(v), v))
	return o
}

// Column wraps v in an n×1 matrix, the layout used for 1-D tensors.
func Column(v []float64) *mat.Dense {
	c := make([]float64, len(v))
	copy(c, v)
	return mat.NewDense(len(c), 1, c)
}

func logSoftmax(logits []float64) []float64 {
	lse := floats.LogSumExp(logits)
	out := make([]float64, len(logits))
	for i, l := range logits {
		out[i] = l - lse
	}
	return out
}

func randomArray(size int, v float64) []float64 {
	dist := distuv.Uniform{
		Min: -1 / math.Sqrt(v),
		Max: 1 / math.Sqrt(v),
	}

	data := make([]float64, size)
	for i := 0; i < size; i++ {
		data[i] = dist.Rand()
	}
	return data
}

// RowSums sums each row of d across its columns.
func RowSums(d mat.Matrix) []float64 {
	r, c := d.Dims()
	sums := make([]float64, r)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			sums[i] += d.At(i, j)
		}
	}
	return sums
}

// Row copies row i of d.
func Row(d mat.Matrix, i int) []float64 {
	_, c := d.Dims()
	row := make([]float64, c)
	mat.Row(row, i, d)
	return row
}

// ItemRows orients an item-dimension tensor so that its rows index items.
// The first axis is kept when it already has nItems entries, otherwise the
// tensor is transposed.
func ItemRows(d *mat.Dense, nItems int) (*mat.Dense, error) {
	r, c := d.Dims()
	switch {
	case r == nItems:
		return d, nil
	case c == nItems:
		t := mat.DenseCopyOf(d.T())
		return t, nil
	default:
		return nil, fmt.Errorf("%w: tensor is %dx%d, expected an axis of %d items", ErrShapeMismatch, r, c, nItems)
	}
}
