package fl

import (
	"math/rand"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/PaluMacil/fedvae/m"
	"github.com/PaluMacil/fedvae/metric"
)

type truthRows map[int][]float64

func (tr truthRows) EvaluateRestore(uid int, pred []float64) (metric.Binary, error) {
	return metric.BinaryScores(tr[uid], pred), nil
}

func newTestRestorer(nItems int, useEncGrad bool) *Restorer {
	c := DefaultConfig()
	c.UseEncGrad = useEncGrad
	return NewRestorer(c, nItems, hclog.NewNullLogger())
}

func TestRestoreLargerNormIsInteracted(t *testing.T) {
	r := newTestRestorer(4, false)
	dec := mat.NewDense(4, 2, []float64{
		0, 0,
		3, 4,
		0, 0,
		1, 0,
	})
	grads := CohortGradients{{UID: 0, Grads: m.Params{m.DecWeight: dec}}}

	pred, err := r.Predict(grads[0].Grads)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 0, 0}, pred)

	score, err := r.Restore(grads, truthRows{0: {0, 1, 0, 1}})
	require.NoError(t, err)
	assert.InDelta(t, 1, score.Precision, 1e-12)
	assert.InDelta(t, 0.5, score.Recall, 1e-12)
	assert.InDelta(t, 2.0/3, score.F1, 1e-12)
}

func TestRestoreTransposedDecoder(t *testing.T) {
	r := newTestRestorer(4, false)
	dec := mat.NewDense(2, 4, []float64{
		0, 1, 0, 6,
		0, 0, 0, 8,
	})
	pred, err := r.Predict(m.Params{m.DecWeight: dec})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0, 1}, pred)
}

func TestRestoreDegenerateCluster(t *testing.T) {
	r := newTestRestorer(5, false)
	dec := mat.NewDense(5, 2, []float64{
		2, 2,
		0, 0,
		2, 2,
		2, 2,
		0, 0,
	})
	pred, err := r.Predict(m.Params{m.DecWeight: dec})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, 1, 1, 0}, pred)

	pred, err = r.Predict(m.Params{m.DecWeight: mat.NewDense(5, 2, nil)})
	require.NoError(t, err)
	assert.Equal(t, make([]float64, 5), pred)
}

func TestRestoreSingleRow(t *testing.T) {
	r := newTestRestorer(3, false)
	dec := mat.NewDense(3, 1, []float64{0, 0.5, 0})
	pred, err := r.Predict(m.Params{m.DecWeight: dec})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 0}, pred)
}

func TestRestoreEncoderRefinement(t *testing.T) {
	dec := mat.NewDense(4, 2, []float64{
		0, 0,
		3, 4,
		0, 0,
		1, 0,
	})
	// hidden x items, item 2 seen by the encoder only
	enc := mat.NewDense(3, 4, []float64{
		0, 0, 1, 0,
		0, 0, 2, 0,
		0, 0, 0, 0,
	})
	grads := m.Params{m.DecWeight: dec, m.EncFC1Weight: enc}

	pred, err := newTestRestorer(4, true).Predict(grads)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 1, 0}, pred)

	pred, err = newTestRestorer(4, false).Predict(grads)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 0, 0}, pred)
}

func TestRestoreShapeErrors(t *testing.T) {
	r := newTestRestorer(4, true)
	_, err := r.Predict(m.Params{m.DecWeight: mat.NewDense(3, 2, nil)})
	require.ErrorIs(t, err, m.ErrShapeMismatch)

	_, err = r.Predict(m.Params{
		m.DecWeight:    mat.NewDense(4, 2, nil),
		m.EncFC1Weight: mat.NewDense(3, 5, nil),
	})
	require.ErrorIs(t, err, m.ErrShapeMismatch)

	_, err = r.Predict(m.Params{})
	require.ErrorIs(t, err, m.ErrMissingParameter)
}

func TestRestoreIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	dec := mat.NewDense(40, 3, nil)
	dec.Apply(func(i, _ int, _ float64) float64 {
		if i%4 == 0 {
			return 0
		}
		return rng.NormFloat64() * float64(1+i%3)
	}, dec)
	r := newTestRestorer(40, false)

	first, err := r.Predict(m.Params{m.DecWeight: dec})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := r.Predict(m.Params{m.DecWeight: mat.DenseCopyOf(dec)})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestTwoMeansSeparatesGroups(t *testing.T) {
	rows := mat.NewDense(6, 2, []float64{
		0.1, 0.0,
		10, 10,
		0.0, 0.2,
		10.2, 9.9,
		0.1, 0.1,
		9.8, 10.1,
	})
	labels := NewTwoMeans().ClusterTwo(rows, 42)
	require.Len(t, labels, 6)
	assert.Equal(t, labels[0], labels[2])
	assert.Equal(t, labels[0], labels[4])
	assert.Equal(t, labels[1], labels[3])
	assert.Equal(t, labels[1], labels[5])
	assert.NotEqual(t, labels[0], labels[1])
}
