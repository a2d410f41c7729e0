package m

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func newTestNetwork(t *testing.T) *Network {
	t.Helper()
	net := NewNetwork(Config{Name: "test", InputNum: 6, HiddenNum: 4, LatentNum: 3, Gamma: 0.05})
	// deterministic reparameterization for gradient checks
	net.noise = func() float64 { return 0 }
	return net
}

func lossAt(t *testing.T, net *Network, x []float64) float64 {
	t.Helper()
	_, loss, err := net.Forward(x, 0)
	require.NoError(t, err)
	return loss
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	net := newTestNetwork(t)
	net.UpdatePrior()
	x := []float64{1, 0, 1, 0, 0, 1}

	_, _, err := net.Forward(x, 0)
	require.NoError(t, err)
	net.Backward()
	grads := net.Gradients()

	const h = 1e-6
	for _, name := range []string{DecWeight, DecBias, EncMuWeight, EncLogvarBias, EncFC1Weight, EncFC1Bias} {
		p, ok := net.Parameter(name)
		require.True(t, ok)
		r, c := p.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				orig := p.At(i, j)
				p.Set(i, j, orig+h)
				up := lossAt(t, net, x)
				p.Set(i, j, orig-h)
				down := lossAt(t, net, x)
				p.Set(i, j, orig)
				numeric := (up - down) / (2 * h)
				assert.InDelta(t, numeric, grads[name].At(i, j), 1e-4, "%s[%d,%d]", name, i, j)
			}
		}
	}
}

func TestBackwardItemSparsity(t *testing.T) {
	net := newTestNetwork(t)
	x := []float64{0, 1, 0, 0, 1, 0}
	_, _, err := net.Forward(x, 0)
	require.NoError(t, err)
	net.Backward()

	fc1 := net.Grad(EncFC1Weight)
	sums := RowSums(mat.DenseCopyOf(fc1.T()))
	for item, s := range sums {
		if x[item] == 0 {
			assert.Zero(t, s, "item %d", item)
		}
	}
	for item, s := range RowSums(net.Grad(DecWeight)) {
		assert.NotZero(t, s, "item %d", item)
	}
}

func TestForwardRejectsWrongLength(t *testing.T) {
	net := newTestNetwork(t)
	_, _, err := net.Forward([]float64{1, 0}, 0)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestFrozenPriorParameters(t *testing.T) {
	net := newTestNetwork(t)
	frozen := 0
	for _, p := range net.NamedParameters() {
		if !p.RequiresGrad {
			frozen++
			assert.Contains(t, p.Name, PriorPrefix)
		}
	}
	assert.Equal(t, 4, frozen)

	net.UpdatePrior()
	enc, _ := net.Parameter(EncFC1Weight)
	prior, _ := net.Parameter(PriorPrefix + "fc1.weight")
	assert.True(t, mat.Equal(enc, prior))
}

func TestLoadStateErrors(t *testing.T) {
	net := newTestNetwork(t)
	state := net.State()
	delete(state, DecBias)
	require.ErrorIs(t, net.LoadState(state), ErrMissingParameter)

	state = net.State()
	state[DecBias] = mat.NewDense(2, 1, nil)
	require.ErrorIs(t, net.LoadState(state), ErrShapeMismatch)
}

func TestSaveLoadCheckpoint(t *testing.T) {
	net := newTestNetwork(t)
	path := filepath.Join(t.TempDir(), "model.gob")
	require.NoError(t, net.Save(path))

	other := newTestNetwork(t)
	require.NoError(t, other.Load(path))
	for _, p := range net.NamedParameters() {
		q, ok := other.Parameter(p.Name)
		require.True(t, ok)
		assert.True(t, mat.Equal(p.Value, q), p.Name)
	}
}

func TestByteSize(t *testing.T) {
	d := mat.NewDense(3, 4, nil)
	b, err := d.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, len(b), ByteSize(d))

	p := Params{"a": d, "b": mat.NewDense(2, 1, nil)}
	assert.Equal(t, ByteSize(d)+ByteSize(p["b"]), p.ByteSize())
	assert.InDelta(t, 1.0, Megabytes(1<<20), 1e-12)
}

func TestItemRows(t *testing.T) {
	d := mat.NewDense(2, 5, nil)
	rows, err := ItemRows(d, 5)
	require.NoError(t, err)
	r, c := rows.Dims()
	assert.Equal(t, 5, r)
	assert.Equal(t, 2, c)

	_, err = ItemRows(d, 7)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestAdamStepDescends(t *testing.T) {
	net := newTestNetwork(t)
	x := []float64{1, 1, 0, 0, 0, 1}
	before := lossAt(t, net, x)

	opt := NewAdam(net, []string{DecWeight, DecBias}, 0.05, 0)
	for i := 0; i < 20; i++ {
		opt.ZeroGrad()
		_, _, err := net.Forward(x, 0)
		require.NoError(t, err)
		net.Backward()
		opt.Step()
	}
	assert.Less(t, lossAt(t, net, x), before)

	opt.ZeroGrad()
	assert.Nil(t, net.Grad(DecWeight))
}
