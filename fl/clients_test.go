package fl

import (
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaluMacil/fedvae/data"
	"github.com/PaluMacil/fedvae/m"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	c := DefaultConfig()
	c.DatasetName = "tiny"
	c.Model = m.Config{Name: "RecVAE", HiddenNum: 4, LatentNum: 2, Gamma: 0.005}
	c.BatchSize = 2
	c.Epochs = 2
	c.EarlyStop = 3
	c.NEncEpochs = 1
	c.NDecEpochs = 1
	c.TopK = 2
	c.LR = 1e-3
	c.SavedPath = t.TempDir()
	c.ResultPath = t.TempDir()
	return c
}

func tinyDataset() *data.Dataset {
	return &data.Dataset{
		NItems: 5,
		Train:  data.NewRows(5, [][]int{{0, 1}, {2}, {3, 4}, {1, 3}}),
		Validation: data.HeldOut{
			Input:   data.NewRows(5, [][]int{{0}, {2, 4}}),
			Holdout: data.NewRows(5, [][]int{{1}, {3}}),
		},
		Test: data.HeldOut{
			Input:   data.NewRows(5, [][]int{{1}, {3}}),
			Holdout: data.NewRows(5, [][]int{{0, 2}, {4}}),
		},
	}
}

func newTestClients(t *testing.T, c Config, ds *data.Dataset) *Clients {
	t.Helper()
	p, err := NewPerturber(c)
	require.NoError(t, err)
	return NewClients(c, ds.Train, ds.NItems, p, hclog.NewNullLogger())
}

func serverState(c Config, nItems int) m.Params {
	mc := c.Model
	mc.InputNum = nItems
	return m.NewNetwork(mc).State()
}

func TestClientsTrainCost(t *testing.T) {
	c := testConfig(t)
	ds := tinyDataset()
	clients := newTestClients(t, c, ds)
	state := serverState(c, ds.NItems)

	grads, err := clients.Train([]int{2, 0, 3}, state, 0)
	require.NoError(t, err)
	require.Len(t, grads, 3)
	assert.Equal(t, 2, grads[0].UID)

	upload := 0
	for _, u := range grads {
		// only trainable parameters are uploaded
		assert.Len(t, u.Grads, 8)
		for name, g := range u.Grads {
			assert.False(t, strings.HasPrefix(name, m.PriorPrefix), name)
			upload += m.ByteSize(g)
		}
	}
	want := m.Megabytes(float64(3*state.ByteSize()+upload)) / 3
	require.Len(t, clients.Ledger().Rounds(), 1)
	assert.InDelta(t, want, clients.Ledger().Rounds()[0], 1e-12)
	assert.InDelta(t, want, clients.MeanCommunicationCost(), 1e-12)
}

func TestClientsTrainEncoderSparsity(t *testing.T) {
	c := testConfig(t)
	ds := tinyDataset()
	clients := newTestClients(t, c, ds)

	grads, err := clients.Train([]int{1}, serverState(c, ds.NItems), 0)
	require.NoError(t, err)
	fc1 := grads[0].Grads[m.EncFC1Weight]
	r, _ := fc1.Dims()
	for i := 0; i < r; i++ {
		for _, item := range []int{0, 1, 3, 4} {
			assert.Zero(t, fc1.At(i, item))
		}
	}
}

func TestClientsTrainMasked(t *testing.T) {
	c := testConfig(t)
	c.PerturbMethod = PerturbMPC
	c.Xi = 1
	ds := tinyDataset()
	clients := newTestClients(t, c, ds)
	state := serverState(c, ds.NItems)

	_, err := clients.Train([]int{0, 1}, state, 0)
	require.NoError(t, err)

	// the same cohort without masking costs less by the exchanged shares
	c.PerturbMethod = PerturbNone
	plain := newTestClients(t, c, ds)
	_, err = plain.Train([]int{0, 1}, state, 0)
	require.NoError(t, err)
	assert.Greater(t, clients.MeanCommunicationCost(), plain.MeanCommunicationCost())
}

func TestClientsTrainRejectsCohort(t *testing.T) {
	c := testConfig(t)
	ds := tinyDataset()
	clients := newTestClients(t, c, ds)
	state := serverState(c, ds.NItems)

	_, err := clients.Train([]int{0, 4}, state, 0)
	require.ErrorIs(t, err, data.ErrUnknownUser)
	_, err = clients.Train([]int{-1}, state, 0)
	require.ErrorIs(t, err, data.ErrUnknownUser)
	_, err = clients.Train([]int{1, 1}, state, 0)
	require.ErrorIs(t, err, ErrDuplicateUser)
	_, err = clients.Train(nil, state, 0)
	require.ErrorIs(t, err, ErrEmptyCohort)

	delete(state, m.DecBias)
	_, err = clients.Train([]int{0}, state, 0)
	require.ErrorIs(t, err, m.ErrMissingParameter)

	assert.Empty(t, clients.Ledger().Rounds())
}

func TestClientsEvaluateRestore(t *testing.T) {
	c := testConfig(t)
	ds := tinyDataset()
	clients := newTestClients(t, c, ds)

	score, err := clients.EvaluateRestore(3, []float64{0, 1, 0, 0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, score.Precision, 1e-12)
	assert.InDelta(t, 0.5, score.Recall, 1e-12)

	_, err = clients.EvaluateRestore(3, []float64{0, 1})
	require.ErrorIs(t, err, m.ErrShapeMismatch)
}
