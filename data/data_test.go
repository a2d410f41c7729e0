package data

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDataset(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"unique_sid.txt":    "10\n11\n12\n13\n14\n",
		"train.csv":         "uid,sid\n0,1\n0,3\n1,0\n2,4\n2,2\n",
		"validation_tr.csv": "uid,sid\n3,0\n4,1\n",
		"validation_te.csv": "uid,sid\n3,2\n4,3\n",
		"test_tr.csv":       "uid,sid\n5,4\n",
		"test_te.csv":       "uid,sid\n5,0\n6,1\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestLoad(t *testing.T) {
	ds, err := Load(writeDataset(t))
	require.NoError(t, err)

	assert.Equal(t, 5, ds.NItems)
	assert.Equal(t, 3, ds.Train.Len())

	row, err := ds.Train.Row(0)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 0, 1, 0}, row)

	_, err = ds.Train.Row(3)
	require.ErrorIs(t, err, ErrUnknownUser)

	assert.Equal(t, 2, ds.Validation.Input.Len())
	// user 6 only appears in the held-out file
	assert.Equal(t, 2, ds.Test.Input.Len())
	empty, err := ds.Test.Input.Row(1)
	require.NoError(t, err)
	assert.Equal(t, make([]float64, 5), empty)
}

func TestBatches(t *testing.T) {
	ds, err := Load(writeDataset(t))
	require.NoError(t, err)

	batches := ds.Validation.Batches(1)
	require.Len(t, batches, 2)
	assert.Equal(t, 1.0, batches[0].Input.At(0, 0))
	assert.Equal(t, 1.0, batches[0].Holdout.At(0, 2))
	assert.Equal(t, 1.0, batches[1].Holdout.At(0, 3))

	batches = ds.Validation.Batches(10)
	require.Len(t, batches, 1)
	r, c := batches[0].Input.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 5, c)
}

func TestLoadRejectsOutOfCatalogueItem(t *testing.T) {
	dir := writeDataset(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "train.csv"), []byte("uid,sid\n0,9\n"), 0o644))
	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoadRejectsNegativeUser(t *testing.T) {
	dir := writeDataset(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "train.csv"), []byte("uid,sid\n0,1\n-1,0\n"), 0o644))
	var err error
	require.NotPanics(t, func() { _, err = Load(dir) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")

	dir = writeDataset(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test_te.csv"), []byte("uid,sid\n5,0\n-2,1\n"), 0o644))
	require.NotPanics(t, func() { _, err = Load(dir) })
	require.Error(t, err)
}
