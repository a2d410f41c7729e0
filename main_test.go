package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEpochs(t *testing.T) {
	epochs, err := parseEpochs("1, 5,10,")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5, 10}, epochs)

	epochs, err = parseEpochs("")
	require.NoError(t, err)
	assert.Empty(t, epochs)

	_, err = parseEpochs("1,x")
	require.Error(t, err)
}
