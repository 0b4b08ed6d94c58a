package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	a, err := parseArgs([]string{"cites.bin", "3", "2", "1", "5", "0", "20100101", "20240101"})
	require.NoError(t, err)
	assert.Equal(t, "cites.bin", a.citations)
	assert.EqualValues(t, 3, a.numCites)
	assert.Equal(t, 2, a.numFeats)
	assert.EqualValues(t, 1, a.params.Offset)
	assert.Equal(t, 5, a.params.Limit)
	assert.EqualValues(t, 20100101, a.params.MinDate)
	assert.EqualValues(t, 20240101, a.params.MaxDate)

	_, err = parseArgs([]string{"cites.bin", "3"})
	assert.ErrorContains(t, err, "expected 8 arguments")

	_, err = parseArgs([]string{"cites.bin", "3", "-2", "1", "5", "0", "0", "1"})
	assert.ErrorContains(t, err, "numfeats")

	_, err = parseArgs([]string{"cites.bin", "3", "1125899906842624", "1", "5", "0", "0", "1"})
	assert.ErrorContains(t, err, "numfeats")
}
