package counting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/citescore/internal/exclusion"
	apperrors "github.com/Adithya-Monish-Kumar-K/citescore/pkg/errors"
)

var dated = Params{MinDate: 20100101, MaxDate: 20240101, UseDates: true}

func feed(t *testing.T, a *Accumulator) {
	t.Helper()
	require.NoError(t, a.Add(1, 20200101, []uint32{0, 1}))
	require.NoError(t, a.Add(2, 19990101, []uint32{0}))
	require.NoError(t, a.Add(3, 20250101, []uint32{1}))
}

func TestCountingScenario(t *testing.T) {
	a, err := New(2, dated, nil)
	require.NoError(t, err)
	feed(t, a)

	res := a.Result()
	assert.EqualValues(t, 1, res.Matched)
	assert.Equal(t, []int32{1, 1}, res.Counts)
	assert.EqualValues(t, 2, res.OutOfRange)
	assert.Nil(t, res.MatchedIDs)
}

func TestCountingExclusionScenario(t *testing.T) {
	ex, err := exclusion.New([]uint32{1})
	require.NoError(t, err)
	a, err := New(2, dated, ex)
	require.NoError(t, err)
	feed(t, a)

	res := a.Result()
	assert.Zero(t, res.Matched)
	assert.Equal(t, []int32{0, 0}, res.Counts)
	assert.EqualValues(t, 1, res.Excluded)
}

func TestCountingRepeatedFeatures(t *testing.T) {
	a, err := New(3, Params{}, nil)
	require.NoError(t, err)
	require.NoError(t, a.Add(5, 0, []uint32{2, 2, 2}))
	require.NoError(t, a.Add(6, 0, nil))
	res := a.Result()
	assert.Equal(t, []int32{0, 0, 3}, res.Counts)
	assert.EqualValues(t, 2, res.Matched)
}

func TestCountingBoundsLeavesTableUntouched(t *testing.T) {
	a, err := New(2, Params{}, nil)
	require.NoError(t, err)
	err = a.Add(9, 0, []uint32{0, 1, 2})
	assert.ErrorIs(t, err, apperrors.ErrBounds)
	res := a.Result()
	assert.Equal(t, []int32{0, 0}, res.Counts)
	assert.Zero(t, res.Matched)
}

func TestCountingMergeAndTrack(t *testing.T) {
	params := Params{TrackMatched: true}
	a, _ := New(3, params, nil)
	b, _ := New(3, params, nil)
	require.NoError(t, a.Add(10, 0, []uint32{0, 2}))
	require.NoError(t, b.Add(20, 0, []uint32{2}))
	require.NoError(t, b.Add(30, 0, []uint32{1}))

	a.Merge(b)
	res := a.Result()
	assert.Equal(t, []int32{1, 1, 2}, res.Counts)
	assert.EqualValues(t, 3, res.Matched)
	assert.EqualValues(t, 3, res.Scanned)
	require.NotNil(t, res.MatchedIDs)
	assert.Equal(t, []uint32{10, 20, 30}, res.MatchedIDs.ToArray())
}

func TestCountingValidate(t *testing.T) {
	_, err := New(2, Params{UseDates: true, MinDate: 3, MaxDate: 2}, nil)
	assert.ErrorIs(t, err, apperrors.ErrConfig)
	_, err = New(-1, Params{}, nil)
	assert.ErrorIs(t, err, apperrors.ErrConfig)
	_, err = New(MaxFeatures+1, Params{}, nil)
	assert.ErrorIs(t, err, apperrors.ErrConfig)
	_, err = New(1<<50, Params{}, nil)
	assert.ErrorIs(t, err, apperrors.ErrConfig)
}
