package data

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samples(n int) []Sample {
	out := make([]Sample, n)
	for i := range out {
		out[i] = Sample{Features: []float64{float64(i), -float64(i)}, Label: i}
	}
	return out
}

func drain(t *testing.T, it Iterator) [][]int {
	t.Helper()
	var labels [][]int
	for {
		b, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return labels
		}
		labels = append(labels, b.Labels)
	}
}

func TestSliceSourceLen(t *testing.T) {
	src, err := NewSliceSource(samples(10), SliceOptions{BatchSize: 4})
	require.NoError(t, err)
	assert.Equal(t, 3, src.Len())

	dropped, err := NewSliceSource(samples(10), SliceOptions{BatchSize: 4, DropLast: true})
	require.NoError(t, err)
	assert.Equal(t, 2, dropped.Len())
	assert.Len(t, drain(t, dropped.Iter(0)), 2)
}

func TestSliceSourceIsRestartablePerEpoch(t *testing.T) {
	src, err := NewSliceSource(samples(12), SliceOptions{BatchSize: 5, Shuffle: true, Seed: 42})
	require.NoError(t, err)

	first := drain(t, src.Iter(3))
	again := drain(t, src.Iter(3))
	assert.Equal(t, first, again)
	assert.Len(t, first, src.Len())

	other := drain(t, src.Iter(4))
	assert.NotEqual(t, first, other)
}

func TestSliceSourceRejectsBadInput(t *testing.T) {
	_, err := NewSliceSource(nil, SliceOptions{BatchSize: 1})
	assert.ErrorIs(t, err, ErrEmptySource)

	_, err = NewSliceSource(samples(2), SliceOptions{BatchSize: 0})
	assert.Error(t, err)

	ragged := []Sample{{Features: []float64{1}}, {Features: []float64{1, 2}}}
	_, err = NewSliceSource(ragged, SliceOptions{BatchSize: 1})
	assert.Error(t, err)
}

func TestIteratorHonoursCancellation(t *testing.T) {
	src, err := NewSliceSource(samples(4), SliceOptions{BatchSize: 2})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = src.Iter(0).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
