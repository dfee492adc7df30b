package synth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reidcontinual/internal/config"
	"reidcontinual/internal/data"
)

func drain(t *testing.T, src data.Source) []data.Batch {
	t.Helper()
	var out []data.Batch
	it := src.Iter(1)
	for {
		b, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, b)
	}
}

func TestGenerateLayout(t *testing.T) {
	cfg := config.Default().Dataset
	split, err := Generate(cfg, 6, 4)
	require.NoError(t, err)

	assert.Equal(t, cfg.Name, split.Name)
	assert.Equal(t, cfg.Identities, split.NumClasses)
	assert.Len(t, split.Train.Samples(), cfg.Identities*cfg.SamplesPerIdentity)

	var queries, gallery int
	for _, b := range drain(t, split.Eval.Query) {
		queries += b.Size()
		assert.Equal(t, 6, b.Input.Cols())
	}
	for _, b := range drain(t, split.Eval.Gallery) {
		gallery += b.Size()
	}
	assert.Equal(t, cfg.Identities*cfg.QueryPerIdentity, queries)
	assert.Equal(t, cfg.Identities*(cfg.SamplesPerIdentity-cfg.QueryPerIdentity), gallery)
}

func TestGenerateIsDeterministic(t *testing.T) {
	cfg := config.Default().Continuation.Dataset
	a, err := Generate(cfg, 4, 8)
	require.NoError(t, err)
	b, err := Generate(cfg, 4, 8)
	require.NoError(t, err)
	assert.Equal(t, a.Train.Samples(), b.Train.Samples())

	cfg.Seed++
	c, err := Generate(cfg, 4, 8)
	require.NoError(t, err)
	assert.NotEqual(t, a.Train.Samples(), c.Train.Samples())
}

func TestGenerateRejectsBadLayout(t *testing.T) {
	cfg := config.Default().Dataset
	cfg.QueryPerIdentity = cfg.SamplesPerIdentity
	_, err := Generate(cfg, 4, 8)
	assert.Error(t, err)

	_, err = Generate(config.Default().Dataset, 0, 8)
	assert.Error(t, err)
}
