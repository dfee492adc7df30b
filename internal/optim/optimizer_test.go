package optim

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSGDStepWithMomentum(t *testing.T) {
	p := NewParam("w", []float64{1.0})
	opt := NewSGD([]*Param{p}, 0.1, 0.9, 0)

	p.Grad[0] = 1.0
	require.NoError(t, opt.Step())
	assert.InDelta(t, 0.9, p.Value[0], 1e-12)

	p.Grad[0] = 1.0
	require.NoError(t, opt.Step())
	// velocity = 0.9*1 + 1 = 1.9
	assert.InDelta(t, 0.9-0.19, p.Value[0], 1e-12)
}

func TestSGDRejectsNonFiniteGradient(t *testing.T) {
	p := NewParam("w", []float64{1.0})
	opt := NewSGD([]*Param{p}, 0.1, 0, 0)
	p.Grad[0] = math.NaN()

	err := opt.Step()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNonFinite))
	assert.Equal(t, 1.0, p.Value[0], "parameter must be untouched")
}

func TestSGDStateRoundTrip(t *testing.T) {
	p := NewParam("w", []float64{1.0, 2.0})
	opt := NewSGD([]*Param{p}, 0.1, 0.9, 0)
	p.Grad[0], p.Grad[1] = 0.5, -0.5
	require.NoError(t, opt.Step())

	data, err := opt.State()
	require.NoError(t, err)

	q := NewParam("w", []float64{0, 0})
	restored := NewSGD([]*Param{q}, 0.5, 0.9, 0)
	require.NoError(t, restored.LoadState(data))
	assert.Equal(t, 0.1, restored.LR())
	assert.Equal(t, opt.velocity, restored.velocity)
}

func TestSGDLoadStateRejectsShapeMismatch(t *testing.T) {
	opt := NewSGD([]*Param{NewParam("w", []float64{1, 2})}, 0.1, 0, 0)
	data, err := opt.State()
	require.NoError(t, err)

	other := NewSGD([]*Param{NewParam("w", []float64{1, 2, 3})}, 0.1, 0, 0)
	assert.ErrorIs(t, other.LoadState(data), ErrStateMismatch)
}

func TestAdamMovesAgainstGradient(t *testing.T) {
	p := NewParam("w", []float64{0.0})
	opt := NewAdam([]*Param{p}, 0.01, 0)
	p.Grad[0] = 2.0
	require.NoError(t, opt.Step())
	// first bias-corrected Adam step has magnitude lr
	assert.InDelta(t, -0.01, p.Value[0], 1e-6)
}

func TestGroupStepsEveryMember(t *testing.T) {
	a := NewParam("a", []float64{1})
	b := NewParam("b", []float64{1})
	g := NewGroup(NewSGD([]*Param{a}, 0.1, 0, 0), NewSGD([]*Param{b}, 1.0, 0, 0))
	a.Grad[0], b.Grad[0] = 1, 1

	require.NoError(t, g.Step())
	assert.InDelta(t, 0.9, a.Value[0], 1e-12)
	assert.InDelta(t, 0.0, b.Value[0], 1e-12)
	assert.Len(t, g.Params(), 2)

	g.ZeroGrad()
	assert.Zero(t, a.Grad[0])
	assert.Zero(t, b.Grad[0])
}

func TestNewUnsupportedOptimizer(t *testing.T) {
	_, err := New("rmsprop", nil, 0.1, 0, 0)
	assert.Error(t, err)
}
