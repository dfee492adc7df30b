package optim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWarmupMultiStepPolicy(t *testing.T) {
	p := WarmupMultiStepPolicy{
		Milestones:   []int{4, 8},
		Gamma:        0.1,
		WarmupFactor: 0.1,
		WarmupEpochs: 2,
	}
	tests := []struct {
		epoch int
		want  float64
	}{
		{0, 0.1},
		{1, 0.55},
		{2, 1.0},
		{3, 1.0},
		{4, 0.1},
		{8, 0.01},
	}
	for _, tc := range tests {
		assert.InDelta(t, tc.want, p.LRAt(tc.epoch, 1.0), 1e-12, "epoch %d", tc.epoch)
	}
}

func TestStepPolicy(t *testing.T) {
	p := StepPolicy{StepSize: 3, Gamma: 0.5}
	assert.InDelta(t, 1.0, p.LRAt(2, 1.0), 1e-12)
	assert.InDelta(t, 0.5, p.LRAt(3, 1.0), 1e-12)
	assert.InDelta(t, 0.25, p.LRAt(6, 1.0), 1e-12)
}

func TestCosinePolicyEndpoints(t *testing.T) {
	p := CosinePolicy{TMax: 10, EtaMin: 0.0}
	assert.InDelta(t, 1.0, p.LRAt(0, 1.0), 1e-12)
	assert.InDelta(t, 0.5, p.LRAt(5, 1.0), 1e-12)
	assert.InDelta(t, 0.0, p.LRAt(10, 1.0), 1e-12)
}

func TestSchedulerAppliesRateToOptimizer(t *testing.T) {
	opt := NewSGD(nil, 1.0, 0, 0)
	s := NewScheduler(opt, MultiStepPolicy{Milestones: []int{2}, Gamma: 0.1})
	assert.Equal(t, 0, s.LastEpoch())
	assert.InDelta(t, 1.0, opt.LR(), 1e-12)

	s.Step()
	assert.InDelta(t, 1.0, opt.LR(), 1e-12)
	s.Step()
	assert.InDelta(t, 0.1, opt.LR(), 1e-12)
	assert.Equal(t, 2, s.LastEpoch())
}

func TestSchedulerStateRoundTrip(t *testing.T) {
	opt := NewSGD(nil, 1.0, 0, 0)
	s := NewScheduler(opt, StepPolicy{StepSize: 1, Gamma: 0.5})
	s.Step()
	s.Step()
	data, err := s.State()
	require.NoError(t, err)

	opt2 := NewSGD(nil, 1.0, 0, 0)
	s2 := NewScheduler(opt2, StepPolicy{StepSize: 1, Gamma: 0.5})
	require.NoError(t, s2.LoadState(data))
	assert.Equal(t, 2, s2.LastEpoch())
	assert.InDelta(t, 0.25, opt2.LR(), 1e-12)

	s3 := NewScheduler(NewSGD(nil, 1.0, 0, 0), ConstantPolicy{})
	assert.ErrorIs(t, s3.LoadState(data), ErrStateMismatch)
}

func TestPolicyByName(t *testing.T) {
	p, err := PolicyByName("warmup_multistep", []int{40, 70}, 0.1, 0.01, 10, 120)
	require.NoError(t, err)
	assert.Equal(t, "warmup_multistep", p.Name())

	_, err = PolicyByName("poly", nil, 0, 0, 0, 0)
	assert.Error(t, err)
}
