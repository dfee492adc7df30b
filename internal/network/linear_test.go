package network

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"reidcontinual/internal/tensor"
)

func randomInput(rng *rand.Rand, rows, cols int) *tensor.Dense {
	x := tensor.Zeros(rows, cols)
	for i := range x.Data() {
		x.Data()[i] = rng.NormFloat64()
	}
	return x
}

// weightedSum is sum(out ⊙ r); its gradient w.r.t. out is r.
func weightedSum(out, r *tensor.Dense) float64 {
	return tensor.Dot(out.Data(), r.Data())
}

func TestLinearGradientsMatchFiniteDifferences(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	m := NewLinear(4, 3, 5, rng)
	x := randomInput(rng, 2, 4)
	rFeat := randomInput(rng, 2, 3)
	rNeck := randomInput(rng, 2, 3)
	rScores := randomInput(rng, 2, 5)

	objective := func() float64 {
		out, err := m.Forward(ctx, x)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		return weightedSum(out.Feature.Value, rFeat) +
			weightedSum(out.ClassifierFeature.Value, rNeck) +
			weightedSum(out.Scores.Value, rScores)
	}

	out, err := m.Forward(ctx, x)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	for _, p := range m.Params() {
		p.ZeroGrad()
	}
	if err := out.Feature.Backward(rFeat); err != nil {
		t.Fatalf("backward feature: %v", err)
	}
	if err := out.ClassifierFeature.Backward(rNeck); err != nil {
		t.Fatalf("backward neck: %v", err)
	}
	if err := out.Scores.Backward(rScores); err != nil {
		t.Fatalf("backward scores: %v", err)
	}

	const eps = 1e-6
	for _, p := range m.Params() {
		for i := range p.Value {
			orig := p.Value[i]
			p.Value[i] = orig + eps
			up := objective()
			p.Value[i] = orig - eps
			down := objective()
			p.Value[i] = orig
			numeric := (up - down) / (2 * eps)
			if math.Abs(numeric-p.Grad[i]) > 1e-5 {
				t.Fatalf("%s[%d]: analytic=%f numeric=%f", p.Name, i, p.Grad[i], numeric)
			}
		}
	}
}

func TestLinearRejectsWrongInputWidth(t *testing.T) {
	m := NewLinear(4, 3, 2, rand.New(rand.NewSource(1)))
	_, err := m.Forward(context.Background(), tensor.Zeros(1, 5))
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestLinearStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))
	src := NewLinear(4, 3, 2, rng)
	data, err := src.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}

	dst := NewLinear(4, 3, 2, rand.New(rand.NewSource(99)))
	if err := dst.LoadState(data); err != nil {
		t.Fatalf("load state: %v", err)
	}
	x := randomInput(rng, 3, 4)
	a, _ := src.Forward(ctx, x)
	b, _ := dst.Forward(ctx, x)
	for i, v := range a.Scores.Value.Data() {
		if v != b.Scores.Value.Data()[i] {
			t.Fatalf("score %d differs after load: %f vs %f", i, v, b.Scores.Value.Data()[i])
		}
	}
}

func TestLinearLoadBackboneAcrossClassCounts(t *testing.T) {
	ctx := context.Background()
	src := NewLinear(4, 3, 2, rand.New(rand.NewSource(3)))
	data, err := src.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}

	dst := NewLinear(4, 3, 6, rand.New(rand.NewSource(4)))
	if err := dst.LoadState(data); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected strict load to fail, got %v", err)
	}
	if err := dst.LoadBackbone(data); err != nil {
		t.Fatalf("load backbone: %v", err)
	}
	x := randomInput(rand.New(rand.NewSource(5)), 2, 4)
	a, _ := src.Embed(ctx, x)
	b, _ := dst.Embed(ctx, x)
	for i, v := range a.Data() {
		if v != b.Data()[i] {
			t.Fatalf("embedding %d differs: %f vs %f", i, v, b.Data()[i])
		}
	}
}

func TestFreezePinsEvalMode(t *testing.T) {
	m := NewLinear(2, 2, 2, rand.New(rand.NewSource(1)))
	teacher := Freeze(m)
	teacher.SetMode(ModeTrain)
	if m.Mode() != ModeEval {
		t.Fatalf("frozen teacher switched to %s", m.Mode())
	}
}
