package loss

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reidcontinual/internal/config"
	"reidcontinual/internal/optim"
	"reidcontinual/internal/tensor"
)

type constTerm struct {
	name     string
	value    float64
	requires []Input
	grads    *[]float64
}

func (c constTerm) Name() string      { return c.name }
func (c constTerm) Requires() []Input { return c.requires }

func (c constTerm) Compute(Inputs) (Value, error) {
	return NewValue(c.value, func(g float64) error {
		if c.grads != nil {
			*c.grads = append(*c.grads, g)
		}
		return nil
	}), nil
}

type ownerTerm struct {
	constTerm
	opt   *optim.SGD
	sched *optim.Scheduler
}

func (o ownerTerm) Optimizer() optim.Optimizer  { return o.opt }
func (o ownerTerm) Scheduler() *optim.Scheduler { return o.sched }

func TestAggregatorSumsTerms(t *testing.T) {
	var grads []float64
	agg, err := NewAggregator(
		constTerm{name: "xent", value: 2.0, grads: &grads},
		constTerm{name: "triplet", value: 1.5, grads: &grads},
	)
	require.NoError(t, err)

	total, values, err := agg.Compute(Inputs{})
	require.NoError(t, err)
	assert.InDelta(t, 3.5, total.Float(), 1e-12)
	assert.Equal(t, map[string]float64{"xent": 2.0, "triplet": 1.5}, values)
	assert.Equal(t, []string{"xent", "triplet"}, agg.Names())

	require.NoError(t, total.Backward(1))
	assert.Equal(t, []float64{1, 1}, grads)
}

func TestAggregatorRejectsDuplicateNames(t *testing.T) {
	_, err := NewAggregator(constTerm{name: "xent"}, constTerm{name: "xent"})
	assert.ErrorIs(t, err, ErrDuplicateTerm)
}

func TestAggregatorMissingInputIsFatal(t *testing.T) {
	agg, err := NewAggregator(
		constTerm{name: "xent", value: 1},
		constTerm{name: "distill", value: 1, requires: []Input{TeacherClassifierFeature}},
	)
	require.NoError(t, err)
	_, _, err = agg.Compute(Inputs{})
	require.ErrorIs(t, err, ErrMissingInput)
	assert.Contains(t, err.Error(), "distill")
	assert.Contains(t, err.Error(), string(TeacherClassifierFeature))
}

func TestAggregatorStepsOwnedOptimizers(t *testing.T) {
	p := optim.NewParam("p", []float64{1})
	opt := optim.NewSGD([]*optim.Param{p}, 0.5, 0, 0)
	sched := optim.NewScheduler(opt, optim.StepPolicy{StepSize: 1, Gamma: 0.1})
	agg, err := NewAggregator(
		constTerm{name: "plain", value: 1},
		ownerTerm{constTerm: constTerm{name: "owned", value: 1}, opt: opt, sched: sched},
	)
	require.NoError(t, err)
	require.Len(t, agg.Optimizers(), 1)

	p.Grad[0] = 2
	require.NoError(t, agg.OptimizerStep())
	assert.InDelta(t, 0.0, p.Value[0], 1e-12)

	agg.OptimizerZeroGrad()
	assert.Zero(t, p.Grad[0])

	agg.SchedulerStep()
	assert.InDelta(t, 0.05, opt.LR(), 1e-12)
	assert.Equal(t, 1, sched.LastEpoch())
}

func variable(t *testing.T, rows [][]float64, grad **tensor.Dense) *tensor.Variable {
	t.Helper()
	value := tensor.MustFromRows(rows)
	return tensor.NewVariable(value, func(g *tensor.Dense) error {
		if *grad == nil {
			*grad = tensor.Zeros(g.Rows(), g.Cols())
		}
		for i, v := range g.Data() {
			(*grad).Data()[i] += v
		}
		return nil
	})
}

// checkGradient compares the analytic gradient of build(x) with central
// differences.
func checkGradient(t *testing.T, rows [][]float64, build func(v *tensor.Variable) (Value, error)) {
	t.Helper()
	var grad *tensor.Dense
	v := variable(t, rows, &grad)
	out, err := build(v)
	require.NoError(t, err)
	require.NoError(t, out.Backward(1))
	require.NotNil(t, grad)

	const h = 1e-6
	data := v.Value.Data()
	for i := range data {
		orig := data[i]
		data[i] = orig + h
		plus, err := build(tensor.Constant(v.Value))
		require.NoError(t, err)
		data[i] = orig - h
		minus, err := build(tensor.Constant(v.Value))
		require.NoError(t, err)
		data[i] = orig
		numeric := (plus.Float() - minus.Float()) / (2 * h)
		assert.InDelta(t, numeric, grad.Data()[i], 1e-5, "index %d", i)
	}
}

func TestCrossEntropyValueAndGradient(t *testing.T) {
	scores := [][]float64{{2, 0.5, -1}, {0.1, 0.2, 0.3}}
	targets := []int{0, 2}

	plain, err := CrossEntropy{}.Compute(Inputs{Scores: tensor.Constant(tensor.MustFromRows(scores)), Targets: targets})
	require.NoError(t, err)
	want := 0.0
	for i, row := range scores {
		var z float64
		for _, s := range row {
			z += math.Exp(s)
		}
		want -= math.Log(math.Exp(row[targets[i]]) / z)
	}
	assert.InDelta(t, want/2, plain.Float(), 1e-9)

	checkGradient(t, scores, func(v *tensor.Variable) (Value, error) {
		return CrossEntropy{Epsilon: 0.1}.Compute(Inputs{Scores: v, Targets: targets})
	})
}

func TestCrossEntropyRejectsLabelOutOfRange(t *testing.T) {
	_, err := CrossEntropy{}.Compute(Inputs{
		Scores:  tensor.Constant(tensor.MustFromRows([][]float64{{1, 2}})),
		Targets: []int{2},
	})
	assert.ErrorIs(t, err, ErrLabelRange)
}

var tripletFeatures = [][]float64{
	{0, 0}, {0.3, 0.1},
	{1, 1}, {0.8, 1.3},
	{0.2, 0.9},
}

var tripletTargets = []int{0, 0, 1, 1, 2}

func TestTripletGradient(t *testing.T) {
	for _, margin := range []float64{1, 0} {
		checkGradient(t, tripletFeatures, func(v *tensor.Variable) (Value, error) {
			return Triplet{Margin: margin}.Compute(Inputs{StudentFeature: v, Targets: tripletTargets})
		})
	}
}

func TestTripletSkipsAnchorsWithoutNegative(t *testing.T) {
	out, err := Triplet{Margin: 0.3}.Compute(Inputs{
		StudentFeature: tensor.Constant(tensor.MustFromRows([][]float64{{0, 0}, {1, 1}})),
		Targets:        []int{4, 4},
	})
	require.NoError(t, err)
	assert.Zero(t, out.Float())
}

func TestTripletHardMiningValue(t *testing.T) {
	// anchor 0: dp = 1, dn = 3; anchor 1: dp = 1, dn = 2; anchor 2: no positive so
	// dp = 0, dn = 2.
	feat := [][]float64{{0}, {1}, {3}}
	out, err := Triplet{Margin: 2.5}.Compute(Inputs{
		StudentFeature: tensor.Constant(tensor.MustFromRows(feat)),
		Targets:        []int{0, 0, 1},
	})
	require.NoError(t, err)
	assert.InDelta(t, (0.5+1.5+0.5)/3, out.Float(), 1e-12)
}

func TestCenterGradientAndOwnStep(t *testing.T) {
	center := NewCenter(3, 2, 0.5, 0.1, rand.New(rand.NewSource(3)))
	targets := []int{0, 2, 2}
	rows := [][]float64{{1, 0}, {0, 1}, {0.5, 0.5}}
	checkGradient(t, rows, func(v *tensor.Variable) (Value, error) {
		return center.Compute(Inputs{StudentFeature: v, Targets: targets})
	})

	before := append([]float64(nil), center.CenterOf(2)...)
	untouched := append([]float64(nil), center.CenterOf(1)...)
	require.NoError(t, center.Optimizer().Step())
	assert.NotEqual(t, before, center.CenterOf(2))
	assert.Equal(t, untouched, center.CenterOf(1))
}

func TestCenterStateRoundTrip(t *testing.T) {
	a := NewCenter(2, 2, 1, 0.1, rand.New(rand.NewSource(1))).WithPolicy(optim.StepPolicy{StepSize: 1, Gamma: 0.5})
	a.Scheduler().Step()
	b := NewCenter(2, 2, 1, 0.1, rand.New(rand.NewSource(2))).WithPolicy(optim.StepPolicy{StepSize: 1, Gamma: 0.5})

	data, err := a.State()
	require.NoError(t, err)
	require.NoError(t, b.LoadState(data))
	assert.Equal(t, a.CenterOf(1), b.CenterOf(1))
	assert.Equal(t, 1, b.Scheduler().LastEpoch())
}

func TestDistillMatchesTeacher(t *testing.T) {
	teacher := tensor.MustFromRows([][]float64{{1, 2}, {0, -1}})
	rows := [][]float64{{1.5, 2}, {0, 0}}
	out, err := Distill{Weight: 2}.Compute(Inputs{
		StudentClassifierFeature: tensor.Constant(tensor.MustFromRows(rows)),
		TeacherClassifierFeature: teacher,
	})
	require.NoError(t, err)
	assert.InDelta(t, 2*(0.25+1)/4, out.Float(), 1e-12)

	checkGradient(t, rows, func(v *tensor.Variable) (Value, error) {
		return Distill{Weight: 2}.Compute(Inputs{StudentClassifierFeature: v, TeacherClassifierFeature: teacher})
	})
}

func TestDistillShapeMismatch(t *testing.T) {
	_, err := Distill{Weight: 1}.Compute(Inputs{
		StudentClassifierFeature: tensor.Constant(tensor.Zeros(2, 3)),
		TeacherClassifierFeature: tensor.Zeros(2, 2),
	})
	assert.ErrorIs(t, err, tensor.ErrShape)
}

func TestLearnedWeight(t *testing.T) {
	var grads []float64
	w := WithLearnedWeight(constTerm{name: "xent", value: 2, grads: &grads}, 0.5, 0.1)

	out, err := w.Compute(Inputs{})
	require.NoError(t, err)
	assert.InDelta(t, math.Exp(-0.5)*2+0.5, out.Float(), 1e-12)

	require.NoError(t, out.Backward(1))
	require.Len(t, grads, 1)
	assert.InDelta(t, math.Exp(-0.5), grads[0], 1e-12)

	require.NoError(t, w.Optimizer().Step())
	wantS := 0.5 - 0.1*(1-math.Exp(-0.5)*2)
	assert.InDelta(t, wantS, w.Uncertainty(), 1e-12)
}

func TestLearnedWeightReportedUnclamped(t *testing.T) {
	w := WithLearnedWeight(constTerm{name: "triplet"}, -3, 0.1)
	agg, err := NewAggregator(w, constTerm{name: "xent"})
	require.NoError(t, err)
	assert.Equal(t, []NamedWeight{{Name: "triplet", Value: -3}}, agg.Uncertainties())
}

func TestNewFromConfigOrderAndState(t *testing.T) {
	cfg := config.Default().Loss
	cfg.Center.Enabled = true
	cfg.Center.LearningWeight = true
	agg, err := NewFromConfig(cfg, 4, 3, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	assert.Equal(t, []string{"xent", "triplet", "center", "distill"}, agg.Names())
	require.Len(t, agg.Optimizers(), 1)

	term, ok := agg.Term("center")
	require.True(t, ok)
	term.(*Weighted).s.Value[0] = 0.7

	data, err := agg.State()
	require.NoError(t, err)

	other, err := NewFromConfig(cfg, 4, 3, rand.New(rand.NewSource(6)))
	require.NoError(t, err)
	require.NoError(t, other.LoadState(data))
	assert.Equal(t, []NamedWeight{{Name: "center", Value: 0.7}}, other.Uncertainties())

	a, _ := agg.Term("center")
	b, _ := other.Term("center")
	assert.Equal(t, a.(*Weighted).Inner().(*Center).CenterOf(3), b.(*Weighted).Inner().(*Center).CenterOf(3))
}
