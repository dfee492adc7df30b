package loss

import (
	"encoding/json"
	"fmt"
	"math/rand"

	"reidcontinual/internal/optim"
	"reidcontinual/internal/tensor"
)

// Center pulls each feature toward a learned per-class center:
//
//	Weight * mean_i ||x_i - c_{y_i}||²
//
// The centers are trained by the term's own SGD optimizer.
type Center struct {
	Weight float64

	classes int
	dim     int
	centers *optim.Param
	opt     *optim.SGD
	sched   *optim.Scheduler
}

func NewCenter(classes, dim int, weight, lr float64, rng *rand.Rand) *Center {
	values := make([]float64, classes*dim)
	for i := range values {
		values[i] = rng.NormFloat64()
	}
	centers := optim.NewParam("center.centers", values)
	return &Center{
		Weight:  weight,
		classes: classes,
		dim:     dim,
		centers: centers,
		opt:     optim.NewSGD([]*optim.Param{centers}, lr, 0, 0),
	}
}

// WithPolicy attaches an LR schedule to the center optimizer.
func (c *Center) WithPolicy(policy optim.Policy) *Center {
	c.sched = optim.NewScheduler(c.opt, policy)
	return c
}

func (*Center) Name() string { return "center" }

func (*Center) Requires() []Input { return []Input{StudentFeature, Targets} }

func (c *Center) Optimizer() optim.Optimizer { return c.opt }

func (c *Center) Scheduler() *optim.Scheduler { return c.sched }

func (c *Center) CenterOf(class int) []float64 {
	return c.centers.Value[class*c.dim : (class+1)*c.dim]
}

func (c *Center) Compute(in Inputs) (Value, error) {
	feat := in.StudentFeature.Value
	n := feat.Rows()
	if err := checkRows("feature", n, in.Targets); err != nil {
		return nil, err
	}
	if feat.Cols() != c.dim {
		return nil, fmt.Errorf("%w: feature dim %d, centers dim %d", tensor.ErrShape, feat.Cols(), c.dim)
	}
	if err := checkLabels(in.Targets, c.classes); err != nil {
		return nil, err
	}

	diffs := tensor.Zeros(n, c.dim)
	var total float64
	for i := 0; i < n; i++ {
		center := c.CenterOf(in.Targets[i])
		row := diffs.Row(i)
		for k, x := range feat.Row(i) {
			row[k] = x - center[k]
			total += row[k] * row[k]
		}
	}
	value := c.Weight * total / float64(n)

	return NewValue(value, func(g float64) error {
		scale := 2 * g * c.Weight / float64(n)
		grad := tensor.Zeros(n, c.dim)
		for i := 0; i < n; i++ {
			y := in.Targets[i]
			cg := c.centers.Grad[y*c.dim : (y+1)*c.dim]
			for k, d := range diffs.Row(i) {
				grad.Set(i, k, scale*d)
				cg[k] -= scale * d
			}
		}
		return in.StudentFeature.Backward(grad)
	}), nil
}

type centerState struct {
	Centers   []float64       `json:"centers"`
	Optimizer json.RawMessage `json:"optimizer"`
	Scheduler json.RawMessage `json:"scheduler,omitempty"`
}

func (c *Center) State() ([]byte, error) {
	opt, err := c.opt.State()
	if err != nil {
		return nil, err
	}
	st := centerState{Centers: c.centers.Value, Optimizer: opt}
	if c.sched != nil {
		if st.Scheduler, err = c.sched.State(); err != nil {
			return nil, err
		}
	}
	return json.Marshal(st)
}

func (c *Center) LoadState(data []byte) error {
	var st centerState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if len(st.Centers) != len(c.centers.Value) {
		return fmt.Errorf("%w: %d center values, want %d", tensor.ErrShape, len(st.Centers), len(c.centers.Value))
	}
	if err := c.opt.LoadState(st.Optimizer); err != nil {
		return err
	}
	if c.sched != nil && len(st.Scheduler) > 0 {
		if err := c.sched.LoadState(st.Scheduler); err != nil {
			return err
		}
	}
	copy(c.centers.Value, st.Centers)
	return nil
}
