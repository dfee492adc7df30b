package loss

import (
	"encoding/json"
	"math"

	"reidcontinual/internal/optim"
)

// Weighted wraps a term with a learned uncertainty s:
//
//	exp(-s) * L + s
//
// s is trained by its own SGD and is never clamped.
type Weighted struct {
	inner Term
	s     *optim.Param
	sOpt  *optim.SGD
	opt   optim.Optimizer
}

func WithLearnedWeight(inner Term, initial, lr float64) *Weighted {
	s := optim.NewParam(inner.Name()+".uncertainty", []float64{initial})
	w := &Weighted{inner: inner, s: s, sOpt: optim.NewSGD([]*optim.Param{s}, lr, 0, 0)}
	w.opt = w.sOpt
	if owner, ok := inner.(OptimizerOwner); ok && owner.Optimizer() != nil {
		w.opt = optim.NewGroup(owner.Optimizer(), w.sOpt)
	}
	return w
}

func (w *Weighted) Name() string { return w.inner.Name() }

func (w *Weighted) Requires() []Input { return w.inner.Requires() }

func (w *Weighted) Inner() Term { return w.inner }

func (w *Weighted) LearningWeight() bool { return true }

func (w *Weighted) Uncertainty() float64 { return w.s.Value[0] }

// Optimizer covers the inner term's optimizer, if any, and s.
func (w *Weighted) Optimizer() optim.Optimizer { return w.opt }

func (w *Weighted) Scheduler() *optim.Scheduler {
	if owner, ok := w.inner.(OptimizerOwner); ok {
		return owner.Scheduler()
	}
	return nil
}

func (w *Weighted) Compute(in Inputs) (Value, error) {
	v, err := w.inner.Compute(in)
	if err != nil {
		return nil, err
	}
	s := w.s.Value[0]
	l := v.Float()
	scale := math.Exp(-s)
	return NewValue(scale*l+s, func(g float64) error {
		w.s.Grad[0] += g * (1 - scale*l)
		return v.Backward(g * scale)
	}), nil
}

type weightedState struct {
	Uncertainty float64         `json:"uncertainty"`
	Optimizer   json.RawMessage `json:"optimizer"`
	Inner       json.RawMessage `json:"inner,omitempty"`
}

func (w *Weighted) State() ([]byte, error) {
	opt, err := w.sOpt.State()
	if err != nil {
		return nil, err
	}
	st := weightedState{Uncertainty: w.s.Value[0], Optimizer: opt}
	if inner, ok := w.inner.(stateful); ok {
		if st.Inner, err = inner.State(); err != nil {
			return nil, err
		}
	}
	return json.Marshal(st)
}

func (w *Weighted) LoadState(data []byte) error {
	var st weightedState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if err := w.sOpt.LoadState(st.Optimizer); err != nil {
		return err
	}
	if inner, ok := w.inner.(stateful); ok {
		if err := inner.LoadState(st.Inner); err != nil {
			return err
		}
	}
	w.s.Value[0] = st.Uncertainty
	return nil
}
