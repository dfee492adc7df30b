package loss

import (
	"encoding/json"
	"errors"
	"fmt"

	"reidcontinual/internal/optim"
)

// Aggregator holds the named loss terms of a run. Registration order is
// evaluation and reporting order.
type Aggregator struct {
	order []string
	terms map[string]Term
}

func NewAggregator(terms ...Term) (*Aggregator, error) {
	a := &Aggregator{terms: make(map[string]Term)}
	for _, t := range terms {
		if err := a.Add(t); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Aggregator) Add(t Term) error {
	if t == nil {
		return errors.New("loss term is required")
	}
	name := t.Name()
	if name == "" {
		return errors.New("loss term name is required")
	}
	if _, exists := a.terms[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTerm, name)
	}
	a.order = append(a.order, name)
	a.terms[name] = t
	return nil
}

func (a *Aggregator) Names() []string {
	return append([]string(nil), a.order...)
}

func (a *Aggregator) Term(name string) (Term, bool) {
	t, ok := a.terms[name]
	return t, ok
}

func (a *Aggregator) Len() int { return len(a.order) }

// Compute evaluates every term and returns their differentiable sum plus the
// detached value of each term. A term whose inputs are missing fails the
// whole computation.
func (a *Aggregator) Compute(in Inputs) (Value, map[string]float64, error) {
	total := make(Sum, 0, len(a.order))
	values := make(map[string]float64, len(a.order))
	for _, name := range a.order {
		t := a.terms[name]
		for _, req := range t.Requires() {
			if !in.Has(req) {
				return nil, nil, fmt.Errorf("%w: term %s needs %s", ErrMissingInput, name, req)
			}
		}
		v, err := t.Compute(in)
		if err != nil {
			return nil, nil, fmt.Errorf("loss %s: %w", name, err)
		}
		total = append(total, v)
		values[name] = v.Float()
	}
	return total, values, nil
}

func (a *Aggregator) Optimizers() []optim.Optimizer {
	var out []optim.Optimizer
	for _, name := range a.order {
		if owner, ok := a.terms[name].(OptimizerOwner); ok && owner.Optimizer() != nil {
			out = append(out, owner.Optimizer())
		}
	}
	return out
}

func (a *Aggregator) OptimizerZeroGrad() {
	for _, opt := range a.Optimizers() {
		opt.ZeroGrad()
	}
}

func (a *Aggregator) OptimizerStep() error {
	for _, opt := range a.Optimizers() {
		if err := opt.Step(); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) SchedulerStep() {
	for _, name := range a.order {
		owner, ok := a.terms[name].(OptimizerOwner)
		if !ok {
			continue
		}
		if s := owner.Scheduler(); s != nil {
			s.Step()
		}
	}
}

type NamedWeight struct {
	Name  string
	Value float64
}

// Uncertainties lists the learned weights of terms that have one enabled.
func (a *Aggregator) Uncertainties() []NamedWeight {
	var out []NamedWeight
	for _, name := range a.order {
		u, ok := a.terms[name].(Uncertain)
		if !ok || !u.LearningWeight() {
			continue
		}
		out = append(out, NamedWeight{Name: name, Value: u.Uncertainty()})
	}
	return out
}

type stateful interface {
	State() ([]byte, error)
	LoadState([]byte) error
}

func (a *Aggregator) State() ([]byte, error) {
	states := make(map[string]json.RawMessage)
	for _, name := range a.order {
		s, ok := a.terms[name].(stateful)
		if !ok {
			continue
		}
		data, err := s.State()
		if err != nil {
			return nil, fmt.Errorf("loss %s: %w", name, err)
		}
		states[name] = data
	}
	return json.Marshal(states)
}

func (a *Aggregator) LoadState(data []byte) error {
	var states map[string]json.RawMessage
	if err := json.Unmarshal(data, &states); err != nil {
		return err
	}
	for _, name := range a.order {
		s, ok := a.terms[name].(stateful)
		if !ok {
			continue
		}
		raw, ok := states[name]
		if !ok {
			return fmt.Errorf("loss %s: state missing", name)
		}
		if err := s.LoadState(raw); err != nil {
			return fmt.Errorf("loss %s: %w", name, err)
		}
	}
	return nil
}
