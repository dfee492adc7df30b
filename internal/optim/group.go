package optim

import (
	"encoding/json"
	"fmt"
)

// Group drives several optimizers as one. LR and SetLR act on the first
// member, which is the one a scheduler is bound to.
type Group struct {
	members []Optimizer
}

func NewGroup(members ...Optimizer) *Group {
	return &Group{members: members}
}

func (g *Group) Name() string { return "group" }

func (g *Group) Members() []Optimizer { return g.members }

func (g *Group) Params() []*Param {
	var out []*Param
	for _, m := range g.members {
		out = append(out, m.Params()...)
	}
	return out
}

func (g *Group) ZeroGrad() {
	for _, m := range g.members {
		m.ZeroGrad()
	}
}

func (g *Group) Step() error {
	for _, m := range g.members {
		if err := m.Step(); err != nil {
			return fmt.Errorf("%s: %w", m.Name(), err)
		}
	}
	return nil
}

func (g *Group) LR() float64 {
	if len(g.members) == 0 {
		return 0
	}
	return g.members[0].LR()
}

func (g *Group) SetLR(lr float64) {
	if len(g.members) == 0 {
		return
	}
	g.members[0].SetLR(lr)
}

type stateful interface {
	State() ([]byte, error)
	LoadState([]byte) error
}

func (g *Group) State() ([]byte, error) {
	states := make([]json.RawMessage, len(g.members))
	for i, m := range g.members {
		s, ok := m.(stateful)
		if !ok {
			states[i] = json.RawMessage("null")
			continue
		}
		data, err := s.State()
		if err != nil {
			return nil, err
		}
		states[i] = data
	}
	return json.Marshal(states)
}

func (g *Group) LoadState(data []byte) error {
	var states []json.RawMessage
	if err := json.Unmarshal(data, &states); err != nil {
		return err
	}
	if len(states) != len(g.members) {
		return fmt.Errorf("%w: %d member states for %d optimizers", ErrStateMismatch, len(states), len(g.members))
	}
	for i, m := range g.members {
		s, ok := m.(stateful)
		if !ok {
			continue
		}
		if err := s.LoadState(states[i]); err != nil {
			return fmt.Errorf("%s: %w", m.Name(), err)
		}
	}
	return nil
}
