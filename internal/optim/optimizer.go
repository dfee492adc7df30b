package optim

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var (
	ErrNonFinite     = errors.New("non-finite gradient")
	ErrStateMismatch = errors.New("optimizer state does not match parameters")
)

// Param is a flat trainable buffer with its accumulated gradient.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

func NewParam(name string, value []float64) *Param {
	return &Param{Name: name, Value: value, Grad: make([]float64, len(value))}
}

func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// ScaleGrad multiplies the accumulated gradient by factor.
func (p *Param) ScaleGrad(factor float64) {
	for i := range p.Grad {
		p.Grad[i] *= factor
	}
}

type Optimizer interface {
	Name() string
	Params() []*Param
	ZeroGrad()
	Step() error
	LR() float64
	SetLR(lr float64)
}

func checkFinite(params []*Param) error {
	for _, p := range params {
		for _, g := range p.Grad {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return fmt.Errorf("%w: param %s", ErrNonFinite, p.Name)
			}
		}
	}
	return nil
}

type SGD struct {
	params      []*Param
	lr          float64
	Momentum    float64
	WeightDecay float64
	velocity    [][]float64
}

func NewSGD(params []*Param, lr, momentum, weightDecay float64) *SGD {
	velocity := make([][]float64, len(params))
	for i, p := range params {
		velocity[i] = make([]float64, len(p.Value))
	}
	return &SGD{params: params, lr: lr, Momentum: momentum, WeightDecay: weightDecay, velocity: velocity}
}

func (o *SGD) Name() string     { return "sgd" }
func (o *SGD) Params() []*Param { return o.params }
func (o *SGD) LR() float64      { return o.lr }
func (o *SGD) SetLR(lr float64) { o.lr = lr }

func (o *SGD) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

func (o *SGD) Step() error {
	if err := checkFinite(o.params); err != nil {
		return err
	}
	for i, p := range o.params {
		v := o.velocity[i]
		for j := range p.Value {
			g := p.Grad[j] + o.WeightDecay*p.Value[j]
			if o.Momentum != 0 {
				v[j] = o.Momentum*v[j] + g
				g = v[j]
			}
			p.Value[j] -= o.lr * g
		}
	}
	return nil
}

type sgdState struct {
	LR       float64     `json:"lr"`
	Velocity [][]float64 `json:"velocity"`
}

func (o *SGD) State() ([]byte, error) {
	return json.Marshal(sgdState{LR: o.lr, Velocity: o.velocity})
}

func (o *SGD) LoadState(data []byte) error {
	var st sgdState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if err := matchBuffers(o.params, st.Velocity); err != nil {
		return err
	}
	o.lr = st.LR
	o.velocity = st.Velocity
	return nil
}

type Adam struct {
	params      []*Param
	lr          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
	step        int
	m           [][]float64
	v           [][]float64
}

func NewAdam(params []*Param, lr, weightDecay float64) *Adam {
	m := make([][]float64, len(params))
	v := make([][]float64, len(params))
	for i, p := range params {
		m[i] = make([]float64, len(p.Value))
		v[i] = make([]float64, len(p.Value))
	}
	return &Adam{params: params, lr: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8, WeightDecay: weightDecay, m: m, v: v}
}

func (o *Adam) Name() string     { return "adam" }
func (o *Adam) Params() []*Param { return o.params }
func (o *Adam) LR() float64      { return o.lr }
func (o *Adam) SetLR(lr float64) { o.lr = lr }

func (o *Adam) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

func (o *Adam) Step() error {
	if err := checkFinite(o.params); err != nil {
		return err
	}
	o.step++
	c1 := 1 - math.Pow(o.Beta1, float64(o.step))
	c2 := 1 - math.Pow(o.Beta2, float64(o.step))
	for i, p := range o.params {
		m, v := o.m[i], o.v[i]
		for j := range p.Value {
			g := p.Grad[j] + o.WeightDecay*p.Value[j]
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*g
			v[j] = o.Beta2*v[j] + (1-o.Beta2)*g*g
			p.Value[j] -= o.lr * (m[j] / c1) / (math.Sqrt(v[j]/c2) + o.Epsilon)
		}
	}
	return nil
}

type adamState struct {
	LR   float64     `json:"lr"`
	Step int         `json:"step"`
	M    [][]float64 `json:"m"`
	V    [][]float64 `json:"v"`
}

func (o *Adam) State() ([]byte, error) {
	return json.Marshal(adamState{LR: o.lr, Step: o.step, M: o.m, V: o.v})
}

func (o *Adam) LoadState(data []byte) error {
	var st adamState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if err := matchBuffers(o.params, st.M); err != nil {
		return err
	}
	if err := matchBuffers(o.params, st.V); err != nil {
		return err
	}
	o.lr, o.step, o.m, o.v = st.LR, st.Step, st.M, st.V
	return nil
}

func matchBuffers(params []*Param, buffers [][]float64) error {
	if len(buffers) != len(params) {
		return fmt.Errorf("%w: %d buffers for %d params", ErrStateMismatch, len(buffers), len(params))
	}
	for i, p := range params {
		if len(buffers[i]) != len(p.Value) {
			return fmt.Errorf("%w: param %s has %d values, state has %d", ErrStateMismatch, p.Name, len(p.Value), len(buffers[i]))
		}
	}
	return nil
}

// New builds an optimizer by name.
func New(kind string, params []*Param, lr, momentum, weightDecay float64) (Optimizer, error) {
	switch kind {
	case "", "sgd":
		return NewSGD(params, lr, momentum, weightDecay), nil
	case "adam":
		return NewAdam(params, lr, weightDecay), nil
	default:
		return nil, fmt.Errorf("unsupported optimizer: %s", kind)
	}
}
