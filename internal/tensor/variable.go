package tensor

import "fmt"

// BackwardFunc receives the gradient of the loss with respect to a
// Variable's value and pushes it further back into whatever produced it.
type BackwardFunc func(grad *Dense) error

// Variable is a Dense value that participates in gradient computation.
// Gradients passed to Backward are summed by the producer, so a Variable
// consumed by several loss terms accumulates all of their contributions.
type Variable struct {
	Value    *Dense
	backward BackwardFunc
}

func NewVariable(value *Dense, backward BackwardFunc) *Variable {
	return &Variable{Value: value, backward: backward}
}

// Constant wraps a value that has no upstream parameters.
func Constant(value *Dense) *Variable {
	return &Variable{Value: value}
}

func (v *Variable) RequiresGrad() bool { return v != nil && v.backward != nil }

func (v *Variable) Backward(grad *Dense) error {
	if v.backward == nil {
		return nil
	}
	if !v.Value.SameShape(grad) {
		return fmt.Errorf("%w: gradient %dx%d for value %dx%d", ErrShape, grad.Rows(), grad.Cols(), v.Value.Rows(), v.Value.Cols())
	}
	return v.backward(grad)
}

// Detach returns a copy of the value with no gradient path.
func (v *Variable) Detach() *Dense {
	return v.Value.Clone()
}
