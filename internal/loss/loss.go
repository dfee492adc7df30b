package loss

import (
	"errors"
	"fmt"

	"reidcontinual/internal/optim"
	"reidcontinual/internal/tensor"
)

var (
	ErrMissingInput  = errors.New("loss term input missing")
	ErrDuplicateTerm = errors.New("loss term already registered")
	ErrLabelRange    = errors.New("target label out of range")
)

// Input names one field of Inputs.
type Input string

const (
	StudentFeature           Input = "feat_t"
	StudentClassifierFeature Input = "feat_c"
	Scores                   Input = "cls_score"
	Targets                  Input = "target"
	TeacherClassifierFeature Input = "target_feat_c"
)

// Inputs is the fixed record every term draws from.
type Inputs struct {
	StudentFeature           *tensor.Variable
	StudentClassifierFeature *tensor.Variable
	Scores                   *tensor.Variable
	Targets                  []int
	TeacherClassifierFeature *tensor.Dense
}

func (in Inputs) Has(name Input) bool {
	switch name {
	case StudentFeature:
		return in.StudentFeature != nil
	case StudentClassifierFeature:
		return in.StudentClassifierFeature != nil
	case Scores:
		return in.Scores != nil
	case Targets:
		return in.Targets != nil
	case TeacherClassifierFeature:
		return in.TeacherClassifierFeature != nil
	default:
		return false
	}
}

// Value is a differentiable scalar. Float is the detached value; Backward
// pushes d(total)/d(value) = grad into the tensors the value was computed
// from.
type Value interface {
	Float() float64
	Backward(grad float64) error
}

type scalar struct {
	value    float64
	backward func(grad float64) error
}

func (s scalar) Float() float64 { return s.value }

func (s scalar) Backward(grad float64) error {
	if s.backward == nil {
		return nil
	}
	return s.backward(grad)
}

// NewValue builds a Value from a number and its backward closure. A nil
// closure gives a constant.
func NewValue(v float64, backward func(grad float64) error) Value {
	return scalar{value: v, backward: backward}
}

// Sum is the differentiable sum of its parts.
type Sum []Value

func (s Sum) Float() float64 {
	var total float64
	for _, v := range s {
		total += v.Float()
	}
	return total
}

func (s Sum) Backward(grad float64) error {
	for _, v := range s {
		if err := v.Backward(grad); err != nil {
			return err
		}
	}
	return nil
}

type Term interface {
	Name() string
	Requires() []Input
	Compute(in Inputs) (Value, error)
}

// OptimizerOwner is implemented by terms with their own trainable state.
// Scheduler may return nil.
type OptimizerOwner interface {
	Optimizer() optim.Optimizer
	Scheduler() *optim.Scheduler
}

// Uncertain is implemented by terms carrying a learned weight.
type Uncertain interface {
	LearningWeight() bool
	Uncertainty() float64
}

func checkLabels(targets []int, classes int) error {
	for i, y := range targets {
		if y < 0 || y >= classes {
			return fmt.Errorf("%w: sample %d has label %d, classes=%d", ErrLabelRange, i, y, classes)
		}
	}
	return nil
}

func checkRows(name string, rows int, targets []int) error {
	if rows != len(targets) {
		return fmt.Errorf("%w: %s has %d rows for %d targets", tensor.ErrShape, name, rows, len(targets))
	}
	return nil
}
