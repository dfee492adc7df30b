package trainer

import (
	"context"
	"errors"
	"fmt"

	"reidcontinual/internal/data"
	"reidcontinual/internal/loss"
	"reidcontinual/internal/network"
	"reidcontinual/internal/optim"
	"reidcontinual/internal/tensor"
)

var ErrNonFiniteLoss = errors.New("non-finite loss")

// Output keys added next to the per-term values.
const (
	KeyLoss = "Loss"
	KeyAcc  = "Acc"
)

// StepExecutor runs one optimisation step of the student, distilling from
// Teacher when one is set. Without a teacher it is a plain supervised step
// and any term asking for the teacher feature fails.
type StepExecutor struct {
	Teacher   network.Teacher
	Student   network.Student
	Optimizer optim.Optimizer
	Loss      *loss.Aggregator
	Backward  BackwardStrategy
}

func (s *StepExecutor) Step(ctx context.Context, batch data.Batch) (map[string]float64, error) {
	if s.Teacher != nil {
		s.Teacher.SetMode(network.ModeEval)
	}
	s.Student.SetMode(network.ModeTrain)
	s.Optimizer.ZeroGrad()
	s.Loss.OptimizerZeroGrad()

	in := loss.Inputs{Targets: batch.Labels}
	if s.Teacher != nil {
		t, err := s.Teacher.Infer(ctx, batch.Input)
		if err != nil {
			return nil, fmt.Errorf("teacher forward: %w", err)
		}
		in.TeacherClassifierFeature = t.ClassifierFeature
	}

	out, err := s.Student.Forward(ctx, batch.Input)
	if err != nil {
		return nil, fmt.Errorf("student forward: %w", err)
	}
	in.StudentFeature = out.Feature
	in.StudentClassifierFeature = out.ClassifierFeature
	in.Scores = out.Scores

	total, values, err := s.Loss.Compute(in)
	if err != nil {
		return nil, err
	}
	if !tensor.Finite(total.Float()) {
		return nil, fmt.Errorf("%w: %v (terms %v)", ErrNonFiniteLoss, total.Float(), values)
	}

	backward := s.Backward
	if backward == nil {
		backward = PlainBackward{}
	}
	if err := backward.Backward(total); err != nil {
		return nil, fmt.Errorf("backward: %w", err)
	}

	if err := s.Optimizer.Step(); err != nil {
		return nil, fmt.Errorf("optimizer step: %w", err)
	}
	if err := s.Loss.OptimizerStep(); err != nil {
		return nil, fmt.Errorf("loss optimizer step: %w", err)
	}

	values[KeyLoss] = total.Float()
	acc, err := Accuracy(out.Scores.Detach(), batch.Labels)
	if err != nil {
		return nil, err
	}
	values[KeyAcc] = acc
	return values, nil
}

// Accuracy is the fraction of rows whose arg-max score equals the label.
// scores must have one row per label.
func Accuracy(scores *tensor.Dense, labels []int) (float64, error) {
	if scores.Rows() != len(labels) {
		return 0, fmt.Errorf("accuracy: %d score rows for %d labels: %w", scores.Rows(), len(labels), network.ErrShapeMismatch)
	}
	if len(labels) == 0 {
		return 0, nil
	}
	var hit int
	for i, pred := range scores.ArgmaxRows() {
		if pred == labels[i] {
			hit++
		}
	}
	return float64(hit) / float64(len(labels)), nil
}
