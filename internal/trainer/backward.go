package trainer

import (
	"errors"
	"fmt"

	"reidcontinual/internal/config"
	"reidcontinual/internal/loss"
	"reidcontinual/internal/optim"
	"reidcontinual/internal/tensor"
)

var ErrNonFiniteGradient = errors.New("non-finite gradient after unscaling")

// BackwardStrategy pushes the total loss gradient into the student and the
// loss terms. It only changes the numeric path, never the step order.
type BackwardStrategy interface {
	Name() string
	Backward(total loss.Value) error
}

type PlainBackward struct{}

func (PlainBackward) Name() string { return "plain" }

func (PlainBackward) Backward(total loss.Value) error {
	return total.Backward(1)
}

// ScaledBackward runs backward with the loss multiplied by Scale and then
// divides every gradient of Optimizers by Scale. An overflow is fatal.
type ScaledBackward struct {
	Scale      float64
	Optimizers []optim.Optimizer
}

func (ScaledBackward) Name() string { return "scaled" }

func (s ScaledBackward) Backward(total loss.Value) error {
	if err := total.Backward(s.Scale); err != nil {
		return err
	}
	inv := 1 / s.Scale
	seen := make(map[*optim.Param]struct{})
	for _, opt := range s.Optimizers {
		for _, p := range opt.Params() {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			p.ScaleGrad(inv)
			if !tensor.Finite(p.Grad...) {
				return fmt.Errorf("%w: param %s (scale %g)", ErrNonFiniteGradient, p.Name, s.Scale)
			}
		}
	}
	return nil
}

// NewBackwardStrategy picks the strategy once for a run.
func NewBackwardStrategy(cfg config.AMPConfig, optimizers []optim.Optimizer) BackwardStrategy {
	if !cfg.Enabled {
		return PlainBackward{}
	}
	return ScaledBackward{Scale: cfg.Scale, Optimizers: optimizers}
}
