package trainer

import (
	"fmt"
	"math/rand"

	"reidcontinual/internal/checkpoint"
	"reidcontinual/internal/config"
	"reidcontinual/internal/loss"
	"reidcontinual/internal/network"
	"reidcontinual/internal/optim"
)

// Component is everything trained together for one identity set: the
// model, its optimizer and schedule, and the loss terms.
type Component struct {
	Model     *network.Linear
	Optimizer optim.Optimizer
	Scheduler *optim.Scheduler
	Loss      *loss.Aggregator
}

// NewComponent builds a fresh component for numClasses identities. The loss
// config is taken as given, so callers disable distillation for stages that
// run without a teacher.
func NewComponent(cfg config.Config, lossCfg config.LossConfig, numClasses int, rng *rand.Rand) (*Component, error) {
	m := network.NewLinear(cfg.Model.InputDim, cfg.Model.EmbeddingDim, numClasses, rng)
	opt, err := optim.New(cfg.Solver.Optimizer, m.Params(), cfg.Solver.BaseLR, cfg.Solver.Momentum, cfg.Solver.WeightDecay)
	if err != nil {
		return nil, err
	}
	policy, err := optim.PolicyByName(cfg.Solver.LRPolicy, cfg.Solver.Steps, cfg.Solver.Gamma,
		cfg.Solver.WarmupFactor, cfg.Solver.WarmupEpochs, cfg.Train.MaxEpochs)
	if err != nil {
		return nil, err
	}
	agg, err := loss.NewFromConfig(lossCfg, numClasses, cfg.Model.EmbeddingDim, rng)
	if err != nil {
		return nil, err
	}
	// the center optimizer follows the main schedule
	if t, ok := agg.Term("center"); ok {
		if w, wrapped := t.(*loss.Weighted); wrapped {
			t = w.Inner()
		}
		if c, ok := t.(*loss.Center); ok {
			c.WithPolicy(policy)
		}
	}
	return &Component{
		Model:     m,
		Optimizer: opt,
		Scheduler: optim.NewScheduler(opt, policy),
		Loss:      agg,
	}, nil
}

// ToSave lists the objects a checkpoint of this component holds, with the
// engine that drives it.
func (c *Component) ToSave(e checkpoint.Stateful) (map[string]checkpoint.Stateful, error) {
	opt, ok := c.Optimizer.(checkpoint.Stateful)
	if !ok {
		return nil, fmt.Errorf("optimizer %s has no state", c.Optimizer.Name())
	}
	return map[string]checkpoint.Stateful{
		"engine":    e,
		"model":     c.Model,
		"optimizer": opt,
		"scheduler": c.Scheduler,
		"loss":      c.Loss,
	}, nil
}

// LR is the current main learning rate.
func (c *Component) LR() float64 { return c.Scheduler.LR() }
