package trainer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"reidcontinual/internal/checkpoint"
	"reidcontinual/internal/config"
	"reidcontinual/internal/model"
	"reidcontinual/internal/network"
	"reidcontinual/internal/synth"
	"reidcontinual/internal/validation"
)

var ErrNoSourceRun = errors.New("continuation needs a source run")

// NewPretrain builds a supervised run on the source dataset. It has no
// teacher, so distillation is switched off.
func NewPretrain(cfg config.Config, deps Deps) (*Continual, error) {
	split, err := synth.Generate(cfg.Dataset, cfg.Model.InputDim, cfg.Train.BatchSize)
	if err != nil {
		return nil, err
	}
	lossCfg := cfg.Loss
	lossCfg.Distill.Enabled = false
	rng := rand.New(rand.NewSource(cfg.Model.Seed))
	current, err := NewComponent(cfg, lossCfg, split.NumClasses, rng)
	if err != nil {
		return nil, err
	}
	return newContinual(cfg, deps, model.StagePretrain, split.Name, "", nil, current, split.Train,
		[]validation.Dataset{split.Eval})
}

// NewContinual builds a distillation run on the continuation dataset. The
// teacher is the best checkpoint of sourceRun (cfg.Continuation.SourceRun
// when empty); the student starts from the same backbone with a fresh
// classifier. Both datasets are validated.
func NewContinual(ctx context.Context, cfg config.Config, deps Deps, sourceRun string) (*Continual, error) {
	if sourceRun == "" {
		sourceRun = cfg.Continuation.SourceRun
	}
	if sourceRun == "" {
		return nil, ErrNoSourceRun
	}
	source, err := synth.Generate(cfg.Dataset, cfg.Model.InputDim, cfg.Train.BatchSize)
	if err != nil {
		return nil, err
	}
	target, err := synth.Generate(cfg.Continuation.Dataset, cfg.Model.InputDim, cfg.Train.BatchSize)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Model.Seed))
	teacher := network.NewLinear(cfg.Model.InputDim, cfg.Model.EmbeddingDim, source.NumClasses, rng)
	rec, err := checkpoint.Load(ctx, deps.Store, sourceRun, true, map[string]checkpoint.Stateful{"model": teacher})
	if err != nil {
		return nil, fmt.Errorf("load source model from run %s: %w", sourceRun, err)
	}

	current, err := NewComponent(cfg, cfg.Loss, target.NumClasses, rng)
	if err != nil {
		return nil, err
	}
	if err := current.Model.LoadBackbone(rec.Objects["model"]); err != nil {
		return nil, fmt.Errorf("warm start from %s: %w", rec.Name, err)
	}
	return newContinual(cfg, deps, model.StageContinual, target.Name, sourceRun, network.Freeze(teacher), current,
		target.Train, []validation.Dataset{source.Eval, target.Eval})
}
