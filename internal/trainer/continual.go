package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reidcontinual/internal/checkpoint"
	"reidcontinual/internal/config"
	"reidcontinual/internal/data"
	"reidcontinual/internal/engine"
	"reidcontinual/internal/model"
	"reidcontinual/internal/network"
	"reidcontinual/internal/optim"
	"reidcontinual/internal/report"
	"reidcontinual/internal/storage"
	"reidcontinual/internal/validation"
)

const averageAlpha = 0.98

// ErrRunExists is returned when a run id already has a record and the run
// was not asked to resume.
var ErrRunExists = errors.New("run already exists")

// Deps are the collaborators a run is built on.
type Deps struct {
	Store    storage.Store
	RunID    string
	Reporter report.Reporter
	Now      func() time.Time
}

// Continual drives one training run: the engine loop, the step executor and
// every periodic handler around it. The teacher is nil for a pretraining
// run.
type Continual struct {
	cfg       config.Config
	stage     string
	dataset   string
	sourceRun string

	teacher   network.Teacher
	current   *Component
	train     data.Source
	validator *validation.Driver
	saver     *checkpoint.Manager

	store storage.Store
	runID string
	log   report.Reporter
	now   func() time.Time

	engine  *engine.Engine
	timer   *engine.Timer
	history []model.ValidationRecord
}

func newContinual(cfg config.Config, deps Deps, stage, dataset, sourceRun string, teacher network.Teacher, current *Component, train data.Source, datasets []validation.Dataset) (*Continual, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.RunID == "" {
		return nil, errors.New("run id is required")
	}
	if current.Loss.Len() == 0 {
		return nil, fmt.Errorf("%w: no loss term enabled for stage %s", config.ErrInvalidConfig, stage)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	log := report.OrNoOp(deps.Reporter)
	return &Continual{
		cfg:       cfg,
		stage:     stage,
		dataset:   dataset,
		sourceRun: sourceRun,
		teacher:   teacher,
		current:   current,
		train:     train,
		validator: validation.NewDriver(current.Model, validation.RetrievalEvaluator{Metric: cfg.Eval.Metric},
			validation.WeightedSum(cfg.Eval.Weights), datasets, log),
		saver: checkpoint.New(deps.Store, deps.RunID, checkpoint.Options{
			Prefix:   cfg.Saver.Prefix,
			NSaved:   cfg.Saver.NSaved,
			Reporter: log,
			Now:      now,
		}),
		store: deps.Store,
		runID: deps.RunID,
		log:   log,
		now:   now,
		timer: engine.NewTimer(),
	}, nil
}

func (c *Continual) RunID() string { return c.runID }

func (c *Continual) Component() *Component { return c.current }

func (c *Continual) Saver() *checkpoint.Manager { return c.saver }

// Engine is nil until Run has been called.
func (c *Continual) Engine() *engine.Engine { return c.engine }

func (c *Continual) History() []model.ValidationRecord {
	return append([]model.ValidationRecord(nil), c.history...)
}

// Run trains for train.max_epochs epochs. With train.resume set it first
// restores the newest periodic checkpoint of the run, if there is one.
func (c *Continual) Run(ctx context.Context) error {
	if err := c.ensureRun(ctx); err != nil {
		return err
	}
	optimizers := append([]optim.Optimizer{c.current.Optimizer}, c.current.Loss.Optimizers()...)
	backward := NewBackwardStrategy(c.cfg.AMP, optimizers)
	exec := &StepExecutor{
		Teacher:   c.teacher,
		Student:   c.current.Model,
		Optimizer: c.current.Optimizer,
		Loss:      c.current.Loss,
		Backward:  backward,
	}
	c.engine = engine.New(exec.Step)
	for _, key := range c.metricKeys() {
		c.engine.Average(key, averageAlpha)
	}
	toSave, err := c.current.ToSave(c.engine)
	if err != nil {
		return err
	}
	c.saver.SetToSave(toSave)

	if c.cfg.Train.Resume {
		if err := c.resume(ctx); err != nil {
			return err
		}
	}
	c.attach()

	if c.cfg.Eval.BeforeTrain {
		res, err := c.validator.Run(ctx)
		if err != nil {
			return fmt.Errorf("initial validation: %w", err)
		}
		c.log.Info("initial validation", "sum", res.Sum)
	}

	c.log.Info("training started",
		"dataset", c.dataset,
		"source_run", c.sourceRun,
		"max_epochs", c.cfg.Train.MaxEpochs,
		"batches_per_epoch", c.train.Len(),
		"losses", c.current.Loss.Names(),
		"backward", backward.Name(),
	)
	if err := c.engine.Run(ctx, c.train, c.cfg.Train.MaxEpochs); err != nil {
		return err
	}
	c.log.Info("training completed",
		"epochs", c.engine.RunState().Epoch,
		"iterations", c.engine.RunState().Iteration,
		"best", c.saver.BestResult(),
	)
	return nil
}

func (c *Continual) metricKeys() []string {
	return append([]string{KeyAcc, KeyLoss}, c.current.Loss.Names()...)
}

func (c *Continual) ensureRun(ctx context.Context) error {
	run, ok, err := c.store.GetRun(ctx, c.runID)
	if err != nil {
		return err
	}
	if ok {
		if run.Stage != c.stage {
			return fmt.Errorf("run %s is a %s run, not %s", c.runID, run.Stage, c.stage)
		}
		if !c.cfg.Train.Resume {
			return fmt.Errorf("%w: %s (set train.resume to continue it)", ErrRunExists, c.runID)
		}
		return nil
	}
	now := c.now().UTC()
	return c.store.SaveRun(ctx, model.RunRecord{
		VersionedRecord: storage.Versioned(),
		ID:              c.runID,
		Stage:           c.stage,
		Dataset:         c.dataset,
		SourceRunID:     c.sourceRun,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
}

func (c *Continual) resume(ctx context.Context) error {
	rec, err := c.saver.LoadCheckpoint(ctx, false)
	switch {
	case errors.Is(err, checkpoint.ErrCheckpointNotFound):
		c.log.Warn("nothing to resume, starting cold", "run_id", c.runID)
	case err != nil:
		return fmt.Errorf("resume: %w", err)
	default:
		c.log.Info("resumed", "epoch", rec.Epoch, "iteration", rec.Iteration)
	}
	if err := c.saver.RestoreBestValue(ctx); err != nil {
		return err
	}
	history, _, err := c.store.GetValidationHistory(ctx, c.runID)
	if err != nil {
		return err
	}
	c.history = history
	return nil
}

func (c *Continual) attach() {
	e := c.engine
	e.On(engine.Started, func(context.Context, *engine.Engine) error {
		if !c.cfg.Train.Resume {
			e.RunState().Epoch = 0
		}
		return nil
	})
	SchedulerHook{Main: c.current.Scheduler, Loss: c.current.Loss}.Attach(e)
	c.timer.Attach(e)
	e.On(engine.IterationCompleted, c.logProgress, engine.Every(c.cfg.Train.LogIterPeriod))
	e.On(engine.IterationCompleted, c.emitScalars)
	e.On(engine.EpochCompleted, func(ctx context.Context, e *engine.Engine) error {
		return c.saver.PeriodicCheckpoint(ctx, e.RunState())
	}, engine.Every(c.cfg.Saver.CheckpointPeriod))
	e.On(engine.EpochCompleted, c.logEpochTime)
	e.On(engine.EpochCompleted, c.validate, engine.Every(c.cfg.Eval.EpochPeriod))
}

func (c *Continual) logProgress(_ context.Context, e *engine.Engine) error {
	st := e.RunState()
	args := []any{
		"epoch", st.Epoch,
		"iteration", fmt.Sprintf("%d/%d", st.EpochIteration(), st.EpochLength),
		"lr", c.current.LR(),
	}
	for _, key := range c.metricKeys() {
		args = append(args, key, st.Metrics[key])
	}
	for _, w := range c.current.Loss.Uncertainties() {
		args = append(args, w.Name+"Weight", w.Value)
	}
	c.log.Info("train", args...)
	return nil
}

func (c *Continual) emitScalars(_ context.Context, e *engine.Engine) error {
	st := e.RunState()
	for _, key := range c.metricKeys() {
		if v, ok := st.Output[key]; ok {
			c.log.Scalar("train/"+key, v, st.Iteration)
		}
	}
	c.log.Scalar("train/lr", c.current.LR(), st.Iteration)
	for _, w := range c.current.Loss.Uncertainties() {
		c.log.Scalar("train/"+w.Name+"Weight", w.Value, st.Iteration)
	}
	return nil
}

func (c *Continual) logEpochTime(_ context.Context, e *engine.Engine) error {
	perBatch := c.timer.Value()
	var speed float64
	if perBatch > 0 {
		speed = float64(c.train.BatchSize()) / perBatch
	}
	c.log.Info("epoch done",
		"epoch", e.RunState().Epoch,
		"time_per_batch", fmt.Sprintf("%.3fs", perBatch),
		"speed", report.Rate(speed, "samples"),
	)
	c.timer.Reset()
	return nil
}

func (c *Continual) validate(ctx context.Context, e *engine.Engine) error {
	st := e.RunState()
	res, err := c.validator.Run(ctx)
	if err != nil {
		return err
	}
	for name, score := range res.PerDataset {
		c.log.Scalar("valid/"+name, score, st.Iteration)
	}
	c.log.Scalar("valid/sum", res.Sum, st.Iteration)

	prevBest := c.saver.BestResult()
	saved, err := c.saver.ConsiderBest(ctx, res.Sum, st)
	if err != nil {
		return err
	}
	if saved {
		c.log.Info("save best", "epoch", st.Epoch, "sum", res.Sum)
	} else {
		c.log.Info("not best", "epoch", st.Epoch, "best", prevBest, "sum", res.Sum)
	}

	c.history = append(c.history, model.ValidationRecord{
		Epoch:      st.Epoch,
		Iteration:  st.Iteration,
		PerDataset: res.PerDataset,
		Sum:        res.Sum,
		Best:       saved,
	})
	return c.store.SaveValidationHistory(ctx, c.runID, c.history)
}
