package trainer

import (
	"context"

	"reidcontinual/internal/engine"
	"reidcontinual/internal/loss"
	"reidcontinual/internal/optim"
)

// SchedulerHook advances the main LR schedule and then every loss term
// schedule, once per epoch start.
type SchedulerHook struct {
	Main *optim.Scheduler
	Loss *loss.Aggregator
}

func (h SchedulerHook) Step() {
	if h.Main != nil {
		h.Main.Step()
	}
	if h.Loss != nil {
		h.Loss.SchedulerStep()
	}
}

func (h SchedulerHook) Attach(e *engine.Engine) {
	e.On(engine.EpochStarted, func(context.Context, *engine.Engine) error {
		h.Step()
		return nil
	})
}
