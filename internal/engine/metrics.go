package engine

import (
	"context"
	"time"
)

// RunningAverage is an exponential moving average: v = alpha*v + (1-alpha)*x.
// The first update seeds v with x.
type RunningAverage struct {
	Alpha  float64
	value  float64
	seeded bool
}

func NewRunningAverage(alpha float64) *RunningAverage {
	return &RunningAverage{Alpha: alpha}
}

func (r *RunningAverage) Update(x float64) float64 {
	if !r.seeded {
		r.value, r.seeded = x, true
		return r.value
	}
	r.value = r.Alpha*r.value + (1-r.Alpha)*x
	return r.value
}

func (r *RunningAverage) Value() float64 { return r.value }

func (r *RunningAverage) Reset() { r.value, r.seeded = 0, false }

// Timer averages wall time per iteration. Attach wires it the usual way:
// reset at epoch start, resumed when an iteration starts, paused and stepped
// when it completes.
type Timer struct {
	Now func() time.Time

	started time.Time
	running bool
	total   time.Duration
	steps   int
}

func NewTimer() *Timer {
	return &Timer{Now: time.Now}
}

func (t *Timer) Attach(e *Engine) {
	e.On(EpochStarted, func(context.Context, *Engine) error {
		t.Reset()
		return nil
	})
	e.On(IterationStarted, func(context.Context, *Engine) error {
		t.Resume()
		return nil
	})
	e.On(IterationCompleted, func(context.Context, *Engine) error {
		t.Pause()
		t.Step()
		return nil
	})
}

func (t *Timer) Reset() {
	t.total, t.steps, t.running = 0, 0, false
}

func (t *Timer) Resume() {
	if t.running {
		return
	}
	t.started, t.running = t.Now(), true
}

func (t *Timer) Pause() {
	if !t.running {
		return
	}
	t.total += t.Now().Sub(t.started)
	t.running = false
}

func (t *Timer) Step() { t.steps++ }

// Value is the mean seconds per step so far, 0 before the first step.
func (t *Timer) Value() float64 {
	if t.steps == 0 {
		return 0
	}
	return t.total.Seconds() / float64(t.steps)
}

func (t *Timer) Steps() int { return t.steps }
