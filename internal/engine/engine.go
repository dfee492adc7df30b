package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"reidcontinual/internal/data"
)

var (
	ErrEngineRunning = errors.New("engine is already running")
	ErrEmptyEpoch    = errors.New("data source has no batches")
)

type Phase int

const (
	Created Phase = iota
	Running
	Done
	Failed
)

func (p Phase) String() string {
	switch p {
	case Created:
		return "created"
	case Running:
		return "running"
	case Done:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the loop state visible to handlers. Iteration is global across
// epochs; EpochIteration gives the position inside the current epoch.
type State struct {
	Epoch       int
	Iteration   int
	EpochLength int
	MaxEpochs   int
	Output      map[string]float64
	Metrics     map[string]float64
}

func (s *State) EpochIteration() int {
	if s.EpochLength <= 0 || s.Iteration == 0 {
		return 0
	}
	return (s.Iteration-1)%s.EpochLength + 1
}

// ProcessFunc runs one iteration on a batch and returns its scalar outputs.
type ProcessFunc func(ctx context.Context, batch data.Batch) (map[string]float64, error)

type Handler func(ctx context.Context, e *Engine) error

type registration struct {
	handler Handler
	filters []Filter
}

type average struct {
	key string
	avg *RunningAverage
}

// Engine is a single-goroutine epoch/iteration loop dispatching lifecycle
// events to handlers in registration order. It is not reentrant.
type Engine struct {
	process   ProcessFunc
	handlers  map[Event][]registration
	averages  []average
	state     State
	phase     Phase
	terminate bool
}

func New(process ProcessFunc) *Engine {
	return &Engine{
		process:  process,
		handlers: make(map[Event][]registration),
		state:    State{Metrics: make(map[string]float64)},
	}
}

func (e *Engine) On(ev Event, h Handler, filters ...Filter) {
	e.handlers[ev] = append(e.handlers[ev], registration{handler: h, filters: filters})
}

// Average keeps a running average of the process output key in
// State.Metrics. Averages carry over epoch boundaries.
func (e *Engine) Average(key string, alpha float64) {
	for _, a := range e.averages {
		if a.key == key {
			return
		}
	}
	e.averages = append(e.averages, average{key: key, avg: NewRunningAverage(alpha)})
}

func (e *Engine) RunState() *State { return &e.state }

func (e *Engine) Phase() Phase { return e.phase }

// Terminate stops the run once the current iteration and its handlers
// finish. The interrupted epoch does not fire EpochCompleted; Completed
// still fires.
func (e *Engine) Terminate() { e.terminate = true }

// Run executes epochs until State.Epoch reaches maxEpochs. It continues from
// a restored State.Epoch unless a Started handler resets it. Handler and
// process errors abort the run without firing Completed.
func (e *Engine) Run(ctx context.Context, src data.Source, maxEpochs int) error {
	if e.phase == Running {
		return ErrEngineRunning
	}
	if src.Len() == 0 {
		return ErrEmptyEpoch
	}
	e.phase = Running
	e.terminate = false
	if err := e.run(ctx, src, maxEpochs); err != nil {
		e.phase = Failed
		return err
	}
	e.phase = Done
	return nil
}

func (e *Engine) run(ctx context.Context, src data.Source, maxEpochs int) error {
	st := &e.state
	st.MaxEpochs = maxEpochs
	st.EpochLength = src.Len()

	if err := e.fire(ctx, Started); err != nil {
		return err
	}
	for st.Epoch < maxEpochs && !e.terminate {
		st.Epoch++
		if err := e.fire(ctx, EpochStarted); err != nil {
			return err
		}
		it := src.Iter(st.Epoch)
		for !e.terminate {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch, ok, err := it.Next(ctx)
			if err != nil {
				return fmt.Errorf("epoch %d: next batch: %w", st.Epoch, err)
			}
			if !ok {
				break
			}
			st.Iteration++
			if err := e.fire(ctx, IterationStarted); err != nil {
				return err
			}
			out, err := e.process(ctx, batch)
			if err != nil {
				return fmt.Errorf("epoch %d iteration %d: %w", st.Epoch, st.Iteration, err)
			}
			st.Output = out
			e.updateAverages(out)
			if err := e.fire(ctx, IterationCompleted); err != nil {
				return err
			}
		}
		if e.terminate {
			break
		}
		if err := e.fire(ctx, EpochCompleted); err != nil {
			return err
		}
	}
	return e.fire(ctx, Completed)
}

func (e *Engine) updateAverages(out map[string]float64) {
	for _, a := range e.averages {
		x, ok := out[a.key]
		if !ok {
			continue
		}
		e.state.Metrics[a.key] = a.avg.Update(x)
	}
}

func (e *Engine) fire(ctx context.Context, ev Event) error {
	for _, reg := range e.handlers[ev] {
		if !e.accepts(ev, reg.filters) {
			continue
		}
		if err := reg.handler(ctx, e); err != nil {
			return fmt.Errorf("%s handler: %w", ev, err)
		}
	}
	return nil
}

func (e *Engine) accepts(ev Event, filters []Filter) bool {
	if ev == Started || ev == Completed {
		return true
	}
	for _, f := range filters {
		if !f(ev, &e.state) {
			return false
		}
	}
	return true
}

type averageState struct {
	Value  float64 `json:"value"`
	Seeded bool    `json:"seeded"`
}

type engineState struct {
	Epoch     int                     `json:"epoch"`
	Iteration int                     `json:"iteration"`
	Averages  map[string]averageState `json:"averages,omitempty"`
}

func (e *Engine) State() ([]byte, error) {
	st := engineState{Epoch: e.state.Epoch, Iteration: e.state.Iteration}
	if len(e.averages) > 0 {
		st.Averages = make(map[string]averageState, len(e.averages))
		for _, a := range e.averages {
			st.Averages[a.key] = averageState{Value: a.avg.value, Seeded: a.avg.seeded}
		}
	}
	return json.Marshal(st)
}

func (e *Engine) LoadState(data []byte) error {
	if e.phase == Running {
		return ErrEngineRunning
	}
	var st engineState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if st.Epoch < 0 || st.Iteration < 0 {
		return fmt.Errorf("engine state: negative counters epoch=%d iteration=%d", st.Epoch, st.Iteration)
	}
	e.state.Epoch = st.Epoch
	e.state.Iteration = st.Iteration
	for _, a := range e.averages {
		saved, ok := st.Averages[a.key]
		if !ok {
			a.avg.Reset()
			delete(e.state.Metrics, a.key)
			continue
		}
		a.avg.value, a.avg.seeded = saved.Value, saved.Seeded
		if saved.Seeded {
			e.state.Metrics[a.key] = saved.Value
		}
	}
	return nil
}
