package engine

import "fmt"

type Event int

const (
	Started Event = iota
	EpochStarted
	IterationStarted
	IterationCompleted
	EpochCompleted
	Completed
)

func (e Event) String() string {
	switch e {
	case Started:
		return "started"
	case EpochStarted:
		return "epoch_started"
	case IterationStarted:
		return "iteration_started"
	case IterationCompleted:
		return "iteration_completed"
	case EpochCompleted:
		return "epoch_completed"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Filter decides whether a handler fires for an event given the state at
// dispatch time. Started and Completed ignore filters.
type Filter func(ev Event, st *State) bool

// Every fires on every n-th epoch or iteration. Epoch-started and
// iteration-started handlers fire at the beginning of each period (1, n+1,
// 2n+1, ...); the completed variants fire at its end (n, 2n, ...).
func Every(n int) Filter {
	if n <= 1 {
		return func(Event, *State) bool { return true }
	}
	return func(ev Event, st *State) bool {
		switch ev {
		case EpochStarted:
			return (st.Epoch-1)%n == 0
		case EpochCompleted:
			return st.Epoch%n == 0
		case IterationStarted:
			return (st.Iteration-1)%n == 0
		case IterationCompleted:
			return st.Iteration%n == 0
		default:
			return true
		}
	}
}

// Once fires only at epoch n (epoch events) or iteration n (iteration
// events).
func Once(n int) Filter {
	return func(ev Event, st *State) bool {
		switch ev {
		case EpochStarted, EpochCompleted:
			return st.Epoch == n
		case IterationStarted, IterationCompleted:
			return st.Iteration == n
		default:
			return true
		}
	}
}
