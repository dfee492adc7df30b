package optim

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Policy maps an epoch counter to a learning rate. Policies are pure; the
// stepping state lives in Scheduler.
type Policy interface {
	Name() string
	LRAt(epoch int, baseLR float64) float64
}

type ConstantPolicy struct{}

func (ConstantPolicy) Name() string { return "constant" }

func (ConstantPolicy) LRAt(_ int, baseLR float64) float64 { return baseLR }

// StepPolicy multiplies the rate by Gamma every StepSize epochs.
type StepPolicy struct {
	StepSize int
	Gamma    float64
}

func (StepPolicy) Name() string { return "step" }

func (p StepPolicy) LRAt(epoch int, baseLR float64) float64 {
	if p.StepSize <= 0 {
		return baseLR
	}
	return baseLR * math.Pow(p.Gamma, float64(epoch/p.StepSize))
}

type MultiStepPolicy struct {
	Milestones []int
	Gamma      float64
}

func (MultiStepPolicy) Name() string { return "multistep" }

func (p MultiStepPolicy) LRAt(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(p.Gamma, float64(passed(p.Milestones, epoch)))
}

// WarmupMultiStepPolicy ramps the rate from WarmupFactor*base to base over
// WarmupEpochs, then decays by Gamma at each milestone.
type WarmupMultiStepPolicy struct {
	Milestones   []int
	Gamma        float64
	WarmupFactor float64
	WarmupEpochs int
	// Method is "linear" or "constant".
	Method string
}

func (WarmupMultiStepPolicy) Name() string { return "warmup_multistep" }

func (p WarmupMultiStepPolicy) LRAt(epoch int, baseLR float64) float64 {
	factor := 1.0
	if epoch < p.WarmupEpochs {
		switch p.Method {
		case "constant":
			factor = p.WarmupFactor
		default:
			alpha := float64(epoch) / float64(p.WarmupEpochs)
			factor = p.WarmupFactor*(1-alpha) + alpha
		}
	}
	return baseLR * factor * math.Pow(p.Gamma, float64(passed(p.Milestones, epoch)))
}

type CosinePolicy struct {
	TMax   int
	EtaMin float64
}

func (CosinePolicy) Name() string { return "cosine" }

func (p CosinePolicy) LRAt(epoch int, baseLR float64) float64 {
	if p.TMax <= 0 || epoch >= p.TMax {
		return p.EtaMin
	}
	return p.EtaMin + (baseLR-p.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(p.TMax)))/2
}

// passed counts milestones <= epoch.
func passed(milestones []int, epoch int) int {
	sorted := append([]int(nil), milestones...)
	sort.Ints(sorted)
	return sort.Search(len(sorted), func(i int) bool { return sorted[i] > epoch })
}

// Scheduler binds a Policy to an optimizer. Construction applies epoch 0;
// every Step advances one epoch and writes the new rate into the optimizer.
type Scheduler struct {
	policy    Policy
	opt       Optimizer
	baseLR    float64
	lastEpoch int
}

func NewScheduler(opt Optimizer, policy Policy) *Scheduler {
	if policy == nil {
		policy = ConstantPolicy{}
	}
	s := &Scheduler{policy: policy, opt: opt, baseLR: opt.LR()}
	opt.SetLR(policy.LRAt(0, s.baseLR))
	return s
}

func (s *Scheduler) Step() {
	s.lastEpoch++
	s.opt.SetLR(s.policy.LRAt(s.lastEpoch, s.baseLR))
}

func (s *Scheduler) LR() float64 { return s.opt.LR() }

func (s *Scheduler) LastEpoch() int { return s.lastEpoch }

func (s *Scheduler) Policy() Policy { return s.policy }

type schedulerState struct {
	Policy    string  `json:"policy"`
	BaseLR    float64 `json:"base_lr"`
	LastEpoch int     `json:"last_epoch"`
}

func (s *Scheduler) State() ([]byte, error) {
	return json.Marshal(schedulerState{Policy: s.policy.Name(), BaseLR: s.baseLR, LastEpoch: s.lastEpoch})
}

func (s *Scheduler) LoadState(data []byte) error {
	var st schedulerState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if st.Policy != s.policy.Name() {
		return fmt.Errorf("%w: scheduler policy %s, state has %s", ErrStateMismatch, s.policy.Name(), st.Policy)
	}
	s.baseLR = st.BaseLR
	s.lastEpoch = st.LastEpoch
	s.opt.SetLR(s.policy.LRAt(s.lastEpoch, s.baseLR))
	return nil
}

// PolicyByName builds a policy from flat config values.
func PolicyByName(name string, milestones []int, gamma, warmupFactor float64, warmupEpochs, maxEpochs int) (Policy, error) {
	switch name {
	case "", "constant":
		return ConstantPolicy{}, nil
	case "step":
		step := 0
		if len(milestones) > 0 {
			step = milestones[0]
		}
		return StepPolicy{StepSize: step, Gamma: gamma}, nil
	case "multistep":
		return MultiStepPolicy{Milestones: milestones, Gamma: gamma}, nil
	case "warmup_multistep":
		return WarmupMultiStepPolicy{
			Milestones:   milestones,
			Gamma:        gamma,
			WarmupFactor: warmupFactor,
			WarmupEpochs: warmupEpochs,
			Method:       "linear",
		}, nil
	case "cosine":
		return CosinePolicy{TMax: maxEpochs}, nil
	default:
		return nil, fmt.Errorf("unsupported lr policy: %s", name)
	}
}
