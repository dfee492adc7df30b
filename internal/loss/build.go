package loss

import (
	"math/rand"

	"reidcontinual/internal/config"
)

// NewFromConfig builds the enabled terms in report order: xent, triplet,
// center, distill.
func NewFromConfig(cfg config.LossConfig, numClasses, dim int, rng *rand.Rand) (*Aggregator, error) {
	var terms []Term
	learned := func(t Term, on bool) Term {
		if on {
			return WithLearnedWeight(t, 0, cfg.UncertaintyLR)
		}
		return t
	}
	if cfg.Xent.Enabled {
		terms = append(terms, learned(CrossEntropy{Epsilon: cfg.Xent.Epsilon}, cfg.Xent.LearningWeight))
	}
	if cfg.Triplet.Enabled {
		terms = append(terms, learned(Triplet{Margin: cfg.Triplet.Margin}, cfg.Triplet.LearningWeight))
	}
	if cfg.Center.Enabled {
		center := NewCenter(numClasses, dim, cfg.Center.Weight, cfg.Center.LR, rng)
		terms = append(terms, learned(center, cfg.Center.LearningWeight))
	}
	if cfg.Distill.Enabled {
		terms = append(terms, Distill{Weight: cfg.Distill.Weight})
	}
	return NewAggregator(terms...)
}
