package validation

import (
	"context"
	"errors"
	"fmt"

	"reidcontinual/internal/data"
	"reidcontinual/internal/network"
	"reidcontinual/internal/report"
)

var ErrNoDatasets = errors.New("no validation datasets configured")

// Dataset is a named query/gallery split.
type Dataset struct {
	Name    string
	Query   data.Source
	Gallery data.Source
}

// Evaluator scores a model on one dataset. Higher is better.
type Evaluator interface {
	Evaluate(ctx context.Context, m network.Embedder, ds Dataset) (float64, error)
}

// Combiner reduces per-dataset scores to one value.
type Combiner func(perDataset map[string]float64) float64

// WeightedSum weighs each dataset score; datasets without a weight count
// with weight 1.
func WeightedSum(weights map[string]float64) Combiner {
	return func(per map[string]float64) float64 {
		var sum float64
		for name, score := range per {
			w, ok := weights[name]
			if !ok {
				w = 1
			}
			sum += w * score
		}
		return sum
	}
}

func EqualSum() Combiner {
	return WeightedSum(nil)
}

type Result struct {
	PerDataset map[string]float64
	Sum        float64
}

// Driver runs one validation pass over every configured dataset.
type Driver struct {
	model     network.Embedder
	evaluator Evaluator
	combine   Combiner
	datasets  []Dataset
	log       report.Reporter
}

func NewDriver(m network.Embedder, evaluator Evaluator, combine Combiner, datasets []Dataset, r report.Reporter) *Driver {
	if combine == nil {
		combine = EqualSum()
	}
	return &Driver{
		model:     m,
		evaluator: evaluator,
		combine:   combine,
		datasets:  datasets,
		log:       report.OrNoOp(r),
	}
}

func (d *Driver) Datasets() []Dataset { return d.datasets }

// Run puts the model in eval mode, evaluates the datasets in order and
// combines their scores. Evaluator errors are returned as is.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	if len(d.datasets) == 0 {
		return Result{}, ErrNoDatasets
	}
	d.model.SetMode(network.ModeEval)
	res := Result{PerDataset: make(map[string]float64, len(d.datasets))}
	for _, ds := range d.datasets {
		if _, dup := res.PerDataset[ds.Name]; dup {
			return Result{}, fmt.Errorf("duplicate validation dataset %q", ds.Name)
		}
		score, err := d.evaluator.Evaluate(ctx, d.model, ds)
		if err != nil {
			return Result{}, fmt.Errorf("validate %s: %w", ds.Name, err)
		}
		res.PerDataset[ds.Name] = score
		d.log.Info("validation result", "dataset", ds.Name, "score", score)
	}
	res.Sum = d.combine(res.PerDataset)
	return res, nil
}
