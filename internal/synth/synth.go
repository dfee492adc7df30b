// Package synth generates seeded identity datasets for demos and tests.
//
// Every identity owns a prototype vector; its samples are the prototype plus
// Gaussian noise. Training and evaluation use disjoint identities, like the
// usual re-id protocol, so validation measures how well the embedding
// generalises rather than how well it memorises.
package synth

import (
	"fmt"
	"math/rand"

	"reidcontinual/internal/config"
	"reidcontinual/internal/data"
	"reidcontinual/internal/validation"
)

type Split struct {
	Name       string
	Train      *data.SliceSource
	Eval       validation.Dataset
	NumClasses int
}

// Generate builds the training source and the query/gallery split described
// by cfg. The same cfg and inputDim always give the same samples.
func Generate(cfg config.DatasetConfig, inputDim, batchSize int) (Split, error) {
	if inputDim <= 0 {
		return Split{}, fmt.Errorf("input dim must be > 0")
	}
	if cfg.Identities <= 0 || cfg.SamplesPerIdentity <= cfg.QueryPerIdentity || cfg.QueryPerIdentity <= 0 {
		return Split{}, fmt.Errorf("dataset %s: bad identity layout", cfg.Name)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	trainProtos := prototypes(rng, cfg.Identities, inputDim)
	evalProtos := prototypes(rng, cfg.Identities, inputDim)

	var train, query, gallery []data.Sample
	for id, proto := range trainProtos {
		for i := 0; i < cfg.SamplesPerIdentity; i++ {
			train = append(train, data.Sample{Features: jitter(rng, proto, cfg.Noise), Label: id})
		}
	}
	for id, proto := range evalProtos {
		for i := 0; i < cfg.SamplesPerIdentity; i++ {
			s := data.Sample{Features: jitter(rng, proto, cfg.Noise), Label: id}
			if i < cfg.QueryPerIdentity {
				query = append(query, s)
			} else {
				gallery = append(gallery, s)
			}
		}
	}

	trainSrc, err := data.NewSliceSource(train, data.SliceOptions{
		BatchSize: batchSize,
		Shuffle:   true,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return Split{}, fmt.Errorf("dataset %s train: %w", cfg.Name, err)
	}
	querySrc, err := data.NewSliceSource(query, data.SliceOptions{BatchSize: batchSize})
	if err != nil {
		return Split{}, fmt.Errorf("dataset %s query: %w", cfg.Name, err)
	}
	gallerySrc, err := data.NewSliceSource(gallery, data.SliceOptions{BatchSize: batchSize})
	if err != nil {
		return Split{}, fmt.Errorf("dataset %s gallery: %w", cfg.Name, err)
	}
	return Split{
		Name:       cfg.Name,
		Train:      trainSrc,
		Eval:       validation.Dataset{Name: cfg.Name, Query: querySrc, Gallery: gallerySrc},
		NumClasses: cfg.Identities,
	}, nil
}

func prototypes(rng *rand.Rand, n, dim int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, dim)
		for j := range out[i] {
			out[i][j] = rng.NormFloat64()
		}
	}
	return out
}

func jitter(rng *rand.Rand, proto []float64, noise float64) []float64 {
	out := make([]float64, len(proto))
	for i, v := range proto {
		out[i] = v + noise*rng.NormFloat64()
	}
	return out
}
