package validation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"reidcontinual/internal/data"
	"reidcontinual/internal/network"
	"reidcontinual/internal/tensor"
)

var ErrNoValidQuery = errors.New("no query has a matching gallery identity")

const (
	MetricRank1    = "rank1"
	MetricMAP      = "map"
	MetricRank1MAP = "rank1_map"
)

// Retrieval holds the standard re-id ranking metrics for one dataset.
type Retrieval struct {
	Rank1 float64
	Rank5 float64
	MAP   float64
	// Queries is the number of queries with at least one gallery match.
	Queries int
}

// RetrievalEvaluator ranks the gallery by cosine similarity for every query
// and reports the configured metric. rank1_map averages rank-1 and mAP.
type RetrievalEvaluator struct {
	Metric string
}

func (e RetrievalEvaluator) Evaluate(ctx context.Context, m network.Embedder, ds Dataset) (float64, error) {
	r, err := Rank(ctx, m, ds)
	if err != nil {
		return 0, err
	}
	switch e.Metric {
	case MetricRank1:
		return r.Rank1, nil
	case MetricMAP:
		return r.MAP, nil
	case "", MetricRank1MAP:
		return (r.Rank1 + r.MAP) / 2, nil
	default:
		return 0, fmt.Errorf("unknown retrieval metric %q", e.Metric)
	}
}

// Rank embeds query and gallery and computes the ranking metrics.
func Rank(ctx context.Context, m network.Embedder, ds Dataset) (Retrieval, error) {
	qf, ql, err := embedAll(ctx, m, ds.Query)
	if err != nil {
		return Retrieval{}, fmt.Errorf("query: %w", err)
	}
	gf, gl, err := embedAll(ctx, m, ds.Gallery)
	if err != nil {
		return Retrieval{}, fmt.Errorf("gallery: %w", err)
	}

	var r Retrieval
	order := make([]int, len(gf))
	sims := make([]float64, len(gf))
	for q := range qf {
		for g := range gf {
			order[g] = g
			sims[g] = cosine(qf[q], gf[g])
		}
		sort.SliceStable(order, func(i, j int) bool { return sims[order[i]] > sims[order[j]] })

		hits, firstHit := 0, -1
		var precisionSum float64
		for rank, g := range order {
			if gl[g] != ql[q] {
				continue
			}
			hits++
			if firstHit < 0 {
				firstHit = rank
			}
			precisionSum += float64(hits) / float64(rank+1)
		}
		if hits == 0 {
			continue
		}
		r.Queries++
		if firstHit == 0 {
			r.Rank1++
		}
		if firstHit < 5 {
			r.Rank5++
		}
		r.MAP += precisionSum / float64(hits)
	}
	if r.Queries == 0 {
		return Retrieval{}, ErrNoValidQuery
	}
	n := float64(r.Queries)
	r.Rank1 /= n
	r.Rank5 /= n
	r.MAP /= n
	return r, nil
}

func embedAll(ctx context.Context, m network.Embedder, src data.Source) ([][]float64, []int, error) {
	var (
		feats  [][]float64
		labels []int
	)
	it := src.Iter(0)
	for {
		batch, ok, err := it.Next(ctx)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		emb, err := m.Embed(ctx, batch.Input)
		if err != nil {
			return nil, nil, err
		}
		if emb.Rows() != batch.Size() {
			return nil, nil, fmt.Errorf("%w: %d embeddings for %d samples", network.ErrShapeMismatch, emb.Rows(), batch.Size())
		}
		for i := 0; i < emb.Rows(); i++ {
			feats = append(feats, append([]float64(nil), emb.Row(i)...))
		}
		labels = append(labels, batch.Labels...)
	}
	return feats, labels, nil
}

func cosine(a, b []float64) float64 {
	na, nb := tensor.Norm(a), tensor.Norm(b)
	if na == 0 || nb == 0 {
		return math.Inf(-1)
	}
	return tensor.Dot(a, b) / (na * nb)
}
