package data

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"reidcontinual/internal/tensor"
)

var ErrEmptySource = errors.New("data source has no samples")

type Batch struct {
	Input  *tensor.Dense
	Labels []int
}

func (b Batch) Size() int { return len(b.Labels) }

// Source yields an ordered, restartable sequence of batches per epoch.
// Iter(epoch) must produce the same sequence every time it is called with
// the same epoch, which is what makes a resumed run repeat an interrupted one.
type Source interface {
	Len() int
	BatchSize() int
	Iter(epoch int) Iterator
}

type Iterator interface {
	Next(ctx context.Context) (Batch, bool, error)
}

type Sample struct {
	Features []float64
	Label    int
}

type SliceSource struct {
	samples   []Sample
	batchSize int
	shuffle   bool
	dropLast  bool
	seed      int64
}

type SliceOptions struct {
	BatchSize int
	Shuffle   bool
	DropLast  bool
	Seed      int64
}

func NewSliceSource(samples []Sample, opts SliceOptions) (*SliceSource, error) {
	if len(samples) == 0 {
		return nil, ErrEmptySource
	}
	if opts.BatchSize <= 0 {
		return nil, errors.New("batch size must be > 0")
	}
	width := len(samples[0].Features)
	for i, s := range samples {
		if len(s.Features) != width {
			return nil, fmt.Errorf("sample %d has %d features, want %d", i, len(s.Features), width)
		}
	}
	return &SliceSource{
		samples:   samples,
		batchSize: opts.BatchSize,
		shuffle:   opts.Shuffle,
		dropLast:  opts.DropLast,
		seed:      opts.Seed,
	}, nil
}

func (s *SliceSource) BatchSize() int { return s.batchSize }

func (s *SliceSource) Samples() []Sample { return s.samples }

func (s *SliceSource) Len() int {
	n := len(s.samples) / s.batchSize
	if !s.dropLast && len(s.samples)%s.batchSize != 0 {
		n++
	}
	return n
}

func (s *SliceSource) Iter(epoch int) Iterator {
	order := make([]int, len(s.samples))
	for i := range order {
		order[i] = i
	}
	if s.shuffle {
		rng := rand.New(rand.NewSource(s.seed + int64(epoch)))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return &sliceIterator{src: s, order: order, remaining: s.Len()}
}

type sliceIterator struct {
	src       *SliceSource
	order     []int
	pos       int
	remaining int
}

func (it *sliceIterator) Next(ctx context.Context) (Batch, bool, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, false, err
	}
	if it.remaining == 0 {
		return Batch{}, false, nil
	}
	end := it.pos + it.src.batchSize
	if end > len(it.order) {
		end = len(it.order)
	}
	idx := it.order[it.pos:end]
	width := len(it.src.samples[0].Features)
	input := tensor.Zeros(len(idx), width)
	labels := make([]int, len(idx))
	for row, i := range idx {
		copy(input.Row(row), it.src.samples[i].Features)
		labels[row] = it.src.samples[i].Label
	}
	it.pos = end
	it.remaining--
	return Batch{Input: input, Labels: labels}, true, nil
}
