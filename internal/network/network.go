package network

import (
	"context"
	"errors"

	"reidcontinual/internal/optim"
	"reidcontinual/internal/tensor"
)

var ErrShapeMismatch = errors.New("model shape mismatch")

type Mode int

const (
	ModeTrain Mode = iota
	ModeEval
)

func (m Mode) String() string {
	if m == ModeEval {
		return "eval"
	}
	return "train"
}

// TeacherOutput carries detached features: nothing computed from them can
// reach the teacher's parameters.
type TeacherOutput struct {
	Feature           *tensor.Dense
	ClassifierFeature *tensor.Dense
}

type StudentOutput struct {
	Feature           *tensor.Variable
	ClassifierFeature *tensor.Variable
	Scores            *tensor.Variable
}

// Embedder is what validation needs from a model.
type Embedder interface {
	SetMode(Mode)
	Embed(ctx context.Context, x *tensor.Dense) (*tensor.Dense, error)
}

type Teacher interface {
	SetMode(Mode)
	Infer(ctx context.Context, x *tensor.Dense) (TeacherOutput, error)
}

type Student interface {
	Embedder
	Mode() Mode
	Forward(ctx context.Context, x *tensor.Dense) (StudentOutput, error)
	Params() []*optim.Param
}

type frozen struct {
	inner Teacher
}

// Freeze pins a teacher to eval mode for the rest of its life.
func Freeze(t Teacher) Teacher {
	t.SetMode(ModeEval)
	return frozen{inner: t}
}

func (f frozen) SetMode(Mode) { f.inner.SetMode(ModeEval) }

func (f frozen) Infer(ctx context.Context, x *tensor.Dense) (TeacherOutput, error) {
	return f.inner.Infer(ctx, x)
}
