package network

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"reidcontinual/internal/optim"
	"reidcontinual/internal/tensor"
)

// Linear is the reference embedding model used by the CLI and tests:
//
//	feature    = x·Wᵀ + b
//	classifier = feature ⊙ gamma + beta
//	scores     = classifier·Vᵀ
//
// It has the same three outputs as a re-id backbone with a BN neck, which
// is all the trainer relies on.
type Linear struct {
	inDim   int
	dim     int
	classes int
	mode    Mode

	w     *optim.Param
	b     *optim.Param
	gamma *optim.Param
	beta  *optim.Param
	v     *optim.Param
}

func NewLinear(inDim, dim, classes int, rng *rand.Rand) *Linear {
	scaleW := 1 / math.Sqrt(float64(inDim))
	scaleV := 1 / math.Sqrt(float64(dim))
	w := make([]float64, dim*inDim)
	for i := range w {
		w[i] = rng.NormFloat64() * scaleW
	}
	v := make([]float64, classes*dim)
	for i := range v {
		v[i] = rng.NormFloat64() * scaleV
	}
	gamma := make([]float64, dim)
	for i := range gamma {
		gamma[i] = 1
	}
	return &Linear{
		inDim:   inDim,
		dim:     dim,
		classes: classes,
		w:       optim.NewParam("backbone.weight", w),
		b:       optim.NewParam("backbone.bias", make([]float64, dim)),
		gamma:   optim.NewParam("neck.weight", gamma),
		beta:    optim.NewParam("neck.bias", make([]float64, dim)),
		v:       optim.NewParam("classifier.weight", v),
	}
}

func (m *Linear) InDim() int      { return m.inDim }
func (m *Linear) Dim() int        { return m.dim }
func (m *Linear) NumClasses() int { return m.classes }

func (m *Linear) SetMode(mode Mode) { m.mode = mode }
func (m *Linear) Mode() Mode        { return m.mode }

func (m *Linear) Params() []*optim.Param {
	return []*optim.Param{m.w, m.b, m.gamma, m.beta, m.v}
}

func (m *Linear) check(x *tensor.Dense) error {
	if x.Cols() != m.inDim {
		return fmt.Errorf("%w: input has %d features, model expects %d", ErrShapeMismatch, x.Cols(), m.inDim)
	}
	return nil
}

func (m *Linear) features(x *tensor.Dense) (*tensor.Dense, *tensor.Dense) {
	n := x.Rows()
	feat := tensor.Zeros(n, m.dim)
	neck := tensor.Zeros(n, m.dim)
	for i := 0; i < n; i++ {
		in := x.Row(i)
		for d := 0; d < m.dim; d++ {
			f := m.b.Value[d] + tensor.Dot(m.w.Value[d*m.inDim:(d+1)*m.inDim], in)
			feat.Set(i, d, f)
			neck.Set(i, d, f*m.gamma.Value[d]+m.beta.Value[d])
		}
	}
	return feat, neck
}

func (m *Linear) scores(neck *tensor.Dense) *tensor.Dense {
	n := neck.Rows()
	out := tensor.Zeros(n, m.classes)
	for i := 0; i < n; i++ {
		row := neck.Row(i)
		for c := 0; c < m.classes; c++ {
			out.Set(i, c, tensor.Dot(m.v.Value[c*m.dim:(c+1)*m.dim], row))
		}
	}
	return out
}

func (m *Linear) Infer(_ context.Context, x *tensor.Dense) (TeacherOutput, error) {
	if err := m.check(x); err != nil {
		return TeacherOutput{}, err
	}
	feat, neck := m.features(x)
	return TeacherOutput{Feature: feat, ClassifierFeature: neck}, nil
}

func (m *Linear) Embed(_ context.Context, x *tensor.Dense) (*tensor.Dense, error) {
	if err := m.check(x); err != nil {
		return nil, err
	}
	_, neck := m.features(x)
	return neck, nil
}

func (m *Linear) Forward(_ context.Context, x *tensor.Dense) (StudentOutput, error) {
	if err := m.check(x); err != nil {
		return StudentOutput{}, err
	}
	input := x.Clone()
	feat, neck := m.features(input)
	scores := m.scores(neck)
	n := input.Rows()

	featVar := tensor.NewVariable(feat, func(g *tensor.Dense) error {
		for i := 0; i < n; i++ {
			in := input.Row(i)
			for d := 0; d < m.dim; d++ {
				gd := g.At(i, d)
				if gd == 0 {
					continue
				}
				m.b.Grad[d] += gd
				row := m.w.Grad[d*m.inDim : (d+1)*m.inDim]
				for k, xv := range in {
					row[k] += gd * xv
				}
			}
		}
		return nil
	})

	neckVar := tensor.NewVariable(neck, func(g *tensor.Dense) error {
		upstream := tensor.Zeros(n, m.dim)
		for i := 0; i < n; i++ {
			for d := 0; d < m.dim; d++ {
				gd := g.At(i, d)
				m.gamma.Grad[d] += gd * feat.At(i, d)
				m.beta.Grad[d] += gd
				upstream.Set(i, d, gd*m.gamma.Value[d])
			}
		}
		return featVar.Backward(upstream)
	})

	scoresVar := tensor.NewVariable(scores, func(g *tensor.Dense) error {
		upstream := tensor.Zeros(n, m.dim)
		for i := 0; i < n; i++ {
			nrow := neck.Row(i)
			urow := upstream.Row(i)
			for c := 0; c < m.classes; c++ {
				gc := g.At(i, c)
				if gc == 0 {
					continue
				}
				vrow := m.v.Value[c*m.dim : (c+1)*m.dim]
				grow := m.v.Grad[c*m.dim : (c+1)*m.dim]
				for d := 0; d < m.dim; d++ {
					grow[d] += gc * nrow[d]
					urow[d] += gc * vrow[d]
				}
			}
		}
		return neckVar.Backward(upstream)
	})

	return StudentOutput{Feature: featVar, ClassifierFeature: neckVar, Scores: scoresVar}, nil
}

type linearState struct {
	InDim   int       `json:"in_dim"`
	Dim     int       `json:"dim"`
	Classes int       `json:"classes"`
	W       []float64 `json:"backbone_weight"`
	B       []float64 `json:"backbone_bias"`
	Gamma   []float64 `json:"neck_weight"`
	Beta    []float64 `json:"neck_bias"`
	V       []float64 `json:"classifier_weight"`
}

func (m *Linear) State() ([]byte, error) {
	return json.Marshal(linearState{
		InDim:   m.inDim,
		Dim:     m.dim,
		Classes: m.classes,
		W:       m.w.Value,
		B:       m.b.Value,
		Gamma:   m.gamma.Value,
		Beta:    m.beta.Value,
		V:       m.v.Value,
	})
}

// LoadState restores every parameter; the stored shape must match exactly.
func (m *Linear) LoadState(data []byte) error {
	st, err := m.decode(data)
	if err != nil {
		return err
	}
	if st.Classes != m.classes {
		return fmt.Errorf("%w: classifier has %d classes, state has %d", ErrShapeMismatch, m.classes, st.Classes)
	}
	m.restoreBackbone(st)
	copy(m.v.Value, st.V)
	return nil
}

// LoadBackbone restores everything but the classifier, so a model trained
// on one identity set can warm-start a model for another.
func (m *Linear) LoadBackbone(data []byte) error {
	st, err := m.decode(data)
	if err != nil {
		return err
	}
	m.restoreBackbone(st)
	return nil
}

func (m *Linear) decode(data []byte) (linearState, error) {
	var st linearState
	if err := json.Unmarshal(data, &st); err != nil {
		return linearState{}, err
	}
	if st.InDim != m.inDim || st.Dim != m.dim {
		return linearState{}, fmt.Errorf("%w: model %dx%d, state %dx%d", ErrShapeMismatch, m.dim, m.inDim, st.Dim, st.InDim)
	}
	if len(st.W) != m.dim*m.inDim || len(st.B) != m.dim || len(st.Gamma) != m.dim || len(st.Beta) != m.dim || len(st.V) != st.Classes*m.dim {
		return linearState{}, fmt.Errorf("%w: truncated state", ErrShapeMismatch)
	}
	return st, nil
}

func (m *Linear) restoreBackbone(st linearState) {
	copy(m.w.Value, st.W)
	copy(m.b.Value, st.B)
	copy(m.gamma.Value, st.Gamma)
	copy(m.beta.Value, st.Beta)
}
