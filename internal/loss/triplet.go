package loss

import (
	"math"

	"reidcontinual/internal/tensor"
)

// Triplet is the batch-hard triplet loss over the student feature. Each
// anchor is paired with its farthest positive and nearest negative in the
// batch. Margin <= 0 selects the soft-margin form log(1+exp(dp-dn)).
// Anchors with no negative in the batch are skipped.
type Triplet struct {
	Margin float64
}

func (Triplet) Name() string { return "triplet" }

func (Triplet) Requires() []Input { return []Input{StudentFeature, Targets} }

type triplet struct {
	anchor, pos, neg int
	dp, dn           float64
	slope            float64
}

func (t Triplet) Compute(in Inputs) (Value, error) {
	feat := in.StudentFeature.Value
	n := feat.Rows()
	if err := checkRows("feature", n, in.Targets); err != nil {
		return nil, err
	}
	dist := pairwiseDistances(feat)

	var mined []triplet
	var total float64
	for a := 0; a < n; a++ {
		pos, neg := a, -1
		for j := 0; j < n; j++ {
			if j == a {
				continue
			}
			if in.Targets[j] == in.Targets[a] {
				if pos == a || dist[a][j] > dist[a][pos] {
					pos = j
				}
			} else if neg < 0 || dist[a][j] < dist[a][neg] {
				neg = j
			}
		}
		if neg < 0 {
			continue
		}
		tr := triplet{anchor: a, pos: pos, neg: neg, dp: dist[a][pos], dn: dist[a][neg]}
		diff := tr.dp - tr.dn
		if t.Margin > 0 {
			if l := diff + t.Margin; l > 0 {
				total += l
				tr.slope = 1
			}
		} else {
			total += softplus(diff)
			tr.slope = sigmoid(diff)
		}
		mined = append(mined, tr)
	}
	if len(mined) == 0 {
		return NewValue(0, nil), nil
	}
	count := float64(len(mined))
	value := total / count

	return NewValue(value, func(g float64) error {
		grad := tensor.Zeros(n, feat.Cols())
		for _, tr := range mined {
			if tr.slope == 0 {
				continue
			}
			s := g * tr.slope / count
			addDistanceGrad(grad, feat, tr.anchor, tr.pos, tr.dp, s)
			addDistanceGrad(grad, feat, tr.anchor, tr.neg, tr.dn, -s)
		}
		return in.StudentFeature.Backward(grad)
	}), nil
}

func pairwiseDistances(x *tensor.Dense) [][]float64 {
	n := x.Rows()
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := x.Row(i), x.Row(j)
			var sq float64
			for k := range a {
				d := a[k] - b[k]
				sq += d * d
			}
			d := math.Sqrt(sq)
			out[i][j], out[j][i] = d, d
		}
	}
	return out
}

// addDistanceGrad accumulates scale * d||x_i - x_j|| into grad.
func addDistanceGrad(grad, x *tensor.Dense, i, j int, dist, scale float64) {
	if i == j || dist < 1e-12 {
		return
	}
	a, b := x.Row(i), x.Row(j)
	gi, gj := grad.Row(i), grad.Row(j)
	for k := range a {
		d := scale * (a[k] - b[k]) / dist
		gi[k] += d
		gj[k] -= d
	}
}

func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
