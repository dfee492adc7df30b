package loss

import (
	"math"

	"reidcontinual/internal/tensor"
)

// CrossEntropy is softmax cross entropy with label smoothing: the target
// distribution puts 1-Epsilon+Epsilon/C on the true class and Epsilon/C on
// every other class.
type CrossEntropy struct {
	Epsilon float64
}

func (CrossEntropy) Name() string { return "xent" }

func (CrossEntropy) Requires() []Input { return []Input{Scores, Targets} }

func (c CrossEntropy) Compute(in Inputs) (Value, error) {
	scores := in.Scores.Value
	n, classes := scores.Rows(), scores.Cols()
	if err := checkRows("scores", n, in.Targets); err != nil {
		return nil, err
	}
	if err := checkLabels(in.Targets, classes); err != nil {
		return nil, err
	}

	probs := softmaxRows(scores)
	off := c.Epsilon / float64(classes)
	on := 1 - c.Epsilon + off
	var total float64
	for i := 0; i < n; i++ {
		row := probs.Row(i)
		for k, p := range row {
			q := off
			if k == in.Targets[i] {
				q = on
			}
			total -= q * math.Log(math.Max(p, 1e-300))
		}
	}
	value := total / float64(n)

	return NewValue(value, func(g float64) error {
		grad := tensor.Zeros(n, classes)
		scale := g / float64(n)
		for i := 0; i < n; i++ {
			for k := 0; k < classes; k++ {
				q := off
				if k == in.Targets[i] {
					q = on
				}
				grad.Set(i, k, scale*(probs.At(i, k)-q))
			}
		}
		return in.Scores.Backward(grad)
	}), nil
}

func softmaxRows(x *tensor.Dense) *tensor.Dense {
	out := tensor.Zeros(x.Rows(), x.Cols())
	for i := 0; i < x.Rows(); i++ {
		row := x.Row(i)
		maxV := math.Inf(-1)
		for _, v := range row {
			maxV = math.Max(maxV, v)
		}
		var sum float64
		dst := out.Row(i)
		for k, v := range row {
			dst[k] = math.Exp(v - maxV)
			sum += dst[k]
		}
		for k := range dst {
			dst[k] /= sum
		}
	}
	return out
}
