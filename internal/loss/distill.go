package loss

import (
	"fmt"

	"reidcontinual/internal/tensor"
)

// Distill matches the student classifier feature to the frozen teacher's:
// Weight * mean squared difference. The teacher side is a constant.
type Distill struct {
	Weight float64
}

func (Distill) Name() string { return "distill" }

func (Distill) Requires() []Input {
	return []Input{StudentClassifierFeature, TeacherClassifierFeature}
}

func (d Distill) Compute(in Inputs) (Value, error) {
	student := in.StudentClassifierFeature.Value
	teacher := in.TeacherClassifierFeature
	if !student.SameShape(teacher) {
		return nil, fmt.Errorf("%w: student feature %dx%d, teacher feature %dx%d",
			tensor.ErrShape, student.Rows(), student.Cols(), teacher.Rows(), teacher.Cols())
	}
	count := float64(len(student.Data()))
	if count == 0 {
		return NewValue(0, nil), nil
	}
	var total float64
	for i, s := range student.Data() {
		diff := s - teacher.Data()[i]
		total += diff * diff
	}
	value := d.Weight * total / count

	return NewValue(value, func(g float64) error {
		grad := tensor.Zeros(student.Rows(), student.Cols())
		scale := 2 * g * d.Weight / count
		for i, s := range student.Data() {
			grad.Data()[i] = scale * (s - teacher.Data()[i])
		}
		return in.StudentClassifierFeature.Backward(grad)
	}), nil
}
