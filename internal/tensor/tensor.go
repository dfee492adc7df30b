package tensor

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

var ErrShape = errors.New("tensor shape mismatch")

// Dense is a row-major matrix. Every tensor in the trainer is a batch of
// rows: one row per sample.
type Dense struct {
	rows int
	cols int
	data []float64
}

func New(rows, cols int, data []float64) (*Dense, error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("%w: negative dims %dx%d", ErrShape, rows, cols)
	}
	if data == nil {
		data = make([]float64, rows*cols)
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("%w: %d values for %dx%d", ErrShape, len(data), rows, cols)
	}
	return &Dense{rows: rows, cols: cols, data: data}, nil
}

func Zeros(rows, cols int) *Dense {
	return &Dense{rows: rows, cols: cols, data: make([]float64, rows*cols)}
}

func FromRows(rows [][]float64) (*Dense, error) {
	if len(rows) == 0 {
		return Zeros(0, 0), nil
	}
	cols := len(rows[0])
	out := Zeros(len(rows), cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrShape, i, len(row), cols)
		}
		copy(out.data[i*cols:(i+1)*cols], row)
	}
	return out, nil
}

func MustFromRows(rows [][]float64) *Dense {
	d, err := FromRows(rows)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Dense) Rows() int { return d.rows }
func (d *Dense) Cols() int { return d.cols }

// Data exposes the backing slice.
func (d *Dense) Data() []float64 { return d.data }

func (d *Dense) At(i, j int) float64 { return d.data[i*d.cols+j] }

func (d *Dense) Set(i, j int, v float64) { d.data[i*d.cols+j] = v }

// Row returns a view of row i.
func (d *Dense) Row(i int) []float64 { return d.data[i*d.cols : (i+1)*d.cols] }

func (d *Dense) Clone() *Dense {
	return &Dense{rows: d.rows, cols: d.cols, data: append([]float64(nil), d.data...)}
}

func (d *Dense) SameShape(o *Dense) bool {
	return o != nil && d.rows == o.rows && d.cols == o.cols
}

// ArgmaxRows returns the column index of the maximum of each row. Ties keep
// the lowest index.
func (d *Dense) ArgmaxRows() []int {
	out := make([]int, d.rows)
	for i := 0; i < d.rows; i++ {
		row := d.Row(i)
		best := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}

// AllFinite reports whether no element is NaN or infinite.
func (d *Dense) AllFinite() bool {
	return Finite(d.data...)
}

func Finite[T constraints.Float](values ...T) bool {
	for _, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func Sum[T constraints.Integer | constraints.Float](values []T) T {
	var total T
	for _, v := range values {
		total += v
	}
	return total
}

func Dot(a, b []float64) float64 {
	var total float64
	for i := range a {
		total += a[i] * b[i]
	}
	return total
}

func Norm(a []float64) float64 {
	return math.Sqrt(Dot(a, a))
}
