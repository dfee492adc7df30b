package tensor

import (
	"errors"
	"math"
	"testing"
)

func TestFromRowsRejectsRaggedInput(t *testing.T) {
	_, err := FromRows([][]float64{{1, 2}, {3}})
	if !errors.Is(err, ErrShape) {
		t.Fatalf("expected shape error, got %v", err)
	}
}

func TestArgmaxRows(t *testing.T) {
	d := MustFromRows([][]float64{
		{0.1, 0.9},
		{0.7, 0.3},
		{0.5, 0.5},
	})
	got := d.ArgmaxRows()
	want := []int{1, 0, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row %d: got=%d want=%d", i, got[i], want[i])
		}
	}
}

func TestFinite(t *testing.T) {
	if !Finite(1.0, -2.5) {
		t.Fatal("expected finite values")
	}
	if Finite(1.0, math.NaN()) {
		t.Fatal("expected NaN to be reported")
	}
	if Finite(float32(math.Inf(1))) {
		t.Fatal("expected +Inf to be reported")
	}
}

func TestVariableBackwardChecksShape(t *testing.T) {
	called := false
	v := NewVariable(Zeros(2, 3), func(*Dense) error {
		called = true
		return nil
	})
	if err := v.Backward(Zeros(3, 2)); !errors.Is(err, ErrShape) {
		t.Fatalf("expected shape error, got %v", err)
	}
	if err := v.Backward(Zeros(2, 3)); err != nil {
		t.Fatalf("backward: %v", err)
	}
	if !called {
		t.Fatal("expected backward closure to run")
	}
}

func TestConstantBackwardIsNoop(t *testing.T) {
	v := Constant(Zeros(1, 1))
	if v.RequiresGrad() {
		t.Fatal("constant must not require grad")
	}
	if err := v.Backward(Zeros(4, 4)); err != nil {
		t.Fatalf("constant backward: %v", err)
	}
}
