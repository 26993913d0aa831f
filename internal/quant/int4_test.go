package quant

import (
	"math"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

func TestQuantizeErrorBound(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	w := tensor.Rand(rng, tensor.Float32, 0.5, 64, 24)
	q, err := Quantize(w, 16)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	if q.Groups() != 4 {
		t.Errorf("groups = %d, want 4", q.Groups())
	}
	d := q.Dequantize(tensor.Float32)
	for r := 0; r < 64; r++ {
		g := r / 16
		for c := 0; c < 24; c++ {
			diff := math.Abs(float64(d.At(r, c) - w.At(r, c)))
			if limit := float64(q.Scales[g*24+c]); diff > limit {
				t.Fatalf("(%d,%d) error %v exceeds scale %v", r, c, diff, limit)
			}
		}
	}
}

func TestQuantizeConstantAndZero(t *testing.T) {
	tests := []struct {
		name string
		v    float32
	}{
		{"zero", 0},
		{"positive", 0.75},
		{"negative", -2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := Quantize(tensor.Full(tensor.Float32, tt.v, 8, 3), 4)
			if err != nil {
				t.Fatalf("Quantize: %v", err)
			}
			d := q.Dequantize(tensor.Float32)
			for _, v := range d.Values() {
				if math.Abs(float64(v-tt.v)) > 1e-6 {
					t.Fatalf("dequantized %v, want %v", v, tt.v)
				}
			}
		})
	}
}

func TestQuantizeRejectsBadGroup(t *testing.T) {
	w := tensor.New(tensor.Float32, 10, 4)
	if _, err := Quantize(w, 4); err == nil {
		t.Error("expected error when group does not divide rows")
	}
	if _, err := Quantize(w, 0); err == nil {
		t.Error("expected error for zero group")
	}
	if _, err := Quantize(tensor.New(tensor.Float32, 8), 4); err == nil {
		t.Error("expected error for rank-1 weight")
	}
}

func TestMatMulMatchesDequantized(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	w := tensor.Rand(rng, tensor.Float32, 1, 32, 40)
	q, err := Quantize(w, 8)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	for _, m := range []int{1, 3} {
		x := tensor.Rand(rng, tensor.Float32, 1, m, 32)
		got := q.MatMul(x)
		want := tensor.MatMul(x, q.Dequantize(tensor.Float32))
		if !tensor.AllClose(got, want, 1e-4) {
			t.Errorf("m=%d: int4 matmul differs from dense by %v", m, tensor.MaxAbsDiff(got, want))
		}
	}
}

func TestConcat(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	a, _ := Quantize(tensor.Rand(rng, tensor.Float32, 1, 16, 3), 8)
	b, _ := Quantize(tensor.Rand(rng, tensor.Float32, 1, 16, 5), 8)
	c, err := Concat(a, b)
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}
	if c.Out != 8 {
		t.Fatalf("out = %d, want 8", c.Out)
	}
	want := tensor.Cat(1, a.Dequantize(tensor.Float32), b.Dequantize(tensor.Float32))
	if !tensor.Equal(c.Dequantize(tensor.Float32), want) {
		t.Error("concatenated dequantization differs")
	}
	other, _ := Quantize(tensor.New(tensor.Float32, 16, 2), 4)
	if _, err := Concat(a, other); err == nil {
		t.Error("expected group mismatch error")
	}
}
