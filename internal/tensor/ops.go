package tensor

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// BroadcastShapes aligns a and b from the right; each pair must match or contain a 1.
func BroadcastShapes(a, b []int) []int {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if j := len(a) - n + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - n + i; j >= 0 {
			db = b[j]
		}
		switch {
		case da == db || db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			panic(fmt.Sprintf("tensor: shapes %v and %v do not broadcast", a, b))
		}
	}
	return out
}

func binary(a, b *Tensor, fn func(x, y float32) float32) *Tensor {
	shape := BroadcastShapes(a.shape, b.shape)
	x := a.Expand(shape...).Values()
	y := b.Expand(shape...).Values()
	out := New(a.dtype, shape...)
	for i := range out.data {
		out.data[i] = fn(x[i], y[i])
	}
	a.dtype.Round(out.data)
	return out
}

// Add returns a+b with broadcasting, in a's dtype.
func Add(a, b *Tensor) *Tensor {
	return binary(a, b, func(x, y float32) float32 { return x + y })
}

// Mul returns a*b with broadcasting, in a's dtype.
func Mul(a, b *Tensor) *Tensor {
	return binary(a, b, func(x, y float32) float32 { return x * y })
}

// MaskedFill replaces elements of t where mask is nonzero with v.
func MaskedFill(t, mask *Tensor, v float32) *Tensor {
	return binary(t, mask, func(x, m float32) float32 {
		if m != 0 {
			return v
		}
		return x
	})
}

func unary(t *Tensor, fn func(x float32) float32) *Tensor {
	vals := t.Values()
	for i, v := range vals {
		vals[i] = fn(v)
	}
	out := New(t.dtype, t.shape...)
	copy(out.data, vals)
	t.dtype.Round(out.data)
	return out
}

func Scale(t *Tensor, s float32) *Tensor {
	return unary(t, func(x float32) float32 { return x * s })
}

// ClampMin floors every element at m.
func ClampMin(t *Tensor, m float32) *Tensor {
	return unary(t, func(x float32) float32 {
		if x < m {
			return m
		}
		return x
	})
}

// Softmax normalizes over the last dimension, accumulating in float32, and
// returns the result in dtype.
func Softmax(t *Tensor, dtype DType) *Tensor {
	vals := t.Values()
	n := t.Dim(-1)
	if n > 0 {
		for r := 0; r+n <= len(vals); r += n {
			softmaxRow(vals[r : r+n])
		}
	}
	out := New(dtype, t.shape...)
	copy(out.data, vals)
	dtype.Round(out.data)
	return out
}

func softmaxRow(x []float32) {
	maxV := float32(math.Inf(-1))
	for _, v := range x {
		if v > maxV {
			maxV = v
		}
	}
	if math.IsInf(float64(maxV), -1) {
		for i := range x {
			x[i] = 0
		}
		return
	}
	sum := float32(0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - maxV)))
		sum += x[i]
	}
	inv := 1 / sum
	for i := range x {
		x[i] *= inv
	}
}

type operand struct {
	g     blas32.General
	trans blas.Transpose
}

// matrixAt returns batch entry b of a [..., r, c] tensor as a blas operand,
// using the transpose flag instead of a copy when the last two dims are swapped.
func matrixAt(t *Tensor, b int) operand {
	rank := len(t.shape)
	off := t.offset
	for d := rank - 3; d >= 0; d-- {
		i := b % t.shape[d]
		b /= t.shape[d]
		off += i * t.strides[d]
	}
	r, c := t.shape[rank-2], t.shape[rank-1]
	rs, cs := t.strides[rank-2], t.strides[rank-1]
	switch {
	case r == 1 && cs == 1:
		return operand{g: blas32.General{Rows: 1, Cols: c, Stride: max(1, c), Data: t.data[off:]}, trans: blas.NoTrans}
	case cs == 1 && rs >= max(1, c):
		return operand{g: blas32.General{Rows: r, Cols: c, Stride: rs, Data: t.data[off:]}, trans: blas.NoTrans}
	case c == 1 && rs == 1:
		return operand{g: blas32.General{Rows: 1, Cols: r, Stride: max(1, r), Data: t.data[off:]}, trans: blas.Trans}
	case rs == 1 && cs >= max(1, r):
		return operand{g: blas32.General{Rows: c, Cols: r, Stride: cs, Data: t.data[off:]}, trans: blas.Trans}
	}
	m := t.view([]int{r, c}, []int{rs, cs}, off).Values()
	return operand{g: blas32.General{Rows: r, Cols: c, Stride: max(1, c), Data: m}, trans: blas.NoTrans}
}

// MatMul multiplies [..., m, k] by [..., k, n]; batch dimensions broadcast.
// Each batch entry is one blas32 Gemm; batches run concurrently.
func MatMul(a, b *Tensor) *Tensor {
	if a.Rank() < 2 || b.Rank() < 2 {
		panic(fmt.Sprintf("tensor: matmul needs rank >= 2, got %v and %v", a.shape, b.shape))
	}
	m, k := a.Dim(-2), a.Dim(-1)
	k2, n := b.Dim(-2), b.Dim(-1)
	if k != k2 {
		panic(fmt.Sprintf("tensor: matmul inner dims differ: %v x %v", a.shape, b.shape))
	}
	batch := BroadcastShapes(a.shape[:a.Rank()-2], b.shape[:b.Rank()-2])
	out := New(a.dtype, append(cloneInts(batch), m, n)...)
	if m == 0 || n == 0 || k == 0 {
		return out
	}
	av := a.Expand(append(cloneInts(batch), m, k)...)
	bv := b.Expand(append(cloneInts(batch), k, n)...)

	nb := numel(batch)
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < nb; i++ {
		g.Go(func() error {
			x, y := matrixAt(av, i), matrixAt(bv, i)
			c := blas32.General{Rows: m, Cols: n, Stride: n, Data: out.data[i*m*n : (i+1)*m*n]}
			blas32.Gemm(x.trans, y.trans, 1, x.g, y.g, 0, c)
			return nil
		})
	}
	_ = g.Wait()
	a.dtype.Round(out.data)
	return out
}

// Equal reports identical shapes and bit-identical values.
func Equal(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	x, y := a.Values(), b.Values()
	for i := range x {
		if math.Float32bits(x[i]) != math.Float32bits(y[i]) {
			return false
		}
	}
	return true
}

// MaxAbsDiff returns the largest elementwise difference; shapes must broadcast.
func MaxAbsDiff(a, b *Tensor) float32 {
	shape := BroadcastShapes(a.shape, b.shape)
	x := a.Expand(shape...).Values()
	y := b.Expand(shape...).Values()
	var d float32
	for i := range x {
		if v := float32(math.Abs(float64(x[i] - y[i]))); v > d || v != v {
			d = v
		}
	}
	return d
}

func AllClose(a, b *Tensor, atol float32) bool {
	d := MaxAbsDiff(a, b)
	return d == d && d <= atol
}

// CountNonFinite returns the number of NaN and Inf values.
func CountNonFinite(t *Tensor) (nans, infs int) {
	for _, v := range t.Values() {
		switch {
		case v != v:
			nans++
		case math.IsInf(float64(v), 0):
			infs++
		}
	}
	return nans, infs
}
