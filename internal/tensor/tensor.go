package tensor

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-quiver/internal/metrics"
)

// Tensor is a strided float32 array. Views share storage with their source;
// only tensors created by Alloc are counted in the tracked byte gauge.
type Tensor struct {
	data    []float32
	shape   []int
	strides []int
	offset  int
	dtype   DType
	tracked bool
}

func contiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func cloneInts(s []int) []int {
	return append([]int(nil), s...)
}

// New returns a zero-filled contiguous tensor.
func New(dtype DType, shape ...int) *Tensor {
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in shape %v", shape))
		}
	}
	s := cloneInts(shape)
	return &Tensor{
		data:    make([]float32, numel(s)),
		shape:   s,
		strides: contiguousStrides(s),
		dtype:   dtype,
	}
}

// Alloc is New for long-lived buffers; the bytes stay on the tracked gauge until Release.
func Alloc(dtype DType, shape ...int) *Tensor {
	t := New(dtype, shape...)
	t.tracked = true
	metrics.TrackAlloc(t.Bytes())
	return t
}

// FromSlice copies data into a new tensor of the given shape, rounding to dtype.
func FromSlice(dtype DType, data []float32, shape ...int) *Tensor {
	if len(data) != numel(shape) {
		panic(fmt.Sprintf("tensor: %d values do not fill shape %v", len(data), shape))
	}
	t := New(dtype, shape...)
	copy(t.data, data)
	dtype.Round(t.data)
	return t
}

func Full(dtype DType, v float32, shape ...int) *Tensor {
	t := New(dtype, shape...)
	for i := range t.data {
		t.data[i] = v
	}
	dtype.Round(t.data)
	return t
}

// Rand fills a tensor with uniform values in [-scale, scale).
func Rand(rng *rand.Rand, dtype DType, scale float32, shape ...int) *Tensor {
	t := New(dtype, shape...)
	for i := range t.data {
		t.data[i] = (rng.Float32()*2 - 1) * scale
	}
	dtype.Round(t.data)
	return t
}

func (t *Tensor) DType() DType { return t.dtype }

func (t *Tensor) Rank() int { return len(t.shape) }

func (t *Tensor) Shape() []int { return cloneInts(t.shape) }

func (t *Tensor) Strides() []int { return cloneInts(t.strides) }

func (t *Tensor) Numel() int { return numel(t.shape) }

// Dim returns the size of dimension i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	return t.shape[t.axis(i)]
}

func (t *Tensor) axis(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	if i < 0 || i >= len(t.shape) {
		panic(fmt.Sprintf("tensor: dimension %d out of range for rank %d", i, len(t.shape)))
	}
	return i
}

// Bytes is the storage size in the emulated dtype.
func (t *Tensor) Bytes() int64 {
	return int64(len(t.data)) * int64(t.dtype.Size())
}

// Released reports whether the storage was dropped by Release.
func (t *Tensor) Released() bool {
	return t == nil || t.data == nil
}

// Release drops the storage. Calling it more than once is a no-op.
func (t *Tensor) Release() {
	if t == nil || t.data == nil {
		return
	}
	if t.tracked {
		metrics.TrackAlloc(-t.Bytes())
		t.tracked = false
	}
	t.data = nil
}

func (t *Tensor) index(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index %v has wrong rank for shape %v", idx, t.shape))
	}
	off := t.offset
	for d, i := range idx {
		if i < 0 || i >= t.shape[d] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.shape))
		}
		off += i * t.strides[d]
	}
	return off
}

func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.index(idx)]
}

func (t *Tensor) Set(v float32, idx ...int) {
	vals := []float32{v}
	t.dtype.Round(vals)
	t.data[t.index(idx)] = vals[0]
}

// IsContiguous reports row-major packing; size-1 dimensions are ignored.
func (t *Tensor) IsContiguous() bool {
	expect := 1
	for d := len(t.shape) - 1; d >= 0; d-- {
		if t.shape[d] == 1 {
			continue
		}
		if t.strides[d] != expect {
			return false
		}
		expect *= t.shape[d]
	}
	return true
}

// forEach visits every element in logical order with its storage offset.
func (t *Tensor) forEach(fn func(i, off int)) {
	n := t.Numel()
	if n == 0 {
		return
	}
	if t.IsContiguous() {
		for i := 0; i < n; i++ {
			fn(i, t.offset+i)
		}
		return
	}
	rank := len(t.shape)
	idx := make([]int, rank)
	off := t.offset
	for i := 0; i < n; i++ {
		fn(i, off)
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			off += t.strides[d]
			if idx[d] < t.shape[d] {
				break
			}
			off -= t.strides[d] * t.shape[d]
			idx[d] = 0
		}
	}
}

// Values returns a copy of the elements in logical order.
func (t *Tensor) Values() []float32 {
	out := make([]float32, t.Numel())
	if t.IsContiguous() {
		copy(out, t.data[t.offset:t.offset+len(out)])
		return out
	}
	t.forEach(func(i, off int) {
		out[i] = t.data[off]
	})
	return out
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, strides=%v, dtype=%s)", t.shape, t.strides, t.dtype)
}
