package tensor

import (
	"fmt"
	"slices"
)

func (t *Tensor) view(shape, strides []int, offset int) *Tensor {
	return &Tensor{data: t.data, shape: shape, strides: strides, offset: offset, dtype: t.dtype}
}

// Permute reorders dimensions without copying.
func (t *Tensor) Permute(dims ...int) *Tensor {
	if len(dims) != len(t.shape) {
		panic(fmt.Sprintf("tensor: permute %v does not match rank %d", dims, len(t.shape)))
	}
	seen := make([]bool, len(dims))
	shape := make([]int, len(dims))
	strides := make([]int, len(dims))
	for i, d := range dims {
		d = t.axis(d)
		if seen[d] {
			panic(fmt.Sprintf("tensor: permute %v repeats dimension %d", dims, d))
		}
		seen[d] = true
		shape[i] = t.shape[d]
		strides[i] = t.strides[d]
	}
	return t.view(shape, strides, t.offset)
}

func (t *Tensor) Transpose(a, b int) *Tensor {
	dims := make([]int, len(t.shape))
	for i := range dims {
		dims[i] = i
	}
	a, b = t.axis(a), t.axis(b)
	dims[a], dims[b] = dims[b], dims[a]
	return t.Permute(dims...)
}

// Narrow restricts dimension dim to [start, start+length).
func (t *Tensor) Narrow(dim, start, length int) *Tensor {
	dim = t.axis(dim)
	if start < 0 || length < 0 || start+length > t.shape[dim] {
		panic(fmt.Sprintf("tensor: narrow [%d:%d] out of range for dim %d of %v", start, start+length, dim, t.shape))
	}
	shape := cloneInts(t.shape)
	shape[dim] = length
	return t.view(shape, cloneInts(t.strides), t.offset+start*t.strides[dim])
}

// Select removes dimension dim by fixing it at index i.
func (t *Tensor) Select(dim, i int) *Tensor {
	dim = t.axis(dim)
	n := t.Narrow(dim, i, 1)
	n.shape = slices.Delete(n.shape, dim, dim+1)
	n.strides = slices.Delete(n.strides, dim, dim+1)
	return n
}

func (t *Tensor) Unsqueeze(dim int) *Tensor {
	if dim < 0 {
		dim += len(t.shape) + 1
	}
	if dim < 0 || dim > len(t.shape) {
		panic(fmt.Sprintf("tensor: unsqueeze %d out of range for rank %d", dim, len(t.shape)))
	}
	stride := 1
	if dim < len(t.shape) {
		stride = t.strides[dim] * t.shape[dim]
	}
	shape := slices.Insert(cloneInts(t.shape), dim, 1)
	strides := slices.Insert(cloneInts(t.strides), dim, stride)
	return t.view(shape, strides, t.offset)
}

// Expand broadcasts size-1 dimensions (and new leading dimensions) with stride 0.
// A size of -1 keeps the existing dimension.
func (t *Tensor) Expand(shape ...int) *Tensor {
	if len(shape) < len(t.shape) {
		panic(fmt.Sprintf("tensor: cannot expand %v to fewer dims %v", t.shape, shape))
	}
	lead := len(shape) - len(t.shape)
	outShape := make([]int, len(shape))
	strides := make([]int, len(shape))
	for i, s := range shape {
		if i < lead {
			if s < 0 {
				panic(fmt.Sprintf("tensor: -1 not allowed for new dimension in %v", shape))
			}
			outShape[i] = s
			continue
		}
		src := t.shape[i-lead]
		switch {
		case s == -1 || s == src:
			outShape[i] = src
			strides[i] = t.strides[i-lead]
		case src == 1:
			outShape[i] = s
		default:
			panic(fmt.Sprintf("tensor: cannot expand %v to %v", t.shape, shape))
		}
	}
	return t.view(outShape, strides, t.offset)
}

func inferShape(shape []int, n int) []int {
	out := cloneInts(shape)
	infer := -1
	known := 1
	for i, d := range out {
		if d == -1 {
			if infer >= 0 {
				panic(fmt.Sprintf("tensor: more than one -1 in %v", shape))
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || n%known != 0 {
			panic(fmt.Sprintf("tensor: cannot infer %v from %d elements", shape, n))
		}
		out[infer] = n / known
	}
	if numel(out) != n {
		panic(fmt.Sprintf("tensor: shape %v does not hold %d elements", shape, n))
	}
	return out
}

// View reinterprets a contiguous tensor with a new shape. Panics on strided input.
func (t *Tensor) View(shape ...int) *Tensor {
	if !t.IsContiguous() {
		panic(fmt.Sprintf("tensor: view of non-contiguous %v", t))
	}
	s := inferShape(shape, t.Numel())
	return t.view(s, contiguousStrides(s), t.offset)
}

// Reshape views when possible and copies otherwise.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	if t.IsContiguous() {
		return t.View(shape...)
	}
	return t.Clone().View(shape...)
}

// Contiguous returns t itself when already packed, a packed copy otherwise.
func (t *Tensor) Contiguous() *Tensor {
	if t.IsContiguous() {
		return t
	}
	return t.Clone()
}

func (t *Tensor) Clone() *Tensor {
	out := New(t.dtype, t.shape...)
	copy(out.data, t.Values())
	return out
}

// Cast returns a copy rounded to dtype.
func (t *Tensor) Cast(dtype DType) *Tensor {
	out := New(dtype, t.shape...)
	copy(out.data, t.Values())
	dtype.Round(out.data)
	return out
}

// CopyFrom writes src into t through t's strides. src is broadcast to t's shape.
func (t *Tensor) CopyFrom(src *Tensor) {
	if !slices.Equal(src.shape, t.shape) {
		src = src.Expand(t.shape...)
	}
	vals := src.Values()
	t.dtype.Round(vals)
	t.forEach(func(i, off int) {
		t.data[off] = vals[i]
	})
}

// Fill sets every element of t, through its strides, to v.
func (t *Tensor) Fill(v float32) {
	vals := []float32{v}
	t.dtype.Round(vals)
	t.forEach(func(_, off int) {
		t.data[off] = vals[0]
	})
}

// Cat concatenates along dim into a new tensor with the first input's dtype.
func Cat(dim int, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: cat of nothing")
	}
	first := ts[0]
	dim = first.axis(dim)
	shape := cloneInts(first.shape)
	shape[dim] = 0
	for _, x := range ts {
		if len(x.shape) != len(shape) {
			panic(fmt.Sprintf("tensor: cat rank mismatch %v vs %v", first.shape, x.shape))
		}
		for d := range shape {
			if d != dim && x.shape[d] != first.shape[d] {
				panic(fmt.Sprintf("tensor: cat shape mismatch %v vs %v on dim %d", first.shape, x.shape, d))
			}
		}
		shape[dim] += x.shape[dim]
	}
	out := New(first.dtype, shape...)
	pos := 0
	for _, x := range ts {
		n := x.shape[dim]
		if n > 0 {
			out.Narrow(dim, pos, n).CopyFrom(x)
		}
		pos += n
	}
	return out
}

// IndexSelect gathers the given indices along dim into a new tensor.
func (t *Tensor) IndexSelect(dim int, idx []int) *Tensor {
	dim = t.axis(dim)
	shape := cloneInts(t.shape)
	shape[dim] = len(idx)
	out := New(t.dtype, shape...)
	for j, ix := range idx {
		if ix < 0 || ix >= t.shape[dim] {
			panic(fmt.Sprintf("tensor: index %d out of range for dim %d of %v", ix, dim, t.shape))
		}
		out.Narrow(dim, j, 1).CopyFrom(t.Narrow(dim, ix, 1))
	}
	return out
}

// PhysicalOrder lists dimensions from outermost to innermost in memory.
func (t *Tensor) PhysicalOrder() []int {
	order := make([]int, len(t.shape))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return t.strides[b] - t.strides[a]
	})
	return order
}

// InOrder reports whether permuting t by order yields a packed tensor, that is,
// whether order describes t's physical layout.
func (t *Tensor) InOrder(order ...int) bool {
	return t.Permute(order...).IsContiguous()
}
