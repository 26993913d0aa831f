package attention

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// Layout is the physical arrangement of a tensor whose logical shape is
// [rows, heads, seq, dim].
type Layout int

const (
	// HeadMajor is packed [rows, heads, seq, dim].
	HeadMajor Layout = iota
	// BatchFirst is packed [rows, seq, heads, dim].
	BatchFirst
	// SeqFirst is packed [seq, rows, heads, dim].
	SeqFirst
)

func (l Layout) String() string {
	switch l {
	case BatchFirst:
		return "batch_first"
	case SeqFirst:
		return "seq_first"
	default:
		return "head_major"
	}
}

func (l Layout) order() []int {
	switch l {
	case BatchFirst:
		return []int{0, 2, 1, 3}
	case SeqFirst:
		return []int{2, 0, 1, 3}
	default:
		return []int{0, 1, 2, 3}
	}
}

// HeadTensor is a logical [rows, heads, seq, dim] tensor tagged with its layout.
type HeadTensor struct {
	T      *tensor.Tensor
	Layout Layout
}

// heads views a physical [d0, d1, heads, dim] tensor as [rows, heads, seq, dim].
func heads(t *tensor.Tensor, seqFirst bool) HeadTensor {
	if seqFirst {
		return HeadTensor{T: t.Permute(1, 2, 0, 3), Layout: SeqFirst}
	}
	return HeadTensor{T: t.Permute(0, 2, 1, 3), Layout: BatchFirst}
}

// MustLayout panics unless h is rank 4, its strides match its tag, and the
// tag is one of want (any tag when want is empty).
func (h HeadTensor) MustLayout(want ...Layout) HeadTensor {
	if h.T == nil || h.T.Rank() != 4 {
		panic(fmt.Sprintf("attention: want rank-4 head tensor, got %v", h.T))
	}
	if !h.T.InOrder(h.Layout.order()...) {
		panic(fmt.Sprintf("attention: tensor tagged %s has strides %v for shape %v", h.Layout, h.T.Strides(), h.T.Shape()))
	}
	if len(want) == 0 {
		return h
	}
	for _, l := range want {
		if l == h.Layout {
			return h
		}
	}
	panic(fmt.Sprintf("attention: layout %s, want one of %v", h.Layout, want))
}

// flatten turns a [rows, heads, seq, dim] result back into the caller's
// layout: [seq, rows, heads*dim] when seqFirst, [rows, seq, heads*dim] otherwise.
func flatten(t *tensor.Tensor, seqFirst bool) *tensor.Tensor {
	rows, h, seq, d := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	if seqFirst {
		return t.Permute(2, 0, 1, 3).Reshape(seq, rows, h*d)
	}
	return t.Permute(0, 2, 1, 3).Reshape(rows, seq, h*d)
}
