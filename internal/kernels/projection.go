package kernels

import (
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/quant"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// Kind selects the projection kernel. It is resolved once when a layer is built.
type Kind int

const (
	DenseRowMajor Kind = iota
	DenseColMajor
	Int4RowMajor
)

func (k Kind) String() string {
	switch k {
	case DenseColMajor:
		return "dense_col_major"
	case Int4RowMajor:
		return "int4_row_major"
	default:
		return "dense_row_major"
	}
}

// ResolveKind maps the layer's storage flags to a kernel. Int4 weights are
// always stored row-major.
func ResolveKind(int4, rowMajor bool) Kind {
	switch {
	case int4:
		return Int4RowMajor
	case rowMajor:
		return DenseRowMajor
	default:
		return DenseColMajor
	}
}

// Weight is a projection weight in canonical [in, out] orientation.
type Weight struct {
	Dense *tensor.Tensor
	Bias  *tensor.Tensor
	// Quant is required for Int4RowMajor. Dense may be nil in that case and is
	// then recovered by dequantization for multi-token inputs.
	Quant *quant.Matrix
}

// Projector maps [..., in] to [..., out].
type Projector interface {
	Kind() Kind
	InFeatures() int
	OutFeatures() int
	Bias() *tensor.Tensor
	// Project computes x@W + bias. decode marks a single time-step input,
	// the only shape the int4 kernel accepts.
	Project(x *tensor.Tensor, decode bool) *tensor.Tensor
	// ProjectNoBias computes x@W.
	ProjectNoBias(x *tensor.Tensor, decode bool) *tensor.Tensor
}

type base struct {
	in, out int
	bias    *tensor.Tensor
}

func (b *base) InFeatures() int      { return b.in }
func (b *base) OutFeatures() int     { return b.out }
func (b *base) Bias() *tensor.Tensor { return b.bias }

func (b *base) flatten(x *tensor.Tensor) ([]int, *tensor.Tensor) {
	if x.Dim(-1) != b.in {
		panic(fmt.Sprintf("kernels: projection input %v, want last dim %d", x.Shape(), b.in))
	}
	lead := x.Shape()
	lead = lead[:len(lead)-1]
	return lead, x.Reshape(-1, b.in)
}

func (b *base) finish(lead []int, y *tensor.Tensor, withBias bool) *tensor.Tensor {
	if withBias && b.bias != nil {
		y = tensor.Add(y, b.bias)
	}
	return y.View(append(lead, b.out)...)
}

// NewProjector binds a weight to the kernel selected by kind.
func NewProjector(kind Kind, w Weight) (Projector, error) {
	switch kind {
	case DenseRowMajor, DenseColMajor:
		if w.Dense == nil || w.Dense.Rank() != 2 {
			return nil, fmt.Errorf("kernels: %s needs a rank-2 dense weight", kind)
		}
		if err := checkBias(w.Bias, w.Dense.Dim(1)); err != nil {
			return nil, err
		}
		b := base{in: w.Dense.Dim(0), out: w.Dense.Dim(1), bias: w.Bias}
		if kind == DenseRowMajor {
			return &denseRowMajor{base: b, w: w.Dense.Contiguous()}, nil
		}
		// column-major storage keeps the [out, in] weight of a plain linear layer
		return &denseColMajor{base: b, w: w.Dense.Transpose(0, 1).Clone()}, nil
	case Int4RowMajor:
		if w.Quant == nil {
			return nil, fmt.Errorf("kernels: %s needs a quantized weight", kind)
		}
		if err := checkBias(w.Bias, w.Quant.Out); err != nil {
			return nil, err
		}
		return &int4RowMajor{
			base:  base{in: w.Quant.In, out: w.Quant.Out, bias: w.Bias},
			q:     w.Quant,
			dense: w.Dense,
		}, nil
	}
	return nil, fmt.Errorf("kernels: unknown projection kind %d", kind)
}

func checkBias(bias *tensor.Tensor, out int) error {
	if bias == nil {
		return nil
	}
	if bias.Rank() != 1 || bias.Dim(0) != out {
		return fmt.Errorf("kernels: bias shape %v, want [%d]", bias.Shape(), out)
	}
	return nil
}

type denseRowMajor struct {
	base
	w *tensor.Tensor // [in, out]
}

func (p *denseRowMajor) Kind() Kind { return DenseRowMajor }

func (p *denseRowMajor) Project(x *tensor.Tensor, decode bool) *tensor.Tensor {
	return p.project(x, true)
}

func (p *denseRowMajor) ProjectNoBias(x *tensor.Tensor, decode bool) *tensor.Tensor {
	return p.project(x, false)
}

func (p *denseRowMajor) project(x *tensor.Tensor, withBias bool) *tensor.Tensor {
	start := time.Now()
	lead, flat := p.flatten(x)
	y := tensor.MatMul(flat, p.w)
	metrics.RecordKernelDuration("matmul_row_major", time.Since(start))
	return p.finish(lead, y, withBias)
}

type denseColMajor struct {
	base
	w *tensor.Tensor // [out, in]
}

func (p *denseColMajor) Kind() Kind { return DenseColMajor }

func (p *denseColMajor) Project(x *tensor.Tensor, decode bool) *tensor.Tensor {
	return p.project(x, true)
}

func (p *denseColMajor) ProjectNoBias(x *tensor.Tensor, decode bool) *tensor.Tensor {
	return p.project(x, false)
}

func (p *denseColMajor) project(x *tensor.Tensor, withBias bool) *tensor.Tensor {
	start := time.Now()
	lead, flat := p.flatten(x)
	y := tensor.MatMul(flat, p.w.Transpose(0, 1))
	metrics.RecordKernelDuration("matmul_col_major", time.Since(start))
	return p.finish(lead, y, withBias)
}

type int4RowMajor struct {
	base
	q *quant.Matrix

	once  sync.Once
	dense *tensor.Tensor
}

func (p *int4RowMajor) Kind() Kind { return Int4RowMajor }

func (p *int4RowMajor) Project(x *tensor.Tensor, decode bool) *tensor.Tensor {
	return p.project(x, decode, true)
}

func (p *int4RowMajor) ProjectNoBias(x *tensor.Tensor, decode bool) *tensor.Tensor {
	return p.project(x, decode, false)
}

func (p *int4RowMajor) project(x *tensor.Tensor, decode, withBias bool) *tensor.Tensor {
	start := time.Now()
	lead, flat := p.flatten(x)
	var y *tensor.Tensor
	if decode {
		y = p.q.MatMul(flat)
		metrics.RecordKernelDuration("matmul_int4", time.Since(start))
	} else {
		// the int4 kernel is single-token only; prefill runs the dense weight
		y = tensor.MatMul(flat, p.denseWeight(x.DType()))
		metrics.RecordKernelFallback("int4_prefill")
		metrics.RecordKernelDuration("matmul_row_major", time.Since(start))
	}
	return p.finish(lead, y, withBias)
}

func (p *int4RowMajor) denseWeight(dtype tensor.DType) *tensor.Tensor {
	p.once.Do(func() {
		if p.dense == nil {
			p.dense = p.q.Dequantize(dtype)
			logger.Log.Debug("int4 projection dequantized for prefill", "in", p.in, "out", p.out)
		}
	})
	return p.dense
}

// Bind builds the projector for w and checks that it yields want columns. An
// int4 weight stored with padded output columns is narrowed back to want.
func Bind(kind Kind, w Weight, want int) (Projector, error) {
	p, err := NewProjector(kind, w)
	if err != nil {
		return nil, err
	}
	switch {
	case p.OutFeatures() == want:
		return p, nil
	case kind == Int4RowMajor && p.OutFeatures() > want:
		return Narrowed(p, want), nil
	}
	return nil, fmt.Errorf("kernels: projection has %d outputs, want %d", p.OutFeatures(), want)
}

// PadOutput zero-pads the output columns of w's dense weight and bias to n.
// The packed weight must be derived afterwards.
func PadOutput(w Weight, n int) Weight {
	pad := func(t *tensor.Tensor) *tensor.Tensor {
		if t == nil || t.Dim(-1) >= n {
			return t
		}
		shape := t.Shape()
		shape[len(shape)-1] = n
		out := tensor.New(t.DType(), shape...)
		out.Narrow(-1, 0, t.Dim(-1)).CopyFrom(t)
		return out
	}
	w.Dense, w.Bias = pad(w.Dense), pad(w.Bias)
	return w
}

type narrowed struct {
	Projector
	n int
}

// Narrowed keeps only the first n output columns of p, for weights stored with
// padded output columns.
func Narrowed(p Projector, n int) Projector {
	if n <= 0 || n > p.OutFeatures() {
		panic(fmt.Sprintf("kernels: narrow to %d of %d columns", n, p.OutFeatures()))
	}
	if n == p.OutFeatures() {
		return p
	}
	return &narrowed{Projector: p, n: n}
}

func (p *narrowed) OutFeatures() int { return p.n }

func (p *narrowed) Bias() *tensor.Tensor {
	if b := p.Projector.Bias(); b != nil {
		return b.Narrow(0, 0, p.n)
	}
	return nil
}

func (p *narrowed) Project(x *tensor.Tensor, decode bool) *tensor.Tensor {
	return p.Projector.Project(x, decode).Narrow(-1, 0, p.n)
}

func (p *narrowed) ProjectNoBias(x *tensor.Tensor, decode bool) *tensor.Tensor {
	return p.Projector.ProjectNoBias(x, decode).Narrow(-1, 0, p.n)
}
