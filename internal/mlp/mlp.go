// Package mlp implements the transformer feed-forward block that follows
// attention: fc_in, an activation, fc_out, and the tensor-parallel sum.
package mlp

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/23skdu/longbow-quiver/internal/collective"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/kernels"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/quant"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

type Activation int

const (
	GeluTanh Activation = iota
	ReLU
	SiLU
)

func (a Activation) String() string {
	switch a {
	case ReLU:
		return "relu"
	case SiLU:
		return "silu"
	default:
		return "gelu_tanh"
	}
}

func ParseActivation(s string) (Activation, error) {
	switch strings.ToLower(s) {
	case "", "gelu", "gelu_new", "gelu_tanh":
		return GeluTanh, nil
	case "relu":
		return ReLU, nil
	case "silu", "swish":
		return SiLU, nil
	}
	return GeluTanh, fmt.Errorf("mlp: unknown activation %q", s)
}

func (a Activation) apply(vals []float32) {
	switch a {
	case ReLU:
		for i, x := range vals {
			if x < 0 {
				vals[i] = 0
			}
		}
	case SiLU:
		for i, x := range vals {
			vals[i] = x / (1 + float32(math.Exp(float64(-x))))
		}
	default:
		for i, x := range vals {
			inner := x * 0.7978845608 * (1 + 0.044715*x*x)
			vals[i] = 0.5 * x * (1 + float32(math.Tanh(float64(inner))))
		}
	}
}

// Weights are one rank's shards: In is [embed, inner/tp], Out is [inner/tp, embed].
type Weights struct {
	In, Out kernels.Weight
}

type Options struct {
	Config     config.LayerConfig
	InnerDim   int
	Activation Activation
	Weights    Weights
	Group      collective.Group
}

// Block is one feed-forward block. Like attention layers it is driven by a
// single goroutine per rank.
type Block struct {
	act   Activation
	fcIn  kernels.Projector
	fcOut kernels.Projector
	group collective.Group
}

func New(opts Options) (*Block, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mlp: %w", err)
	}
	if opts.InnerDim <= 0 || opts.InnerDim%cfg.TPSize != 0 {
		return nil, fmt.Errorf("mlp: inner dim %d not divisible by tp_size %d", opts.InnerDim, cfg.TPSize)
	}
	if opts.Group != nil && opts.Group.Size() != cfg.TPSize {
		return nil, fmt.Errorf("mlp: group of %d for tp_size %d", opts.Group.Size(), cfg.TPSize)
	}
	local := opts.InnerDim / cfg.TPSize
	kind := kernels.ResolveKind(cfg.Quant.IsInt4(), cfg.RowMajor())

	build := func(name string, w kernels.Weight, in, out int) (kernels.Projector, error) {
		if cfg.Quant.IsInt4() && w.Quant == nil {
			if w.Dense == nil {
				return nil, fmt.Errorf("mlp: %s: int4 weight without data", name)
			}
			w = kernels.PadOutput(w, cfg.Quant.Padded(w.Dense.Dim(1)))
			m, err := quant.Quantize(w.Dense, cfg.Quant.GroupSize)
			if err != nil {
				return nil, fmt.Errorf("mlp: %s: %w", name, err)
			}
			w.Quant = m
		}
		p, err := kernels.Bind(kind, w, out)
		if err != nil {
			return nil, fmt.Errorf("mlp: %s: %w", name, err)
		}
		if p.InFeatures() != in {
			return nil, fmt.Errorf("mlp: %s is %dx%d, want %dx%d", name, p.InFeatures(), p.OutFeatures(), in, out)
		}
		return p, nil
	}
	fcIn, err := build("fc_in", opts.Weights.In, cfg.EmbedDim, local)
	if err != nil {
		return nil, err
	}
	fcOut, err := build("fc_out", opts.Weights.Out, local, cfg.EmbedDim)
	if err != nil {
		return nil, err
	}
	return &Block{act: opts.Activation, fcIn: fcIn, fcOut: fcOut, group: opts.Group}, nil
}

// Forward computes act(x@In + b)@Out, sums it across the group, then adds
// the fc_out bias and residual once.
func (b *Block) Forward(ctx context.Context, x, residual *tensor.Tensor, decode bool) (*tensor.Tensor, error) {
	start := time.Now()
	h := b.fcIn.Project(x, decode)
	vals := h.Values()
	b.act.apply(vals)
	h = tensor.FromSlice(h.DType(), vals, h.Shape()...)

	y, err := collective.AllReduceIfNecessary(ctx, b.group, b.fcOut.ProjectNoBias(h, decode))
	if err != nil {
		return nil, fmt.Errorf("mlp: %w", err)
	}
	if bias := b.fcOut.Bias(); bias != nil {
		y = tensor.Add(y, bias)
	}
	if residual != nil {
		y = tensor.Add(y, residual)
	}
	metrics.RecordForwardPhase("mlp", time.Since(start))
	return y, nil
}

// Release is a no-op; the block holds no cache.
func (b *Block) Release() {}
