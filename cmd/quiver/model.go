package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-quiver/internal/attention"
	"github.com/23skdu/longbow-quiver/internal/collective"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/kernels"
	"github.com/23skdu/longbow-quiver/internal/kvcache"
	"github.com/23skdu/longbow-quiver/internal/mlp"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// modelWeights is an unsharded random decoder stack plus the token
// embedding and unembedding used by the synthetic scorer.
type modelWeights struct {
	attn    []attention.Weights
	mlp     []mlp.Weights
	embed   *tensor.Tensor // [vocab, embed]
	unembed *tensor.Tensor // [embed, vocab]
}

func randomWeights(seed int64, layers, embed, inner, vocab int) *modelWeights {
	rng := rand.New(rand.NewSource(seed))
	scale := float32(1 / math.Sqrt(float64(embed)))
	linear := func(in, out int) kernels.Weight {
		return kernels.Weight{
			Dense: tensor.Rand(rng, tensor.Float32, scale, in, out),
			Bias:  tensor.Rand(rng, tensor.Float32, 0.02, out),
		}
	}
	w := &modelWeights{
		embed:   tensor.Rand(rng, tensor.Float32, 1, vocab, embed),
		unembed: tensor.Rand(rng, tensor.Float32, scale, embed, vocab),
	}
	for i := 0; i < layers; i++ {
		w.attn = append(w.attn, attention.Weights{
			Q: linear(embed, embed), K: linear(embed, embed), V: linear(embed, embed), Out: linear(embed, embed),
		})
		w.mlp = append(w.mlp, mlp.Weights{In: linear(embed, inner), Out: linear(inner, embed)})
	}
	return w
}

// columns keeps rank's share of the output columns, bias included.
func columns(w kernels.Weight, rank, tp int) kernels.Weight {
	n := w.Dense.Dim(1) / tp
	out := kernels.Weight{Dense: w.Dense.Narrow(1, rank*n, n).Contiguous()}
	if w.Bias != nil {
		out.Bias = w.Bias.Narrow(0, rank*n, n).Contiguous()
	}
	return out
}

// rows keeps rank's share of the input rows; the bias is added once after the sum.
func rows(w kernels.Weight, rank, tp int) kernels.Weight {
	n := w.Dense.Dim(0) / tp
	return kernels.Weight{Dense: w.Dense.Narrow(0, rank*n, n).Contiguous(), Bias: w.Bias}
}

// replica is one tensor-parallel rank's copy of the stack.
type replica struct {
	rank    int
	cfg     config.LayerConfig
	reg     *attention.Registry
	attn    []*attention.Layer
	mlps    []*mlp.Block
	present []*attention.KV
	w       *modelWeights
}

func newReplica(cfg config.LayerConfig, w *modelWeights, inner int, act mlp.Activation, rank int, group collective.Group) (*replica, error) {
	tp := cfg.TPSize
	r := &replica{rank: rank, cfg: cfg, reg: attention.NewRegistry(), w: w}
	for i := range w.attn {
		aw := w.attn[i]
		layer, err := attention.NewLayer(attention.Options{
			Config: cfg,
			Weights: attention.Weights{
				Q:   columns(aw.Q, rank, tp),
				K:   columns(aw.K, rank, tp),
				V:   columns(aw.V, rank, tp),
				Out: rows(aw.Out, rank, tp),
			},
			Registry: r.reg,
			Group:    group,
		})
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		block, err := mlp.New(mlp.Options{
			Config:     cfg,
			InnerDim:   inner,
			Activation: act,
			Weights:    mlp.Weights{In: columns(w.mlp[i].In, rank, tp), Out: rows(w.mlp[i].Out, rank, tp)},
			Group:      group,
		})
		if err != nil {
			return nil, fmt.Errorf("mlp %d: %w", i, err)
		}
		r.attn = append(r.attn, layer)
		r.mlps = append(r.mlps, block)
	}
	r.present = make([]*attention.KV, len(r.attn))
	return r, nil
}

// forward runs hidden through every layer, feeding each layer's present back
// as its history on the next call.
func (r *replica) forward(ctx context.Context, hidden *tensor.Tensor, first, decode bool) (*tensor.Tensor, error) {
	h := hidden
	for i, layer := range r.attn {
		var hist *kvcache.History
		if p := r.present[i]; p != nil {
			hist = &kvcache.History{Key: p.Key, Value: p.Value}
		}
		out, err := layer.Forward(ctx, attention.Input{
			Hidden:     h,
			History:    hist,
			Residual:   h,
			UseCache:   true,
			FirstToken: first,
		})
		if err != nil {
			return nil, err
		}
		r.present[i] = out.Present
		if h, err = r.mlps[i].Forward(ctx, out.Hidden, out.Hidden, decode); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// reorder gathers every layer's history rows by slot, for runs that keep
// history outside the layer cache.
func (r *replica) reorder(slots []int) {
	for i, p := range r.present {
		if p == nil {
			continue
		}
		r.present[i] = &attention.KV{Key: p.Key.IndexSelect(0, slots), Value: p.Value.IndexSelect(0, slots)}
	}
}

func (r *replica) cursors() []kvcache.Cursor {
	out := make([]kvcache.Cursor, len(r.attn))
	for i, l := range r.attn {
		out[i] = l.Cache().Cursor()
	}
	return out
}

func (r *replica) release() {
	for _, l := range r.attn {
		l.Release()
	}
	for _, b := range r.mlps {
		b.Release()
	}
	r.reg.ReleaseStatic()
}

// embedTokens looks tokens up as [seq, rows, embed] when seqFirst and
// [rows, seq, embed] otherwise; tokens is [rows][seq].
func (w *modelWeights) embedTokens(tokens [][]int, seqFirst bool) *tensor.Tensor {
	n, seq := len(tokens), len(tokens[0])
	flat := make([]int, 0, n*seq)
	if seqFirst {
		for s := 0; s < seq; s++ {
			for _, row := range tokens {
				flat = append(flat, row[s])
			}
		}
		return w.embed.IndexSelect(0, flat).Reshape(seq, n, w.embed.Dim(1))
	}
	for _, row := range tokens {
		flat = append(flat, row...)
	}
	return w.embed.IndexSelect(0, flat).Reshape(n, seq, w.embed.Dim(1))
}

// logits scores the last position of every row.
func (w *modelWeights) logits(hidden *tensor.Tensor, seqFirst bool) [][]float64 {
	var last *tensor.Tensor
	if seqFirst {
		last = hidden.Select(0, hidden.Dim(0)-1)
	} else {
		last = hidden.Select(1, hidden.Dim(1)-1)
	}
	scores := tensor.MatMul(last, w.unembed)
	n, vocab := scores.Dim(0), scores.Dim(1)
	vals := scores.Values()
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, vocab)
		for j := range out[i] {
			out[i][j] = float64(vals[i*vocab+j])
		}
	}
	return out
}
