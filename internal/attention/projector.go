package attention

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/kernels"
	"github.com/23skdu/longbow-quiver/internal/kvcache"
	"github.com/23skdu/longbow-quiver/internal/quant"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// Weights holds one rank's shard of the attention projections, each in
// canonical [in, out] orientation: Q, K and V are [embed, localEmbed], Out is
// [localEmbed, embed]. For int4 layers a missing Quant is derived from Dense.
type Weights struct {
	Q, K, V, Out kernels.Weight
}

func quantized(w kernels.Weight, q config.Quant) (kernels.Weight, error) {
	if !q.IsInt4() || w.Quant != nil {
		return w, nil
	}
	if w.Dense == nil {
		return w, fmt.Errorf("attention: int4 weight without dense or quantized data")
	}
	w = kernels.PadOutput(w, q.Padded(w.Dense.Dim(1)))
	m, err := quant.Quantize(w.Dense, q.GroupSize)
	if err != nil {
		return w, err
	}
	w.Quant = m
	return w, nil
}

// fuse concatenates query, key and value weights along the output dimension.
func fuse(q, k, v kernels.Weight) (kernels.Weight, error) {
	var out kernels.Weight
	if q.Dense != nil && k.Dense != nil && v.Dense != nil {
		out.Dense = tensor.Cat(1, q.Dense, k.Dense, v.Dense)
	}
	if q.Bias != nil || k.Bias != nil || v.Bias != nil {
		parts := make([]*tensor.Tensor, 3)
		for i, w := range []kernels.Weight{q, k, v} {
			parts[i] = w.Bias
			if parts[i] == nil {
				parts[i] = tensor.New(tensor.Float32, outFeatures(w))
			}
		}
		out.Bias = tensor.Cat(0, parts...)
	}
	if q.Quant != nil && k.Quant != nil && v.Quant != nil {
		m, err := quant.Concat(q.Quant, k.Quant, v.Quant)
		if err != nil {
			return out, err
		}
		out.Quant = m
	}
	return out, nil
}

func outFeatures(w kernels.Weight) int {
	if w.Dense != nil {
		return w.Dense.Dim(1)
	}
	return w.Quant.Out
}

// qkvProjector produces query, key and value for one step, either through a
// fused projection written straight into the cache or through three separate
// projections.
type qkvProjector struct {
	fused   kernels.Projector
	q, k, v kernels.Projector
	heads   int
	headDim int
}

func newQKVProjector(cfg *config.LayerConfig, w Weights) (*qkvProjector, error) {
	kind := kernels.ResolveKind(cfg.Quant.IsInt4(), cfg.RowMajor())
	p := &qkvProjector{heads: cfg.LocalHeads(), headDim: cfg.HeadDim()}
	ws := []kernels.Weight{w.Q, w.K, w.V}
	for i := range ws {
		var err error
		if ws[i], err = quantized(ws[i], cfg.Quant); err != nil {
			return nil, fmt.Errorf("attention: qkv weight %d: %w", i, err)
		}
	}
	if cfg.CacheOptimized() {
		fw, err := fuse(ws[0], ws[1], ws[2])
		if err != nil {
			return nil, fmt.Errorf("attention: fuse qkv: %w", err)
		}
		if p.fused, err = kernels.NewProjector(kind, fw); err != nil {
			return nil, err
		}
		// each segment keeps its own padding; FusedQKV drops it per segment
		if want := 3 * cfg.Quant.Padded(cfg.LocalEmbed()); p.fused.OutFeatures() != want {
			return nil, fmt.Errorf("attention: fused qkv has %d outputs, want %d", p.fused.OutFeatures(), want)
		}
		return p, nil
	}
	projs := make([]kernels.Projector, 3)
	for i, wi := range ws {
		pr, err := kernels.Bind(kind, wi, cfg.LocalEmbed())
		if err != nil {
			return nil, fmt.Errorf("attention: projection %d: %w", i, err)
		}
		projs[i] = pr
	}
	p.q, p.k, p.v = projs[0], projs[1], projs[2]
	return p, nil
}

// step describes one forward call's input.
type step struct {
	rows, seq int
	seqFirst  bool
	first     bool
	decode    bool
}

// dims returns the physical leading dims of the input.
func (s step) dims() (int, int) {
	if s.seqFirst {
		return s.seq, s.rows
	}
	return s.rows, s.seq
}

func (p *qkvProjector) split(t *tensor.Tensor) *tensor.Tensor {
	return t.Reshape(t.Dim(0), t.Dim(1), p.heads, p.headDim)
}

// project runs the separate projections. Outputs are physical [d0, d1, heads, dim].
func (p *qkvProjector) project(x *tensor.Tensor, st step) (q, k, v *tensor.Tensor) {
	q, k, v = kernels.SplitQKV(p.q, p.k, p.v, x, st.decode)
	return p.split(q), p.split(k), p.split(v)
}

// projectGreedy writes key/value into the greedy cache slot prepared by the store.
func (p *qkvProjector) projectGreedy(x *tensor.Tensor, st step, store *kvcache.Store) (q, k, v *tensor.Tensor) {
	d0, d1 := st.dims()
	q = tensor.New(x.DType(), d0, d1, p.heads, p.headDim)
	k, v = store.GreedyStep()
	kernels.FusedQKV(p.fused, x, st.decode, q, k, v)
	return q, k, v
}

// projectBeamPrompt writes key/value into the beam prompt buffers.
func (p *qkvProjector) projectBeamPrompt(x *tensor.Tensor, st step, store *kvcache.Store) (q, k, v *tensor.Tensor) {
	b := store.Beam()
	q = tensor.New(x.DType(), st.rows, st.seq, p.heads, p.headDim)
	kernels.FusedQKV(p.fused, x, st.decode, q, b.KeyPrompt, b.ValuePrompt)
	return q, p.split(b.KeyPrompt), p.split(b.ValuePrompt)
}

// projectBeamStep writes key/value into the incremental beam cache slot.
func (p *qkvProjector) projectBeamStep(x *tensor.Tensor, st step, store *kvcache.Store) (q, k, v *tensor.Tensor) {
	q = tensor.New(x.DType(), st.seq, st.rows, p.heads, p.headDim)
	k, v = store.BeamStep()
	kernels.FusedQKV(p.fused, x, st.decode, q, k, v)
	return q, k, v
}
