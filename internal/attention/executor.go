package attention

import (
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-quiver/internal/kernels"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// attendArgs is everything the executor needs for one call. q, k and v are
// logical [rows, heads, seq, dim].
type attendArgs struct {
	q, k, v HeadTensor

	mask     *tensor.Tensor
	maskBool bool
	headMask *tensor.Tensor
	alibi    *tensor.Tensor

	first bool
	beam  int
	batch int

	// prompt cache [rows, heads, promptLen, dim] and the beam index, set for
	// cache-backed beam steps only
	keyPrompt, valuePrompt *tensor.Tensor
	beamIndex              [][]int

	wantWeights bool
}

type executor struct {
	layerID      int
	reg          *Registry
	headDim      int
	maxPositions int
	causal       bool
	scaleScores  bool
	fused        bool
}

func (e *executor) run(a attendArgs) (out, weights *tensor.Tensor) {
	if e.fused {
		return e.fusedPath(a), nil
	}
	return e.naivePath(a)
}

func (e *executor) fusedPath(a attendArgs) *tensor.Tensor {
	ql := a.q.T.Dim(2)
	p := kernels.SDPAParams{
		HeadMask: a.headMask,
		Scale:    float32(1 / math.Sqrt(float64(e.headDim))),
		Beta:     1,
		Causal:   e.causal && ql != 1,
	}
	if a.mask != nil {
		if a.maskBool {
			// a boolean mask only ever marks the causal triangle here
			if ql != 1 {
				p.Causal = true
			}
		} else {
			p.Mask = e.reg.BlockedMask(e.layerID, a.mask, e.maxPositions)
		}
	}
	if a.alibi != nil {
		p.Alibi = e.reg.BlockedAlibi(e.layerID, a.alibi, e.maxPositions)
	}

	if a.first || a.beam == 1 || a.keyPrompt == nil {
		p.SeqFirst = a.beam == 1
		if p.SeqFirst {
			a.q.MustLayout(SeqFirst)
		}
		metrics.RecordAttentionPath("fused")
		return kernels.SDPA(a.q.T, a.k.T, a.v.T, p)
	}
	a.q.MustLayout(SeqFirst)
	a.k.MustLayout(SeqFirst)
	p.KVLen = a.k.T.Dim(2)
	metrics.RecordAttentionPath("fused_index")
	return kernels.SDPAIndex(a.q.T, a.keyPrompt, a.valuePrompt, a.k.T, a.v.T, a.beamIndex, a.batch, p)
}

func (e *executor) naivePath(a attendArgs) (out, weights *tensor.Tensor) {
	metrics.RecordAttentionPath("naive")
	q, k, v := a.q.T, a.k.T, a.v.T
	if !a.first && a.beam > 1 && a.keyPrompt != nil {
		k, v = reorderCache(k, v, a.keyPrompt, a.valuePrompt, a.beamIndex, a.batch)
	}
	dtype := q.DType()
	ql, kl := q.Dim(2), k.Dim(2)
	scores := tensor.MatMul(q, k.Transpose(-1, -2))

	if a.alibi != nil {
		// alibi*beta + scores/sqrt(dim), beta = 1
		rows, heads := q.Dim(0), q.Dim(1)
		bias := a.alibi.Narrow(-1, 0, kl).Reshape(rows, heads, a.alibi.Dim(1), kl)
		scores = tensor.Add(tensor.Scale(scores, float32(1/math.Sqrt(float64(e.headDim)))), bias)
		if a.mask != nil {
			scores = applyMask(scores, a.mask, a.maskBool, dtype)
		}
		weights = tensor.Softmax(scores, dtype)
	} else {
		if e.causal {
			scores = tensor.Add(scores, e.reg.CausalMask(e.maxPositions).Narrow(0, kl-ql, ql).Narrow(1, 0, kl))
		}
		if e.scaleScores {
			scores = tensor.Scale(scores, float32(1/math.Sqrt(float64(e.headDim))))
		}
		if a.mask != nil {
			scores = applyMask(scores, a.mask, a.maskBool, dtype)
			scores = tensor.ClampMin(scores, dtype.Min())
		}
		weights = tensor.Softmax(scores.Cast(tensor.Float32), tensor.Float32).Cast(dtype)
		if e.causal {
			auditCausal(weights, ql, kl)
		}
	}
	if a.headMask != nil {
		weights = tensor.Mul(weights, a.headMask)
	}
	out = tensor.MatMul(weights, v)
	if !a.wantWeights {
		weights = nil
	}
	return out, weights
}

// applyMask adds an additive mask, or fills positions a boolean mask marks
// with the dtype minimum.
func applyMask(scores, mask *tensor.Tensor, isBool bool, dtype tensor.DType) *tensor.Tensor {
	if isBool {
		return tensor.MaskedFill(scores, mask, dtype.Min())
	}
	return tensor.Add(scores, mask)
}

// reorderCache rebuilds key/value history for beam steps: the prompt cache
// [rows, heads, promptLen, dim] is broadcast to every beam of its row, and
// step t of slot s is gathered from the slot the beam index names.
func reorderCache(key, value, keyPrompt, valuePrompt *tensor.Tensor, beamIdx [][]int, batch int) (k, v *tensor.Tensor) {
	start := time.Now()
	if keyPrompt == nil || valuePrompt == nil {
		panic("attention: beam reorder without prompt cache")
	}
	slots, heads, steps, dim := key.Dim(0), key.Dim(1), key.Dim(2), key.Dim(3)
	rows, promptLen := keyPrompt.Dim(0), keyPrompt.Dim(2)
	if rows == 0 || slots%rows != 0 {
		panic(fmt.Sprintf("attention: %d beam slots for %d prompt rows", slots, rows))
	}
	if len(beamIdx) < steps {
		panic(fmt.Sprintf("attention: beam index covers %d steps, cache has %d", len(beamIdx), steps))
	}
	beam := slots / rows
	expand := func(p *tensor.Tensor) *tensor.Tensor {
		return p.Unsqueeze(1).Expand(rows, beam, heads, promptLen, dim).Reshape(slots, heads, promptLen, dim)
	}
	keys := []*tensor.Tensor{expand(keyPrompt)}
	values := []*tensor.Tensor{expand(valuePrompt)}
	global := kernels.ExpandBeamIndex(beamIdx[:steps], batch)
	for t := 0; t < steps; t++ {
		keys = append(keys, key.Narrow(2, t, 1).IndexSelect(0, global[t]))
		values = append(values, value.Narrow(2, t, 1).IndexSelect(0, global[t]))
	}
	k, v = tensor.Cat(2, keys...), tensor.Cat(2, values...)
	metrics.RecordBeamReorder(time.Since(start))
	return k, v
}

// auditCausal counts future positions and how many of them kept probability.
func auditCausal(weights *tensor.Tensor, ql, kl int) {
	vals := weights.Values()
	offset := kl - ql
	masked, leaked := 0, 0
	for r := 0; r+ql*kl <= len(vals); r += ql * kl {
		for i := 0; i < ql; i++ {
			for j := i + offset + 1; j < kl; j++ {
				masked++
				if vals[r+i*kl+j] > 1e-6 {
					leaked++
				}
			}
		}
	}
	metrics.RecordSoftmaxMaskingAudit(masked, leaked)
}
