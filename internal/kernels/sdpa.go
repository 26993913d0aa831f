package kernels

import (
	"fmt"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// SDPAParams configures the fused attention kernels. Query, key and value are
// logically [batch, heads, seq, dim] in every case.
type SDPAParams struct {
	// Alibi is an additive bias [batch*heads, q|1, >=kv], scaled by Beta.
	Alibi *tensor.Tensor
	// Mask is an additive mask broadcastable to [batch, heads, q, >=kv].
	// Columns past the key length are ignored.
	Mask *tensor.Tensor
	// HeadMask multiplies the normalized weights; broadcastable to [batch, heads, q, kv].
	HeadMask *tensor.Tensor
	Scale    float32
	Beta     float32
	// Dropout is accepted for signature parity; inference applies none.
	Dropout float32
	Causal  bool
	// SeqFirst asserts that the query is physically [seq, batch, heads, dim].
	SeqFirst bool
	// KVLen bounds the incremental steps read by SDPAIndex; 0 reads them all.
	KVLen int
}

type headJob struct {
	q, k, v []float32 // [ql, d], [kl, d], [kl, d]
	bias    []float32 // [ql, kl] or nil
	hm      []float32 // [ql, kl] or nil
	out     []float32 // [ql, d]
}

func attend(j headJob, ql, kl, d int, scale float32, causal bool) {
	scores := make([]float64, kl)
	offset := kl - ql
	for i := 0; i < ql; i++ {
		end := kl
		if causal {
			end = min(kl, i+offset+1)
		}
		qi := j.q[i*d : (i+1)*d]
		maxV := math.Inf(-1)
		for c := 0; c < end; c++ {
			kc := j.k[c*d : (c+1)*d]
			var s float64
			for p := range qi {
				s += float64(qi[p]) * float64(kc[p])
			}
			s *= float64(scale)
			if j.bias != nil {
				s += float64(j.bias[i*kl+c])
			}
			scores[c] = s
			maxV = math.Max(maxV, s)
		}
		out := j.out[i*d : (i+1)*d]
		if end <= 0 || math.IsInf(maxV, -1) {
			continue
		}
		var sum float64
		for c := 0; c < end; c++ {
			scores[c] = math.Exp(scores[c] - maxV)
			sum += scores[c]
		}
		acc := make([]float64, d)
		for c := 0; c < end; c++ {
			w := scores[c] / sum
			if j.hm != nil {
				w *= float64(j.hm[i*kl+c])
			}
			vc := j.v[c*d : (c+1)*d]
			for p := range acc {
				acc[p] += w * float64(vc[p])
			}
		}
		for p := range out {
			out[p] = float32(acc[p])
		}
	}
}

// additive builds the per-(batch, head) [ql, kl] bias from alibi and mask.
func additive(p SDPAParams, b, h, heads, ql, kl int) []float32 {
	var bias []float32
	if p.Alibi != nil {
		a := p.Alibi.Narrow(-1, 0, kl).Select(0, b*heads+h).Expand(ql, kl).Values()
		beta := p.Beta
		if beta == 0 {
			beta = 1
		}
		for i := range a {
			a[i] *= beta
		}
		bias = a
	}
	if p.Mask != nil {
		m := maskFor(p.Mask, b, h, ql, kl)
		if bias == nil {
			bias = m
		} else {
			for i := range bias {
				bias[i] += m[i]
			}
		}
	}
	return bias
}

// maskFor slices a mask broadcastable to [batch, heads, q, >=kv] down to [ql, kl].
// A size-1 key dim broadcasts.
func maskFor(m *tensor.Tensor, b, h, ql, kl int) []float32 {
	if m.Dim(-1) > kl {
		m = m.Narrow(-1, 0, kl)
	}
	for m.Rank() < 4 {
		m = m.Unsqueeze(0)
	}
	if m.Dim(0) > 1 {
		m = m.Narrow(0, b, 1)
	}
	if m.Dim(1) > 1 {
		m = m.Narrow(1, h, 1)
	}
	return m.Select(0, 0).Select(0, 0).Expand(ql, kl).Values()
}

func checkQKV(q, k, v *tensor.Tensor) (batch, heads, ql, kl, d int) {
	if q.Rank() != 4 || k.Rank() != 4 || v.Rank() != 4 {
		panic(fmt.Sprintf("kernels: sdpa wants rank-4 q/k/v, got %v %v %v", q.Shape(), k.Shape(), v.Shape()))
	}
	batch, heads, ql, d = q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	kl = k.Dim(2)
	if k.Dim(0) != batch || k.Dim(1) != heads || k.Dim(3) != d {
		panic(fmt.Sprintf("kernels: key %v does not match query %v", k.Shape(), q.Shape()))
	}
	if v.Dim(0) != batch || v.Dim(1) != heads || v.Dim(2) != kl || v.Dim(3) != d {
		panic(fmt.Sprintf("kernels: value %v does not match key %v", v.Shape(), k.Shape()))
	}
	return
}

func run(jobs []headJob, ql, kl, d int, scale float32, causal bool) {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range jobs {
		g.Go(func() error {
			attend(jobs[i], ql, kl, d, scale, causal)
			return nil
		})
	}
	_ = g.Wait()
}

func headMaskFor(p SDPAParams, b, h, ql, kl int) []float32 {
	if p.HeadMask == nil {
		return nil
	}
	return maskFor(p.HeadMask, b, h, ql, kl)
}

// SDPA computes softmax(scale*Q·Kᵗ + bias)·V in one pass per (batch, head)
// without materializing the full score tensor. The result is [batch, heads, q, dim].
func SDPA(q, k, v *tensor.Tensor, p SDPAParams) *tensor.Tensor {
	start := time.Now()
	if p.SeqFirst && !q.InOrder(2, 0, 1, 3) {
		panic(fmt.Sprintf("kernels: sdpa told seq-first but query is %v", q))
	}
	batch, heads, ql, kl, d := checkQKV(q, k, v)
	out := make([]float32, batch*heads*ql*d)
	jobs := make([]headJob, 0, batch*heads)
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			n := len(jobs)
			jobs = append(jobs, headJob{
				q:    q.Select(0, b).Select(0, h).Values(),
				k:    k.Select(0, b).Select(0, h).Values(),
				v:    v.Select(0, b).Select(0, h).Values(),
				bias: additive(p, b, h, heads, ql, kl),
				hm:   headMaskFor(p, b, h, ql, kl),
				out:  out[n*ql*d : (n+1)*ql*d],
			})
		}
	}
	run(jobs, ql, kl, d, p.Scale, p.Causal)
	metrics.RecordKernelDuration("sdpa", time.Since(start))
	return tensor.FromSlice(q.DType(), out, batch, heads, ql, d)
}

// ExpandBeamIndex offsets a per-batch beam index (values in [0, beam)) to
// global slot indices: row[s] + beam*(s/beam).
func ExpandBeamIndex(idx [][]int, batch int) [][]int {
	out := make([][]int, len(idx))
	for t, row := range idx {
		if batch <= 0 || len(row)%batch != 0 {
			panic(fmt.Sprintf("kernels: beam index row of %d slots not divisible by batch %d", len(row), batch))
		}
		beam := len(row) / batch
		out[t] = make([]int, len(row))
		for s, v := range row {
			if v < 0 || v >= beam {
				panic(fmt.Sprintf("kernels: beam index %d out of range [0, %d)", v, beam))
			}
			out[t][s] = v + beam*(s/beam)
		}
	}
	return out
}

// SDPAIndex is SDPA over a split cache: a prompt cache [rows, heads, prompt, dim]
// shared by the beams of each row, and an incremental cache [rows*beam, heads,
// steps, dim] whose step t for slot s is read from slot beamIdx[t][s] (offset
// per batch row). No reordered copy of the cache is built.
func SDPAIndex(q, keyPrompt, valuePrompt, keyCache, valueCache *tensor.Tensor, beamIdx [][]int, batch int, p SDPAParams) *tensor.Tensor {
	start := time.Now()
	if keyPrompt == nil || valuePrompt == nil {
		panic("kernels: sdpa index without prompt cache")
	}
	slots, heads, ql, steps, d := checkQKV(q, keyCache, valueCache)
	if p.KVLen > 0 {
		steps = min(steps, p.KVLen)
	}
	if len(beamIdx) < steps {
		panic(fmt.Sprintf("kernels: beam index covers %d steps, cache has %d", len(beamIdx), steps))
	}
	rows, pl := keyPrompt.Dim(0), keyPrompt.Dim(2)
	if rows == 0 || slots%rows != 0 {
		panic(fmt.Sprintf("kernels: %d slots not a multiple of %d prompt rows", slots, rows))
	}
	expand := slots / rows
	global := ExpandBeamIndex(beamIdx[:steps], batch)
	kl := pl + steps

	out := make([]float32, slots*heads*ql*d)
	jobs := make([]headJob, 0, slots*heads)
	for s := 0; s < slots; s++ {
		for h := 0; h < heads; h++ {
			k := make([]float32, 0, kl*d)
			v := make([]float32, 0, kl*d)
			k = append(k, keyPrompt.Select(0, s/expand).Select(0, h).Values()...)
			v = append(v, valuePrompt.Select(0, s/expand).Select(0, h).Values()...)
			for t := 0; t < steps; t++ {
				src := global[t][s]
				k = append(k, keyCache.Select(0, src).Select(0, h).Select(0, t).Values()...)
				v = append(v, valueCache.Select(0, src).Select(0, h).Select(0, t).Values()...)
			}
			n := len(jobs)
			jobs = append(jobs, headJob{
				q:    q.Select(0, s).Select(0, h).Values(),
				k:    k,
				v:    v,
				bias: additive(p, s, h, heads, ql, kl),
				hm:   headMaskFor(p, s, h, ql, kl),
				out:  out[n*ql*d : (n+1)*ql*d],
			})
		}
	}
	run(jobs, ql, kl, d, p.Scale, p.Causal)
	metrics.RecordKernelDuration("sdpa_index", time.Since(start))
	return tensor.FromSlice(q.DType(), out, slots, heads, ql, d)
}
