// Package attention implements a transformer self-attention layer with an
// incrementally grown key/value cache for greedy and beam-search decoding.
package attention

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-quiver/internal/collective"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/kernels"
	"github.com/23skdu/longbow-quiver/internal/kvcache"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/rope"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

type Options struct {
	Config  config.LayerConfig
	Weights Weights
	// Registry defaults to DefaultRegistry.
	Registry *Registry
	// Group is the tensor-parallel group; nil means unsharded.
	Group collective.Group
	// Encoder defaults to rotary over Config.RotaryDim, or identity when that is 0.
	Encoder rope.Encoder
}

// Input is one forward call.
//
// Hidden is [seq, rows, embed] (seq-first) except for the first token of a
// beam run, which is [rows, seq, embed]. rows is batch*beam on beam steps and
// batch on the first token.
type Input struct {
	Hidden *tensor.Tensor
	// History is the caller's key/value cache, [rows, heads, past, dim].
	History *kvcache.History
	// Mask is additive and broadcastable to [rows, heads, q, kv], or boolean
	// (nonzero = masked) when MaskIsBool.
	Mask       *tensor.Tensor
	MaskIsBool bool
	// Positions is [rows][seq] (or per batch element); nil counts up from the cache length.
	Positions [][]int
	HeadMask  *tensor.Tensor
	// Alibi is [rows*heads, q|1, kv].
	Alibi    *tensor.Tensor
	Residual *tensor.Tensor

	UseCache         bool
	OutputAttentions bool
	FirstToken       bool
}

type KV struct {
	Key, Value *tensor.Tensor
}

type Output struct {
	// Hidden has the input's layout with the last dim = embed.
	Hidden *tensor.Tensor
	// Present is the key/value to hand back as History on the next call. For
	// cache-backed beam runs it is a placeholder [1, heads, total, dim] whose
	// only meaning is its length.
	Present *KV
	// Weights is [rows, heads, q, kv], set only on the naive path when requested.
	Weights *tensor.Tensor
}

// Layer is one attention layer. A Layer is driven by a single goroutine;
// tensor-parallel replicas each own their own Layer.
type Layer struct {
	id  int
	cfg config.LayerConfig
	reg *Registry

	dtype    tensor.DType
	validate kvcache.Validate

	qkv     *qkvProjector
	encoder rope.Encoder
	exec    *executor
	out     *outputProjector
	store   *kvcache.Store
}

func NewLayer(opts Options) (*Layer, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}
	if opts.Group != nil && opts.Group.Size() != cfg.TPSize {
		return nil, fmt.Errorf("attention: group of %d for tp_size %d", opts.Group.Size(), cfg.TPSize)
	}
	dtype, err := tensor.ParseDType(cfg.DType)
	if err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}
	validate, err := kvcache.ParseValidate(cfg.Runtime.CacheCheck)
	if err != nil {
		return nil, err
	}
	reg := opts.Registry
	if reg == nil {
		reg = DefaultRegistry
	}

	qkv, err := newQKVProjector(&cfg, opts.Weights)
	if err != nil {
		return nil, err
	}
	outW, err := quantized(opts.Weights.Out, cfg.Quant)
	if err != nil {
		return nil, fmt.Errorf("attention: out weight: %w", err)
	}
	outProj, err := kernels.Bind(kernels.ResolveKind(cfg.Quant.IsInt4(), cfg.RowMajor()), outW, cfg.EmbedDim)
	if err != nil {
		return nil, fmt.Errorf("attention: out projection: %w", err)
	}
	if outProj.InFeatures() != cfg.LocalEmbed() {
		return nil, fmt.Errorf("attention: out projection %dx%d, want %dx%d",
			outProj.InFeatures(), outProj.OutFeatures(), cfg.LocalEmbed(), cfg.EmbedDim)
	}

	enc := opts.Encoder
	if enc == nil {
		if cfg.RotaryDim > 0 {
			if enc, err = rope.NewRotary(cfg.RotaryDim, cfg.RopeTheta); err != nil {
				return nil, err
			}
		} else {
			enc = rope.Identity{}
		}
	}

	id := reg.NextLayerID()
	if cfg.UseCausalMask {
		reg.CausalMask(cfg.MaxPositions)
	}
	l := &Layer{
		id:       id,
		cfg:      cfg,
		reg:      reg,
		dtype:    dtype,
		validate: validate,
		qkv:      qkv,
		encoder:  enc,
		exec: &executor{
			layerID:      id,
			reg:          reg,
			headDim:      cfg.HeadDim(),
			maxPositions: cfg.MaxPositions,
			causal:       cfg.UseCausalMask,
			scaleScores:  cfg.ScaleAttention,
			fused:        cfg.FusedSDP(),
		},
		out: &outputProjector{
			proj:     outProj,
			group:    opts.Group,
			tpSize:   cfg.TPSize,
			rowMajor: cfg.RowMajor(),
		},
		store: kvcache.New(kvcache.Options{
			MaxPositions:    cfg.MaxPositions,
			MaxOutPositions: cfg.MaxOutPositions,
			Heads:           cfg.LocalHeads(),
			HeadDim:         cfg.HeadDim(),
			DType:           dtype,
			Layer:           id,
		}),
	}
	l.log().Debug("attention layer built",
		"heads", cfg.LocalHeads(), "head_dim", cfg.HeadDim(), "kind", outProj.Kind().String(),
		"cache_optimized", cfg.CacheOptimized(), "fused_sdp", cfg.FusedSDP())
	return l, nil
}

func (l *Layer) ID() int { return l.id }

func (l *Layer) log() *logger.Logger { return logger.Log.With("layer", l.id) }

// Cache exposes the layer's cache store.
func (l *Layer) Cache() *kvcache.Store { return l.store }

// Release drops the layer's cache buffers. Safe to call at any time.
func (l *Layer) Release() {
	l.store.Release()
}

func (l *Layer) stepOf(in Input) (step, error) {
	x := in.Hidden
	if x == nil || x.Rank() != 3 {
		return step{}, fmt.Errorf("attention: hidden states must be rank 3, got %v", x)
	}
	if x.Dim(2) != l.cfg.EmbedDim {
		return step{}, fmt.Errorf("attention: hidden width %d, want %d", x.Dim(2), l.cfg.EmbedDim)
	}
	beam := l.reg.BeamWidth()
	st := step{first: in.FirstToken, seqFirst: beam == 1 || !in.FirstToken}
	if st.seqFirst {
		st.seq, st.rows = x.Dim(0), x.Dim(1)
	} else {
		st.rows, st.seq = x.Dim(0), x.Dim(1)
	}
	st.decode = st.seq == 1
	return st, nil
}

// Forward runs projection, position encoding, cache update, attention and
// the output projection for one step.
func (l *Layer) Forward(ctx context.Context, in Input) (Output, error) {
	start := time.Now()
	st, err := l.stepOf(in)
	if err != nil {
		return Output{}, err
	}
	beam := l.reg.BeamWidth()
	cached := l.cfg.CacheOptimized()
	if n := l.keyLen(in, st, beam, cached); n > l.cfg.MaxPositions {
		metrics.RecordKVCacheOutOfBounds(n, l.cfg.MaxPositions)
		return Output{}, fmt.Errorf("attention layer %d: %w: %d keys > max positions %d",
			l.id, kvcache.ErrCacheOverflow, n, l.cfg.MaxPositions)
	}

	// projection
	var q, k, v *tensor.Tensor
	past := 0
	switch {
	case cached && beam == 1:
		if err := l.store.PrepareGreedy(st.rows, st.seq, in.History, l.validate); err != nil {
			return Output{}, fmt.Errorf("attention layer %d: %w", l.id, err)
		}
		past = l.store.Cursor().Prev
		q, k, v = l.qkv.projectGreedy(in.Hidden, st, l.store)
	case cached && st.first:
		l.store.PrepareBeamFirstToken(st.rows, st.seq, l.reg.BatchSize()*beam, l.reg.RuntimeBatch())
		q, k, v = l.qkv.projectBeamPrompt(in.Hidden, st, l.store)
	case cached:
		allocated, err := l.store.PrepareBeamStep(st.rows, st.seq)
		if err != nil {
			return Output{}, fmt.Errorf("attention layer %d: %w", l.id, err)
		}
		if allocated && l.reg.IsLastLayer(l.id) {
			l.reg.SetRuntimeBatch(st.rows)
		}
		past = l.store.PromptLen() + l.store.Cursor().Prev
		q, k, v = l.qkv.projectBeamStep(in.Hidden, st, l.store)
		l.store.Commit(l.store.Cursor().Cur)
	default:
		if in.History != nil && in.History.Key != nil {
			past = in.History.Key.Dim(2)
		}
		q, k, v = l.qkv.project(in.Hidden, st)
	}
	metrics.RecordForwardPhase("qkv", time.Since(start))

	// position encoding, in place on [rows, seq, heads, dim] views
	positions := in.Positions
	if positions == nil {
		positions = rope.Positions(st.rows, st.seq, past)
	}
	kr, qr := k, q
	if st.seqFirst {
		kr, qr = k.Permute(1, 0, 2, 3), q.Permute(1, 0, 2, 3)
	}
	l.encoder.Apply(kr, qr, positions, l.id, beam)

	// combine with history
	qh := heads(q, st.seqFirst)
	var kh, vh HeadTensor
	switch {
	case cached && beam == 1:
		kf, vf := l.store.GreedyFilled()
		kh, vh = heads(kf, true), heads(vf, true)
	case cached && st.first:
		kh, vh = heads(k, false), heads(v, false)
	case cached:
		kf, vf := l.store.BeamFilled()
		kh, vh = heads(kf, true), heads(vf, true)
	default:
		kh, vh = heads(k, st.seqFirst), heads(v, st.seqFirst)
		if in.History != nil && in.History.Key != nil {
			kh = HeadTensor{T: tensor.Cat(2, in.History.Key, kh.T), Layout: HeadMajor}
			vh = HeadTensor{T: tensor.Cat(2, in.History.Value, vh.T), Layout: HeadMajor}
		}
	}
	qh.MustLayout()
	kh.MustLayout()
	vh.MustLayout()
	curLen := kh.T.Dim(2)
	if cached && beam == 1 {
		l.store.Commit(l.store.Cursor().Cur)
	}
	metrics.RecordContextLength(curLen)

	var present *KV
	if in.UseCache || l.cfg.IsDecoder {
		present = l.present(kh, vh, beam, cached)
	}

	// attention
	attnStart := time.Now()
	if l.id == 0 && beam == 1 {
		idx := make([][]int, curLen)
		for i := range idx {
			idx[i] = []int{0}
		}
		l.reg.SetBeamIndex(idx)
	}
	args := attendArgs{
		q: qh, k: kh, v: vh,
		mask:        in.Mask,
		maskBool:    in.MaskIsBool,
		headMask:    in.HeadMask,
		alibi:       in.Alibi,
		first:       st.first,
		beam:        beam,
		batch:       l.reg.BatchSize(),
		wantWeights: in.OutputAttentions,
	}
	if cached && beam > 1 && !st.first {
		b := l.store.Beam()
		if b == nil || b.KeyPrompt == nil {
			panic(fmt.Sprintf("attention layer %d: beam step before the first token", l.id))
		}
		pl := b.KeyPrompt.Dim(1)
		args.keyPrompt = l.qkv.split(b.KeyPrompt).Permute(0, 2, 1, 3)
		args.valuePrompt = l.qkv.split(b.ValuePrompt).Permute(0, 2, 1, 3)
		args.beamIndex = l.reg.BeamIndex()
		if len(args.beamIndex) < curLen {
			panic(fmt.Sprintf("attention layer %d: beam index has %d steps, cache %d past a %d token prompt",
				l.id, len(args.beamIndex), curLen, pl))
		}
	}
	attn, weights := l.exec.run(args)
	if nans, infs := tensor.CountNonFinite(attn); nans+infs > 0 {
		metrics.RecordNumericalInstability("attention", nans, infs)
		l.log().Warn("non-finite attention output", "nans", nans, "infs", infs)
	}
	metrics.RecordForwardPhase("attention", time.Since(attnStart))

	// output projection
	outStart := time.Now()
	hidden, err := l.out.forward(ctx, flatten(attn, st.seqFirst), in.Residual, st.decode)
	if err != nil {
		return Output{}, fmt.Errorf("attention layer %d: %w", l.id, err)
	}
	metrics.RecordForwardPhase("output", time.Since(outStart))
	metrics.RecordInference(st.rows*st.seq, time.Since(start))

	return Output{Hidden: hidden, Present: present, Weights: weights}, nil
}

// keyLen is the key length the call will attend over, computed before any
// cache is touched. A beam step that reallocates its buffers attends over
// less than this.
func (l *Layer) keyLen(in Input, st step, beam int, cached bool) int {
	past := 0
	switch {
	case cached && beam > 1 && st.first:
	case cached && beam > 1:
		past = l.store.PromptLen() + l.store.Cursor().Cur
	case cached && st.seq > 1:
		// a greedy prompt restarts the cache
	case in.History != nil && in.History.Key != nil:
		past = in.History.Key.Dim(2)
	case cached:
		past = l.store.Cursor().Cur
	}
	return past + st.seq
}

func (l *Layer) present(k, v HeadTensor, beam int, cached bool) *KV {
	if beam == 1 || !cached {
		return &KV{Key: k.T, Value: v.T}
	}
	total := l.store.Cursor().Cur + l.store.PromptLen()
	placeholder := tensor.New(l.dtype, 1, k.T.Dim(1), total, k.T.Dim(3))
	return &KV{Key: placeholder, Value: placeholder}
}
