// Package kvcache owns the per-layer key/value cache buffers.
//
// A Store holds exactly one of two addressing schemes at a time:
//
//	Greedy: key/value [maxPositions, batch, heads, dim], written at [prev:cur].
//	Beam:   prompt key/value [rows, promptLen, heads*dim] shared by the beams of
//	        a row, plus incremental key/value [maxOutPositions, batch*beam, heads, dim]
//	        whose steps are read through the beam index.
package kvcache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

var (
	ErrCacheOverflow = errors.New("kvcache: position past cache capacity")
	ErrCacheMismatch = errors.New("kvcache: cache prefix does not match history")
)

// Validate selects how a greedy cache prefix is checked against the history
// handed in by the caller.
type Validate int

const (
	ValidateOff Validate = iota
	// ValidateRepair overwrites a mismatching prefix from history.
	ValidateRepair
	// ValidateStrict fails with ErrCacheMismatch.
	ValidateStrict
)

func (v Validate) String() string {
	switch v {
	case ValidateRepair:
		return "repair"
	case ValidateStrict:
		return "strict"
	default:
		return "off"
	}
}

func ParseValidate(s string) (Validate, error) {
	switch strings.ToLower(s) {
	case "", "off":
		return ValidateOff, nil
	case "repair":
		return ValidateRepair, nil
	case "strict":
		return ValidateStrict, nil
	}
	return ValidateOff, fmt.Errorf("kvcache: unknown validate mode %q", s)
}

type Scheme int

const (
	SchemeNone Scheme = iota
	SchemeGreedy
	SchemeBeam
)

func (s Scheme) String() string {
	switch s {
	case SchemeGreedy:
		return "greedy"
	case SchemeBeam:
		return "beam"
	default:
		return "none"
	}
}

type Greedy struct {
	Key, Value *tensor.Tensor // [maxPositions, batch, heads, dim]
}

type Beam struct {
	KeyPrompt, ValuePrompt *tensor.Tensor // [rows, promptLen, heads*dim]
	KeyCache, ValueCache   *tensor.Tensor // [maxOutPositions, batch*beam, heads, dim]
	// Invalid forces the incremental buffers to be rebuilt on the next step.
	Invalid bool
}

// Cursor is the filled prefix of the active buffer. Prev is where the current
// step starts writing; Cur is one past its last position.
type Cursor struct {
	Prev, Cur int
}

// History is the caller's view of the cache, logically [rows, heads, seq, dim].
type History struct {
	Key, Value *tensor.Tensor
}

func (h *History) seqLen() int {
	if h == nil || h.Key == nil {
		return 0
	}
	return h.Key.Dim(2)
}

type Options struct {
	MaxPositions    int
	MaxOutPositions int
	Heads           int
	HeadDim         int
	DType           tensor.DType
	// Layer tags log lines.
	Layer int
}

// Store is the cache of one attention layer. It is not safe for concurrent use.
type Store struct {
	opts   Options
	scheme Scheme
	greedy *Greedy
	beam   *Beam
	cursor Cursor
}

func New(opts Options) *Store {
	return &Store{opts: opts}
}

// log is derived per call so a later logger.Setup reaches existing stores.
func (s *Store) log() *logger.Logger { return logger.Log.With("layer", s.opts.Layer) }

func (s *Store) Scheme() Scheme  { return s.scheme }
func (s *Store) Cursor() Cursor  { return s.cursor }
func (s *Store) Greedy() *Greedy { return s.greedy }
func (s *Store) Beam() *Beam     { return s.beam }

// Bytes is the capacity currently held.
func (s *Store) Bytes() int64 {
	var n int64
	for _, t := range s.tensors() {
		n += t.Bytes()
	}
	return n
}

func (s *Store) tensors() []*tensor.Tensor {
	var out []*tensor.Tensor
	if s.greedy != nil {
		out = append(out, s.greedy.Key, s.greedy.Value)
	}
	if s.beam != nil {
		out = append(out, s.beam.KeyPrompt, s.beam.ValuePrompt, s.beam.KeyCache, s.beam.ValueCache)
	}
	kept := out[:0]
	for _, t := range out {
		if t != nil {
			kept = append(kept, t)
		}
	}
	return kept
}

func (s *Store) alloc(scheme string, shape ...int) *tensor.Tensor {
	t := tensor.Alloc(s.opts.DType, shape...)
	metrics.RecordKVCacheAlloc(scheme, t.Bytes())
	return t
}

func free(ts ...*tensor.Tensor) {
	for _, t := range ts {
		if t == nil || t.Released() {
			continue
		}
		metrics.RecordKVCacheFree(t.Bytes())
		t.Release()
	}
}

func (s *Store) dropGreedy() {
	if s.greedy != nil {
		free(s.greedy.Key, s.greedy.Value)
		s.greedy = nil
	}
}

func (s *Store) dropBeam() {
	if s.beam != nil {
		free(s.beam.KeyPrompt, s.beam.ValuePrompt, s.beam.KeyCache, s.beam.ValueCache)
		s.beam = nil
	}
}

func (s *Store) advance(stepLen, capacity int) error {
	cur := s.cursor.Prev + stepLen
	if cur > capacity {
		metrics.RecordKVCacheOutOfBounds(cur, capacity)
		return fmt.Errorf("%w: %d > %d", ErrCacheOverflow, cur, capacity)
	}
	s.cursor.Cur = cur
	metrics.RecordKVCacheLength(cur)
	return nil
}

// PrepareGreedy readies the greedy buffer for a step of stepLen positions
// over batch rows. A multi-position step starts a new run and resets the
// cursor; a single-position step continues from the history length, or from
// the committed cursor when no history is given.
func (s *Store) PrepareGreedy(batch, stepLen int, history *History, v Validate) error {
	if s.scheme == SchemeBeam {
		s.dropBeam()
	}
	s.scheme = SchemeGreedy
	shape := []int{s.opts.MaxPositions, batch, s.opts.Heads, s.opts.HeadDim}
	fits := s.greedy != nil && s.greedy.Key.Dim(1) == batch

	if stepLen > 1 {
		if !fits {
			s.dropGreedy()
			s.greedy = &Greedy{Key: s.alloc("greedy", shape...), Value: s.alloc("greedy", shape...)}
			s.log().Debug("greedy cache allocated", "shape", shape)
		}
		s.cursor = Cursor{}
		return s.advance(stepLen, s.opts.MaxPositions)
	}

	prev := s.cursor.Cur
	if history != nil && history.Key != nil {
		prev = history.seqLen()
	}
	if prev > s.opts.MaxPositions {
		metrics.RecordKVCacheOutOfBounds(prev, s.opts.MaxPositions)
		return fmt.Errorf("%w: history of %d > %d", ErrCacheOverflow, prev, s.opts.MaxPositions)
	}
	if !fits {
		// decode without a matching buffer: rebuild it from history
		s.dropGreedy()
		s.greedy = &Greedy{Key: s.alloc("greedy", shape...), Value: s.alloc("greedy", shape...)}
		s.log().Debug("greedy cache allocated from history", "shape", shape, "history", prev)
		if prev > 0 && history != nil && history.Key != nil {
			s.writePrefix(history, prev)
		}
	} else if v != ValidateOff && prev > 0 && history != nil && history.Key != nil {
		if err := s.checkPrefix(history, prev, v); err != nil {
			return err
		}
	}
	s.cursor.Prev = prev
	return s.advance(stepLen, s.opts.MaxPositions)
}

// prefix returns the greedy buffer's first n positions as [batch, heads, n, dim].
func (s *Store) prefix(n int) (key, value *tensor.Tensor) {
	return s.greedy.Key.Narrow(0, 0, n).Permute(1, 2, 0, 3),
		s.greedy.Value.Narrow(0, 0, n).Permute(1, 2, 0, 3)
}

func (s *Store) writePrefix(h *History, n int) {
	k, v := s.prefix(n)
	k.CopyFrom(h.Key)
	v.CopyFrom(h.Value)
}

func (s *Store) checkPrefix(h *History, n int, mode Validate) error {
	k, v := s.prefix(n)
	if tensor.Equal(k, h.Key) && tensor.Equal(v, h.Value) {
		return nil
	}
	if mode == ValidateStrict {
		metrics.RecordValidationError("kv_cache", "history_mismatch")
		return fmt.Errorf("%w: layer %d, %d positions", ErrCacheMismatch, s.opts.Layer, n)
	}
	s.log().Warn("cache prefix differs from history, overwriting", "positions", n)
	metrics.RecordKVCacheRepair()
	s.writePrefix(h, n)
	return nil
}

// PrepareBeamFirstToken allocates prompt buffers [rows, seqLen, heads*dim] and
// resets the cursor. When bsBeam differs from runtimeBatch, the watermark
// recorded by the last layer on the previous run, the incremental buffers are
// marked invalid.
func (s *Store) PrepareBeamFirstToken(rows, seqLen, bsBeam, runtimeBatch int) {
	if s.scheme == SchemeGreedy {
		s.dropGreedy()
	}
	s.scheme = SchemeBeam
	if s.beam == nil {
		s.beam = &Beam{}
	}
	free(s.beam.KeyPrompt, s.beam.ValuePrompt)
	hidden := s.opts.Heads * s.opts.HeadDim
	s.beam.KeyPrompt = s.alloc("beam_prompt", rows, seqLen, hidden)
	s.beam.ValuePrompt = s.alloc("beam_prompt", rows, seqLen, hidden)
	if bsBeam != runtimeBatch {
		s.beam.Invalid = true
		metrics.RecordKVCacheInvalidation()
		s.log().Debug("beam cache invalidated", "batch_beam", bsBeam, "runtime_batch", runtimeBatch)
	}
	s.cursor = Cursor{}
}

// PrepareBeamStep readies the incremental buffers for stepLen positions over
// bsBeam slots. It reports whether the buffers were (re)allocated; the caller
// updates the runtime batch watermark when that happens on the last layer.
func (s *Store) PrepareBeamStep(bsBeam, stepLen int) (allocated bool, err error) {
	if s.scheme == SchemeGreedy {
		s.dropGreedy()
	}
	s.scheme = SchemeBeam
	if s.beam == nil {
		s.beam = &Beam{}
	}
	b := s.beam
	if b.KeyCache == nil || b.Invalid || b.KeyCache.Dim(1) != bsBeam {
		free(b.KeyCache, b.ValueCache)
		shape := []int{s.opts.MaxOutPositions, bsBeam, s.opts.Heads, s.opts.HeadDim}
		b.KeyCache = s.alloc("beam_step", shape...)
		b.ValueCache = s.alloc("beam_step", shape...)
		b.Invalid = false
		s.cursor = Cursor{}
		allocated = true
		s.log().Debug("beam step cache allocated", "shape", shape)
	}
	return allocated, s.advance(stepLen, s.opts.MaxOutPositions)
}

// Request is the uniform form of the three prepare calls.
type Request struct {
	Scheme     Scheme
	FirstToken bool
	Rows       int
	StepLen    int
	// BsBeam is batch*beam; RuntimeBatch the last recorded watermark.
	BsBeam       int
	RuntimeBatch int
	History      *History
	Validate     Validate
}

// Prepare dispatches r to the matching prepare call.
func (s *Store) Prepare(r Request) (allocated bool, err error) {
	switch {
	case r.Scheme == SchemeGreedy:
		return false, s.PrepareGreedy(r.Rows, r.StepLen, r.History, r.Validate)
	case r.Scheme == SchemeBeam && r.FirstToken:
		s.PrepareBeamFirstToken(r.Rows, r.StepLen, r.BsBeam, r.RuntimeBatch)
		return true, nil
	case r.Scheme == SchemeBeam:
		return s.PrepareBeamStep(r.BsBeam, r.StepLen)
	}
	return false, fmt.Errorf("kvcache: cannot prepare scheme %s", r.Scheme)
}

// Commit moves the write start to n.
func (s *Store) Commit(n int) {
	if n < 0 || n > s.cursor.Cur {
		panic(fmt.Sprintf("kvcache: commit %d outside [0, %d]", n, s.cursor.Cur))
	}
	s.cursor.Prev = n
}

// GreedyStep returns the [prev:cur] slice of the greedy buffers, [step, batch, heads, dim].
func (s *Store) GreedyStep() (key, value *tensor.Tensor) {
	n := s.cursor.Cur - s.cursor.Prev
	return s.greedy.Key.Narrow(0, s.cursor.Prev, n), s.greedy.Value.Narrow(0, s.cursor.Prev, n)
}

// GreedyFilled returns the [0:cur] prefix of the greedy buffers, [cur, batch, heads, dim].
func (s *Store) GreedyFilled() (key, value *tensor.Tensor) {
	return s.greedy.Key.Narrow(0, 0, s.cursor.Cur), s.greedy.Value.Narrow(0, 0, s.cursor.Cur)
}

// BeamStep returns the [prev:cur] slice of the incremental buffers.
func (s *Store) BeamStep() (key, value *tensor.Tensor) {
	n := s.cursor.Cur - s.cursor.Prev
	return s.beam.KeyCache.Narrow(0, s.cursor.Prev, n), s.beam.ValueCache.Narrow(0, s.cursor.Prev, n)
}

// BeamFilled returns the [0:cur] prefix of the incremental buffers.
func (s *Store) BeamFilled() (key, value *tensor.Tensor) {
	return s.beam.KeyCache.Narrow(0, 0, s.cursor.Cur), s.beam.ValueCache.Narrow(0, 0, s.cursor.Cur)
}

// PromptLen is the prompt length held by the beam prompt buffers, 0 without them.
func (s *Store) PromptLen() int {
	if s.beam == nil || s.beam.KeyPrompt == nil {
		return 0
	}
	return s.beam.KeyPrompt.Dim(1)
}

// Release drops every buffer and resets the cursor. Safe to call repeatedly.
func (s *Store) Release() {
	had := s.scheme != SchemeNone
	s.dropGreedy()
	s.dropBeam()
	s.scheme = SchemeNone
	s.cursor = Cursor{}
	if had {
		s.log().Debug("cache released")
	}
}
