package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-quiver/internal/beamsearch"
	"github.com/23skdu/longbow-quiver/internal/collective"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/kvcache"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/mlp"
)

type runOptions struct {
	Layer     config.LayerConfig
	Layers    int
	Inner     int
	Vocab     int
	Act       mlp.Activation
	Batch     int
	Beam      int
	PromptLen int
	Steps     int
	Seed      int64

	// Transport is "local" or "flight"; ReduceAddr names an external
	// reduction server for "flight", otherwise one is started in process.
	Transport  string
	ReduceAddr string
}

type result struct {
	// Sequences holds the generated tokens of each batch element.
	Sequences [][]int
	// Logits are rank 0's last scores, one row per slot.
	Logits  [][]float64
	Cursors []kvcache.Cursor
	Elapsed time.Duration
}

func (o *runOptions) validate() error {
	if o.Layers <= 0 || o.Batch <= 0 || o.Beam <= 0 || o.PromptLen <= 0 || o.Steps <= 0 || o.Vocab < o.Beam {
		return fmt.Errorf("invalid run: layers %d batch %d beam %d prompt %d steps %d vocab %d",
			o.Layers, o.Batch, o.Beam, o.PromptLen, o.Steps, o.Vocab)
	}
	if o.PromptLen+o.Steps > o.Layer.MaxPositions {
		return fmt.Errorf("prompt %d + steps %d exceed max positions %d", o.PromptLen, o.Steps, o.Layer.MaxPositions)
	}
	if o.Beam > 1 && o.Layer.CacheOptimized() && o.Steps > o.Layer.MaxOutPositions {
		return fmt.Errorf("steps %d exceed max out positions %d", o.Steps, o.Layer.MaxOutPositions)
	}
	return o.Layer.Validate()
}

// groups returns one process group member per rank, nil when unsharded.
func groups(ctx context.Context, o runOptions) ([]collective.Group, func(), error) {
	tp := o.Layer.TPSize
	out := make([]collective.Group, tp)
	if tp == 1 {
		return out, func() {}, nil
	}
	switch o.Transport {
	case "", "local":
		for i, m := range collective.NewLocalGroup(tp) {
			out[i] = m
		}
		return out, func() {}, nil
	case "flight":
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", o.Transport)
	}

	addr := o.ReduceAddr
	var srv *collective.ReduceServer
	if addr == "" {
		var err error
		if srv, err = collective.NewReduceServer("127.0.0.1:0"); err != nil {
			return nil, nil, err
		}
		go func() {
			if err := srv.Serve(); err != nil {
				logger.Log.Error("reduction server stopped", "error", err)
			}
		}()
		addr = srv.Addr()
	}
	name := fmt.Sprintf("quiver-%d", time.Now().UnixNano())
	var members []*collective.FlightGroup
	cleanup := func() {
		for _, m := range members {
			_ = m.Close()
		}
		if srv != nil {
			srv.Shutdown()
		}
	}
	for rank := 0; rank < tp; rank++ {
		g, err := collective.DialFlightGroup(ctx, addr, name, rank, tp)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		members = append(members, g)
		out[rank] = g
	}
	return out, cleanup, nil
}

func prompts(seed int64, batch, n, vocab int) [][]int {
	rng := rand.New(rand.NewSource(seed + 1))
	out := make([][]int, batch)
	for b := range out {
		out[b] = make([]int, n)
		for i := range out[b] {
			out[b][i] = rng.Intn(vocab)
		}
	}
	return out
}

// generate runs every tensor-parallel rank in its own goroutine. Ranks see
// identical reduced activations and so make identical decisions.
func generate(ctx context.Context, o runOptions) (*result, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	w := randomWeights(o.Seed, o.Layers, o.Layer.EmbedDim, o.Inner, o.Vocab)
	prompt := prompts(o.Seed, o.Batch, o.PromptLen, o.Vocab)
	members, cleanup, err := groups(ctx, o)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	results := make([]*result, len(members))
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for rank, member := range members {
		g.Go(func() error {
			r, err := newReplica(o.Layer, w, o.Inner, o.Act, rank, member)
			if err != nil {
				return err
			}
			defer r.release()
			r.reg.SetBatchBeam(o.Batch, o.Beam)
			var res *result
			if o.Beam == 1 {
				res, err = r.greedy(gctx, prompt, o.Steps)
			} else {
				res, err = r.beam(gctx, prompt, o.Steps, o.Beam)
			}
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			res.Cursors = r.cursors()
			results[rank] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res := results[0]
	res.Elapsed = time.Since(start)
	return res, nil
}

func argmax(row []float64) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

func (r *replica) greedy(ctx context.Context, prompt [][]int, steps int) (*result, error) {
	seqs := make([][]int, len(prompt))
	h, err := r.forward(ctx, r.w.embedTokens(prompt, true), true, len(prompt[0]) == 1)
	if err != nil {
		return nil, err
	}
	logits := r.w.logits(h, true)
	for step := 0; ; step++ {
		next := make([][]int, len(prompt))
		for b, row := range logits {
			tok := argmax(row)
			seqs[b] = append(seqs[b], tok)
			next[b] = []int{tok}
		}
		if step == steps-1 {
			break
		}
		if h, err = r.forward(ctx, r.w.embedTokens(next, true), false, true); err != nil {
			return nil, err
		}
		logits = r.w.logits(h, true)
	}
	return &result{Sequences: seqs, Logits: logits}, nil
}

func (r *replica) beam(ctx context.Context, prompt [][]int, steps, beam int) (*result, error) {
	batch := len(prompt)
	cached := r.cfg.CacheOptimized()
	search := beamsearch.New(batch, beam, beamsearch.NoEOS)

	h, err := r.forward(ctx, r.w.embedTokens(prompt, false), true, len(prompt[0]) == 1)
	if err != nil {
		return nil, err
	}
	logits := r.w.logits(h, false)
	for _, row := range logits {
		beamsearch.LogSoftmax(row)
	}
	tokens := search.First(logits)
	if !cached {
		expand := make([]int, 0, batch*beam)
		for b := 0; b < batch; b++ {
			for i := 0; i < beam; i++ {
				expand = append(expand, b)
			}
		}
		r.reorder(expand)
	}

	for step := 1; step < steps && !search.Done(); step++ {
		r.reg.SetBeamIndex(search.Index())
		next := make([][]int, len(tokens))
		for s, tok := range tokens {
			next[s] = []int{tok}
		}
		if h, err = r.forward(ctx, r.w.embedTokens(next, true), false, true); err != nil {
			return nil, err
		}
		logits = r.w.logits(h, true)
		for _, row := range logits {
			beamsearch.LogSoftmax(row)
		}
		var parents []int
		tokens, parents = search.Step(logits)
		if !cached {
			slots := make([]int, len(parents))
			for s, p := range parents {
				slots[s] = p + beam*(s/beam)
			}
			r.reorder(slots)
		}
	}

	res := &result{Logits: logits}
	for b := 0; b < batch; b++ {
		seq, score := search.Best(b)
		if r.rank == 0 {
			logger.Log.Debug("beam result", "batch", b, "score", score, "tokens", seq)
		}
		res.Sequences = append(res.Sequences, seq)
	}
	return res, nil
}
