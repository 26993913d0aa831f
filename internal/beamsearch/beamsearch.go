// Package beamsearch drives beam-search decoding over a layer stack and keeps
// the beam index that cache-backed attention layers read.
package beamsearch

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-quiver/internal/metrics"
)

// NoEOS disables end-of-sequence handling.
const NoEOS = -1

type candidate struct {
	slot  int // parent beam within the batch element
	token int
	score float64
}

// Search keeps beam hypotheses per batch element. Slots are laid out batch
// major: slot s belongs to batch element s/beam.
type Search struct {
	batch, beam int
	eos         int

	scores   []float64
	seqs     [][]int
	finished []bool
	// ancestry[t][s] is the beam, within s's batch element, whose step t
	// cache entry belongs to the hypothesis in slot s.
	ancestry [][]int
	started  bool
}

func New(batch, beam, eos int) *Search {
	if batch <= 0 || beam <= 0 {
		panic(fmt.Sprintf("beamsearch: batch %d beam %d", batch, beam))
	}
	n := batch * beam
	return &Search{
		batch:    batch,
		beam:     beam,
		eos:      eos,
		scores:   make([]float64, n),
		seqs:     make([][]int, n),
		finished: make([]bool, n),
	}
}

// LogSoftmax normalizes logits into log-probabilities in place.
func LogSoftmax(logits []float64) []float64 {
	floats.AddConst(-floats.LogSumExp(logits), logits)
	return logits
}

// First picks the beam best tokens of each batch element from the prompt's
// last-position log-probabilities, one row per batch element.
func (s *Search) First(logProbs [][]float64) []int {
	if len(logProbs) != s.batch {
		panic(fmt.Sprintf("beamsearch: first step wants %d rows, got %d", s.batch, len(logProbs)))
	}
	tokens := make([]int, s.batch*s.beam)
	for b, row := range logProbs {
		cands := make([]candidate, len(row))
		for tok, lp := range row {
			cands[tok] = candidate{token: tok, score: lp}
		}
		best := top(cands, s.beam)
		for i := 0; i < s.beam; i++ {
			slot := b*s.beam + i
			c := best[i%len(best)]
			tokens[slot] = c.token
			s.scores[slot] = c.score
			s.seqs[slot] = []int{c.token}
			s.finished[slot] = c.token == s.eos
		}
	}
	s.started = true
	return tokens
}

// Index returns the beam index for the next incremental step: the resolved
// ancestry of every earlier step plus an identity row for the step about to
// run, which writes each slot's own cache entry.
func (s *Search) Index() [][]int {
	out := make([][]int, 0, len(s.ancestry)+1)
	for _, row := range s.ancestry {
		out = append(out, slices.Clone(row))
	}
	return append(out, s.identity())
}

func (s *Search) identity() []int {
	row := make([]int, s.batch*s.beam)
	for i := range row {
		row[i] = i % s.beam
	}
	return row
}

// Step consumes one log-probability row per slot, produced by the step that
// ran with Index(), and returns the next token and parent beam of every slot.
func (s *Search) Step(logProbs [][]float64) (tokens, parents []int) {
	n := s.batch * s.beam
	if !s.started {
		panic("beamsearch: Step before First")
	}
	if len(logProbs) != n {
		panic(fmt.Sprintf("beamsearch: step wants %d rows, got %d", n, len(logProbs)))
	}
	tokens = make([]int, n)
	parents = make([]int, n)
	scores := make([]float64, n)
	for b := 0; b < s.batch; b++ {
		var cands []candidate
		for i := 0; i < s.beam; i++ {
			slot := b*s.beam + i
			if s.finished[slot] {
				// finished hypotheses carry over unchanged
				cands = append(cands, candidate{slot: i, token: s.eos, score: s.scores[slot]})
				continue
			}
			for tok, lp := range logProbs[slot] {
				cands = append(cands, candidate{slot: i, token: tok, score: s.scores[slot] + lp})
			}
		}
		best := top(cands, s.beam)
		for i := 0; i < s.beam; i++ {
			slot := b*s.beam + i
			c := best[i%len(best)]
			tokens[slot], parents[slot], scores[slot] = c.token, c.slot, c.score
		}
	}

	// the step just run wrote every slot's own entry
	anc := append(s.ancestry, s.identity())
	next := make([][]int, len(anc))
	for t, row := range anc {
		next[t] = make([]int, n)
		for slot := range row {
			next[t][slot] = row[s.global(slot, parents[slot])]
		}
	}
	seqs := make([][]int, n)
	finished := make([]bool, n)
	done := 0
	for slot := range seqs {
		src := s.global(slot, parents[slot])
		seqs[slot] = append(slices.Clone(s.seqs[src]), tokens[slot])
		finished[slot] = s.finished[src] || tokens[slot] == s.eos
		if finished[slot] {
			done++
		}
	}
	s.ancestry, s.seqs, s.scores, s.finished = next, seqs, scores, finished
	metrics.RecordBeamSearchStep(done)
	return tokens, parents
}

func (s *Search) global(slot, parent int) int {
	return parent + s.beam*(slot/s.beam)
}

// top returns the k highest scoring candidates, earliest first on ties.
func top(cands []candidate, k int) []candidate {
	slices.SortStableFunc(cands, func(a, b candidate) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return 0
	})
	return cands[:min(k, len(cands))]
}

// Done reports whether every hypothesis has emitted the end token.
func (s *Search) Done() bool {
	if s.eos == NoEOS || !s.started {
		return false
	}
	return !slices.Contains(s.finished, false)
}

// Best returns the highest scoring sequence of batch element b and its score.
func (s *Search) Best(b int) ([]int, float64) {
	best, score := 0, math.Inf(-1)
	for i := 0; i < s.beam; i++ {
		if sc := s.scores[b*s.beam+i]; sc > score {
			best, score = i, sc
		}
	}
	return slices.Clone(s.seqs[b*s.beam+best]), score
}

func (s *Search) Scores() []float64 { return slices.Clone(s.scores) }

func (s *Search) Sequences() [][]int {
	out := make([][]int, len(s.seqs))
	for i, seq := range s.seqs {
		out[i] = slices.Clone(seq)
	}
	return out
}
