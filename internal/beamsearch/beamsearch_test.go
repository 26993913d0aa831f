package beamsearch

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func logs(ps ...float64) []float64 {
	out := make([]float64, len(ps))
	for i, p := range ps {
		out[i] = math.Log(p)
	}
	return out
}

func TestLogSoftmax(t *testing.T) {
	got := LogSoftmax([]float64{1, 2, 3, 4})
	var sum float64
	for _, lp := range got {
		sum += math.Exp(lp)
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("probabilities sum to %v", sum)
	}
	if !(got[3] > got[2] && got[2] > got[1]) {
		t.Errorf("order not kept: %v", got)
	}
}

func TestFirstPicksTopPerBatch(t *testing.T) {
	s := New(2, 2, NoEOS)
	tokens := s.First([][]float64{
		logs(0.5, 0.3, 0.2),
		logs(0.1, 0.2, 0.7),
	})
	if diff := cmp.Diff([]int{0, 1, 2, 1}, tokens); diff != "" {
		t.Errorf("tokens (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]int{{0, 1, 0, 1}}, s.Index()); diff != "" {
		t.Errorf("index (-want +got):\n%s", diff)
	}
}

func TestStepResolvesAncestry(t *testing.T) {
	s := New(1, 2, NoEOS)
	s.First([][]float64{logs(0.5, 0.3, 0.2)})

	tokens, parents := s.Step([][]float64{
		logs(0.1, 0.1, 0.8),
		logs(0.9, 0.05, 0.05),
	})
	if diff := cmp.Diff([]int{2, 0}, tokens); diff != "" {
		t.Errorf("step 1 tokens (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 1}, parents); diff != "" {
		t.Errorf("step 1 parents (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]int{{0, 1}, {0, 1}}, s.Index()); diff != "" {
		t.Errorf("step 1 index (-want +got):\n%s", diff)
	}

	// both survivors extend slot 0
	tokens, parents = s.Step([][]float64{
		logs(0.5, 0.5, 1e-9),
		logs(0.34, 0.33, 0.33),
	})
	if diff := cmp.Diff([]int{0, 1}, tokens); diff != "" {
		t.Errorf("step 2 tokens (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 0}, parents); diff != "" {
		t.Errorf("step 2 parents (-want +got):\n%s", diff)
	}
	want := [][]int{{0, 0}, {0, 0}, {0, 1}}
	if diff := cmp.Diff(want, s.Index()); diff != "" {
		t.Errorf("step 2 index (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]int{{0, 2, 0}, {0, 2, 1}}, s.Sequences()); diff != "" {
		t.Errorf("sequences (-want +got):\n%s", diff)
	}
	seq, score := s.Best(0)
	if diff := cmp.Diff([]int{0, 2, 0}, seq); diff != "" {
		t.Errorf("best (-want +got):\n%s", diff)
	}
	if want := math.Log(0.5 * 0.8 * 0.5); math.Abs(score-want) > 1e-9 {
		t.Errorf("best score %v, want %v", score, want)
	}
}

func TestIndexStaysWithinBeams(t *testing.T) {
	const batch, beam, vocab = 3, 4, 5
	s := New(batch, beam, NoEOS)
	first := make([][]float64, batch)
	for b := range first {
		first[b] = make([]float64, vocab)
		for v := range first[b] {
			first[b][v] = -float64((v*7+b)%vocab) - 1
		}
	}
	s.First(first)
	for step := 0; step < 6; step++ {
		rows := make([][]float64, batch*beam)
		for slot := range rows {
			rows[slot] = make([]float64, vocab)
			for v := range rows[slot] {
				rows[slot][v] = -float64((slot*3+v*5+step)%11) / 4
			}
		}
		_, parents := s.Step(rows)
		for slot, p := range parents {
			if p < 0 || p >= beam {
				t.Fatalf("step %d slot %d: parent %d", step, slot, p)
			}
		}
		idx := s.Index()
		if len(idx) != step+2 {
			t.Fatalf("step %d: index has %d rows", step, len(idx))
		}
		for tt, row := range idx {
			if len(row) != batch*beam {
				t.Fatalf("row %d has %d slots", tt, len(row))
			}
			for _, v := range row {
				if v < 0 || v >= beam {
					t.Fatalf("step %d row %d: value %d out of range", step, tt, v)
				}
			}
		}
	}
}

func TestEOSFinishesHypotheses(t *testing.T) {
	const eos = 2
	s := New(1, 2, eos)
	if diff := cmp.Diff([]int{0, 2}, s.First([][]float64{logs(0.6, 0.1, 0.3)})); diff != "" {
		t.Fatalf("first tokens (-want +got):\n%s", diff)
	}
	if s.Done() {
		t.Fatal("done after one finished hypothesis")
	}
	tokens, parents := s.Step([][]float64{
		logs(0.1, 0.1, 0.8),
		logs(0.9, 0.05, 0.05),
	})
	if diff := cmp.Diff([]int{eos, eos}, tokens); diff != "" {
		t.Errorf("tokens (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 1}, parents); diff != "" {
		t.Errorf("parents (-want +got):\n%s", diff)
	}
	if !s.Done() {
		t.Error("expected every hypothesis finished")
	}
	if New(1, 2, NoEOS).Done() {
		t.Error("a search without eos is never done")
	}
}

func TestMisuse(t *testing.T) {
	tests := []struct {
		name string
		fn   func()
	}{
		{"zero beam", func() { New(1, 0, NoEOS) }},
		{"step before first", func() { New(1, 2, NoEOS).Step([][]float64{{0}, {0}}) }},
		{"first row count", func() { New(2, 2, NoEOS).First([][]float64{{0}}) }},
		{"step row count", func() {
			s := New(1, 2, NoEOS)
			s.First([][]float64{{0, -1}})
			s.Step([][]float64{{0, -1}})
		}},
	}
	for _, tt := range tests {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s: expected panic", tt.name)
				}
			}()
			tt.fn()
		}()
	}
}
