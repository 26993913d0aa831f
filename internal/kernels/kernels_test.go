package kernels

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-quiver/internal/quant"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

func TestResolveKind(t *testing.T) {
	tests := []struct {
		int4, rowMajor bool
		want           Kind
	}{
		{false, true, DenseRowMajor},
		{false, false, DenseColMajor},
		{true, true, Int4RowMajor},
		{true, false, Int4RowMajor},
	}
	for _, tt := range tests {
		if got := ResolveKind(tt.int4, tt.rowMajor); got != tt.want {
			t.Errorf("ResolveKind(%v, %v) = %s, want %s", tt.int4, tt.rowMajor, got, tt.want)
		}
	}
}

func TestProjectorsAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	w := tensor.Rand(rng, tensor.Float32, 0.5, 16, 12)
	bias := tensor.Rand(rng, tensor.Float32, 0.1, 12)
	x := tensor.Rand(rng, tensor.Float32, 1, 3, 2, 16)

	row, err := NewProjector(DenseRowMajor, Weight{Dense: w, Bias: bias})
	if err != nil {
		t.Fatal(err)
	}
	col, err := NewProjector(DenseColMajor, Weight{Dense: w, Bias: bias})
	if err != nil {
		t.Fatal(err)
	}
	a := row.Project(x, false)
	b := col.Project(x, false)
	if diff := cmp.Diff([]int{3, 2, 12}, a.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	if !tensor.AllClose(a, b, 1e-5) {
		t.Errorf("row/col major differ by %v", tensor.MaxAbsDiff(a, b))
	}
	nb := row.ProjectNoBias(x, false)
	if !tensor.AllClose(tensor.Add(nb, bias), a, 1e-6) {
		t.Error("ProjectNoBias + bias != Project")
	}
}

func TestInt4Projector(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	w := tensor.Rand(rng, tensor.Float32, 0.5, 16, 8)
	q, err := quant.Quantize(w, 8)
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewProjector(Int4RowMajor, Weight{Quant: q})
	if err != nil {
		t.Fatal(err)
	}
	ref, _ := NewProjector(DenseRowMajor, Weight{Dense: q.Dequantize(tensor.Float32)})

	decode := tensor.Rand(rng, tensor.Float32, 1, 1, 3, 16)
	if got, want := p.Project(decode, true), ref.Project(decode, true); !tensor.AllClose(got, want, 1e-4) {
		t.Errorf("decode int4 differs by %v", tensor.MaxAbsDiff(got, want))
	}
	prefill := tensor.Rand(rng, tensor.Float32, 1, 4, 3, 16)
	if got, want := p.Project(prefill, false), ref.Project(prefill, false); !tensor.AllClose(got, want, 1e-5) {
		t.Errorf("prefill fallback differs by %v", tensor.MaxAbsDiff(got, want))
	}

	if _, err := NewProjector(Int4RowMajor, Weight{Dense: w}); err == nil {
		t.Error("expected error without quantized weight")
	}
}

func TestBindNarrowsPaddedInt4(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	w := Weight{
		Dense: tensor.Rand(rng, tensor.Float32, 0.5, 8, 6),
		Bias:  tensor.Rand(rng, tensor.Float32, 0.1, 6),
	}
	padded := PadOutput(w, 8)
	if diff := cmp.Diff([]int{8, 8}, padded.Dense.Shape()); diff != "" {
		t.Fatalf("padded dense shape (-want +got):\n%s", diff)
	}
	if got := padded.Bias.At(7); got != 0 {
		t.Errorf("padded bias column = %v, want 0", got)
	}

	plainQ, err := quant.Quantize(w.Dense, 4)
	if err != nil {
		t.Fatal(err)
	}
	padQ, err := quant.Quantize(padded.Dense, 4)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := Bind(Int4RowMajor, Weight{Dense: w.Dense, Bias: w.Bias, Quant: plainQ}, 6)
	if err != nil {
		t.Fatal(err)
	}
	padded.Quant = padQ
	p, err := Bind(Int4RowMajor, padded, 6)
	if err != nil {
		t.Fatal(err)
	}
	if p.OutFeatures() != 6 || p.Bias().Dim(0) != 6 {
		t.Fatalf("narrowed projector: %d outputs, bias %v", p.OutFeatures(), p.Bias().Shape())
	}
	if !tensor.AllClose(p.Bias(), w.Bias, 0) {
		t.Error("narrowed bias differs from the unpadded bias")
	}

	for _, decode := range []bool{true, false} {
		x := tensor.Rand(rng, tensor.Float32, 1, 1, 2, 8)
		if got, want := p.Project(x, decode), plain.Project(x, decode); !tensor.AllClose(got, want, 1e-5) {
			t.Errorf("decode=%v: padded differs by %v", decode, tensor.MaxAbsDiff(got, want))
		}
		if got, want := p.ProjectNoBias(x, decode), plain.ProjectNoBias(x, decode); !tensor.AllClose(got, want, 1e-5) {
			t.Errorf("decode=%v: padded no-bias differs by %v", decode, tensor.MaxAbsDiff(got, want))
		}
	}

	if _, err := Bind(DenseRowMajor, padded, 6); err == nil {
		t.Error("dense weights are never narrowed")
	}
	if _, err := Bind(Int4RowMajor, Weight{Dense: w.Dense, Bias: w.Bias, Quant: plainQ}, 7); err == nil {
		t.Error("expected error binding 6 columns as 7")
	}
}

func TestFusedQKVDropsSegmentPadding(t *testing.T) {
	rng := rand.New(rand.NewSource(22))
	// three segments of width 4, each padded to 6
	w := tensor.Rand(rng, tensor.Float32, 0.5, 8, 18)
	p, err := NewProjector(DenseRowMajor, Weight{Dense: w})
	if err != nil {
		t.Fatal(err)
	}
	x := tensor.Rand(rng, tensor.Float32, 1, 1, 2, 8)
	q, k, v := tensor.New(tensor.Float32, 1, 2, 4), tensor.New(tensor.Float32, 1, 2, 4), tensor.New(tensor.Float32, 1, 2, 4)
	FusedQKV(p, x, true, q, k, v)

	full := p.Project(x, true)
	for i, got := range []*tensor.Tensor{q, k, v} {
		if want := full.Narrow(-1, i*6, 4); !tensor.AllClose(got, want, 1e-6) {
			t.Errorf("segment %d differs by %v", i, tensor.MaxAbsDiff(got, want))
		}
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic for a destination wider than a segment")
		}
	}()
	FusedQKV(p, x, true, tensor.New(tensor.Float32, 1, 2, 7), k, v)
}

func TestProjectorErrors(t *testing.T) {
	w := tensor.New(tensor.Float32, 4, 6)
	if _, err := NewProjector(DenseRowMajor, Weight{}); err == nil {
		t.Error("expected error for missing weight")
	}
	if _, err := NewProjector(DenseRowMajor, Weight{Dense: w, Bias: tensor.New(tensor.Float32, 4)}); err == nil {
		t.Error("expected bias shape error")
	}
	if _, err := NewProjector(Kind(9), Weight{Dense: w}); err == nil {
		t.Error("expected unknown kind error")
	}
}

func TestNarrowed(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	w := tensor.Rand(rng, tensor.Float32, 1, 4, 8)
	p, _ := NewProjector(DenseRowMajor, Weight{Dense: w})
	n := Narrowed(p, 5)
	x := tensor.Rand(rng, tensor.Float32, 1, 2, 4)
	got := n.Project(x, false)
	if n.OutFeatures() != 5 || got.Dim(-1) != 5 {
		t.Fatalf("narrowed width = %d/%d", n.OutFeatures(), got.Dim(-1))
	}
	if !tensor.Equal(got.Contiguous(), p.Project(x, false).Narrow(-1, 0, 5).Contiguous()) {
		t.Error("narrowed values differ")
	}
	if Narrowed(p, 8) != p {
		t.Error("full-width narrow should return the projector itself")
	}
}

func TestFusedQKVWritesIntoCacheSlice(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	hidden := 6
	wq := tensor.Rand(rng, tensor.Float32, 1, 6, hidden)
	wk := tensor.Rand(rng, tensor.Float32, 1, 6, hidden)
	wv := tensor.Rand(rng, tensor.Float32, 1, 6, hidden)
	fused, _ := NewProjector(DenseRowMajor, Weight{Dense: tensor.Cat(1, wq, wk, wv)})

	x := tensor.Rand(rng, tensor.Float32, 1, 2, 3, 6) // [seq, batch, in]
	cacheK := tensor.New(tensor.Float32, 10, 3, 2, 3)
	cacheV := tensor.New(tensor.Float32, 10, 3, 2, 3)
	q := tensor.New(tensor.Float32, 2, 3, hidden)
	FusedQKV(fused, x, false, q, cacheK.Narrow(0, 4, 2), cacheV.Narrow(0, 4, 2))

	pq, _ := NewProjector(DenseRowMajor, Weight{Dense: wq})
	pk, _ := NewProjector(DenseRowMajor, Weight{Dense: wk})
	pv, _ := NewProjector(DenseRowMajor, Weight{Dense: wv})
	eq, ek, ev := SplitQKV(pq, pk, pv, x, false)

	if !tensor.AllClose(q, eq, 1e-5) {
		t.Error("query mismatch")
	}
	if !tensor.AllClose(cacheK.Narrow(0, 4, 2).Reshape(2, 3, hidden), ek, 1e-5) {
		t.Error("key not written at cache rows [4:6]")
	}
	if !tensor.AllClose(cacheV.Narrow(0, 4, 2).Reshape(2, 3, hidden), ev, 1e-5) {
		t.Error("value not written at cache rows [4:6]")
	}
	if cacheK.Narrow(0, 0, 4).Values()[0] != 0 || cacheK.Narrow(0, 6, 4).Values()[0] != 0 {
		t.Error("fused write escaped the cache slice")
	}
}

// reference computes attention with explicit tensors.
func reference(q, k, v, bias *tensor.Tensor, scale float32, causal bool) *tensor.Tensor {
	s := tensor.Scale(tensor.MatMul(q, k.Transpose(-1, -2)), scale)
	ql, kl := q.Dim(2), k.Dim(2)
	if causal {
		m := tensor.New(tensor.Float32, ql, kl)
		for i := 0; i < ql; i++ {
			for j := i + kl - ql + 1; j < kl; j++ {
				m.Set(float32(math.Inf(-1)), i, j)
			}
		}
		s = tensor.Add(s, m)
	}
	if bias != nil {
		s = tensor.Add(s, bias)
	}
	return tensor.MatMul(tensor.Softmax(s, tensor.Float32), v)
}

func TestSDPAMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	q := tensor.Rand(rng, tensor.Float32, 1, 2, 2, 3, 4)
	k := tensor.Rand(rng, tensor.Float32, 1, 2, 2, 5, 4)
	v := tensor.Rand(rng, tensor.Float32, 1, 2, 2, 5, 4)
	scale := float32(0.5)

	for _, causal := range []bool{false, true} {
		got := SDPA(q, k, v, SDPAParams{Scale: scale, Causal: causal})
		want := reference(q, k, v, nil, scale, causal)
		if !tensor.AllClose(got, want, 1e-5) {
			t.Errorf("causal=%v: differs by %v", causal, tensor.MaxAbsDiff(got, want))
		}
	}

	// a blocked mask wider than the key length is sliced to it
	mask := tensor.Rand(rng, tensor.Float32, 1, 2, 1, 3, 8)
	got := SDPA(q, k, v, SDPAParams{Scale: scale, Mask: mask})
	want := reference(q, k, v, mask.Narrow(-1, 0, 5), scale, false)
	if !tensor.AllClose(got, want, 1e-5) {
		t.Errorf("masked: differs by %v", tensor.MaxAbsDiff(got, want))
	}

	alibi := tensor.Rand(rng, tensor.Float32, 1, 4, 1, 8)
	got = SDPA(q, k, v, SDPAParams{Scale: scale, Alibi: alibi, Beta: 1})
	want = reference(q, k, v, alibi.Narrow(-1, 0, 5).Reshape(2, 2, 1, 5), scale, false)
	if !tensor.AllClose(got, want, 1e-5) {
		t.Errorf("alibi: differs by %v", tensor.MaxAbsDiff(got, want))
	}
}

func TestSDPAHeadMask(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	q := tensor.Rand(rng, tensor.Float32, 1, 1, 2, 2, 4)
	k := tensor.Rand(rng, tensor.Float32, 1, 1, 2, 2, 4)
	v := tensor.Rand(rng, tensor.Float32, 1, 1, 2, 2, 4)
	hm := tensor.FromSlice(tensor.Float32, []float32{1, 0}, 1, 2, 1, 1)
	out := SDPA(q, k, v, SDPAParams{Scale: 1, HeadMask: hm})
	for _, x := range out.Select(1, 1).Values() {
		if x != 0 {
			t.Fatal("masked head should produce zeros")
		}
	}
	if !tensor.AllClose(out.Narrow(1, 0, 1), reference(q.Narrow(1, 0, 1), k.Narrow(1, 0, 1), v.Narrow(1, 0, 1), nil, 1, false), 1e-5) {
		t.Error("unmasked head changed")
	}
}

func TestSDPAIndexHeadMaskBroadcasts(t *testing.T) {
	rng := rand.New(rand.NewSource(16))
	const slots, heads, pl, steps, d = 2, 2, 2, 2, 4
	q := tensor.Rand(rng, tensor.Float32, 1, slots, heads, 1, d)
	kp := tensor.Rand(rng, tensor.Float32, 1, 1, heads, pl, d)
	vp := tensor.Rand(rng, tensor.Float32, 1, 1, heads, pl, d)
	kc := tensor.Rand(rng, tensor.Float32, 1, slots, heads, steps, d)
	vc := tensor.Rand(rng, tensor.Float32, 1, slots, heads, steps, d)
	idx := [][]int{{0, 1}, {1, 0}}

	tests := []struct {
		name string
		hm   *tensor.Tensor
	}{
		{"per head", tensor.FromSlice(tensor.Float32, []float32{0.5, 0}, 1, heads, 1, 1)},
		{"per key", tensor.FromSlice(tensor.Float32, []float32{0.5, 0.5, 0.5, 0.5}, 1, 1, 1, pl+steps)},
	}
	plain := SDPAIndex(q, kp, vp, kc, vc, idx, 1, SDPAParams{Scale: 1})
	for _, tt := range tests {
		got := SDPAIndex(q, kp, vp, kc, vc, idx, 1, SDPAParams{Scale: 1, HeadMask: tt.hm})
		if !tensor.AllClose(got.Narrow(1, 0, 1), tensor.Scale(plain.Narrow(1, 0, 1), 0.5), 1e-5) {
			t.Errorf("%s: head 0 should be halved", tt.name)
		}
	}
	zeroed := SDPAIndex(q, kp, vp, kc, vc, idx, 1, SDPAParams{Scale: 1, HeadMask: tests[0].hm})
	for _, x := range zeroed.Select(1, 1).Values() {
		if x != 0 {
			t.Fatal("masked head should produce zeros")
		}
	}
}

func TestSDPASeqFirstAssertion(t *testing.T) {
	q := tensor.New(tensor.Float32, 2, 2, 3, 4) // batch-first, seq 3
	defer func() {
		if recover() == nil {
			t.Error("expected panic for layout mismatch")
		}
	}()
	SDPA(q, q, q, SDPAParams{Scale: 1, SeqFirst: true})
}

func TestExpandBeamIndex(t *testing.T) {
	got := ExpandBeamIndex([][]int{{0, 1, 1, 0}, {1, 1, 0, 0}}, 2)
	want := [][]int{{0, 1, 3, 2}, {1, 1, 2, 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("expanded index mismatch (-want +got):\n%s", diff)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic for out of range beam")
		}
	}()
	ExpandBeamIndex([][]int{{2, 0}}, 1)
}

func TestSDPAIndexMatchesGather(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	batch, beam, heads, d := 2, 2, 2, 4
	slots := batch * beam
	prompt := 3
	steps := 2
	kp := tensor.Rand(rng, tensor.Float32, 1, batch, heads, prompt, d)
	vp := tensor.Rand(rng, tensor.Float32, 1, batch, heads, prompt, d)
	kc := tensor.Rand(rng, tensor.Float32, 1, slots, heads, steps, d)
	vc := tensor.Rand(rng, tensor.Float32, 1, slots, heads, steps, d)
	q := tensor.Rand(rng, tensor.Float32, 1, slots, heads, 1, d)
	idx := [][]int{{1, 0, 0, 1}, {0, 1, 1, 1}}

	// explicit gather
	global := ExpandBeamIndex(idx, batch)
	keys := []*tensor.Tensor{kp.Unsqueeze(1).Expand(batch, beam, heads, prompt, d).Reshape(slots, heads, prompt, d)}
	vals := []*tensor.Tensor{vp.Unsqueeze(1).Expand(batch, beam, heads, prompt, d).Reshape(slots, heads, prompt, d)}
	for step := 0; step < steps; step++ {
		keys = append(keys, kc.Narrow(2, step, 1).IndexSelect(0, global[step]))
		vals = append(vals, vc.Narrow(2, step, 1).IndexSelect(0, global[step]))
	}
	want := reference(q, tensor.Cat(2, keys...), tensor.Cat(2, vals...), nil, 0.5, false)
	got := SDPAIndex(q, kp, vp, kc, vc, idx, batch, SDPAParams{Scale: 0.5})
	if !tensor.AllClose(got, want, 1e-5) {
		t.Errorf("index kernel differs by %v", tensor.MaxAbsDiff(got, want))
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic without prompt cache")
		}
	}()
	SDPAIndex(q, nil, nil, kc, vc, idx, batch, SDPAParams{Scale: 0.5})
}
