// Package rope applies rotary position encoding to query and key heads.
package rope

import (
	"fmt"
	"math"
	"sync"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// Encoder rotates key and query in place. Both are logically
// [rows, seq, heads, dim] and may be strided views into cache storage.
// positions is [rows][seq]; it may also be given per batch element
// ([rows/beamWidth][seq]), in which case each row reads its batch element.
type Encoder interface {
	Apply(key, query *tensor.Tensor, positions [][]int, layerID, beamWidth int) (*tensor.Tensor, *tensor.Tensor)
}

// Identity leaves its inputs unchanged.
type Identity struct{}

func (Identity) Apply(key, query *tensor.Tensor, _ [][]int, _, _ int) (*tensor.Tensor, *tensor.Tensor) {
	return key, query
}

// Rotary is rotate-half RoPE over the first Dim channels of each head.
type Rotary struct {
	Dim   int
	Theta float64

	mu       sync.Mutex
	cos, sin [][]float32 // [pos][Dim/2]
}

// NewRotary returns a rotary encoder. rotaryDim must be even.
func NewRotary(rotaryDim int, theta float32) (*Rotary, error) {
	if rotaryDim <= 0 || rotaryDim%2 != 0 {
		return nil, fmt.Errorf("rope: rotary dim %d must be positive and even", rotaryDim)
	}
	if theta <= 0 {
		return nil, fmt.Errorf("rope: theta %v must be positive", theta)
	}
	return &Rotary{Dim: rotaryDim, Theta: float64(theta)}, nil
}

// tables grows the cos/sin cache to cover positions [0, n).
func (r *Rotary) tables(n int) ([][]float32, [][]float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	half := r.Dim / 2
	for pos := len(r.cos); pos < n; pos++ {
		c := make([]float32, half)
		s := make([]float32, half)
		for i := 0; i < half; i++ {
			freq := float64(pos) * math.Pow(r.Theta, -2.0*float64(i)/float64(r.Dim))
			c[i] = float32(math.Cos(freq))
			s[i] = float32(math.Sin(freq))
		}
		r.cos = append(r.cos, c)
		r.sin = append(r.sin, s)
	}
	return r.cos, r.sin
}

func (r *Rotary) Apply(key, query *tensor.Tensor, positions [][]int, _, beamWidth int) (*tensor.Tensor, *tensor.Tensor) {
	r.rotate(key, positions, beamWidth)
	r.rotate(query, positions, beamWidth)
	return key, query
}

func (r *Rotary) rotate(x *tensor.Tensor, positions [][]int, beamWidth int) {
	if x == nil {
		return
	}
	if x.Rank() != 4 {
		panic(fmt.Sprintf("rope: want [rows, seq, heads, dim], got %v", x.Shape()))
	}
	rows, seq, heads, dim := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if r.Dim > dim {
		panic(fmt.Sprintf("rope: rotary dim %d exceeds head dim %d", r.Dim, dim))
	}
	per := rowsPer(len(positions), rows, beamWidth)
	maxPos := 0
	for _, row := range positions {
		if len(row) != seq {
			panic(fmt.Sprintf("rope: position row has %d entries, want %d", len(row), seq))
		}
		for _, p := range row {
			if p < 0 {
				panic(fmt.Sprintf("rope: negative position %d", p))
			}
			maxPos = max(maxPos, p+1)
		}
	}
	cos, sin := r.tables(maxPos)
	half := r.Dim / 2

	rot := x.Narrow(3, 0, r.Dim)
	vals := rot.Values() // [rows, seq, heads, Dim]
	for b := 0; b < rows; b++ {
		pos := positions[b/per]
		for s := 0; s < seq; s++ {
			c, sn := cos[pos[s]], sin[pos[s]]
			for h := 0; h < heads; h++ {
				base := ((b*seq+s)*heads + h) * r.Dim
				for i := 0; i < half; i++ {
					x0, x1 := vals[base+i], vals[base+i+half]
					vals[base+i] = x0*c[i] - x1*sn[i]
					vals[base+i+half] = x0*sn[i] + x1*c[i]
				}
			}
		}
	}
	rot.CopyFrom(tensor.FromSlice(x.DType(), vals, rows, seq, heads, r.Dim))
}

func rowsPer(n, rows, beamWidth int) int {
	switch {
	case n == rows:
		return 1
	case beamWidth > 1 && n*beamWidth == rows:
		return beamWidth
	case n > 0 && rows%n == 0:
		return rows / n
	}
	panic(fmt.Sprintf("rope: %d position rows do not cover %d rows (beam %d)", n, rows, beamWidth))
}

// Positions returns [rows][seq] ids counting up from start.
func Positions(rows, seq, start int) [][]int {
	out := make([][]int, rows)
	for r := range out {
		out[r] = make([]int, seq)
		for s := range out[r] {
			out[r][s] = start + s
		}
	}
	return out
}
