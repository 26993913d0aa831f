package quant

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

const maxQ = 15

// Matrix is a row-major [In, Out] weight stored as unsigned 4-bit values.
// Every GroupSize consecutive input rows share one scale and zero point per
// output column: w = (q - zero) * scale.
type Matrix struct {
	In, Out   int
	GroupSize int
	// Packed holds two values per byte, low nibble first, in [In][Out] order.
	Packed []byte
	// Scales and Zeros are [In/GroupSize][Out].
	Scales []float32
	Zeros  []float32
}

func (q *Matrix) Groups() int { return q.In / q.GroupSize }

func (q *Matrix) nibble(i int) uint8 {
	b := q.Packed[i>>1]
	if i&1 == 0 {
		return b & 0x0F
	}
	return b >> 4
}

func (q *Matrix) setNibble(i int, v uint8) {
	if i&1 == 0 {
		q.Packed[i>>1] = q.Packed[i>>1]&0xF0 | v&0x0F
	} else {
		q.Packed[i>>1] = q.Packed[i>>1]&0x0F | v<<4
	}
}

// Quantize packs a [in, out] weight with asymmetric per-group parameters.
func Quantize(w *tensor.Tensor, groupSize int) (*Matrix, error) {
	if w.Rank() != 2 {
		return nil, fmt.Errorf("quantize: expected rank 2 weight, got shape %v", w.Shape())
	}
	in, out := w.Dim(0), w.Dim(1)
	if groupSize <= 0 || in%groupSize != 0 {
		return nil, fmt.Errorf("quantize: group size %d does not divide %d input rows", groupSize, in)
	}
	vals := w.Values()
	q := &Matrix{
		In:        in,
		Out:       out,
		GroupSize: groupSize,
		Packed:    make([]byte, (in*out+1)/2),
		Scales:    make([]float32, in/groupSize*out),
		Zeros:     make([]float32, in/groupSize*out),
	}
	for g := 0; g < in/groupSize; g++ {
		for c := 0; c < out; c++ {
			lo, hi := float32(0), float32(0)
			for r := g * groupSize; r < (g+1)*groupSize; r++ {
				v := vals[r*out+c]
				lo = min(lo, v)
				hi = max(hi, v)
			}
			scale := (hi - lo) / maxQ
			if scale == 0 {
				scale = 1
			}
			zero := clampQ(float32(math.Round(float64(-lo / scale))))
			q.Scales[g*out+c] = scale
			q.Zeros[g*out+c] = zero
			for r := g * groupSize; r < (g+1)*groupSize; r++ {
				v := float32(math.Round(float64(vals[r*out+c]/scale))) + zero
				q.setNibble(r*out+c, uint8(clampQ(v)))
			}
		}
	}
	return q, nil
}

func clampQ(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > maxQ {
		return maxQ
	}
	return v
}

// Dequantize expands the packed weight to a dense [In, Out] tensor.
func (q *Matrix) Dequantize(dtype tensor.DType) *tensor.Tensor {
	out := make([]float32, q.In*q.Out)
	for r := 0; r < q.In; r++ {
		g := r / q.GroupSize
		for c := 0; c < q.Out; c++ {
			out[r*q.Out+c] = (float32(q.nibble(r*q.Out+c)) - q.Zeros[g*q.Out+c]) * q.Scales[g*q.Out+c]
		}
	}
	return tensor.FromSlice(dtype, out, q.In, q.Out)
}

// MatMul computes x @ W for x of shape [m, In] without materializing W.
// Output columns are split across goroutines.
func (q *Matrix) MatMul(x *tensor.Tensor) *tensor.Tensor {
	if x.Rank() != 2 || x.Dim(1) != q.In {
		panic(fmt.Sprintf("quant: matmul input %v does not match [m, %d]", x.Shape(), q.In))
	}
	m := x.Dim(0)
	xv := x.Values()
	out := make([]float32, m*q.Out)

	workers := runtime.GOMAXPROCS(0)
	chunk := max(16, (q.Out+workers-1)/workers)
	var g errgroup.Group
	for start := 0; start < q.Out; start += chunk {
		end := min(start+chunk, q.Out)
		g.Go(func() error {
			q.matmulCols(xv, out, m, start, end)
			return nil
		})
	}
	_ = g.Wait()
	return tensor.FromSlice(x.DType(), out, m, q.Out)
}

func (q *Matrix) matmulCols(x, out []float32, m, c0, c1 int) {
	for r := 0; r < q.In; r++ {
		g := r / q.GroupSize
		scales := q.Scales[g*q.Out : (g+1)*q.Out]
		zeros := q.Zeros[g*q.Out : (g+1)*q.Out]
		for c := c0; c < c1; c++ {
			w := (float32(q.nibble(r*q.Out+c)) - zeros[c]) * scales[c]
			if w == 0 {
				continue
			}
			for i := 0; i < m; i++ {
				out[i*q.Out+c] += x[i*q.In+r] * w
			}
		}
	}
}

// Concat joins matrices with equal In and GroupSize along the output dimension.
func Concat(ms ...*Matrix) (*Matrix, error) {
	if len(ms) == 0 {
		return nil, fmt.Errorf("quant: concat of nothing")
	}
	in, gs := ms[0].In, ms[0].GroupSize
	total := 0
	for _, m := range ms {
		if m.In != in || m.GroupSize != gs {
			return nil, fmt.Errorf("quant: concat needs equal in/group, got %d/%d vs %d/%d", m.In, m.GroupSize, in, gs)
		}
		total += m.Out
	}
	out := &Matrix{
		In:        in,
		Out:       total,
		GroupSize: gs,
		Packed:    make([]byte, (in*total+1)/2),
		Scales:    make([]float32, in/gs*total),
		Zeros:     make([]float32, in/gs*total),
	}
	base := 0
	for _, m := range ms {
		for r := 0; r < in; r++ {
			for c := 0; c < m.Out; c++ {
				out.setNibble(r*total+base+c, m.nibble(r*m.Out+c))
			}
		}
		for g := 0; g < in/gs; g++ {
			copy(out.Scales[g*total+base:], m.Scales[g*m.Out:(g+1)*m.Out])
			copy(out.Zeros[g*total+base:], m.Zeros[g*m.Out:(g+1)*m.Out])
		}
		base += m.Out
	}
	return out, nil
}
