package kernels

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// FusedQKV runs one projection through a [in, 3*hidden] weight and writes the
// query, key and value slices into the given buffers. The buffers may be
// strided views into cache storage; each holds x's leading dims times a width
// of at most hidden. Columns past that width are segment padding and dropped.
func FusedQKV(p Projector, x *tensor.Tensor, decode bool, q, k, v *tensor.Tensor) {
	if p.OutFeatures()%3 != 0 {
		panic(fmt.Sprintf("kernels: fused qkv weight has %d outputs, not divisible by 3", p.OutFeatures()))
	}
	start := time.Now()
	hidden := p.OutFeatures() / 3
	out := p.Project(x, decode)
	rows := out.Numel() / out.Dim(-1)
	for i, dst := range []*tensor.Tensor{q, k, v} {
		width := dst.Numel() / rows
		if width*rows != dst.Numel() || width > hidden {
			panic(fmt.Sprintf("kernels: fused qkv destination %v cannot hold %d rows of %d", dst.Shape(), rows, hidden))
		}
		part := out.Narrow(-1, i*hidden, width)
		dst.CopyFrom(part.Reshape(dst.Shape()...))
	}
	metrics.RecordKernelDuration("fused_qkv", time.Since(start))
}

// SplitQKV runs three independent projections.
func SplitQKV(q, k, v Projector, x *tensor.Tensor, decode bool) (query, key, value *tensor.Tensor) {
	return q.Project(x, decode), k.Project(x, decode), v.Project(x, decode)
}
