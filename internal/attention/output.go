package attention

import (
	"context"

	"github.com/23skdu/longbow-quiver/internal/collective"
	"github.com/23skdu/longbow-quiver/internal/kernels"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// outputProjector maps the attention result [.., localEmbed] back to
// [.., embed] and sums the shards across the tensor-parallel group.
type outputProjector struct {
	proj     kernels.Projector
	group    collective.Group
	tpSize   int
	rowMajor bool
}

func (o *outputProjector) forward(ctx context.Context, x, residual *tensor.Tensor, decode bool) (*tensor.Tensor, error) {
	bias := o.proj.Bias()
	y := o.proj.ProjectNoBias(x, decode)
	if !o.rowMajor {
		y, err := collective.AllReduceIfNecessary(ctx, o.group, y)
		if err != nil {
			return nil, err
		}
		if bias != nil {
			y = tensor.Add(y, bias)
		}
		if residual != nil {
			y = tensor.Add(y, residual)
		}
		return y, nil
	}

	if residual == nil {
		y, err := collective.AllReduceIfNecessary(ctx, o.group, y)
		if err != nil {
			return nil, err
		}
		if bias != nil {
			y = tensor.Add(y, bias)
		}
		return y, nil
	}
	// every rank adds its share so the reduced sum carries residual and bias once
	add := residual
	if bias != nil {
		add = tensor.Add(residual, bias)
	}
	y = tensor.Add(y, tensor.Scale(add, 1/float32(o.tpSize)))
	return collective.AllReduceIfNecessary(ctx, o.group, y)
}
