package attention

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// causalFill is the additive value above the diagonal of the shared causal mask.
const causalFill = -66504.0

// blockedFill pads blocked masks past the caller's key length.
const blockedFill = -65504.0

// Registry is the state shared by every attention layer of one model: the
// layer id counter, batch and beam width of the current run, the beam index,
// the causal mask and the blocked mask/alibi built by layer 0. Layers of one
// model must run in the same order on every forward pass.
type Registry struct {
	mu sync.Mutex

	layers       int
	batch, beam  int
	runtimeBatch int
	beamIndex    [][]int

	causal       *tensor.Tensor
	blockedMask  *tensor.Tensor
	blockedAlibi *tensor.Tensor
}

func NewRegistry() *Registry {
	return &Registry{batch: 1, beam: 1}
}

// DefaultRegistry is used by layers built without one.
var DefaultRegistry = NewRegistry()

// NextLayerID hands out layer ids in construction order.
func (r *Registry) NextLayerID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.layers
	r.layers++
	return id
}

func (r *Registry) LayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.layers
}

// IsLastLayer reports whether id is the most recently constructed layer.
func (r *Registry) IsLastLayer(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return id == r.layers-1
}

// SetBatchBeam records the batch size and beam width of a generation run.
func (r *Registry) SetBatchBeam(batch, beam int) {
	if batch <= 0 || beam <= 0 {
		panic(fmt.Sprintf("attention: batch %d beam %d", batch, beam))
	}
	r.mu.Lock()
	r.batch, r.beam = batch, beam
	r.mu.Unlock()
}

func (r *Registry) BatchSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batch
}

func (r *Registry) BeamWidth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.beam
}

// SetBeamIndex publishes the beam index [curLen][batch*beam]. Entry [t][s]
// names, within the beams of s's batch element, the slot whose step t cache
// belongs to the hypothesis now in slot s.
func (r *Registry) SetBeamIndex(idx [][]int) {
	r.mu.Lock()
	r.beamIndex = idx
	r.mu.Unlock()
}

func (r *Registry) BeamIndex() [][]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.beamIndex
}

// RuntimeBatch is the batch*beam watermark recorded when the last layer
// allocated its beam step cache.
func (r *Registry) RuntimeBatch() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runtimeBatch
}

func (r *Registry) SetRuntimeBatch(n int) {
	r.mu.Lock()
	r.runtimeBatch = n
	r.mu.Unlock()
}

// CausalMask returns the shared [maxPositions, maxPositions] additive mask,
// building it on first use or when a larger one is needed.
func (r *Registry) CausalMask(maxPositions int) *tensor.Tensor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.causal != nil && r.causal.Dim(0) >= maxPositions {
		return r.causal
	}
	r.causal.Release()
	m := tensor.Alloc(tensor.Float32, maxPositions, maxPositions)
	for i := 0; i < maxPositions; i++ {
		for j := i + 1; j < maxPositions; j++ {
			m.Set(causalFill, i, j)
		}
	}
	r.causal = m
	return m
}

// BlockedMask pads mask [a, b, q, kv] to [a, b, q, maxPositions] with a large
// negative fill. Layer 0 builds it; later layers of the same pass reuse it.
func (r *Registry) BlockedMask(layerID int, mask *tensor.Tensor, maxPositions int) *tensor.Tensor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if layerID == 0 || r.blockedMask == nil {
		r.blockedMask.Release()
		r.blockedMask = blocked(mask, maxPositions, blockedFill)
	}
	return r.blockedMask
}

// BlockedAlibi pads alibi [batch*heads, q, kv] to [batch*heads, q, maxPositions].
func (r *Registry) BlockedAlibi(layerID int, alibi *tensor.Tensor, maxPositions int) *tensor.Tensor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if layerID == 0 || r.blockedAlibi == nil {
		r.blockedAlibi.Release()
		r.blockedAlibi = blocked(alibi, maxPositions, 0)
	}
	return r.blockedAlibi
}

func blocked(t *tensor.Tensor, maxPositions int, fill float32) *tensor.Tensor {
	kv := t.Dim(-1)
	if kv > maxPositions {
		panic(fmt.Sprintf("attention: key length %d exceeds max positions %d", kv, maxPositions))
	}
	shape := t.Shape()
	shape[len(shape)-1] = maxPositions
	out := tensor.Alloc(t.DType(), shape...)
	out.Fill(fill)
	out.Narrow(-1, 0, kv).CopyFrom(t)
	return out
}

// ReleaseStatic drops the shared masks and the beam index. The layer id
// counter keeps counting.
func (r *Registry) ReleaseStatic() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.causal.Release()
	r.blockedMask.Release()
	r.blockedAlibi.Release()
	r.causal, r.blockedMask, r.blockedAlibi = nil, nil, nil
	r.beamIndex = nil
}
