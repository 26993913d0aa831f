package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type QuantMode int

const (
	QuantNone QuantMode = iota
	QuantInt4
)

func (m QuantMode) String() string {
	switch m {
	case QuantInt4:
		return "int4"
	default:
		return "none"
	}
}

// Quant describes how projection weights are stored.
type Quant struct {
	Mode      QuantMode
	GroupSize int
	// PadTo stores int4 output columns rounded up to a multiple of PadTo;
	// projections narrow their results back. 0 stores them unpadded.
	PadTo int
}

// Padded is n rounded up to the stored int4 column count.
func (q Quant) Padded(n int) int {
	if !q.IsInt4() || q.PadTo <= 1 {
		return n
	}
	return (n + q.PadTo - 1) / q.PadTo * q.PadTo
}

func (q Quant) IsInt4() bool { return q.Mode == QuantInt4 }

// Runtime holds the process toggles that change dispatch without changing the model.
type Runtime struct {
	// KVCache enables the cache-backed projection path. Off means every call
	// concatenates with the caller supplied history instead.
	KVCache bool
	// SDPFusion permits the fused attention kernels when the layer allows them.
	SDPFusion bool
	// CacheCheck selects history verification for greedy caches: "off", "repair" or "strict".
	CacheCheck string
	// ColMajor stores dense projection weights transposed.
	ColMajor bool
}

type LayerConfig struct {
	EmbedDim        int
	NumHeads        int
	MaxPositions    int
	MaxOutPositions int
	TPSize          int

	AttnDropout     float32
	ResidualDropout float32

	UseCausalMask   bool
	ScaleAttention  bool
	SDPFusionEnable bool
	IsDecoder       bool
	KVCacheOptimize bool

	Quant  Quant
	DType  string
	Device string

	RopeTheta float32
	RotaryDim int

	Runtime Runtime
}

// HeadDim is the per-head width, computed from the unsharded embedding.
func (c *LayerConfig) HeadDim() int {
	return c.EmbedDim / c.NumHeads
}

// LocalHeads is the number of heads owned by one tensor-parallel rank.
func (c *LayerConfig) LocalHeads() int {
	return c.NumHeads / c.TPSize
}

// LocalEmbed is LocalHeads*HeadDim.
func (c *LayerConfig) LocalEmbed() int {
	return c.LocalHeads() * c.HeadDim()
}

// RowMajor reports whether dense weights are laid out [in, out].
func (c *LayerConfig) RowMajor() bool {
	return !c.Runtime.ColMajor
}

func (c *LayerConfig) CacheOptimized() bool {
	return c.KVCacheOptimize && c.Runtime.KVCache
}

func (c *LayerConfig) FusedSDP() bool {
	return c.SDPFusionEnable && c.Runtime.SDPFusion
}

func (c *LayerConfig) Validate() error {
	if c.EmbedDim <= 0 {
		return fmt.Errorf("invalid embed_dim: %d (must be positive)", c.EmbedDim)
	}
	if c.NumHeads <= 0 {
		return fmt.Errorf("invalid num_heads: %d (must be positive)", c.NumHeads)
	}
	if c.EmbedDim%c.NumHeads != 0 {
		return fmt.Errorf("embed_dim %d not divisible by num_heads %d", c.EmbedDim, c.NumHeads)
	}
	if c.TPSize <= 0 {
		return fmt.Errorf("invalid tp_size: %d (must be positive)", c.TPSize)
	}
	if c.NumHeads%c.TPSize != 0 {
		return fmt.Errorf("num_heads %d not divisible by tp_size %d", c.NumHeads, c.TPSize)
	}
	if c.MaxPositions <= 0 {
		return fmt.Errorf("invalid max_positions: %d (must be positive)", c.MaxPositions)
	}
	if c.MaxOutPositions <= 0 {
		return fmt.Errorf("invalid max_out_positions: %d (must be positive)", c.MaxOutPositions)
	}
	if c.AttnDropout < 0 || c.AttnDropout >= 1 {
		return fmt.Errorf("invalid attn_dropout: %f (must be in [0, 1))", c.AttnDropout)
	}
	if c.ResidualDropout < 0 || c.ResidualDropout >= 1 {
		return fmt.Errorf("invalid residual_dropout: %f (must be in [0, 1))", c.ResidualDropout)
	}
	if c.Quant.IsInt4() {
		if c.Quant.GroupSize <= 0 {
			return fmt.Errorf("invalid group_size: %d (must be positive for int4)", c.Quant.GroupSize)
		}
		if c.Quant.PadTo < 0 {
			return fmt.Errorf("invalid pad_to: %d (must not be negative)", c.Quant.PadTo)
		}
		if c.LocalEmbed()%c.Quant.GroupSize != 0 {
			return fmt.Errorf("group_size %d does not divide local embed %d", c.Quant.GroupSize, c.LocalEmbed())
		}
	}
	switch strings.ToLower(c.DType) {
	case "", "float32", "f32", "float16", "f16", "bfloat16", "bf16":
	default:
		return fmt.Errorf("unsupported dtype: %q", c.DType)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.RotaryDim < 0 || c.RotaryDim > c.HeadDim() || c.RotaryDim%2 != 0 {
		return fmt.Errorf("invalid rotary_dim: %d (must be even and <= head_dim %d)", c.RotaryDim, c.HeadDim())
	}
	switch strings.ToLower(c.Runtime.CacheCheck) {
	case "", "off", "repair", "strict":
	default:
		return fmt.Errorf("invalid cache_check: %q", c.Runtime.CacheCheck)
	}
	return nil
}

// Default returns a decoder layer with the cache-backed path enabled and no sharding.
func Default() LayerConfig {
	return LayerConfig{
		MaxPositions:    2048,
		MaxOutPositions: minOutPositions,
		TPSize:          1,
		UseCausalMask:   true,
		ScaleAttention:  true,
		SDPFusionEnable: true,
		IsDecoder:       true,
		KVCacheOptimize: true,
		DType:           "float32",
		Device:          "cpu",
		RopeTheta:       10000.0,
		Runtime: Runtime{
			KVCache:    true,
			CacheCheck: "off",
		},
	}
}

const minOutPositions = 128

func envFlag(name string) bool {
	switch strings.ToUpper(os.Getenv(name)) {
	case "1", "Y", "ON", "YES", "TRUE":
		return true
	}
	return false
}

func envInt(name string) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(name)))
	if err != nil {
		return 0
	}
	return v
}

// RuntimeFromEnv reads DISABLE_KV_CACHE, ENABLE_SDP_FUSION, LLM_ACC_TEST,
// LLM_ACC_STRICT and COL_MAJOR.
func RuntimeFromEnv() Runtime {
	rt := Runtime{
		KVCache:    !envFlag("DISABLE_KV_CACHE"),
		SDPFusion:  envFlag("ENABLE_SDP_FUSION"),
		CacheCheck: "off",
		ColMajor:   envFlag("COL_MAJOR"),
	}
	if envFlag("LLM_ACC_TEST") {
		rt.CacheCheck = "repair"
	}
	if envFlag("LLM_ACC_STRICT") {
		rt.CacheCheck = "strict"
	}
	return rt
}

// MaxSeqLenFromEnv returns MAX_SEQ_LEN (0 when unset) and MAX_OUT_SEQ_LEN floored at 128.
func MaxSeqLenFromEnv() (maxSeq, maxOut int) {
	maxSeq = envInt("MAX_SEQ_LEN")
	if maxSeq < 0 {
		maxSeq = 0
	}
	maxOut = envInt("MAX_OUT_SEQ_LEN")
	if maxOut < minOutPositions {
		maxOut = minOutPositions
	}
	return maxSeq, maxOut
}

// ApplySeqLimits widens MaxPositions to maxSeq and sets MaxOutPositions.
func (c *LayerConfig) ApplySeqLimits(maxSeq, maxOut int) {
	if maxSeq > c.MaxPositions {
		c.MaxPositions = maxSeq
	}
	if maxOut > 0 {
		c.MaxOutPositions = maxOut
	}
}
