package tensor

import (
	"fmt"
	"math"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType tags the precision a tensor's values are rounded to. Storage is always
// float32; reduced precision types are emulated by rounding after every write.
type DType int

const (
	Float32 DType = iota
	Float16
	BFloat16
)

func (d DType) String() string {
	switch d {
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	default:
		return "float32"
	}
}

// Size is the element width in bytes of the emulated type.
func (d DType) Size() int {
	if d == Float32 {
		return 4
	}
	return 2
}

// Min is the most negative finite value of the type (finfo.min).
func (d DType) Min() float32 {
	switch d {
	case Float16:
		return -65504
	case BFloat16:
		return -3.3895314e38
	default:
		return -math.MaxFloat32
	}
}

// Round rounds vals in place to the precision of d.
func (d DType) Round(vals []float32) {
	switch d {
	case Float16:
		for i, v := range vals {
			vals[i] = float16.Fromfloat32(v).Float32()
		}
	case BFloat16:
		for i, v := range vals {
			vals[i] = bfloat16.ToFloat32(bfloat16.FromFloat32(v))
		}
	}
}

func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "", "float32", "f32", "fp32":
		return Float32, nil
	case "float16", "f16", "fp16", "half":
		return Float16, nil
	case "bfloat16", "bf16":
		return BFloat16, nil
	}
	return Float32, fmt.Errorf("unknown dtype %q", s)
}
