package ml

import (
	"fmt"
	"strings"
)

// Device names where a tensor lives, e.g. "cpu" or "cuda:0". Placement is
// owned by the orchestrator; tensors only carry the label.
type Device string

const CPU Device = "cpu"

// Tensor is an immutable n-dimensional array. Operations return new tensors
// and never modify their receiver.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType
	Device() Device

	Bytes() []byte
	Floats() []float32
	Ints() []int32

	// To casts the tensor to dtype and places it on device.
	To(device Device, dtype DType) Tensor

	Mul(t2 Tensor) (Tensor, error)
	Concat(t2 Tensor, dim int) (Tensor, error)

	// Pad appends n zeros to the end of dim.
	Pad(dim, n int) (Tensor, error)
	// Expand repeats size-1 dimensions to match shape.
	Expand(shape ...int) (Tensor, error)
	Reshape(shape ...int) (Tensor, error)
	Unsqueeze(dim int) Tensor
	// Squeeze removes dim if it has size 1, otherwise it returns the tensor unchanged.
	Squeeze(dim int) Tensor
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func mul[T number](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print.
	Precision int
}

func Dump(t Tensor, opts ...DumpOptions) string {
	if t == nil {
		return "<nil>"
	}

	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	switch t.DType() {
	case DTypeF32, DTypeF16, DTypeBF16:
		return dump(t.Floats(), t.Shape(), opts[0], func(v float32) string {
			return fmt.Sprintf("%.*f", opts[0].Precision, v)
		})
	case DTypeI32:
		return dump(t.Ints(), t.Shape(), opts[0], func(v int32) string {
			return fmt.Sprint(v)
		})
	default:
		return "<unsupported>"
	}
}

func dump[S ~[]E, E number](s S, shape []int, opts DumpOptions, format func(E) string) string {
	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts.Items && i < dims[0]-opts.Items {
				fmt.Fprint(&sb, "..., ")
				// skip to next printable element
				skip := dims[0] - 2*opts.Items
				if len(dims) > 1 {
					stride += mul(append(dims[1:], skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprint(&sb, format(s[stride+i]))
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI32
	DTypeOther
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	case DTypeI32:
		return "I32"
	default:
		return "unknown"
	}
}

// Size is the number of bytes used to store one element.
func (d DType) Size() int {
	switch d {
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 4
	}
}

// ParseDType accepts safetensors dtype names ("F32", "BF16") as well as the
// precision spellings used in training configs ("fp32", "bf16", "no").
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "fp32", "float32", "no", "":
		return DTypeF32, nil
	case "f16", "fp16", "float16", "half":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	case "i32", "int32":
		return DTypeI32, nil
	default:
		return DTypeOther, fmt.Errorf("unknown dtype %q", s)
	}
}
