package ml

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
	"github.com/x448/float16"
)

var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrDTypeMismatch = errors.New("dtype mismatch")
)

// dense stores every dtype as float32 values already rounded to the
// precision of dtype. Integer tensors hold exact integral values.
type dense struct {
	shape  []int
	data   []float32
	dtype  DType
	device Device
}

var _ Tensor = (*dense)(nil)

// FromFloats creates a F32 tensor on the CPU. The slice is copied.
func FromFloats(s []float32, shape ...int) (Tensor, error) {
	if err := checkShape(len(s), shape); err != nil {
		return nil, err
	}

	return &dense{shape: slices.Clone(shape), data: slices.Clone(s), dtype: DTypeF32, device: CPU}, nil
}

// FromInts creates an I32 tensor on the CPU.
func FromInts(s []int32, shape ...int) (Tensor, error) {
	if err := checkShape(len(s), shape); err != nil {
		return nil, err
	}

	data := make([]float32, len(s))
	for i, v := range s {
		data[i] = float32(v)
	}

	return &dense{shape: slices.Clone(shape), data: data, dtype: DTypeI32, device: CPU}, nil
}

// FromBytes decodes little endian data of the given dtype.
func FromBytes(dtype DType, b []byte, shape ...int) (Tensor, error) {
	n := mul(shape...)
	if len(b) != n*dtype.Size() {
		return nil, fmt.Errorf("%w: %d bytes for %d %s elements", ErrShapeMismatch, len(b), n, dtype)
	}

	data := make([]float32, n)
	switch dtype {
	case DTypeF32:
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
		}
	case DTypeF16:
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32()
		}
	case DTypeBF16:
		data = bfloat16.DecodeFloat32(b)
	case DTypeI32:
		for i := range data {
			data[i] = float32(int32(binary.LittleEndian.Uint32(b[i*4:])))
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}

	return &dense{shape: slices.Clone(shape), data: data, dtype: dtype, device: CPU}, nil
}

// Zeros creates a zero filled tensor on the CPU.
func Zeros(dtype DType, shape ...int) Tensor {
	return &dense{shape: slices.Clone(shape), data: make([]float32, mul(shape...)), dtype: dtype, device: CPU}
}

func checkShape(n int, shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("%w: tensors need at least one dimension", ErrShapeMismatch)
	}

	if mul(shape...) != n {
		return fmt.Errorf("%w: %d elements do not fit shape %v", ErrShapeMismatch, n, shape)
	}

	return nil
}

func (t *dense) Dim(n int) int {
	if n < 0 {
		n += len(t.shape)
	}

	return t.shape[n]
}

func (t *dense) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *dense) DType() DType {
	return t.dtype
}

func (t *dense) Device() Device {
	return t.device
}

func (t *dense) Floats() []float32 {
	return slices.Clone(t.data)
}

func (t *dense) Ints() []int32 {
	ints := make([]int32, len(t.data))
	for i, v := range t.data {
		ints[i] = int32(v)
	}

	return ints
}

func (t *dense) Bytes() []byte {
	switch t.dtype {
	case DTypeF16:
		b := make([]byte, len(t.data)*2)
		for i, v := range t.data {
			binary.LittleEndian.PutUint16(b[i*2:], float16.Fromfloat32(v).Bits())
		}
		return b
	case DTypeBF16:
		return bfloat16.EncodeFloat32(t.data)
	case DTypeI32:
		b := make([]byte, len(t.data)*4)
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(b[i*4:], uint32(int32(v)))
		}
		return b
	default:
		b := make([]byte, len(t.data)*4)
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
		}
		return b
	}
}

func (t *dense) To(device Device, dtype DType) Tensor {
	return &dense{shape: slices.Clone(t.shape), data: round(t.data, dtype), dtype: dtype, device: device}
}

// round returns a copy of s with every value representable in dtype.
func round(s []float32, dtype DType) []float32 {
	switch dtype {
	case DTypeF16:
		out := make([]float32, len(s))
		for i, v := range s {
			out[i] = float16.Fromfloat32(v).Float32()
		}
		return out
	case DTypeBF16:
		return bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(s))
	case DTypeI32:
		out := make([]float32, len(s))
		for i, v := range s {
			out[i] = float32(int32(v))
		}
		return out
	default:
		return slices.Clone(s)
	}
}

func (t *dense) view() *tensor.Dense {
	return tensor.New(tensor.WithShape(t.shape...), tensor.WithBacking(t.data))
}

// wrap copies the values of tt into a new tensor with the dtype and device of t.
func (t *dense) wrap(tt tensor.Tensor) (Tensor, error) {
	tt = tensor.Materialize(tt)

	shape := slices.Clone([]int(tt.Shape()))
	if err := tt.Reshape(tt.Shape().TotalSize()); err != nil {
		return nil, err
	}

	d, ok := tt.(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("unexpected tensor type %T", tt)
	}

	f32s, err := native.VectorF32(d)
	if err != nil {
		return nil, err
	}

	return &dense{shape: shape, data: round(f32s, t.dtype), dtype: t.dtype, device: t.device}, nil
}

func (t *dense) other(t2 Tensor) (*dense, error) {
	o, ok := t2.(*dense)
	if !ok {
		return nil, fmt.Errorf("unsupported tensor implementation %T", t2)
	}

	if o.device != t.device {
		return nil, fmt.Errorf("tensors on different devices: %s and %s", t.device, o.device)
	}

	return o, nil
}

// Mul multiplies elementwise. The result keeps the dtype of t.
func (t *dense) Mul(t2 Tensor) (Tensor, error) {
	o, err := t.other(t2)
	if err != nil {
		return nil, err
	}

	if !slices.Equal(t.shape, o.shape) {
		return nil, fmt.Errorf("%w: mul %v by %v", ErrShapeMismatch, t.shape, o.shape)
	}

	tt, err := tensor.Mul(t.view(), o.view())
	if err != nil {
		return nil, err
	}

	return t.wrap(tt)
}

// Concat joins t and t2 along dim. Both tensors must share a dtype.
func (t *dense) Concat(t2 Tensor, dim int) (Tensor, error) {
	o, err := t.other(t2)
	if err != nil {
		return nil, err
	}

	if o.dtype != t.dtype {
		return nil, fmt.Errorf("%w: concat %s with %s", ErrDTypeMismatch, t.dtype, o.dtype)
	}

	if dim < 0 {
		dim += len(t.shape)
	}

	if len(o.shape) != len(t.shape) || dim < 0 || dim >= len(t.shape) {
		return nil, fmt.Errorf("%w: concat %v with %v on dim %d", ErrShapeMismatch, t.shape, o.shape, dim)
	}

	for i := range t.shape {
		if i != dim && t.shape[i] != o.shape[i] {
			return nil, fmt.Errorf("%w: concat %v with %v on dim %d", ErrShapeMismatch, t.shape, o.shape, dim)
		}
	}

	tt, err := tensor.Concat(dim, t.view(), o.view())
	if err != nil {
		return nil, err
	}

	return t.wrap(tt)
}

func (t *dense) Pad(dim, n int) (Tensor, error) {
	if dim < 0 {
		dim += len(t.shape)
	}

	switch {
	case dim < 0 || dim >= len(t.shape):
		return nil, fmt.Errorf("%w: pad dim %d of %v", ErrShapeMismatch, dim, t.shape)
	case n < 0:
		return nil, fmt.Errorf("%w: cannot pad dim %d of %v by %d", ErrShapeMismatch, dim, t.shape, n)
	case n == 0:
		return t, nil
	}

	shape := slices.Clone(t.shape)
	shape[dim] = n

	zeros := Zeros(t.dtype, shape...).(*dense)
	zeros.device = t.device
	return t.Concat(zeros, dim)
}

func (t *dense) Expand(shape ...int) (Tensor, error) {
	if len(shape) != len(t.shape) {
		return nil, fmt.Errorf("%w: expand %v to %v", ErrShapeMismatch, t.shape, shape)
	}

	var tt tensor.Tensor = t.view()
	for i := range shape {
		switch {
		case t.shape[i] == shape[i]:
		case t.shape[i] == 1:
			var err error
			tt, err = tensor.Repeat(tt, i, shape[i])
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: expand %v to %v", ErrShapeMismatch, t.shape, shape)
		}
	}

	return t.wrap(tt)
}

func (t *dense) Reshape(shape ...int) (Tensor, error) {
	if err := checkShape(len(t.data), shape); err != nil {
		return nil, err
	}

	return &dense{shape: slices.Clone(shape), data: t.data, dtype: t.dtype, device: t.device}, nil
}

func (t *dense) Unsqueeze(dim int) Tensor {
	if dim < 0 {
		dim += len(t.shape) + 1
	}

	shape := slices.Insert(slices.Clone(t.shape), dim, 1)
	return &dense{shape: shape, data: t.data, dtype: t.dtype, device: t.device}
}

func (t *dense) Squeeze(dim int) Tensor {
	if dim < 0 {
		dim += len(t.shape)
	}

	if len(t.shape) < 2 || dim < 0 || dim >= len(t.shape) || t.shape[dim] != 1 {
		return t
	}

	shape := slices.Delete(slices.Clone(t.shape), dim, dim+1)
	return &dense{shape: shape, data: t.data, dtype: t.dtype, device: t.device}
}
