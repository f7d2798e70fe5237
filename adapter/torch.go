package adapter

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/ollama/tuner/ml"
)

// ReadTorch reads a pickled state dict written by torch.save.
func ReadTorch(path string) (StateDict, error) {
	pt, err := pytorch.Load(path)
	if err != nil {
		return nil, err
	}

	dict, ok := pt.(*types.Dict)
	if !ok {
		return nil, fmt.Errorf("%s: expected a state dict, got %T", path, pt)
	}

	keys := dict.Keys()
	sd := make(StateDict, len(keys))
	for _, k := range keys {
		name, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("%s: unexpected key %v", path, k)
		}

		t, ok := dict.MustGet(k).(*pytorch.Tensor)
		if !ok {
			return nil, fmt.Errorf("%s: %s is not a tensor", path, name)
		}

		converted, err := fromTorch(t)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, name, err)
		}

		sd[name] = converted
	}

	return sd, nil
}

func fromTorch(t *pytorch.Tensor) (ml.Tensor, error) {
	var (
		f32s  []float32
		dtype ml.DType
	)

	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		f32s, dtype = s.Data, ml.DTypeF32
	case *pytorch.HalfStorage:
		f32s, dtype = s.Data, ml.DTypeF16
	case *pytorch.BFloat16Storage:
		f32s, dtype = s.Data, ml.DTypeBF16
	default:
		return nil, fmt.Errorf("unknown data type: %T", s)
	}

	shape := t.Size
	if len(shape) == 0 {
		shape = []int{1}
	}

	n := 1
	for _, d := range shape {
		n *= d
	}

	if !contiguous(shape, t.Stride) {
		return nil, fmt.Errorf("non-contiguous tensors are unsupported")
	}

	if t.StorageOffset+n > len(f32s) {
		return nil, fmt.Errorf("storage holds %d elements, tensor needs %d", len(f32s), t.StorageOffset+n)
	}

	out, err := ml.FromFloats(f32s[t.StorageOffset:t.StorageOffset+n], shape...)
	if err != nil {
		return nil, err
	}

	return out.To(ml.CPU, dtype), nil
}

func contiguous(shape, stride []int) bool {
	if len(stride) == 0 {
		return true
	}

	expected := 1
	for i := len(shape) - 1; i >= 0; i-- {
		if shape[i] != 1 && stride[i] != expected {
			return false
		}
		expected *= shape[i]
	}

	return true
}
