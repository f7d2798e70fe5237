package model

import (
	"context"

	"github.com/ollama/tuner/ml"
)

// Module is a sub-model taking part in training.
type Module interface {
	// Architecture names the model class, e.g. "SD3Transformer2DModel".
	Architecture() string
}

// Wrapper is implemented by modules that wrap another module for
// distributed training or compilation.
type Wrapper interface {
	Module
	Unwrap() Module
}

// Unwrap removes every layer of wrapping around m.
func Unwrap(m Module) Module {
	for {
		w, ok := m.(Wrapper)
		if !ok {
			return m
		}

		m = w.Unwrap()
	}
}

// SameFunc reports whether two modules are the same kind of model.
type SameFunc func(a, b Module) bool

// SameModule reports whether a and b are the same module once every layer
// of wrapping is removed. Modules must be comparable, e.g. pointers.
func SameModule(a, b Module) bool {
	if a == nil || b == nil {
		return false
	}

	return Unwrap(a) == Unwrap(b)
}

// SameArchitecture compares the architectures of the unwrapped modules. Two
// distinct modules of one class, such as the CLIP encoders of a dual encoder
// model, are indistinguishable to it.
func SameArchitecture(a, b Module) bool {
	if a == nil || b == nil {
		return false
	}

	return Unwrap(a).Architecture() == Unwrap(b).Architecture()
}

// DenoiserInput holds the arguments of a denoiser forward pass.
type DenoiserInput struct {
	HiddenStates        ml.Tensor
	Timestep            ml.Tensor
	EncoderHiddenStates ml.Tensor
	PooledProjections   ml.Tensor
}

// Denoiser is the diffusion backbone being trained.
type Denoiser interface {
	Module
	Forward(context.Context, DenoiserInput) (ml.Tensor, error)
}
