package adapter

import (
	"fmt"
	"strings"
)

// DefaultAdapterName is the adapter slot training writes to.
const DefaultAdapterName = "default"

// IncompatibleKeys reports the differences between a loaded state dict and
// the parameters of the model it was applied to.
type IncompatibleKeys struct {
	MissingKeys    []string
	UnexpectedKeys []string
}

// Target is a sub-model that carries named LoRA adapters.
type Target interface {
	// SetAdapterState loads sd into the named adapter. Names are relative to
	// the sub-model and in peft layout.
	SetAdapterState(name string, sd StateDict) (IncompatibleKeys, error)
	// AdapterState returns the weights of the named adapter in peft layout.
	AdapterState(name string) (StateDict, error)
}

// SetTextEncoderState selects the entries of sd under prefix, converts them
// to peft layout and loads them into the default adapter of te. A state dict
// with no entries under prefix leaves te untouched.
func SetTextEncoderState(sd StateDict, prefix string, te Target) (IncompatibleKeys, error) {
	if !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}

	slice := sd.WithPrefix(prefix)
	if len(slice) == 0 {
		return IncompatibleKeys{}, nil
	}

	diffusers, err := ConvertToDiffusers(slice)
	if err != nil {
		return IncompatibleKeys{}, fmt.Errorf("%s: %w", strings.TrimSuffix(prefix, "."), err)
	}

	peft, err := ConvertToPEFT(diffusers)
	if err != nil {
		return IncompatibleKeys{}, fmt.Errorf("%s: %w", strings.TrimSuffix(prefix, "."), err)
	}

	return te.SetAdapterState(DefaultAdapterName, peft)
}

// TextEncoderState returns the default adapter of te in diffusers layout.
func TextEncoderState(te Target) (StateDict, error) {
	sd, err := te.AdapterState(DefaultAdapterName)
	if err != nil {
		return nil, err
	}

	return ConvertToDiffusers(sd)
}
