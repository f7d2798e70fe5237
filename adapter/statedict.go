// Package adapter reads, writes and remaps LoRA adapter weights.
package adapter

import (
	"slices"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/ollama/tuner/ml"
)

// StateDict maps parameter names to tensors.
type StateDict map[string]ml.Tensor

// Keys returns the parameter names in sorted order.
func (sd StateDict) Keys() []string {
	keys := maps.Keys(sd)
	slices.Sort(keys)
	return keys
}

// WithPrefix returns the entries whose names start with prefix, with the
// prefix removed.
func (sd StateDict) WithPrefix(prefix string) StateDict {
	out := make(StateDict)
	for k, v := range sd {
		if name, ok := strings.CutPrefix(k, prefix); ok {
			out[name] = v
		}
	}

	return out
}

// AddPrefix returns a copy of sd with prefix prepended to every name.
func (sd StateDict) AddPrefix(prefix string) StateDict {
	out := make(StateDict, len(sd))
	for k, v := range sd {
		out[prefix+k] = v
	}

	return out
}

// Replace returns a copy of sd with every name passed through r.
func (sd StateDict) Replace(r *strings.Replacer) StateDict {
	out := make(StateDict, len(sd))
	for k, v := range sd {
		out[r.Replace(k)] = v
	}

	return out
}

// Merge copies the entries of other into sd.
func (sd StateDict) Merge(other StateDict) {
	for k, v := range other {
		sd[k] = v
	}
}

// NumParams returns the total number of elements across all tensors.
func (sd StateDict) NumParams() uint64 {
	var n uint64
	for _, t := range sd {
		size := uint64(1)
		for _, d := range t.Shape() {
			size *= uint64(d)
		}
		n += size
	}

	return n
}
