// Package errtypes contains custom error types
package errtypes

import (
	"fmt"
	"strings"
)

// ConfigurationError reports a run configuration the model family cannot train with.
type ConfigurationError struct {
	Model  string
	Option string
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s does not support %s=%q: %s", e.Model, e.Option, e.Value, e.Reason)
}

// ClassificationError reports a sub-model that matches none of the models
// known to the adapter router, or a roster missing a required sub-model.
type ClassificationError struct {
	// Type is the architecture of the offending sub-model. Empty when a
	// required sub-model is missing.
	Type string
	// Missing names the required sub-model absent from the roster.
	Missing string
	// Duplicate is set when more than one sub-model matched the same identity.
	Duplicate bool
	// References are the architectures the sub-model was compared against.
	References []string
}

func (e *ClassificationError) Error() string {
	var sb strings.Builder
	switch {
	case e.Missing != "":
		fmt.Fprintf(&sb, "missing %s in models", e.Missing)
	case e.Duplicate:
		fmt.Fprintf(&sb, "more than one model matched %q", e.Type)
	default:
		fmt.Fprintf(&sb, "unexpected model: %q", e.Type)
	}

	if len(e.References) > 0 {
		fmt.Fprintf(&sb, " (expected one of %s)", strings.Join(e.References, ", "))
	}

	return sb.String()
}
