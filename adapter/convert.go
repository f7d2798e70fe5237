package adapter

import (
	"errors"
	"strings"

	"github.com/ollama/tuner/logutil"
)

// ErrUnknownLayout is returned when the naming scheme of a state dict cannot
// be determined.
var ErrUnknownLayout = errors.New("unknown lora state dict layout")

// Layout is the naming scheme of LoRA parameters in a state dict.
type Layout int

const (
	LayoutUnknown Layout = iota
	// LayoutDiffusersOld uses "to_q_lora.up" style names.
	LayoutDiffusersOld
	// LayoutDiffusers uses "q_proj.lora_linear_layer.up" style names.
	LayoutDiffusers
	// LayoutPEFT uses "q_proj.lora_B" style names.
	LayoutPEFT
)

func (l Layout) String() string {
	switch l {
	case LayoutDiffusersOld:
		return "diffusers_old"
	case LayoutDiffusers:
		return "diffusers"
	case LayoutPEFT:
		return "peft"
	default:
		return "unknown"
	}
}

// unetToPEFT maps denoiser attention processor names to peft names.
var unetToPEFT = []string{
	".to_out_lora.up", ".to_out.0.lora_B",
	".to_out_lora.down", ".to_out.0.lora_A",
	".to_q_lora.down", ".to_q.lora_A",
	".to_q_lora.up", ".to_q.lora_B",
	".to_k_lora.down", ".to_k.lora_A",
	".to_k_lora.up", ".to_k.lora_B",
	".to_v_lora.down", ".to_v.lora_A",
	".to_v_lora.up", ".to_v.lora_B",
	".lora.up", ".lora_B",
	".lora.down", ".lora_A",
	".to_out.lora_magnitude_vector", ".to_out.0.lora_magnitude_vector",
}

var peftToDiffusers = []string{
	".q_proj.lora_B", ".q_proj.lora_linear_layer.up",
	".q_proj.lora_A", ".q_proj.lora_linear_layer.down",
	".k_proj.lora_B", ".k_proj.lora_linear_layer.up",
	".k_proj.lora_A", ".k_proj.lora_linear_layer.down",
	".v_proj.lora_B", ".v_proj.lora_linear_layer.up",
	".v_proj.lora_A", ".v_proj.lora_linear_layer.down",
	".out_proj.lora_B", ".out_proj.lora_linear_layer.up",
	".out_proj.lora_A", ".out_proj.lora_linear_layer.down",
	"to_k.lora_A", "to_k.lora.down",
	"to_k.lora_B", "to_k.lora.up",
	"to_q.lora_A", "to_q.lora.down",
	"to_q.lora_B", "to_q.lora.up",
	"to_v.lora_A", "to_v.lora.down",
	"to_v.lora_B", "to_v.lora.up",
	"to_out.0.lora_A", "to_out.0.lora.down",
	"to_out.0.lora_B", "to_out.0.lora.up",
}

var diffusersOldToDiffusers = []string{
	".to_q_lora.up", ".q_proj.lora_linear_layer.up",
	".to_q_lora.down", ".q_proj.lora_linear_layer.down",
	".to_k_lora.up", ".k_proj.lora_linear_layer.up",
	".to_k_lora.down", ".k_proj.lora_linear_layer.down",
	".to_v_lora.up", ".v_proj.lora_linear_layer.up",
	".to_v_lora.down", ".v_proj.lora_linear_layer.down",
	".to_out_lora.up", ".out_proj.lora_linear_layer.up",
	".to_out_lora.down", ".out_proj.lora_linear_layer.down",
}

var diffusersToPEFT = []string{
	".q_proj.lora_linear_layer.up", ".q_proj.lora_B",
	".q_proj.lora_linear_layer.down", ".q_proj.lora_A",
	".k_proj.lora_linear_layer.up", ".k_proj.lora_B",
	".k_proj.lora_linear_layer.down", ".k_proj.lora_A",
	".v_proj.lora_linear_layer.up", ".v_proj.lora_B",
	".v_proj.lora_linear_layer.down", ".v_proj.lora_A",
	".out_proj.lora_linear_layer.up", ".out_proj.lora_B",
	".out_proj.lora_linear_layer.down", ".out_proj.lora_A",
	".lora_linear_layer.up", ".lora_B",
	".lora_linear_layer.down", ".lora_A",
	"text_projection.lora.down.weight", "text_projection.lora_A.weight",
	"text_projection.lora.up.weight", "text_projection.lora_B.weight",
}

var diffusersOldToPEFT = []string{
	".to_q_lora.up", ".q_proj.lora_B",
	".to_q_lora.down", ".q_proj.lora_A",
	".to_k_lora.up", ".k_proj.lora_B",
	".to_k_lora.down", ".k_proj.lora_A",
	".to_v_lora.up", ".v_proj.lora_B",
	".to_v_lora.down", ".v_proj.lora_A",
	".to_out_lora.up", ".out_proj.lora_B",
	".to_out_lora.down", ".out_proj.lora_A",
	".lora_linear_layer.up", ".lora_B",
	".lora_linear_layer.down", ".lora_A",
}

// replace applies the first matching pattern to every name. Patterns are
// tried in table order so the specific projection names win over the
// generic suffixes.
func replace(sd StateDict, table []string) StateDict {
	out := make(StateDict, len(sd))
	for k, v := range sd {
		name := k
		for i := 0; i < len(table); i += 2 {
			if strings.Contains(name, table[i]) {
				name = strings.ReplaceAll(name, table[i], table[i+1])
				break
			}
		}
		out[name] = v
	}

	return out
}

// DetectLayout inspects the parameter names of sd.
func DetectLayout(sd StateDict) Layout {
	keys := sd.Keys()
	switch {
	case anyContains(keys, "to_out_lora"):
		return LayoutDiffusersOld
	case anyContains(keys, "lora_linear_layer"):
		return LayoutDiffusers
	case anyContains(keys, ".lora_A.weight"), anyContains(keys, ".lora_B.weight"):
		return LayoutPEFT
	default:
		return LayoutUnknown
	}
}

func anyContains(keys []string, s string) bool {
	for _, k := range keys {
		if strings.Contains(k, s) {
			return true
		}
	}

	return false
}

// ConvertUNetToPEFT converts denoiser attention processor names to peft
// names. Names already in peft layout are left alone.
func ConvertUNetToPEFT(sd StateDict) StateDict {
	return replace(sd, unetToPEFT)
}

// ConvertToDiffusers converts a text encoder state dict from any known
// layout into the diffusers layout.
func ConvertToDiffusers(sd StateDict) (StateDict, error) {
	if len(sd) == 0 {
		return StateDict{}, nil
	}

	layout := DetectLayout(sd)
	logutil.Trace("converting to diffusers", "layout", layout, "tensors", len(sd))
	switch layout {
	case LayoutDiffusersOld:
		return replace(sd, diffusersOldToDiffusers), nil
	case LayoutPEFT:
		return replace(sd, peftToDiffusers), nil
	case LayoutDiffusers:
		return sd, nil
	default:
		return nil, ErrUnknownLayout
	}
}

// ConvertToPEFT converts a text encoder state dict from a diffusers layout
// into the peft layout.
func ConvertToPEFT(sd StateDict) (StateDict, error) {
	if len(sd) == 0 {
		return StateDict{}, nil
	}

	layout := DetectLayout(sd)
	logutil.Trace("converting to peft", "layout", layout, "tensors", len(sd))
	switch layout {
	case LayoutDiffusersOld:
		return replace(sd, diffusersOldToPEFT), nil
	case LayoutDiffusers:
		return replace(sd, diffusersToPEFT), nil
	case LayoutPEFT:
		return sd, nil
	default:
		return nil, ErrUnknownLayout
	}
}
