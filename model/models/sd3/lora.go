package sd3

import (
	"fmt"
	"strconv"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/google/uuid"

	"github.com/ollama/tuner/adapter"
	"github.com/ollama/tuner/model"
	"github.com/ollama/tuner/types/errtypes"
)

// Component identifies a sub-model that carries LoRA weights.
type Component int

const (
	Denoiser Component = iota
	TextEncoder1
	TextEncoder2
)

var components = []Component{Denoiser, TextEncoder1, TextEncoder2}

func (c Component) String() string {
	switch c {
	case Denoiser:
		return ModelSubfolder
	case TextEncoder1:
		return TextEncoderConfiguration[0].Key
	case TextEncoder2:
		return TextEncoderConfiguration[1].Key
	default:
		return "unknown"
	}
}

// Prefix is the namespace of the component's keys in an adapter checkpoint.
func (c Component) Prefix() string {
	return c.String() + "."
}

func (m *Model) reference(c Component) model.Module {
	switch c {
	case Denoiser:
		return m.denoiser
	case TextEncoder1:
		return m.textEncoders[0]
	case TextEncoder2:
		return m.textEncoders[1]
	default:
		return nil
	}
}

func architecture(m model.Module) string {
	if m = model.Unwrap(m); m == nil {
		return "<nil>"
	}

	return m.Architecture()
}

// classify matches every sub-model against the reference models. The first
// matching component wins. The roster is not modified.
func classify(roster []model.Module, references map[Component]model.Module, same model.SameFunc) (map[Component]model.Module, error) {
	refs := make([]string, 0, len(components))
	for _, c := range components {
		refs = append(refs, architecture(references[c]))
	}

	classified := make(map[Component]model.Module, len(components))
	for _, sub := range roster {
		matched := false
		for _, c := range components {
			if !same(sub, references[c]) {
				continue
			}

			if _, ok := classified[c]; ok {
				return nil, &errtypes.ClassificationError{Type: architecture(sub), Duplicate: true, References: refs}
			}

			classified[c] = sub
			matched = true
			break
		}

		if !matched {
			return nil, &errtypes.ClassificationError{Type: architecture(sub), References: refs}
		}
	}

	return classified, nil
}

// classifyRoster classifies roster and checks that every component the run
// trains is present.
func (m *Model) classifyRoster(roster []model.Module) (map[Component]model.Module, error) {
	references := make(map[Component]model.Module, len(components))
	for _, c := range components {
		references[c] = m.reference(c)
	}

	classified, err := classify(roster, references, m.Same)
	if err != nil {
		return nil, err
	}

	required := []Component{Denoiser}
	if m.Config().TrainTextEncoder {
		required = append(required, TextEncoder1, TextEncoder2)
	}

	for _, c := range required {
		if _, ok := classified[c]; !ok {
			return nil, &errtypes.ClassificationError{Missing: c.String()}
		}
	}

	return classified, nil
}

// asTarget returns the outermost layer of sub that holds adapter weights.
func asTarget(c Component, sub model.Module) (adapter.Target, error) {
	for {
		if t, ok := sub.(adapter.Target); ok {
			return t, nil
		}

		w, ok := sub.(model.Wrapper)
		if !ok {
			return nil, fmt.Errorf("%s %s does not hold adapter weights", c, architecture(sub))
		}

		sub = w.Unwrap()
	}
}

func (m *Model) targets(classified map[Component]model.Module) (map[Component]adapter.Target, error) {
	targets := make(map[Component]adapter.Target, len(classified))
	for c, sub := range classified {
		if c != Denoiser && !m.Config().TrainTextEncoder {
			continue
		}

		t, err := asTarget(c, sub)
		if err != nil {
			return nil, err
		}

		targets[c] = t
	}

	return targets, nil
}

// LoadLoRAWeights restores the adapter weights saved in dir into the
// sub-models of roster. Text encoder weights are only restored when the run
// trains the text encoders. Nothing is modified if the roster or the
// checkpoint cannot be read.
func (m *Model) LoadLoRAWeights(roster []model.Module, dir string) error {
	classified, err := m.classifyRoster(roster)
	if err != nil {
		return err
	}

	targets, err := m.targets(classified)
	if err != nil {
		return err
	}

	checkpoint, err := adapter.LoadCheckpoint(dir)
	if err != nil {
		return err
	}

	denoiserState := adapter.ConvertUNetToPEFT(checkpoint.WithPrefix(Denoiser.Prefix()))
	incompatible, err := targets[Denoiser].SetAdapterState(adapter.DefaultAdapterName, denoiserState)
	if err != nil {
		return fmt.Errorf("%s: %w", Denoiser, err)
	}

	if len(incompatible.UnexpectedKeys) > 0 {
		unexpected := treeset.NewWithStringComparator()
		for _, k := range incompatible.UnexpectedKeys {
			unexpected.Add(k)
		}

		m.Logger().Warn("loading adapter weights from state dict led to unexpected keys not found in the model", "component", Denoiser, "keys", unexpected.Values())
	}

	m.Logger().Debug("loaded lora weights", "component", Denoiser, "path", checkpoint.Path, "tensors", len(denoiserState))

	if !m.Config().TrainTextEncoder {
		return nil
	}

	for _, c := range []Component{TextEncoder1, TextEncoder2} {
		if _, err := adapter.SetTextEncoderState(checkpoint.StateDict, c.Prefix(), targets[c]); err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}
	}

	return nil
}

// SaveLoRAWeights writes the adapter weights of the sub-models in roster to
// dir. Text encoder weights are written in the diffusers layout.
func (m *Model) SaveLoRAWeights(roster []model.Module, dir string) error {
	classified, err := m.classifyRoster(roster)
	if err != nil {
		return err
	}

	targets, err := m.targets(classified)
	if err != nil {
		return err
	}

	sd := make(adapter.StateDict)
	for _, c := range components {
		t, ok := targets[c]
		if !ok {
			continue
		}

		var state adapter.StateDict
		if c == Denoiser {
			state, err = t.AdapterState(adapter.DefaultAdapterName)
		} else {
			state, err = adapter.TextEncoderState(t)
		}

		if err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}

		sd.Merge(state.AddPrefix(c.Prefix()))
	}

	cfg := m.Config()
	p, err := adapter.SaveCheckpoint(dir, sd, map[string]string{
		"format":     "pt",
		"run_id":     uuid.NewString(),
		"lora_type":  cfg.LoraType,
		"lora_rank":  strconv.Itoa(cfg.LoraRank),
		"lora_alpha": strconv.FormatFloat(cfg.LoraAlpha, 'f', -1, 64),
	})
	if err != nil {
		return err
	}

	m.Logger().Info("saved lora weights", "path", p, "tensors", len(sd), "parameters", sd.NumParams())
	return nil
}
