package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/tuner/config"
	"github.com/ollama/tuner/ml"
)

type arch string

func (a arch) Architecture() string { return string(a) }

type wrapped struct {
	Module
}

func (w wrapped) Architecture() string { return "DistributedDataParallel" }

func (w wrapped) Unwrap() Module { return w.Module }

func TestSameArchitecture(t *testing.T) {
	transformer := arch("SD3Transformer2DModel")
	clip := arch("CLIPTextModelWithProjection")

	cases := []struct {
		name string
		a, b Module
		want bool
	}{
		{"identical", transformer, transformer, true},
		{"different", transformer, clip, false},
		{"wrapped", wrapped{transformer}, transformer, true},
		{"double wrapped", wrapped{wrapped{clip}}, wrapped{clip}, true},
		{"wrapped different", wrapped{clip}, wrapped{transformer}, false},
		{"nil", nil, transformer, false},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameArchitecture(tt.a, tt.b); got != tt.want {
				t.Errorf("SameArchitecture = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTextEmbeddingBinary(t *testing.T) {
	prompt, err := ml.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	if err != nil {
		t.Fatal(err)
	}

	pooled, err := ml.FromFloats([]float32{0.5, 0.25}, 2)
	if err != nil {
		t.Fatal(err)
	}

	want := TextEmbedding{PromptEmbeds: prompt.To(ml.CPU, ml.DTypeBF16), PooledPromptEmbeds: pooled}

	bts, err := want.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	var got TextEmbedding
	if err := got.UnmarshalBinary(bts); err != nil {
		t.Fatal(err)
	}

	if got.PromptEmbeds.DType() != ml.DTypeBF16 {
		t.Errorf("dtype = %s, want BF16", got.PromptEmbeds.DType())
	}

	if diff := cmp.Diff(want.PromptEmbeds.Shape(), got.PromptEmbeds.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(want.PromptEmbeds.Floats(), got.PromptEmbeds.Floats()); diff != "" {
		t.Errorf("prompt_embeds mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(want.PooledPromptEmbeds.Floats(), got.PooledPromptEmbeds.Floats()); diff != "" {
		t.Errorf("pooled_prompt_embeds mismatch (-want +got):\n%s", diff)
	}

	if _, err := (TextEmbedding{}).MarshalBinary(); err == nil {
		t.Error("expected error for empty embedding")
	}
}

func TestRegistry(t *testing.T) {
	Register("test-family", Family{
		New: func(*config.Config, Components) (Model, error) { return nil, nil },
	})

	if _, ok := Lookup("test-family"); !ok {
		t.Fatal("registered family not found")
	}

	found := false
	for _, name := range Families() {
		if name == "test-family" {
			found = true
		}
	}

	if !found {
		t.Errorf("Families() = %v, missing test-family", Families())
	}

	cfg := config.Defaults()
	cfg.ModelFamily = "missing"
	if _, err := New(cfg, Components{}); err == nil {
		t.Error("expected error for unknown family")
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	Register("test-family", Family{})
}

func TestNewBaseDefaults(t *testing.T) {
	b := NewBase(config.Defaults(), Components{})
	if b.Device() != ml.CPU {
		t.Errorf("device = %q, want cpu", b.Device())
	}

	if b.Logger() == nil {
		t.Error("expected default logger")
	}

	if !b.Same(arch("a"), wrapped{arch("a")}) {
		t.Error("expected default SameFunc to unwrap modules")
	}
}

func TestSameModule(t *testing.T) {
	a, b := &struct{ arch }{"CLIPTextModelWithProjection"}, &struct{ arch }{"CLIPTextModelWithProjection"}

	if !SameModule(a, wrapped{a}) {
		t.Error("expected a wrapped module to match itself")
	}

	if SameModule(a, b) {
		t.Error("distinct modules of one architecture must not match")
	}

	if !SameArchitecture(a, b) {
		t.Error("expected architectures to match")
	}

	if SameModule(nil, a) {
		t.Error("nil must not match")
	}
}
