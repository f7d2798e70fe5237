package adapter

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/tuner/ml"
)

func names(keys ...string) StateDict {
	sd := make(StateDict, len(keys))
	for _, k := range keys {
		sd[k] = ml.Zeros(ml.DTypeF32, 1)
	}

	return sd
}

func TestConvertUNetToPEFT(t *testing.T) {
	sd := names(
		"transformer_blocks.0.attn.to_q_lora.down.weight",
		"transformer_blocks.0.attn.to_out_lora.up.weight",
		"transformer_blocks.0.attn.to_k.lora_A.weight",
		"transformer_blocks.0.ff.net.0.proj.lora.up.weight",
		"transformer_blocks.0.attn.to_out.lora_magnitude_vector",
	)

	want := []string{
		"transformer_blocks.0.attn.to_k.lora_A.weight",
		"transformer_blocks.0.attn.to_out.0.lora_B.weight",
		"transformer_blocks.0.attn.to_out.0.lora_magnitude_vector",
		"transformer_blocks.0.attn.to_q.lora_A.weight",
		"transformer_blocks.0.ff.net.0.proj.lora_B.weight",
	}

	if diff := cmp.Diff(want, ConvertUNetToPEFT(sd).Keys()); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectLayout(t *testing.T) {
	cases := []struct {
		keys []string
		want Layout
	}{
		{[]string{"text_model.encoder.layers.0.self_attn.to_out_lora.up.weight"}, LayoutDiffusersOld},
		{[]string{"text_model.encoder.layers.0.self_attn.q_proj.lora_linear_layer.up.weight"}, LayoutDiffusers},
		{[]string{"text_model.encoder.layers.0.self_attn.q_proj.lora_A.weight"}, LayoutPEFT},
		{[]string{"text_model.encoder.layers.0.self_attn.q_proj.weight"}, LayoutUnknown},
	}

	for _, tt := range cases {
		t.Run(tt.want.String(), func(t *testing.T) {
			if got := DetectLayout(names(tt.keys...)); got != tt.want {
				t.Errorf("DetectLayout = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestConvertTextEncoder(t *testing.T) {
	peft := names(
		"text_model.encoder.layers.0.self_attn.q_proj.lora_A.weight",
		"text_model.encoder.layers.0.self_attn.q_proj.lora_B.weight",
		"text_model.encoder.layers.0.self_attn.out_proj.lora_A.weight",
		"text_model.encoder.layers.0.self_attn.out_proj.lora_B.weight",
	)

	diffusers, err := ConvertToDiffusers(peft)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		"text_model.encoder.layers.0.self_attn.out_proj.lora_linear_layer.down.weight",
		"text_model.encoder.layers.0.self_attn.out_proj.lora_linear_layer.up.weight",
		"text_model.encoder.layers.0.self_attn.q_proj.lora_linear_layer.down.weight",
		"text_model.encoder.layers.0.self_attn.q_proj.lora_linear_layer.up.weight",
	}

	if diff := cmp.Diff(want, diffusers.Keys()); diff != "" {
		t.Errorf("diffusers keys mismatch (-want +got):\n%s", diff)
	}

	back, err := ConvertToPEFT(diffusers)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(peft.Keys(), back.Keys()); diff != "" {
		t.Errorf("peft keys mismatch (-want +got):\n%s", diff)
	}
}

func TestConvertOldDiffusers(t *testing.T) {
	old := names("text_model.encoder.layers.3.self_attn.to_k_lora.up.weight", "text_model.encoder.layers.3.self_attn.to_out_lora.down.weight")

	diffusers, err := ConvertToDiffusers(old)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{
		"text_model.encoder.layers.3.self_attn.k_proj.lora_linear_layer.up.weight",
		"text_model.encoder.layers.3.self_attn.out_proj.lora_linear_layer.down.weight",
	}, diffusers.Keys()); diff != "" {
		t.Errorf("diffusers keys mismatch (-want +got):\n%s", diff)
	}

	peft, err := ConvertToPEFT(old)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{
		"text_model.encoder.layers.3.self_attn.k_proj.lora_B.weight",
		"text_model.encoder.layers.3.self_attn.out_proj.lora_A.weight",
	}, peft.Keys()); diff != "" {
		t.Errorf("peft keys mismatch (-want +got):\n%s", diff)
	}
}

func TestConvertUnknownLayout(t *testing.T) {
	if _, err := ConvertToDiffusers(names("a.weight")); !errors.Is(err, ErrUnknownLayout) {
		t.Errorf("ConvertToDiffusers error = %v, want %v", err, ErrUnknownLayout)
	}

	if _, err := ConvertToPEFT(names("a.weight")); !errors.Is(err, ErrUnknownLayout) {
		t.Errorf("ConvertToPEFT error = %v, want %v", err, ErrUnknownLayout)
	}

	sd, err := ConvertToPEFT(StateDict{})
	if err != nil || len(sd) != 0 {
		t.Errorf("ConvertToPEFT(empty) = %v, %v", sd, err)
	}
}

func TestStateDictPrefixes(t *testing.T) {
	sd := names("transformer.a.weight", "text_encoder.b.weight", "text_encoder_2.c.weight")

	if diff := cmp.Diff([]string{"b.weight"}, sd.WithPrefix("text_encoder.").Keys()); diff != "" {
		t.Errorf("WithPrefix mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"x.a.weight"}, sd.WithPrefix("transformer.").AddPrefix("x.").Keys()); diff != "" {
		t.Errorf("AddPrefix mismatch (-want +got):\n%s", diff)
	}

	replaced := sd.Replace(strings.NewReplacer("text_encoder", "te"))
	if diff := cmp.Diff([]string{"te.b.weight", "te_2.c.weight", "transformer.a.weight"}, replaced.Keys()); diff != "" {
		t.Errorf("Replace mismatch (-want +got):\n%s", diff)
	}

	if n := sd.NumParams(); n != 3 {
		t.Errorf("NumParams = %d, want 3", n)
	}
}

type fakeTarget struct {
	state map[string]StateDict
}

func (f *fakeTarget) SetAdapterState(name string, sd StateDict) (IncompatibleKeys, error) {
	if f.state == nil {
		f.state = make(map[string]StateDict)
	}
	f.state[name] = sd
	return IncompatibleKeys{}, nil
}

func (f *fakeTarget) AdapterState(name string) (StateDict, error) {
	return f.state[name], nil
}

func TestSetTextEncoderState(t *testing.T) {
	sd := names(
		"transformer.transformer_blocks.0.attn.to_q.lora_A.weight",
		"text_encoder.text_model.encoder.layers.0.self_attn.q_proj.lora_A.weight",
		"text_encoder_2.text_model.encoder.layers.0.self_attn.v_proj.lora_B.weight",
	)

	var te1, te2 fakeTarget
	if _, err := SetTextEncoderState(sd, "text_encoder.", &te1); err != nil {
		t.Fatal(err)
	}

	if _, err := SetTextEncoderState(sd, "text_encoder_2", &te2); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"text_model.encoder.layers.0.self_attn.q_proj.lora_A.weight"}, te1.state[DefaultAdapterName].Keys()); diff != "" {
		t.Errorf("text_encoder mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"text_model.encoder.layers.0.self_attn.v_proj.lora_B.weight"}, te2.state[DefaultAdapterName].Keys()); diff != "" {
		t.Errorf("text_encoder_2 mismatch (-want +got):\n%s", diff)
	}

	var untouched fakeTarget
	if _, err := SetTextEncoderState(names("transformer.a.lora_A.weight"), "text_encoder.", &untouched); err != nil {
		t.Fatal(err)
	}

	if untouched.state != nil {
		t.Error("expected no adapter state for a checkpoint without text encoder weights")
	}

	diffusers, err := TextEncoderState(&te1)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"text_model.encoder.layers.0.self_attn.q_proj.lora_linear_layer.down.weight"}, diffusers.Keys()); diff != "" {
		t.Errorf("TextEncoderState mismatch (-want +got):\n%s", diff)
	}
}
