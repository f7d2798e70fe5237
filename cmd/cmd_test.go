package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"

	"github.com/ollama/tuner/adapter"
	"github.com/ollama/tuner/config"
	"github.com/ollama/tuner/ml"
	_ "github.com/ollama/tuner/model/models"
)

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	cli := NewCLI()
	cli.SetArgs(args)
	cli.SetOut(&stdout)
	cli.SetErr(&stderr)

	err := cli.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestValidate(t *testing.T) {
	dir := fs.NewDir(t, "validate",
		fs.WithFile("config.yaml", `
--model_family: sd3
--model_flavor: large
--tokenizer_max_length: 300
--aspect_bucket_alignment: 32
--sd3_clip_uncond_behaviour: zeros
`))

	out := filepath.Join(dir.Path(), "validated.json")
	stdout, stderr, err := run(t, "validate", dir.Join("config.yaml"), "--output", out)
	assert.NilError(t, err)

	assert.Assert(t, is.Contains(stdout, "stabilityai/stable-diffusion-3.5-large"))
	assert.Assert(t, is.Contains(stdout, "154"))
	assert.Assert(t, is.Contains(stderr, "aspect_bucket_alignment"))

	cfg, err := config.Load(out)
	assert.NilError(t, err)
	assert.Equal(t, *cfg.TokenizerMaxLength, 154)
	assert.Equal(t, cfg.AspectBucketAlignment, 64)
	assert.Equal(t, *cfg.SD3T5UncondBehaviour, "zeros")
	assert.Assert(t, cfg.DisableCompel)
}

func TestValidateErrors(t *testing.T) {
	dir := fs.NewDir(t, "validate",
		fs.WithFile("quanto.json", `{"model_family": "sd3", "base_model_precision": "fp8-quanto"}`),
		fs.WithFile("family.json", `{"model_family": "sdxl"}`),
		fs.WithFile("evaluator.json", `{"validation_model_evaluator": "aesthetic"}`),
	)

	_, _, err := run(t, "validate", dir.Join("quanto.json"))
	assert.ErrorContains(t, err, "fp8-quanto")

	_, _, err = run(t, "validate", dir.Join("family.json"))
	assert.ErrorContains(t, err, `unsupported model family "sdxl"`)

	_, _, err = run(t, "validate", dir.Join("evaluator.json"))
	assert.ErrorContains(t, err, "unknown validation model evaluator")
}

func TestListLoRA(t *testing.T) {
	dir := fs.NewDir(t, "lora")

	w, err := ml.FromFloats(make([]float32, 64), 4, 16)
	assert.NilError(t, err)

	sd := make(adapter.StateDict)
	for _, k := range []string{
		"transformer.transformer_blocks.0.attn.to_q.lora_A.weight",
		"transformer.transformer_blocks.0.attn.to_q.lora_B.weight",
		"text_encoder.text_model.encoder.layers.0.self_attn.q_proj.lora_linear_layer.up.weight",
	} {
		sd[k] = w
	}

	_, err = adapter.SaveCheckpoint(dir.Path(), sd, nil)
	assert.NilError(t, err)

	stdout, _, err := run(t, "lora", "ls", dir.Path())
	assert.NilError(t, err)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	assert.Equal(t, len(lines), 3, stdout)
	assert.Assert(t, is.Contains(lines[1], "text_encoder"))
	assert.Assert(t, is.Contains(lines[1], "diffusers"))
	assert.Assert(t, is.Contains(lines[2], "transformer"))
	assert.Assert(t, is.Contains(lines[2], "peft"))
	assert.Assert(t, is.Contains(lines[2], "128"))

	_, _, err = run(t, "lora", "ls", fs.NewDir(t, "empty").Path())
	assert.ErrorIs(t, err, adapter.ErrNoCheckpoint)
}

func TestListModels(t *testing.T) {
	stdout, _, err := run(t, "models")
	assert.NilError(t, err)
	assert.Assert(t, is.Contains(stdout, "stabilityai/stable-diffusion-3.5-medium"))
	assert.Assert(t, is.Contains(stdout, "stabilityai/stable-diffusion-3.5-large"))
	assert.Assert(t, is.Contains(stdout, "text2img,img2img"))
	assert.Assert(t, is.Contains(stdout, "to_k,to_q,to_v,to_out.0"))
}

func TestEnv(t *testing.T) {
	stdout, _, err := run(t, "env")
	assert.NilError(t, err)
	assert.Assert(t, is.Contains(stdout, "TUNER_LOG_LEVEL"))
	assert.Assert(t, is.Contains(stdout, "TUNER_RANK"))
}
