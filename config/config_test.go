package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/tuner/ml"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadFormats(t *testing.T) {
	cases := map[string]string{
		"config.json": `{
			"--model_family": "sd3",
			"--model_flavor": "large",
			"--tokenizer_max_length": 300,
			"--i_know_what_i_am_doing": "true",
			"--train_text_encoder": true,
			"--lora_rank": "64",
			"--some_unrelated_option": 1
		}`,
		"config.yaml": `
model_family: sd3
model_flavor: large
tokenizer_max_length: 300
i_know_what_i_am_doing: true
train_text_encoder: true
lora_rank: 64
`,
		"config.toml": `
model_family = "sd3"
model-flavor = "large"
tokenizer_max_length = 300
i_know_what_i_am_doing = true
train_text_encoder = true
lora_rank = 64
`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, name, content))
			require.NoError(t, err)

			assert.Equal(t, "sd3", cfg.ModelFamily)
			assert.Equal(t, "large", cfg.ModelFlavor)
			require.NotNil(t, cfg.TokenizerMaxLength)
			assert.Equal(t, 300, *cfg.TokenizerMaxLength)
			assert.True(t, cfg.IKnowWhatIAmDoing)
			assert.True(t, cfg.TrainTextEncoder)
			assert.Equal(t, 64, cfg.LoraRank)

			// untouched options keep their defaults
			assert.Equal(t, 64, cfg.AspectBucketAlignment)
			assert.Equal(t, T5PaddingZero, cfg.T5Padding)
			assert.Nil(t, cfg.SD3T5UncondBehaviour)
		})
	}
}

func TestLoadNull(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.json", `{"tokenizer_max_length": null, "sd3_t5_uncond_behaviour": null}`))
	require.NoError(t, err)
	assert.Nil(t, cfg.TokenizerMaxLength)
	assert.Nil(t, cfg.SD3T5UncondBehaviour)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(writeFile(t, "config.ini", "a=b"))
	require.Error(t, err)

	_, err = Load(writeFile(t, "config.json", "{"))
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSaveRoundTrip(t *testing.T) {
	n := 154
	cfg := Defaults()
	cfg.TokenizerMaxLength = &n
	cfg.PretrainedModelNameOrPath = "stabilityai/stable-diffusion-3.5-medium"

	p := filepath.Join(t.TempDir(), "out", "config.json")
	require.NoError(t, cfg.Save(p))

	loaded, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestDTypes(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, ml.DTypeBF16, cfg.WeightDType())
	assert.Equal(t, ml.DTypeBF16, cfg.BaseWeightDType())

	cfg.MixedPrecision = "no"
	assert.Equal(t, ml.DTypeF32, cfg.WeightDType())

	cfg.MixedPrecision = "fp16"
	cfg.BaseModelDefaultDtype = "fp32"
	assert.Equal(t, ml.DTypeF16, cfg.WeightDType())
	assert.Equal(t, ml.DTypeF32, cfg.BaseWeightDType())
}
