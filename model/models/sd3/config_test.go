package sd3

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/tuner/config"
	"github.com/ollama/tuner/types/errtypes"
)

func checkConfig(t *testing.T, cfg *config.Config) ([]string, error) {
	t.Helper()

	var buf bytes.Buffer
	err := CheckUserConfig(cfg, slog.New(slog.NewTextHandler(&buf, nil)))

	var warnings []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "level=WARN") {
			warnings = append(warnings, line)
		}
	}

	return warnings, err
}

func intPtr(n int) *int { return &n }

func TestCheckUserConfigFP8Quanto(t *testing.T) {
	cfg := config.Defaults()
	cfg.BaseModelPrecision = "fp8-quanto"

	_, err := checkConfig(t, cfg)

	var cerr *errtypes.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "base_model_precision", cerr.Option)
	assert.Contains(t, err.Error(), "fp8-torchao")
}

func TestCheckUserConfigTokenizerMaxLength(t *testing.T) {
	cases := []struct {
		name      string
		maxLength *int
		override  bool
		want      *int
		warnings  int
	}{
		{"unset", nil, false, intPtr(154), 1},
		{"clamped", intPtr(300), false, intPtr(154), 1},
		{"kept with override", intPtr(300), true, intPtr(300), 2},
		{"unset with override", nil, true, nil, 2},
		{"within limit", intPtr(77), false, intPtr(77), 0},
		{"at limit", intPtr(154), true, intPtr(154), 0},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.TokenizerMaxLength = tt.maxLength
			cfg.IKnowWhatIAmDoing = tt.override

			warnings, err := checkConfig(t, cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.TokenizerMaxLength)
			assert.Len(t, warnings, tt.warnings)
		})
	}
}

func TestCheckUserConfigOverrides(t *testing.T) {
	cfg := config.Defaults()
	cfg.TokenizerMaxLength = intPtr(154)
	cfg.PretrainedVAEModelNameOrPath = "madebyollin/sdxl-vae-fp16-fix"
	cfg.AspectBucketAlignment = 8
	cfg.SD3ClipUncondBehaviour = "zeros"

	warnings, err := checkConfig(t, cfg)
	require.NoError(t, err)

	assert.Empty(t, cfg.PretrainedVAEModelNameOrPath)
	assert.True(t, cfg.DisableCompel)
	assert.Equal(t, 64, cfg.AspectBucketAlignment)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "aspect_bucket_alignment")

	require.NotNil(t, cfg.SD3T5UncondBehaviour)
	assert.Equal(t, "zeros", *cfg.SD3T5UncondBehaviour)

	// an explicit T5 behaviour is kept
	t5 := "empty_string"
	cfg.SD3T5UncondBehaviour = &t5
	_, _ = checkConfig(t, cfg)
	assert.Equal(t, "empty_string", *cfg.SD3T5UncondBehaviour)
}
