package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/ollama/tuner/ml"
)

// Config is the run configuration shared by the orchestrator and the model
// families. Field names follow the command line flags of the trainer so that
// existing config.json files load unchanged.
type Config struct {
	ModelFamily                  string `mapstructure:"model_family" json:"model_family,omitempty"`
	ModelFlavor                  string `mapstructure:"model_flavor" json:"model_flavor,omitempty"`
	ModelType                    string `mapstructure:"model_type" json:"model_type,omitempty"`
	PretrainedModelNameOrPath    string `mapstructure:"pretrained_model_name_or_path" json:"pretrained_model_name_or_path,omitempty"`
	PretrainedVAEModelNameOrPath string `mapstructure:"pretrained_vae_model_name_or_path" json:"pretrained_vae_model_name_or_path,omitempty"`
	OutputDir                    string `mapstructure:"output_dir" json:"output_dir,omitempty"`

	// MixedPrecision selects the weight dtype: "bf16", "fp16" or "no".
	MixedPrecision string `mapstructure:"mixed_precision" json:"mixed_precision,omitempty"`
	// BaseModelPrecision names the quantization applied to the frozen base model.
	BaseModelPrecision    string `mapstructure:"base_model_precision" json:"base_model_precision,omitempty"`
	BaseModelDefaultDtype string `mapstructure:"base_model_default_dtype" json:"base_model_default_dtype,omitempty"`

	// TokenizerMaxLength is the T5 sequence length. Nil means unset.
	TokenizerMaxLength *int `mapstructure:"tokenizer_max_length" json:"tokenizer_max_length,omitempty"`
	IKnowWhatIAmDoing  bool `mapstructure:"i_know_what_i_am_doing" json:"i_know_what_i_am_doing,omitempty"`

	DisableCompel         bool `mapstructure:"disable_compel" json:"disable_compel,omitempty"`
	AspectBucketAlignment int  `mapstructure:"aspect_bucket_alignment" json:"aspect_bucket_alignment,omitempty"`

	SD3ClipUncondBehaviour string  `mapstructure:"sd3_clip_uncond_behaviour" json:"sd3_clip_uncond_behaviour,omitempty"`
	SD3T5UncondBehaviour   *string `mapstructure:"sd3_t5_uncond_behaviour" json:"sd3_t5_uncond_behaviour,omitempty"`

	// T5Padding is "zero" to mask padding positions of the T5 embedding or
	// "unmodified" to keep the raw encoder output.
	T5Padding string `mapstructure:"t5_padding" json:"t5_padding,omitempty"`

	TrainTextEncoder bool    `mapstructure:"train_text_encoder" json:"train_text_encoder,omitempty"`
	LoraType         string  `mapstructure:"lora_type" json:"lora_type,omitempty"`
	LoraRank         int     `mapstructure:"lora_rank" json:"lora_rank,omitempty"`
	LoraAlpha        float64 `mapstructure:"lora_alpha" json:"lora_alpha,omitempty"`

	ValidationModelEvaluator            string `mapstructure:"validation_model_evaluator" json:"validation_model_evaluator,omitempty"`
	PretrainedValidationModelNameOrPath string `mapstructure:"pretrained_validation_model_name_or_path" json:"pretrained_validation_model_name_or_path,omitempty"`
}

const (
	T5PaddingZero       = "zero"
	T5PaddingUnmodified = "unmodified"
)

// Defaults returns the configuration used for any option a config file leaves out.
func Defaults() *Config {
	return &Config{
		ModelFamily:            "sd3",
		ModelType:              "lora",
		MixedPrecision:         "bf16",
		BaseModelPrecision:     "no_change",
		AspectBucketAlignment:  64,
		SD3ClipUncondBehaviour: "empty_string",
		T5Padding:              T5PaddingZero,
		LoraType:               "standard",
		LoraRank:               16,
		LoraAlpha:              16,
	}
}

// WeightDType is the dtype of trainable weights and of text embeddings
// handed to the denoiser.
func (c *Config) WeightDType() ml.DType {
	dt, err := ml.ParseDType(c.MixedPrecision)
	if err != nil {
		return ml.DTypeF32
	}

	return dt
}

// BaseWeightDType is the dtype of the frozen base model.
func (c *Config) BaseWeightDType() ml.DType {
	if c.BaseModelDefaultDtype != "" {
		if dt, err := ml.ParseDType(c.BaseModelDefaultDtype); err == nil {
			return dt
		}
	}

	return c.WeightDType()
}

// Load reads a JSON, YAML or TOML file on top of [Defaults]. Keys may be
// written as command line flags, e.g. "--lora_rank".
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	raw := make(map[string]any)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", "":
		err = json.Unmarshal(data, &raw)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		_, err = toml.NewDecoder(bytes.NewReader(data)).Decode(&raw)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg := Defaults()
	if err := Decode(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return cfg, nil
}

// Decode overlays raw onto cfg. Values are weakly typed so "true" and "16"
// decode into bool and int fields.
func Decode(raw map[string]any, cfg *Config) error {
	normalized := make(map[string]any, len(raw))
	for k, v := range raw {
		normalized[normalizeKey(k)] = v
	}

	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		Metadata:         &md,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}

	if err := dec.Decode(normalized); err != nil {
		return err
	}

	if len(md.Unused) > 0 {
		slog.Debug("ignoring unknown config keys", "keys", md.Unused)
	}

	return nil
}

func normalizeKey(k string) string {
	return strings.ReplaceAll(strings.TrimLeft(k, "-"), "-", "_")
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}
