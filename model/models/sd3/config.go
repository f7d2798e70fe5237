package sd3

import (
	"log/slog"

	"github.com/ollama/tuner/config"
	"github.com/ollama/tuner/types/errtypes"
)

// bucketAlignment is the pixel alignment MM-DiT needs for aspect buckets.
const bucketAlignment = 64

// CheckUserConfig rejects options SD3 cannot train with and adjusts the
// ones it needs fixed.
func CheckUserConfig(cfg *config.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.BaseModelPrecision == "fp8-quanto" {
		return &errtypes.ConfigurationError{
			Model:  "SD3",
			Option: "base_model_precision",
			Value:  cfg.BaseModelPrecision,
			Reason: "use fp8-torchao or int8 precision level instead",
		}
	}

	if cfg.TokenizerMaxLength == nil || *cfg.TokenizerMaxLength > T5MaxLength {
		if !cfg.IKnowWhatIAmDoing {
			logger.Warn("updating T5 XXL tokenizer max length for SD3", "max_length", T5MaxLength)
			n := T5MaxLength
			cfg.TokenizerMaxLength = &n
		} else {
			logger.Warn("SD3 supports a limited T5 sequence length, not enforcing it because i_know_what_i_am_doing is set", "max_length", T5MaxLength)
			logger.Warn("the model will begin to collapse after a short period of time if the model being continued has not been tuned beyond the limit", "max_length", T5MaxLength)
		}
	}

	// SD3 ships its own VAE and has no compel support.
	cfg.PretrainedVAEModelNameOrPath = ""
	cfg.DisableCompel = true

	if cfg.AspectBucketAlignment != bucketAlignment {
		logger.Warn("MM-DiT requires a fixed aspect bucket alignment, overriding aspect_bucket_alignment", "from", cfg.AspectBucketAlignment, "to", bucketAlignment)
		cfg.AspectBucketAlignment = bucketAlignment
	}

	if cfg.SD3T5UncondBehaviour == nil {
		clip := cfg.SD3ClipUncondBehaviour
		cfg.SD3T5UncondBehaviour = &clip
	}

	logger.Info("SD3 embeds for unconditional captions", "t5", *cfg.SD3T5UncondBehaviour, "clip", cfg.SD3ClipUncondBehaviour)
	return nil
}
