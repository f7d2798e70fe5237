// Package sd3 adapts the Stable Diffusion 3 family to the training framework.
package sd3

import (
	"errors"
	"fmt"

	"github.com/ollama/tuner/config"
	"github.com/ollama/tuner/model"
)

const (
	PredictionType     = model.PredictionFlowMatching
	ModelType          = model.ModelTypeTransformer
	LatentChannelCount = 16
	ModelSubfolder     = "transformer"
	DefaultModelFlavor = "medium"

	// clipMaxLength is the sequence length of both CLIP encoders.
	clipMaxLength = 77
	// T5MaxLength is the longest T5 sequence SD3 was trained on.
	T5MaxLength = 154
)

var (
	DefaultLoraTarget    = []string{"to_k", "to_q", "to_v", "to_out.0"}
	DefaultLycorisTarget = []string{"Attention"}

	HuggingFacePaths = map[string]string{
		"medium": "stabilityai/stable-diffusion-3.5-medium",
		"large":  "stabilityai/stable-diffusion-3.5-large",
	}

	PipelineClasses = map[model.PipelineType]string{
		model.PipelineText2Img: "StableDiffusion3Pipeline",
		model.PipelineImg2Img:  "StableDiffusion3Img2ImgPipeline",
	}

	TextEncoderConfiguration = []model.TextEncoderConfig{
		{
			Key:                "text_encoder",
			Name:               "CLIP-L/14",
			TokenizerSubfolder: "tokenizer",
			Tokenizer:          "CLIPTokenizer",
			Model:              "CLIPTextModelWithProjection",
		},
		{
			Key:                "text_encoder_2",
			Name:               "CLIP-G/14",
			Subfolder:          "text_encoder_2",
			TokenizerSubfolder: "tokenizer_2",
			Tokenizer:          "CLIPTokenizer",
			Model:              "CLIPTextModelWithProjection",
		},
		{
			Key:                "text_encoder_3",
			Name:               "T5 XXL v1.1",
			Subfolder:          "text_encoder_3",
			TokenizerSubfolder: "tokenizer_3",
			Tokenizer:          "T5TokenizerFast",
			Model:              "T5EncoderModel",
		},
	}
)

// Model holds the three text encoders and the transformer of an SD3 model.
// Index 0 is CLIP-L, index 1 is CLIP-G and index 2 is T5-XXL.
type Model struct {
	model.Base

	tokenizers   [3]model.Tokenizer
	textEncoders [3]model.TextEncoder
	denoiser     model.Denoiser
}

var _ model.Model = (*Model)(nil)

// New validates cfg and builds the model from its collaborators.
func New(cfg *config.Config, c model.Components) (model.Model, error) {
	if len(c.Tokenizers) != len(TextEncoderConfiguration) || len(c.TextEncoders) != len(TextEncoderConfiguration) {
		return nil, fmt.Errorf("sd3 requires %d tokenizers and text encoders, got %d and %d",
			len(TextEncoderConfiguration), len(c.Tokenizers), len(c.TextEncoders))
	}

	if c.Denoiser == nil {
		return nil, errors.New("sd3 requires a transformer")
	}

	m := Model{
		Base:     model.NewBase(cfg, c),
		denoiser: c.Denoiser,
	}

	copy(m.tokenizers[:], c.Tokenizers)
	copy(m.textEncoders[:], c.TextEncoders)

	for i := range m.tokenizers {
		if m.tokenizers[i] == nil || m.textEncoders[i] == nil {
			return nil, fmt.Errorf("sd3: %s is not loaded", TextEncoderConfiguration[i].Key)
		}
	}

	if err := CheckUserConfig(cfg, m.Logger()); err != nil {
		return nil, err
	}

	return &m, nil
}

func init() {
	model.Register("sd3", model.Family{
		New:             New,
		CheckUserConfig: CheckUserConfig,
		DefaultFlavor:   DefaultModelFlavor,
		Flavors:         HuggingFacePaths,
		Pipelines:       PipelineClasses,
		LoraTarget:      DefaultLoraTarget,
		LycorisTarget:   DefaultLycorisTarget,
	})
}
