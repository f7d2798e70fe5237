package model

// PredictionType is the training objective of a model family.
type PredictionType string

const (
	PredictionEpsilon      PredictionType = "epsilon"
	PredictionVPrediction  PredictionType = "v_prediction"
	PredictionSample       PredictionType = "sample"
	PredictionFlowMatching PredictionType = "flow_matching"
)

// ModelType is the kind of denoiser a family trains.
type ModelType string

const (
	ModelTypeUNet        ModelType = "unet"
	ModelTypeTransformer ModelType = "transformer"
)

// PipelineType selects an inference pipeline used for validation.
type PipelineType string

const (
	PipelineText2Img   PipelineType = "text2img"
	PipelineImg2Img    PipelineType = "img2img"
	PipelineControlNet PipelineType = "controlnet"
)

// TextEncoderConfig describes where a text encoder and its tokenizer live
// inside a pretrained model repository.
type TextEncoderConfig struct {
	// Key is the pipeline component name, e.g. "text_encoder_2".
	Key                string
	Name               string
	Subfolder          string
	TokenizerSubfolder string
	Tokenizer          string
	Model              string
}
