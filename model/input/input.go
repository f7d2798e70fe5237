package input

import "github.com/ollama/tuner/ml"

// Batch holds the tensors the orchestrator prepared for one training step.
type Batch struct {
	// NoisyLatents are the latents after the flow matching noise was
	// applied, [batch, channels, height, width].
	NoisyLatents ml.Tensor

	// Timesteps holds one timestep per batch element.
	Timesteps ml.Tensor

	// EncoderHiddenStates is the prompt_embeds part of the text embedding.
	EncoderHiddenStates ml.Tensor

	// AddTextEmbeds is the pooled_prompt_embeds part of the text embedding.
	AddTextEmbeds ml.Tensor
}

// Prediction is the output of a model forward pass.
type Prediction struct {
	ModelPrediction ml.Tensor
}
