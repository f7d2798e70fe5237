package sd3

import (
	"context"
	"errors"
	"fmt"

	"github.com/ollama/tuner/model"
	"github.com/ollama/tuner/model/input"
)

// Predict runs the transformer on a prepared batch. Latents and encoder
// hidden states use the base model precision, pooled projections use the
// trainable weight precision.
func (m *Model) Predict(ctx context.Context, batch input.Batch) (input.Prediction, error) {
	if batch.NoisyLatents == nil || batch.Timesteps == nil || batch.EncoderHiddenStates == nil || batch.AddTextEmbeds == nil {
		return input.Prediction{}, errors.New("sd3: incomplete batch")
	}

	m.Logger().DebugContext(ctx, "input shapes",
		"noisy_latents", batch.NoisyLatents.Shape(),
		"timesteps", batch.Timesteps.Shape(),
		"encoder_hidden_states", batch.EncoderHiddenStates.Shape(),
		"add_text_embeds", batch.AddTextEmbeds.Shape())

	cfg := m.Config()
	out, err := m.denoiser.Forward(ctx, model.DenoiserInput{
		HiddenStates:        batch.NoisyLatents.To(m.Device(), cfg.BaseWeightDType()),
		Timestep:            batch.Timesteps,
		EncoderHiddenStates: batch.EncoderHiddenStates.To(m.Device(), cfg.BaseWeightDType()),
		PooledProjections:   batch.AddTextEmbeds.To(m.Device(), cfg.WeightDType()),
	})
	if err != nil {
		return input.Prediction{}, fmt.Errorf("sd3 transformer: %w", err)
	}

	return input.Prediction{ModelPrediction: out}, nil
}
