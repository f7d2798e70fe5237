package sd3

import (
	"context"
	"fmt"

	"github.com/ollama/tuner/config"
	"github.com/ollama/tuner/logutil"
	"github.com/ollama/tuner/ml"
	"github.com/ollama/tuner/model"
)

// EncodePrompts encodes prompts with both CLIP encoders and T5 and joins the
// results into the layout the transformer expects: the CLIP sequence
// embeddings are concatenated on the hidden axis, zero padded to the T5
// width and prepended to the T5 embedding on the sequence axis.
func (m *Model) EncodePrompts(ctx context.Context, prompts []string) (model.TextEmbedding, error) {
	if len(prompts) == 0 {
		return model.TextEmbedding{}, model.ErrNoPrompts
	}

	dtype := m.Config().WeightDType()

	var clipEmbeds, pooledEmbeds ml.Tensor
	for i := range 2 {
		embeds, pooled, err := m.encodeCLIP(ctx, i, prompts)
		if err != nil {
			return model.TextEmbedding{}, fmt.Errorf("%s: %w", TextEncoderConfiguration[i].Key, err)
		}

		embeds, pooled = embeds.To(m.Device(), dtype), pooled.To(m.Device(), dtype)
		if clipEmbeds == nil {
			clipEmbeds, pooledEmbeds = embeds, pooled
			continue
		}

		if clipEmbeds, err = clipEmbeds.Concat(embeds, -1); err != nil {
			return model.TextEmbedding{}, fmt.Errorf("clip prompt embeds: %w", err)
		}

		if pooledEmbeds, err = pooledEmbeds.Concat(pooled, -1); err != nil {
			return model.TextEmbedding{}, fmt.Errorf("clip pooled embeds: %w", err)
		}
	}

	t5Embeds, err := m.encodeT5(ctx, prompts)
	if err != nil {
		return model.TextEmbedding{}, fmt.Errorf("%s: %w", TextEncoderConfiguration[2].Key, err)
	}
	t5Embeds = t5Embeds.To(m.Device(), dtype)

	if clipEmbeds, err = clipEmbeds.Pad(-1, t5Embeds.Dim(-1)-clipEmbeds.Dim(-1)); err != nil {
		return model.TextEmbedding{}, fmt.Errorf("clip prompt embeds wider than t5: %w", err)
	}

	promptEmbeds, err := clipEmbeds.Concat(t5Embeds, -2)
	if err != nil {
		return model.TextEmbedding{}, fmt.Errorf("prompt embeds: %w", err)
	}

	m.Logger().Log(ctx, logutil.LevelTrace, "encoded prompts", "prompts", len(prompts), "prompt_embeds", promptEmbeds.Shape(), "pooled_prompt_embeds", pooledEmbeds.Shape())
	return model.TextEmbedding{PromptEmbeds: promptEmbeds, PooledPromptEmbeds: pooledEmbeds}, nil
}

// encodeCLIP returns the penultimate hidden state and the pooled output of
// the CLIP encoder at index i.
func (m *Model) encodeCLIP(ctx context.Context, i int, prompts []string) (ml.Tensor, ml.Tensor, error) {
	tokens, err := m.tokenizers[i].Tokenize(prompts, model.TokenizeOptions{
		MaxLength:        clipMaxLength,
		Truncation:       true,
		AddSpecialTokens: true,
	})
	if err != nil {
		return nil, nil, err
	}

	encoder := m.textEncoders[i]
	out, err := encoder.Encode(ctx, tokens.InputIDs.To(m.Device(), ml.DTypeI32), model.EncodeOptions{OutputHiddenStates: true})
	if err != nil {
		return nil, nil, err
	}

	if len(out.HiddenStates) < 2 {
		return nil, nil, fmt.Errorf("expected at least 2 hidden states, got %d", len(out.HiddenStates))
	}

	if out.Output == nil {
		return nil, nil, fmt.Errorf("missing pooled output")
	}

	embeds := out.HiddenStates[len(out.HiddenStates)-2].To(m.Device(), encoder.DType())
	if shape := embeds.Shape(); len(shape) != 3 || shape[0] != len(prompts) {
		return nil, nil, fmt.Errorf("unexpected hidden state shape %v for %d prompts", shape, len(prompts))
	}

	pooled := out.Output.To(m.Device(), encoder.DType())
	if shape := pooled.Shape(); len(shape) != 2 || shape[0] != len(prompts) {
		return nil, nil, fmt.Errorf("unexpected pooled output shape %v for %d prompts", shape, len(prompts))
	}

	return embeds, pooled, nil
}

// encodeT5 returns the T5 embedding. Padding positions are zeroed unless the
// run keeps the unmodified encoder output.
func (m *Model) encodeT5(ctx context.Context, prompts []string) (ml.Tensor, error) {
	maxLength := T5MaxLength
	if n := m.Config().TokenizerMaxLength; n != nil {
		maxLength = *n
	}

	tokens, err := m.tokenizers[2].Tokenize(prompts, model.TokenizeOptions{
		MaxLength:        maxLength,
		Truncation:       true,
		AddSpecialTokens: true,
	})
	if err != nil {
		return nil, err
	}

	encoder := m.textEncoders[2]
	out, err := encoder.Encode(ctx, tokens.InputIDs.To(m.Device(), ml.DTypeI32), model.EncodeOptions{})
	if err != nil {
		return nil, err
	}

	if out.Output == nil {
		return nil, fmt.Errorf("missing encoder output")
	}

	embeds := out.Output.To(m.Device(), encoder.DType())
	if shape := embeds.Shape(); len(shape) != 3 || shape[0] != len(prompts) {
		return nil, fmt.Errorf("unexpected output shape %v for %d prompts", shape, len(prompts))
	}

	if m.Config().T5Padding == config.T5PaddingUnmodified {
		return embeds, nil
	}

	mask, err := tokens.AttentionMask.To(m.Device(), embeds.DType()).Unsqueeze(-1).Expand(embeds.Shape()...)
	if err != nil {
		return nil, fmt.Errorf("attention mask: %w", err)
	}

	return embeds.Mul(mask)
}
