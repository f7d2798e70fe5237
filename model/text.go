package model

import (
	"context"

	"github.com/ollama/tuner/ml"
)

// TokenizeOptions mirror the padding and truncation switches of Hugging Face tokenizers.
type TokenizeOptions struct {
	// MaxLength pads every sequence to exactly MaxLength tokens.
	MaxLength int
	// Truncation drops tokens past MaxLength instead of failing.
	Truncation bool
	// AddSpecialTokens appends the tokenizer's BOS/EOS tokens.
	AddSpecialTokens bool
}

// TokenBatch is a padded batch of token ids.
type TokenBatch struct {
	// InputIDs is an I32 tensor of shape [batch, MaxLength].
	InputIDs ml.Tensor
	// AttentionMask is 1 for real tokens and 0 for padding, shape [batch, MaxLength].
	AttentionMask ml.Tensor
}

type Tokenizer interface {
	Tokenize(prompts []string, opts TokenizeOptions) (TokenBatch, error)
}

type EncodeOptions struct {
	// OutputHiddenStates requests the output of every layer.
	OutputHiddenStates bool
}

// EncoderOutput is the result of a text encoder forward pass.
type EncoderOutput struct {
	// Output is the primary output: the projected pooled embedding
	// [batch, dim] for CLIP, the last hidden state [batch, seq, dim] for T5.
	Output ml.Tensor
	// HiddenStates holds the embedding output followed by the output of each
	// layer, [batch, seq, dim] each. Only set when requested.
	HiddenStates []ml.Tensor
}

type TextEncoder interface {
	Module
	// DType is the native precision of the encoder weights.
	DType() ml.DType
	Encode(ctx context.Context, inputIDs ml.Tensor, opts EncodeOptions) (EncoderOutput, error)
}
