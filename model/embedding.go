package model

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ollama/tuner/ml"
)

// TextEmbedding is the conditioning produced for a batch of prompts.
type TextEmbedding struct {
	// PromptEmbeds is the per-token embedding, [batch, seq, dim].
	PromptEmbeds ml.Tensor
	// PooledPromptEmbeds is the pooled embedding, [batch, dim].
	PooledPromptEmbeds ml.Tensor
}

type storedTensor struct {
	DType string    `cbor:"dtype"`
	Shape []int     `cbor:"shape"`
	Data  []float32 `cbor:"data"`
}

type storedEmbedding struct {
	PromptEmbeds       *storedTensor `cbor:"prompt_embeds"`
	PooledPromptEmbeds *storedTensor `cbor:"pooled_prompt_embeds,omitempty"`
}

func store(t ml.Tensor) *storedTensor {
	if t == nil {
		return nil
	}

	return &storedTensor{DType: t.DType().String(), Shape: t.Shape(), Data: t.Floats()}
}

func (s *storedTensor) tensor() (ml.Tensor, error) {
	if s == nil {
		return nil, nil
	}

	dt, err := ml.ParseDType(s.DType)
	if err != nil {
		return nil, err
	}

	t, err := ml.FromFloats(s.Data, s.Shape...)
	if err != nil {
		return nil, err
	}

	return t.To(ml.CPU, dt), nil
}

// MarshalBinary encodes the embedding as CBOR for the text embed cache.
func (e TextEmbedding) MarshalBinary() ([]byte, error) {
	if e.PromptEmbeds == nil {
		return nil, errors.New("text embedding has no prompt embeds")
	}

	return cbor.Marshal(storedEmbedding{
		PromptEmbeds:       store(e.PromptEmbeds),
		PooledPromptEmbeds: store(e.PooledPromptEmbeds),
	})
}

// UnmarshalBinary decodes an embedding written by MarshalBinary. Tensors are
// restored on the CPU.
func (e *TextEmbedding) UnmarshalBinary(data []byte) error {
	var s storedEmbedding
	if err := cbor.Unmarshal(data, &s); err != nil {
		return err
	}

	if s.PromptEmbeds == nil {
		return errors.New("text embedding has no prompt embeds")
	}

	prompt, err := s.PromptEmbeds.tensor()
	if err != nil {
		return fmt.Errorf("prompt_embeds: %w", err)
	}

	pooled, err := s.PooledPromptEmbeds.tensor()
	if err != nil {
		return fmt.Errorf("pooled_prompt_embeds: %w", err)
	}

	e.PromptEmbeds, e.PooledPromptEmbeds = prompt, pooled
	return nil
}
