package sd3

import (
	"github.com/ollama/tuner/ml"
	"github.com/ollama/tuner/model"
)

// FormatTextEmbedding drops the leading batch axis of the pooled embedding
// of a single prompt before it is cached.
func (m *Model) FormatTextEmbedding(e model.TextEmbedding) model.TextEmbedding {
	if e.PooledPromptEmbeds != nil {
		e.PooledPromptEmbeds = e.PooledPromptEmbeds.Squeeze(0)
	}

	return e
}

func (m *Model) ConvertTextEmbedForPipeline(e model.TextEmbedding) map[string]ml.Tensor {
	return map[string]ml.Tensor{
		"prompt_embeds":        e.PromptEmbeds.Unsqueeze(0),
		"pooled_prompt_embeds": e.PooledPromptEmbeds.Unsqueeze(0),
	}
}

// ConvertNegativeTextEmbedForPipeline is [Model.ConvertTextEmbedForPipeline]
// for the negative prompt. SD3 does not use the prompt text.
func (m *Model) ConvertNegativeTextEmbedForPipeline(e model.TextEmbedding, _ string) map[string]ml.Tensor {
	return map[string]ml.Tensor{
		"negative_prompt_embeds":        e.PromptEmbeds.Unsqueeze(0),
		"negative_pooled_prompt_embeds": e.PooledPromptEmbeds.Unsqueeze(0),
	}
}
