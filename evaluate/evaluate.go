// Package evaluate scores validation images against their prompts.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ollama/tuner/config"
)

// Embedder projects images and prompts into a shared embedding space.
type Embedder interface {
	EmbedImages(ctx context.Context, model string, images []image.Image) ([][]float64, error)
	EmbedTexts(ctx context.Context, model string, prompts []string) ([][]float64, error)
}

type Evaluator interface {
	// Evaluate scores each image against the prompt at the same index and
	// returns the mean score.
	Evaluate(ctx context.Context, images []image.Image, prompts []string) (float64, error)
}

type NewFunc func(pretrained string, e Embedder) Evaluator

var evaluators = map[string]NewFunc{
	"clip": NewCLIP,
}

// Names returns the evaluators selectable with validation_model_evaluator.
func Names() []string {
	names := maps.Keys(evaluators)
	slices.Sort(names)
	return names
}

// FromConfig returns the evaluator selected by the run configuration, or nil
// if none is selected. Only the main process evaluates.
func FromConfig(cfg *config.Config, mainProcess bool, e Embedder) (Evaluator, error) {
	if !mainProcess {
		return nil, nil
	}

	name := strings.ToLower(strings.TrimSpace(cfg.ValidationModelEvaluator))
	if name == "" || name == "none" {
		return nil, nil
	}

	fn, ok := evaluators[name]
	if !ok {
		return nil, fmt.Errorf("unknown validation model evaluator %q, expected one of %s", cfg.ValidationModelEvaluator, strings.Join(Names(), ", "))
	}

	if e == nil {
		return nil, errors.New("validation model evaluator requires an embedder")
	}

	slog.Debug("using validation model evaluator", "name", name, "model", cfg.PretrainedValidationModelNameOrPath)
	return fn(cfg.PretrainedValidationModelNameOrPath, e), nil
}

const DefaultCLIPModel = "openai/clip-vit-large-patch14-336"

// CLIP computes the CLIP score: 100 times the cosine similarity of image and
// prompt embeddings, clamped at zero.
type CLIP struct {
	model    string
	embedder Embedder
}

func NewCLIP(pretrained string, e Embedder) Evaluator {
	if pretrained == "" {
		pretrained = DefaultCLIPModel
	}

	return &CLIP{model: pretrained, embedder: e}
}

func (c *CLIP) Evaluate(ctx context.Context, images []image.Image, prompts []string) (float64, error) {
	if len(images) == 0 || len(images) != len(prompts) {
		return 0, fmt.Errorf("clip score needs one prompt per image, got %d images and %d prompts", len(images), len(prompts))
	}

	imageEmbeds, err := c.embedder.EmbedImages(ctx, c.model, images)
	if err != nil {
		return 0, fmt.Errorf("embedding images: %w", err)
	}

	textEmbeds, err := c.embedder.EmbedTexts(ctx, c.model, prompts)
	if err != nil {
		return 0, fmt.Errorf("embedding prompts: %w", err)
	}

	if len(imageEmbeds) != len(images) || len(textEmbeds) != len(prompts) {
		return 0, errors.New("embedder returned the wrong number of embeddings")
	}

	scores := make([]float64, len(images))
	for i := range scores {
		s, err := score(imageEmbeds[i], textEmbeds[i])
		if err != nil {
			return 0, fmt.Errorf("image %d: %w", i, err)
		}

		scores[i] = s
	}

	return stat.Mean(scores, nil), nil
}

func score(a, b []float64) (float64, error) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, fmt.Errorf("embedding widths %d and %d differ", len(a), len(b))
	}

	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0, nil
	}

	return 100 * math.Max(floats.Dot(a, b)/(na*nb), 0), nil
}
