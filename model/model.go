package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/exp/maps"

	"github.com/ollama/tuner/config"
	"github.com/ollama/tuner/ml"
	"github.com/ollama/tuner/model/input"
)

var ErrNoPrompts = errors.New("at least one prompt is required")

// Model adapts a model family to the training framework: it encodes prompts,
// runs the denoiser and routes adapter weights to its sub-models.
type Model interface {
	EncodePrompts(ctx context.Context, prompts []string) (TextEmbedding, error)

	// FormatTextEmbedding converts an embedding into the form stored by the
	// text embed cache.
	FormatTextEmbedding(TextEmbedding) TextEmbedding
	// ConvertTextEmbedForPipeline converts a stored embedding into the
	// keyword arguments of the inference pipeline.
	ConvertTextEmbedForPipeline(TextEmbedding) map[string]ml.Tensor
	ConvertNegativeTextEmbedForPipeline(embedding TextEmbedding, prompt string) map[string]ml.Tensor

	Predict(context.Context, input.Batch) (input.Prediction, error)

	LoadLoRAWeights(models []Module, dir string) error
	SaveLoRAWeights(models []Module, dir string) error

	Config() *config.Config
}

// Components are the collaborators the orchestrator loaded for a model.
type Components struct {
	// Tokenizers and TextEncoders are index aligned.
	Tokenizers   []Tokenizer
	TextEncoders []TextEncoder
	Denoiser     Denoiser

	// Device tensors are placed on. Defaults to the CPU.
	Device ml.Device
	// Same compares sub-models during adapter routing. Defaults to [SameModule].
	Same SameFunc
	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Base implements the common fields and methods for all models
type Base struct {
	config *config.Config
	device ml.Device
	same   SameFunc
	logger *slog.Logger
}

func NewBase(cfg *config.Config, c Components) Base {
	b := Base{config: cfg, device: c.Device, same: c.Same, logger: c.Logger}
	if b.device == "" {
		b.device = ml.CPU
	}

	if b.same == nil {
		b.same = SameModule
	}

	if b.logger == nil {
		b.logger = slog.Default()
	}

	return b
}

func (m *Base) Config() *config.Config {
	return m.config
}

func (m *Base) Device() ml.Device {
	return m.device
}

func (m *Base) Same(a, b Module) bool {
	return m.same(a, b)
}

func (m *Base) Logger() *slog.Logger {
	return m.logger
}

// Family describes a registered model family.
type Family struct {
	New func(*config.Config, Components) (Model, error)

	// CheckUserConfig validates and adjusts a run configuration in place.
	CheckUserConfig func(*config.Config, *slog.Logger) error

	DefaultFlavor string
	// Flavors maps a flavor name to its pretrained model path.
	Flavors map[string]string

	// Pipelines maps a pipeline type to the name of its inference pipeline.
	Pipelines map[PipelineType]string

	// LoraTarget and LycorisTarget name the modules adapters attach to
	// when the run configuration does not.
	LoraTarget    []string
	LycorisTarget []string
}

var families = make(map[string]Family)

// Register registers a model family under name
func Register(name string, f Family) {
	if _, ok := families[name]; ok {
		panic("model: model already registered")
	}

	families[name] = f
}

func Lookup(name string) (Family, bool) {
	f, ok := families[name]
	return f, ok
}

// Families returns the registered family names in sorted order.
func Families() []string {
	names := maps.Keys(families)
	slices.Sort(names)
	return names
}

// New initializes the model family named by the run configuration.
func New(cfg *config.Config, c Components) (Model, error) {
	f, ok := families[cfg.ModelFamily]
	if !ok {
		return nil, fmt.Errorf("unsupported model family %q", cfg.ModelFamily)
	}

	return f.New(cfg, c)
}
