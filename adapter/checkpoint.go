package adapter

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	WeightName       = "pytorch_lora_weights.safetensors"
	LegacyWeightName = "pytorch_lora_weights.bin"
)

// ErrNoCheckpoint is returned when a directory holds no adapter weights.
var ErrNoCheckpoint = errors.New("no lora weights found")

// Checkpoint is an adapter state dict read from disk.
type Checkpoint struct {
	Path     string
	Metadata map[string]string
	StateDict
}

// FindCheckpoint returns the path of the adapter weights in dir, preferring
// safetensors over the pickled format.
func FindCheckpoint(dir string) (string, error) {
	for _, name := range []string{WeightName, LegacyWeightName} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}

	return "", fmt.Errorf("%w in %s", ErrNoCheckpoint, dir)
}

// LoadCheckpoint reads the adapter weights saved in dir.
func LoadCheckpoint(dir string) (*Checkpoint, error) {
	p, err := FindCheckpoint(dir)
	if err != nil {
		return nil, err
	}

	slog.Debug("loading lora checkpoint", "path", p)

	c := Checkpoint{Path: p}
	switch filepath.Ext(p) {
	case ".safetensors":
		c.StateDict, c.Metadata, err = ReadSafetensors(p)
	default:
		c.StateDict, err = ReadTorch(p)
	}

	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}

	return &c, nil
}

// SaveCheckpoint writes sd to dir as safetensors and returns the file path.
func SaveCheckpoint(dir string, sd StateDict, metadata map[string]string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	if metadata == nil {
		metadata = make(map[string]string)
	}

	if _, ok := metadata["format"]; !ok {
		metadata["format"] = "pt"
	}

	p := filepath.Join(dir, WeightName)
	if err := WriteSafetensors(p, sd, metadata); err != nil {
		return "", err
	}

	slog.Debug("saved lora checkpoint", "path", p, "tensors", len(sd))
	return p, nil
}
