package adapter

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ollama/tuner/ml"
)

const metadataKey = "__metadata__"

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// ReadSafetensors reads every tensor and the string metadata of a
// safetensors file.
func ReadSafetensors(path string) (StateDict, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	return parseSafetensors(f)
}

func parseSafetensors(r io.Reader) (StateDict, map[string]string, error) {
	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, nil, err
	}

	if n <= 0 || n > 100<<20 {
		return nil, nil, fmt.Errorf("invalid safetensors header length %d", n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, r, n); err != nil {
		return nil, nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&raw); err != nil {
		return nil, nil, err
	}

	var metadata map[string]string
	headers := make(map[string]safetensorMetadata, len(raw))
	for k, v := range raw {
		if k == metadataKey {
			if err := json.Unmarshal(v, &metadata); err != nil {
				return nil, nil, fmt.Errorf("%s: %w", metadataKey, err)
			}
			continue
		}

		var value safetensorMetadata
		if err := json.Unmarshal(v, &value); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", k, err)
		}
		headers[k] = value
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}

	sd := make(StateDict, len(headers))
	for k, value := range headers {
		if value.Type == "" {
			continue
		}

		if len(value.Offsets) != 2 || value.Offsets[0] < 0 || value.Offsets[1] < value.Offsets[0] || value.Offsets[1] > int64(len(data)) {
			return nil, nil, fmt.Errorf("%s: invalid data offsets %v", k, value.Offsets)
		}

		dtype, err := ml.ParseDType(value.Type)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", k, err)
		}

		shape := value.Shape
		if len(shape) == 0 {
			shape = []int{1}
		}

		t, err := ml.FromBytes(dtype, data[value.Offsets[0]:value.Offsets[1]], shape...)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", k, err)
		}

		sd[k] = t
	}

	return sd, metadata, nil
}

// WriteSafetensors writes sd in safetensors format. Tensors are stored in
// their own dtype, in sorted name order.
func WriteSafetensors(path string, sd StateDict, metadata map[string]string) error {
	if len(sd) == 0 {
		return errors.New("refusing to write an empty state dict")
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := writeSafetensors(w, sd, metadata); err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return err
	}

	return f.Close()
}

func writeSafetensors(w io.Writer, sd StateDict, metadata map[string]string) error {
	keys := sd.Keys()

	header := make(map[string]any, len(keys)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var offset int64
	for _, k := range keys {
		t := sd[k]
		size := int64(len(t.Bytes()))
		header[k] = safetensorMetadata{
			Type:    t.DType().String(),
			Shape:   t.Shape(),
			Offsets: []int64{offset, offset + size},
		}
		offset += size
	}

	bts, err := json.Marshal(header)
	if err != nil {
		return err
	}

	// the data section starts on an 8 byte boundary
	if pad := len(bts) % 8; pad != 0 {
		bts = append(bts, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, int64(len(bts))); err != nil {
		return err
	}

	if _, err := w.Write(bts); err != nil {
		return err
	}

	for _, k := range keys {
		if _, err := w.Write(sd[k].Bytes()); err != nil {
			return err
		}
	}

	return nil
}
