package watermark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
)

// FileBackend stores the document as an indented JSON object on disk.
type FileBackend struct {
	Path string
}

func (f FileBackend) Describe() string { return "file:" + f.Path }

// Load reads the JSON object at Path. A missing file is an empty document.
// Non-integer values are skipped with a warning; a malformed file is an
// error.
func (f FileBackend) Load(context.Context) (map[string]int64, error) {
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeDocument(b, f.Describe())
}

// Save writes m to a temporary file next to Path and renames it into place.
func (f FileBackend) Save(_ context.Context, m map[string]int64) error {
	b, err := encodeDocument(m)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}

// encodeDocument renders m as an indented JSON object with sorted keys.
func encodeDocument(m map[string]int64) ([]byte, error) {
	if m == nil {
		m = map[string]int64{}
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// decodeDocument parses a JSON watermark document.
func decodeDocument(b []byte, source string) (map[string]int64, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", source, err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, ok := v.(json.Number)
		if !ok {
			log.Printf("watermark: WARNING %s: key=%s has non-numeric value %v, ignored", source, k, v)
			continue
		}
		i, err := n.Int64()
		if err != nil {
			log.Printf("watermark: WARNING %s: key=%s value %s is not an integer, ignored", source, k, n)
			continue
		}
		out[k] = i
	}
	return out, nil
}
