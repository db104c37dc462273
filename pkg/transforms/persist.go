package transforms

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"neurocoreg/pkg/frames"
)

// transformFile is the on-disk layout. Frame names are informational; the
// codes are authoritative on load.
type transformFile struct {
	From     int         `yaml:"from"`
	To       int         `yaml:"to"`
	FromName string      `yaml:"fromName,omitempty"`
	ToName   string      `yaml:"toName,omitempty"`
	Trans    [][]float64 `yaml:"trans"`
}

// Marshal encodes t as YAML. Floats are written with the shortest
// representation that parses back to the same bits.
func Marshal(t Transform) ([]byte, error) {
	f := transformFile{
		From:     int(t.From),
		To:       int(t.To),
		FromName: t.From.Name(),
		ToName:   t.To.Name(),
		Trans:    make([][]float64, 4),
	}
	for i := range f.Trans {
		f.Trans[i] = append([]float64(nil), t.Matrix[i][:]...)
	}
	return yaml.Marshal(&f)
}

// Unmarshal decodes a transform written by Marshal.
func Unmarshal(data []byte) (Transform, error) {
	var f transformFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Transform{}, fmt.Errorf("error parsing transform: %w", err)
	}
	if len(f.Trans) != 4 {
		return Transform{}, &ShapeError{Rows: len(f.Trans), Cols: 4}
	}
	var a Affine
	for i, row := range f.Trans {
		if len(row) != 4 {
			return Transform{}, &ShapeError{Rows: 4, Cols: len(row)}
		}
		copy(a[i][:], row)
	}
	return Transform{From: frames.Frame(f.From), To: frames.Frame(f.To), Matrix: a}, nil
}

// Save writes t to path, creating parent directories as needed.
func Save(path string, t Transform) error {
	data, err := Marshal(t)
	if err != nil {
		return fmt.Errorf("error marshaling transform: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating transform directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing transform file: %w", err)
	}
	return nil
}

// Load reads a transform written by Save.
func Load(path string) (Transform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Transform{}, fmt.Errorf("error reading transform file: %w", err)
	}
	return Unmarshal(data)
}
