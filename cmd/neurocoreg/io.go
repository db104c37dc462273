package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"neurocoreg/internal/models"
	"neurocoreg/pkg/frames"
)

// pointsFile is a bare point cloud in a named frame.
type pointsFile struct {
	Frame  string       `yaml:"frame"`
	Points [][3]float64 `yaml:"points"`
}

// montageFile is a named point set with optional fiducials.
type montageFile struct {
	Frame     string       `yaml:"frame"`
	Names     []string     `yaml:"names"`
	Positions [][3]float64 `yaml:"positions"`
	Fiducials *struct {
		Nasion [3]float64 `yaml:"nasion"`
		LPA    [3]float64 `yaml:"lpa"`
		RPA    [3]float64 `yaml:"rpa"`
	} `yaml:"fiducials,omitempty"`
}

// volumeFile stores voxels x-fastest with the voxel to RAS affine.
type volumeFile struct {
	Shape  [3]int        `yaml:"shape"`
	Affine [4][4]float64 `yaml:"affine"`
	Data   []float64     `yaml:"data,flow"`
}

func toVecs(a [][3]float64) []r3.Vec {
	out := make([]r3.Vec, len(a))
	for i, p := range a {
		out[i] = r3.Vec{X: p[0], Y: p[1], Z: p[2]}
	}
	return out
}

func fromVecs(v []r3.Vec) [][3]float64 {
	out := make([][3]float64, len(v))
	for i, p := range v {
		out[i] = [3]float64{p.X, p.Y, p.Z}
	}
	return out
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("error parsing %s: %w", path, err)
	}
	return nil
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshaling %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// loadPoints reads a point file. An empty frame defaults to unknown.
func loadPoints(path string) ([]r3.Vec, frames.Frame, error) {
	var f pointsFile
	if err := readYAML(path, &f); err != nil {
		return nil, 0, err
	}
	frame := frames.Unknown
	if f.Frame != "" {
		var err error
		if frame, err = frames.ToCode(f.Frame); err != nil {
			return nil, 0, fmt.Errorf("%s: %w", path, err)
		}
	}
	return toVecs(f.Points), frame, nil
}

func savePoints(path string, pts []r3.Vec, frame frames.Frame) error {
	return writeYAML(path, pointsFile{Frame: frame.Name(), Points: fromVecs(pts)})
}

func loadMontage(path string) (*models.Montage, error) {
	var f montageFile
	if err := readYAML(path, &f); err != nil {
		return nil, err
	}
	frame, err := frames.ToCode(f.Frame)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m := &models.Montage{Names: f.Names, Positions: toVecs(f.Positions), Frame: frame}
	if f.Fiducials != nil {
		v := toVecs([][3]float64{f.Fiducials.Nasion, f.Fiducials.LPA, f.Fiducials.RPA})
		m.Fiducials = &models.Fiducials{Nasion: v[0], LPA: v[1], RPA: v[2]}
	}
	return m, m.Validate()
}

func saveMontage(path string, m *models.Montage) error {
	f := montageFile{Frame: m.Frame.Name(), Names: m.Names, Positions: fromVecs(m.Positions)}
	if m.Fiducials != nil {
		v := fromVecs([]r3.Vec{m.Fiducials.Nasion, m.Fiducials.LPA, m.Fiducials.RPA})
		f.Fiducials = &struct {
			Nasion [3]float64 `yaml:"nasion"`
			LPA    [3]float64 `yaml:"lpa"`
			RPA    [3]float64 `yaml:"rpa"`
		}{v[0], v[1], v[2]}
	}
	return writeYAML(path, f)
}

func loadVolume(path string) (*models.Volume, error) {
	var f volumeFile
	if err := readYAML(path, &f); err != nil {
		return nil, err
	}
	vol := &models.Volume{Data: f.Data, Shape: f.Shape, Affine: f.Affine}
	if err := vol.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vol, nil
}

func saveVolume(path string, vol *models.Volume) error {
	return writeYAML(path, volumeFile{Shape: vol.Shape, Affine: vol.Affine, Data: vol.Data})
}
