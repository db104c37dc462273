// Package visualization renders registered volumes as 2D slice images for
// visual inspection of registration quality.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"neurocoreg/internal/models"
)

// Viewer extracts and saves slices of a single volume. Intensities are
// windowed to the volume's [min, max] range.
type Viewer struct {
	volume *models.Volume

	// display window
	lo, hi float64
}

// NewViewer creates a viewer for vol.
func NewViewer(vol *models.Volume) (*Viewer, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	return &Viewer{
		volume: vol,
		lo:     floats.Min(vol.Data),
		hi:     floats.Max(vol.Data),
	}, nil
}

// SetWindow overrides the intensity range mapped onto black..white.
func (v *Viewer) SetWindow(lo, hi float64) error {
	if !(hi > lo) {
		return fmt.Errorf("window upper bound %g must exceed lower bound %g", hi, lo)
	}
	v.lo, v.hi = lo, hi
	return nil
}

// axisLen returns the number of slices along axis.
func (v *Viewer) axisLen(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.volume.Shape[0], nil
	case "y", "Y":
		return v.volume.Shape[1], nil
	case "z", "Z":
		return v.volume.Shape[2], nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice cuts the volume at position along axis. An x slice is laid
// out (z, y), a y slice (x, z) and a z slice (x, y).
func (v *Viewer) ExtractSlice(axis string, position int) (*models.Slice, error) {
	n, err := v.axisLen(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	if position >= n {
		return nil, fmt.Errorf("position %d exceeds %s extent %d", position, axis, n)
	}

	nx, ny, nz := v.volume.Shape[0], v.volume.Shape[1], v.volume.Shape[2]
	s := &models.Slice{Axis: axis, Index: position}
	switch axis {
	case "x", "X":
		s.Width, s.Height = nz, ny
		s.Data = make([]float64, nz*ny)
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				s.Data[y*nz+z] = v.volume.At(position, y, z)
			}
		}
	case "y", "Y":
		s.Width, s.Height = nx, nz
		s.Data = make([]float64, nx*nz)
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				s.Data[z*nx+x] = v.volume.At(x, position, z)
			}
		}
	default:
		s.Width, s.Height = nx, ny
		s.Data = make([]float64, nx*ny)
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				s.Data[y*nx+x] = v.volume.At(x, y, position)
			}
		}
	}
	return s, nil
}

// gray maps a value through the display window onto 16 bits.
func (v *Viewer) gray(val float64) uint16 {
	if v.hi <= v.lo {
		return 0
	}
	t := (val - v.lo) / (v.hi - v.lo)
	return uint16(math.Max(0, math.Min(65535, t*65535)))
}

// Image renders a slice as 16-bit grayscale.
func (v *Viewer) Image(s *models.Slice) image.Image {
	img := image.NewGray16(image.Rect(0, 0, s.Width, s.Height))
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: v.gray(s.Data[y*s.Width+x])})
		}
	}
	return img
}

// Overlay renders two slices of the same size as a red/green composite:
// a in red and b in green, so that well aligned structures show yellow.
func Overlay(a, b *models.Slice, va, vb *Viewer) (image.Image, error) {
	if a.Width != b.Width || a.Height != b.Height {
		return nil, fmt.Errorf("slice sizes differ: %dx%d vs %dx%d", a.Width, a.Height, b.Width, b.Height)
	}
	img := image.NewRGBA64(image.Rect(0, 0, a.Width, a.Height))
	for y := 0; y < a.Height; y++ {
		for x := 0; x < a.Width; x++ {
			i := y*a.Width + x
			img.SetRGBA64(x, y, color.RGBA64{R: va.gray(a.Data[i]), G: vb.gray(b.Data[i]), A: 0xffff})
		}
	}
	return img, nil
}

// ExtractRegion returns the sub-volume starting at voxel start with the
// given size. Its affine is shifted so voxels keep their world positions.
func (v *Viewer) ExtractRegion(start, size [3]int) (*models.Volume, error) {
	for i := 0; i < 3; i++ {
		if start[i] < 0 {
			return nil, fmt.Errorf("start coordinates must be non-negative")
		}
		if size[i] <= 0 {
			return nil, fmt.Errorf("size dimensions must be positive")
		}
		if start[i]+size[i] > v.volume.Shape[i] {
			return nil, fmt.Errorf("region extends beyond volume boundaries")
		}
	}

	aff := v.volume.Affine
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			aff[r][3] += v.volume.Affine[r][c] * float64(start[c])
		}
	}
	region := models.NewVolume(size, aff)
	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				region.Set(x, y, z, v.volume.At(start[0]+x, start[1]+y, start[2]+z))
			}
		}
	}
	return region, nil
}

// SaveSlice saves an image as a JPEG.
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along axis into outputDir
// as slice_<axis>_NNN.jpg.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	n, err := v.axisLen(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < n; pos++ {
		s, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := SaveSlice(v.Image(s), filename); err != nil {
			return err
		}
	}

	return nil
}

// SaveOverlaySequence saves red/green composites of two volumes sharing a
// grid, slice by slice along axis.
func SaveOverlaySequence(a, b *Viewer, axis string, outputDir string) error {
	if a.volume.Shape != b.volume.Shape {
		return fmt.Errorf("volume shapes differ: %v vs %v", a.volume.Shape, b.volume.Shape)
	}
	n, err := a.axisLen(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for pos := 0; pos < n; pos++ {
		sa, err := a.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		sb, err := b.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		img, err := Overlay(sa, sb, a, b)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("overlay_%s_%03d.jpg", axis, pos))
		if err := SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}
