package registration

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"neurocoreg/internal/log"
	"neurocoreg/internal/models"
	"neurocoreg/pkg/frames"
	"neurocoreg/pkg/transforms"
)

// CVal is the fill value for voxels mapped from outside the moving volume:
// either a constant or a percentile of the moving intensities.
type CVal struct {
	Value   float64
	Percent float64
	IsPerc  bool
}

// ParseCVal accepts a number or a string such as "1%".
func ParseCVal(v any) (CVal, error) {
	switch x := v.(type) {
	case float64:
		return CVal{Value: x}, nil
	case float32:
		return CVal{Value: float64(x)}, nil
	case int:
		return CVal{Value: float64(x)}, nil
	case int64:
		return CVal{Value: float64(x)}, nil
	case string:
		if !strings.HasSuffix(x, "%") {
			return CVal{}, errors.Errorf("cval must end with %% if str, got %s", x)
		}
		p, err := strconv.ParseFloat(strings.TrimSuffix(x, "%"), 64)
		if err != nil {
			return CVal{}, errors.Wrapf(err, "cval %q", x)
		}
		if p < 0 || p > 100 {
			return CVal{}, errors.Errorf("cval percentile must be within [0, 100], got %g", p)
		}
		return CVal{Percent: p, IsPerc: true}, nil
	case CVal:
		return x, nil
	}
	return CVal{}, errors.Errorf("cval must be a number or a string, got %T", v)
}

func (c CVal) resolve(data []float64) float64 {
	if !c.IsPerc {
		return c.Value
	}
	if len(data) == 0 {
		return 0
	}
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	return stat.Quantile(c.Percent/100, stat.LinInterp, sorted, nil)
}

// ApplyVolumeRegistration resamples moving onto the static grid through
// affine and, when sdr is non-nil, the non-linear warp. cval is a number
// or a percentile string like "1%".
func ApplyVolumeRegistration(moving, static *models.Volume, affine transforms.Affine, sdr *DiffeomorphicMap, in Interp, cval any) (*models.Volume, error) {
	if err := moving.Validate(); err != nil {
		return nil, errors.Wrap(err, "moving")
	}
	if err := static.Validate(); err != nil {
		return nil, errors.Wrap(err, "static")
	}
	cv, err := ParseCVal(cval)
	if err != nil {
		return nil, err
	}

	log.Info("Applying affine registration ...")
	shifted := moving.Copy()
	c := cv.resolve(shifted.Data)
	if cv.IsPerc {
		log.Info("Using a lower bound", "percentile", cv.Percent, "cval", c)
	}
	for i := range shifted.Data {
		shifted.Data[i] -= c
	}
	out, err := resampleAffine(shifted, static.Shape, static.Affine, affine, in)
	if err != nil {
		return nil, err
	}
	if sdr != nil {
		log.Info("Applying SDR warp ...")
		if out, err = sdr.Transform(out, in); err != nil {
			return nil, err
		}
	}
	for i := range out.Data {
		out.Data[i] += c
	}
	return out, nil
}

// ApplyVolumeRegistrationPoints carries a montage from the moving image's
// head frame into the static image's surface RAS. headMRI links head and
// mri in either direction. The returned montage is in the mri frame and the
// transform is the head->mri transform implied by its fiducials.
func ApplyVolumeRegistrationPoints(m *models.Montage, headMRI transforms.Transform, moving, static *models.Volume, affine transforms.Affine, sdr *DiffeomorphicMap) (*models.Montage, transforms.Transform, error) {
	if err := m.Validate(); err != nil {
		return nil, transforms.Transform{}, err
	}
	trans, err := transforms.Ensure([]transforms.Transform{headMRI}, frames.Head, frames.MRI, "")
	if err != nil {
		return nil, transforms.Transform{}, err
	}
	if m.Frame != frames.Head && m.Frame != frames.MRI {
		return nil, transforms.Transform{}, errors.Errorf("montage must be in head or mri coordinates, got %s", m.Frame.Name())
	}

	movingTkr, err := transforms.Affine(moving.Vox2RASTkr()).Inverse()
	if err != nil {
		return nil, transforms.Transform{}, errors.Wrap(err, "moving vox2ras-tkr")
	}
	regInv, err := affine.Inverse()
	if err != nil {
		return nil, transforms.Transform{}, errors.Wrap(err, "registration affine")
	}
	staticRAS, err := transforms.Affine(static.Vox2RAS()).Inverse()
	if err != nil {
		return nil, transforms.Transform{}, errors.Wrap(err, "static vox2ras")
	}

	// surface RAS (mm) -> moving voxel -> moving RAS -> static RAS
	pre := transforms.Affine(moving.Vox2RAS()).Mul(movingTkr)
	pre = regInv.Mul(pre).Mul(transforms.Scaling(1000, 1000, 1000))
	// static RAS -> static voxel -> static surface RAS (m)
	post := transforms.Scaling(1e-3, 1e-3, 1e-3).Mul(transforms.Affine(static.Vox2RASTkr())).Mul(staticRAS)

	move := func(pts []r3.Vec) []r3.Vec {
		if m.Frame == frames.Head {
			pts = transforms.Apply(trans, pts, true)
		}
		pts = transforms.Apply(pre, pts, true)
		if sdr != nil {
			pts = sdr.TransformPoints(pts)
		}
		return transforms.Apply(post, pts, true)
	}

	out := m.Copy()
	out.Frame = frames.MRI
	out.Positions = move(m.Positions)
	if m.Fiducials != nil {
		f := move([]r3.Vec{m.Fiducials.Nasion, m.Fiducials.LPA, m.Fiducials.RPA})
		out.Fiducials = &models.Fiducials{Nasion: f[0], LPA: f[1], RPA: f[2]}
	}
	native, err := transforms.ComputeNativeHeadT(out)
	if err != nil {
		return nil, transforms.Transform{}, err
	}
	return out, native, nil
}
