package registration

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"neurocoreg/internal/log"
	"neurocoreg/internal/models"
	"neurocoreg/pkg/frames"
	"neurocoreg/pkg/transforms"
)

func init() {
	log.Discard()
}

func blobVolume(n int, affine transforms.Affine, center r3.Vec, sigma float64) *models.Volume {
	v := models.NewVolume([3]int{n, n, n}, affine)
	for k := 0; k < n; k++ {
		for j := 0; j < n; j++ {
			for i := 0; i < n; i++ {
				d := r3.Sub(r3.Vec{X: float64(i), Y: float64(j), Z: float64(k)}, center)
				v.Set(i, j, k, math.Exp(-r3.Norm2(d)/(2*sigma*sigma)))
			}
		}
	}
	return v
}

func argmax(v *models.Volume) r3.Vec {
	best := 0
	for i, x := range v.Data {
		if x > v.Data[best] {
			best = i
		}
	}
	nx, ny := v.Shape[0], v.Shape[1]
	return r3.Vec{X: float64(best % nx), Y: float64((best / nx) % ny), Z: float64(best / (nx * ny))}
}

func TestComputeR2(t *testing.T) {
	a := []float64{1, 2, 3}
	assert.InDelta(t, 100, ComputeR2(a, a), 1e-12)
	assert.InDelta(t, 100, ComputeR2(a, []float64{2, 4, 6}), 1e-12)
	assert.InDelta(t, 0, ComputeR2([]float64{1, 0}, []float64{0, 1}), 1e-12)
	assert.Equal(t, 0.0, ComputeR2([]float64{0, 0}, a[:2]))

	m := ComputeMetrics(a, a)
	assert.InDelta(t, 1, m.NCC, 1e-12)
	assert.Equal(t, 0.0, m.RMSE)
}

func TestResliceAndNormalize(t *testing.T) {
	v := blobVolume(16, transforms.Eye(), r3.Vec{X: 8, Y: 8, Z: 8}, 3)
	for i := range v.Data {
		v.Data[i] *= 5
	}
	out, err := resliceNormalize(v, &[3]float64{2, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, [3]int{8, 8, 8}, out.Shape)
	assert.Equal(t, [3]float64{2, 2, 2}, out.Zooms())
	assert.InDelta(t, 1, out.Max(), 1e-12)
	assert.Equal(t, r3.Vec{X: 4, Y: 4, Z: 4}, argmax(out))

	same, err := resliceNormalize(v, nil)
	require.NoError(t, err)
	assert.Equal(t, v.Shape, same.Shape)
	assert.InDelta(t, 5, v.Max(), 1e-12, "input must not be modified")
}

func TestApplyVolumeRegistrationTranslation(t *testing.T) {
	aff := transforms.Translation(-24, -24, -16).Mul(transforms.Scaling(2, 2, 2))
	static := blobVolume(24, aff, r3.Vec{X: 10, Y: 12, Z: 8}, 1.5)
	moving := blobVolume(24, aff, r3.Vec{X: 13, Y: 12, Z: 8}, 1.5)

	// static world -> moving world
	reg := transforms.Translation(6, 0, 0)
	out, err := ApplyVolumeRegistration(moving, static, reg, nil, Linear, 0.0)
	require.NoError(t, err)
	assert.Equal(t, r3.Vec{X: 10, Y: 12, Z: 8}, argmax(out))
	assert.Greater(t, ComputeR2(static.Data, out.Data), 99.99)

	nearest, err := ApplyVolumeRegistration(moving, static, reg, nil, Nearest, "0%")
	require.NoError(t, err)
	assert.InDeltaSlice(t, out.Data, nearest.Data, 1e-12)

	// the bright voxel and the transported coordinate agree
	tkr := transforms.Affine(moving.Vox2RASTkr())
	peak := r3.Scale(1e-3, transforms.ApplyPoint(tkr, r3.Vec{X: 13, Y: 12, Z: 8}, true))
	mont := &models.Montage{Names: []string{"E1"}, Positions: []r3.Vec{peak}, Frame: frames.MRI}
	moved, headMRI, err := ApplyVolumeRegistrationPoints(mont, transforms.Identity(frames.Head, frames.MRI), moving, static, reg, nil)
	require.NoError(t, err)
	assert.Equal(t, frames.MRI, moved.Frame)
	want := r3.Scale(1e-3, transforms.ApplyPoint(transforms.Affine(static.Vox2RASTkr()), argmax(out), true))
	assert.InDelta(t, 0, r3.Norm(r3.Sub(moved.Positions[0], want)), 1e-12)
	assert.True(t, headMRI.Equal(transforms.Identity(frames.Head, frames.MRI), 0, 0))
}

func TestApplyVolumeRegistrationPointsIdentity(t *testing.T) {
	aff := transforms.Translation(3, -7, 11).Mul(transforms.Scaling(1.5, 1, 1.2))
	vol := blobVolume(10, aff, r3.Vec{X: 5, Y: 5, Z: 5}, 2)
	headMRI := transforms.FromAffine(frames.Head, frames.MRI, transforms.Translation(0.01, -0.02, 0.03).Mul(transforms.Rotation(0.1, 0.2, -0.1)))

	mont := &models.Montage{
		Names:     []string{"a", "b", "c"},
		Positions: []r3.Vec{{X: 0.05}, {Y: 0.06, Z: 0.01}, {X: -0.04, Z: 0.08}},
		Frame:     frames.Head,
		Fiducials: &models.Fiducials{Nasion: r3.Vec{Y: 0.1}, LPA: r3.Vec{X: -0.07}, RPA: r3.Vec{X: 0.07}},
	}
	ident, err := IdentityMap(vol.Shape, vol.Affine)
	require.NoError(t, err)

	for _, sdr := range []*DiffeomorphicMap{nil, ident} {
		moved, native, err := ApplyVolumeRegistrationPoints(mont, headMRI, vol, vol, transforms.Eye(), sdr)
		require.NoError(t, err)
		want := transforms.Apply(headMRI, mont.Positions, true)
		for i := range want {
			assert.InDelta(t, 0, r3.Norm(r3.Sub(moved.Positions[i], want[i])), 1e-12)
		}
		// fiducials in mri give back the head->mri transform
		assert.True(t, native.Equal(headMRI, 1e-7, 1e-9), "%s", native)
	}
	assert.Equal(t, frames.Head, mont.Frame, "input montage must not change")
}

func TestApplyVolumeRegistrationPointsErrors(t *testing.T) {
	vol := blobVolume(4, transforms.Eye(), r3.Vec{}, 1)
	mont := &models.Montage{Names: []string{"a"}, Positions: []r3.Vec{{}}, Frame: frames.Head}

	_, _, err := ApplyVolumeRegistrationPoints(mont, transforms.Identity(frames.MEG, frames.Head), vol, vol, transforms.Eye(), nil)
	assert.Error(t, err)

	mont.Frame = frames.MEG
	_, _, err = ApplyVolumeRegistrationPoints(mont, transforms.Identity(frames.Head, frames.MRI), vol, vol, transforms.Eye(), nil)
	assert.Error(t, err)

	mont.Frame = frames.Head
	_, _, err = ApplyVolumeRegistrationPoints(mont, transforms.Identity(frames.Head, frames.MRI), vol, vol, transforms.Affine{}, nil)
	assert.Error(t, err)
}

func TestParseCVal(t *testing.T) {
	c, err := ParseCVal("25%")
	require.NoError(t, err)
	assert.True(t, c.IsPerc)
	assert.Equal(t, 25.0, c.Percent)
	assert.Equal(t, 1.0, c.resolve([]float64{4, 3, 2, 1}))

	c, err = ParseCVal(3)
	require.NoError(t, err)
	assert.Equal(t, 3.0, c.resolve(nil))

	for _, bad := range []any{"25", "x%", "150%", []int{1}} {
		_, err := ParseCVal(bad)
		assert.Error(t, err, "%v", bad)
	}
}

func TestApplyVolumeRegistrationCVal(t *testing.T) {
	vol := models.NewVolume([3]int{4, 4, 4}, transforms.Eye())
	for i := range vol.Data {
		vol.Data[i] = 7
	}
	// a large shift leaves every static voxel outside the moving grid
	out, err := ApplyVolumeRegistration(vol, vol, transforms.Translation(100, 0, 0), nil, Linear, 2.5)
	require.NoError(t, err)
	for _, x := range out.Data {
		assert.Equal(t, 2.5, x)
	}
	out, err = ApplyVolumeRegistration(vol, vol, transforms.Translation(100, 0, 0), nil, Linear, "50%")
	require.NoError(t, err)
	assert.Equal(t, 7.0, out.Data[0])

	_, err = ApplyVolumeRegistration(vol, vol, transforms.Eye(), nil, Linear, "bad")
	assert.Error(t, err)
}

func TestComputeVolumeRegistrationTranslation(t *testing.T) {
	static := blobVolume(24, transforms.Eye(), r3.Vec{X: 12, Y: 12, Z: 12}, 3)
	moving := blobVolume(24, transforms.Eye(), r3.Vec{X: 14, Y: 11, Z: 12}, 3)

	res, err := ComputeVolumeRegistration(context.Background(), moving, static, Options{
		Pipeline: []Step{StepTranslation, StepRigid},
		Niter:    map[Step][]int{StepTranslation: {50}, StepRigid: {50}},
	})
	require.NoError(t, err)
	require.Len(t, res.Reports, 2)

	tr := res.Affine.Trans()
	assert.InDelta(t, 2, tr.X, 0.1)
	assert.InDelta(t, -1, tr.Y, 0.1)
	assert.InDelta(t, 0, tr.Z, 0.1)
	assert.InDelta(t, math.Sqrt(5), res.Reports[0].Translation, 0.1)
	assert.Less(t, res.Reports[1].Rotation, 1.0)
	for _, r := range res.Reports {
		assert.Greater(t, r.Metrics.R2, 99.0)
	}
	assert.Nil(t, res.SDR)
	assert.Equal(t, static.Shape, res.StaticShape)
}

func TestComputeVolumeRegistrationInvertedContrast(t *testing.T) {
	static := blobVolume(24, transforms.Eye(), r3.Vec{X: 12, Y: 12, Z: 12}, 3)
	moving := blobVolume(24, transforms.Eye(), r3.Vec{X: 14, Y: 11, Z: 12}, 3)
	for i := range moving.Data {
		moving.Data[i] = 1 - moving.Data[i]
	}
	start := transforms.Eye()
	opts := Options{
		Pipeline:       []Step{StepTranslation},
		Niter:          map[Step][]int{StepTranslation: {200}},
		StartingAffine: &start,
	}

	res, err := ComputeVolumeRegistration(context.Background(), moving, static, opts)
	require.NoError(t, err)
	tr := res.Affine.Trans()
	assert.InDelta(t, 2, tr.X, 0.25)
	assert.InDelta(t, -1, tr.Y, 0.25)
	assert.InDelta(t, 0, tr.Z, 0.25)
}

func TestMutualInformation(t *testing.T) {
	a := blobVolume(12, transforms.Eye(), r3.Vec{X: 6, Y: 5, Z: 6}, 2).Data
	inv := make([]float64, len(a))
	for i, x := range a {
		inv[i] = 1 - x
	}
	ra, ri := valueRange(a), valueRange(inv)
	self := mutualInformation(a, a, nil, ra, ra, histogramBins)
	assert.Greater(t, self, 0.0)
	assert.InDelta(t, self, mutualInformation(a, inv, nil, ra, ri, histogramBins), 1e-9)

	// constant images share no information
	flat := make([]float64, len(a))
	assert.InDelta(t, 0, mutualInformation(a, flat, nil, ra, valueRange(flat), histogramBins), 1e-12)

	// masked voxels do not enter the histogram
	mask := make([]bool, len(a))
	scrambled := append([]float64(nil), a...)
	for i := range mask {
		mask[i] = i%2 == 0
		if !mask[i] {
			scrambled[i] = 1 - scrambled[i]
		}
	}
	masked := mutualInformation(a, a, mask, ra, ra, histogramBins)
	assert.InDelta(t, masked, mutualInformation(a, scrambled, mask, ra, ra, histogramBins), 1e-12)

	joint := jointHistogram(a, inv, nil, ra, ri, histogramBins)
	var sum float64
	for _, p := range joint {
		sum += p
	}
	assert.InDelta(t, 1, sum, 1e-9)

	assert.Greater(t, ComputeMetrics(a, inv).MI, 0.0)
}

func TestParseMetric(t *testing.T) {
	for in, want := range map[string]Metric{"mi": MetricMI, "MI": MetricMI, "ncc": MetricNCC, "NCC": MetricNCC} {
		got, err := ParseMetric(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMetric("cc")
	assert.Error(t, err)
	assert.Equal(t, "mi", NewNelderMeadRegistrar().Metric.String())
	assert.Equal(t, "ncc", MetricNCC.String())
}

func TestOverlapMask(t *testing.T) {
	vol := models.NewVolume([3]int{4, 4, 4}, transforms.Eye())
	mask, err := overlapMask(vol, vol.Shape, transforms.Eye(), transforms.Translation(1.5, 0, 0))
	require.NoError(t, err)
	for k := 0; k < 4; k++ {
		for j := 0; j < 4; j++ {
			for i := 0; i < 4; i++ {
				assert.Equal(t, i <= 1, mask[vol.Index(i, j, k)], "voxel (%d,%d,%d)", i, j, k)
			}
		}
	}
}

func TestNCCMetricRegistration(t *testing.T) {
	static := blobVolume(24, transforms.Eye(), r3.Vec{X: 12, Y: 12, Z: 12}, 3)
	moving := blobVolume(24, transforms.Eye(), r3.Vec{X: 13, Y: 12, Z: 12}, 3)
	nm := NewNelderMeadRegistrar()
	nm.Metric = MetricNCC
	start := transforms.Eye()

	res, err := ComputeVolumeRegistration(context.Background(), moving, static, Options{
		Pipeline:        []Step{StepTranslation},
		Niter:           map[Step][]int{StepTranslation: {100}},
		StartingAffine:  &start,
		AffineRegistrar: nm,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1, res.Affine.Trans().X, 0.1)
}

func TestComputeVolumeRegistrationValidatesFirst(t *testing.T) {
	vol := blobVolume(4, transforms.Eye(), r3.Vec{}, 1)
	_, err := ComputeVolumeRegistration(context.Background(), vol, vol, Options{Pipeline: []Step{StepAffine, StepRigid}})
	assert.ErrorIs(t, err, ErrPipelineOrder)

	_, err = ComputeVolumeRegistration(context.Background(), vol, vol, Options{Zooms: map[Step][]float64{StepRigid: {0.5}}})
	assert.Error(t, err)

	_, err = ComputeVolumeRegistration(context.Background(), vol, vol, Options{Pipeline: []Step{}})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ComputeVolumeRegistration(ctx, vol, vol, Options{Pipeline: []Step{StepTranslation}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDemonsRegistrar(t *testing.T) {
	static := blobVolume(16, transforms.Eye(), r3.Vec{X: 7.5, Y: 7.5, Z: 7.5}, 2.5)
	moving := blobVolume(16, transforms.Eye(), r3.Vec{X: 9.5, Y: 7.5, Z: 7.5}, 2.5)

	sdr, err := NewDemonsRegistrar().RegisterDiffeo(context.Background(), moving, static, []int{30})
	require.NoError(t, err)

	warped, err := sdr.Transform(moving, Linear)
	require.NoError(t, err)
	before := ComputeR2(static.Data, moving.Data)
	after := ComputeR2(static.Data, warped.Data)
	assert.Greater(t, after, before)
	assert.Greater(t, after, 99.0)

	got := sdr.TransformPoints([]r3.Vec{{X: 9.5, Y: 7.5, Z: 7.5}})[0]
	assert.Less(t, r3.Norm(r3.Sub(got, r3.Vec{X: 7.5, Y: 7.5, Z: 7.5})), 0.5)

	back := sdr.TransformPointsInverse([]r3.Vec{got})[0]
	assert.InDelta(t, 9.5, back.X, 0.25)
}

func TestComputeVolumeRegistrationWithSDR(t *testing.T) {
	static := blobVolume(16, transforms.Eye(), r3.Vec{X: 7.5, Y: 7.5, Z: 7.5}, 2.5)
	moving := blobVolume(16, transforms.Eye(), r3.Vec{X: 8.5, Y: 7.5, Z: 7.5}, 2.5)
	start := transforms.Eye()

	res, err := ComputeVolumeRegistration(context.Background(), moving, static, Options{
		Pipeline:       []Step{StepSDR},
		Niter:          map[Step][]int{StepSDR: {20}},
		StartingAffine: &start,
	})
	require.NoError(t, err)
	require.NotNil(t, res.SDR)
	require.Len(t, res.Reports, 1)
	assert.Greater(t, res.Reports[0].Metrics.R2, ComputeR2(static.Data, moving.Data))

	out, err := ApplyVolumeRegistration(moving, static, res.Affine, res.SDR, Linear, 0.0)
	require.NoError(t, err)
	assert.Greater(t, ComputeR2(static.Data, out.Data), ComputeR2(static.Data, moving.Data))
}

func TestApplyVolumeRegistrationPointsFollowSDR(t *testing.T) {
	aff := transforms.Translation(-16, -16, -16).Mul(transforms.Scaling(2, 2, 2))
	static := blobVolume(16, aff, r3.Vec{X: 8, Y: 8, Z: 8}, 2.5)
	moving := blobVolume(16, aff, r3.Vec{X: 10, Y: 8, Z: 8}, 2.5)
	start := transforms.Eye()

	res, err := ComputeVolumeRegistration(context.Background(), moving, static, Options{
		Pipeline:       []Step{StepSDR},
		Niter:          map[Step][]int{StepSDR: {30}},
		StartingAffine: &start,
	})
	require.NoError(t, err)
	require.NotNil(t, res.SDR)

	out, err := ApplyVolumeRegistration(moving, static, res.Affine, res.SDR, Linear, 0.0)
	require.NoError(t, err)
	want := r3.Scale(1e-3, transforms.ApplyPoint(transforms.Affine(static.Vox2RASTkr()), argmax(out), true))

	peak := r3.Scale(1e-3, transforms.ApplyPoint(transforms.Affine(moving.Vox2RASTkr()), r3.Vec{X: 10, Y: 8, Z: 8}, true))
	mont := &models.Montage{Names: []string{"E1"}, Positions: []r3.Vec{peak}, Frame: frames.MRI}
	headMRI := transforms.Identity(frames.Head, frames.MRI)

	warped, _, err := ApplyVolumeRegistrationPoints(mont, headMRI, moving, static, res.Affine, res.SDR)
	require.NoError(t, err)
	affineOnly, _, err := ApplyVolumeRegistrationPoints(mont, headMRI, moving, static, res.Affine, nil)
	require.NoError(t, err)

	// within one 2 mm voxel of the resampled peak
	assert.Less(t, r3.Norm(r3.Sub(warped.Positions[0], want)), 2e-3)
	// and the field, not the affine, did the moving
	assert.Greater(t, r3.Norm(r3.Sub(warped.Positions[0], affineOnly.Positions[0])), 2e-3)
}

func TestDiffeomorphicMapErrors(t *testing.T) {
	_, err := NewDiffeomorphicMap([3]int{2, 2, 2}, transforms.Eye(), nil, nil)
	assert.Error(t, err)
	_, err = IdentityMap([3]int{1, 1, 1}, transforms.Affine{})
	assert.Error(t, err)

	_, err = NewDemonsRegistrar().RegisterDiffeo(context.Background(),
		models.NewVolume([3]int{2, 2, 2}, transforms.Eye()), models.NewVolume([3]int{3, 3, 3}, transforms.Eye()), []int{1})
	assert.Error(t, err)
}
