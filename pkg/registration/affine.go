package registration

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"neurocoreg/internal/log"
	"neurocoreg/internal/models"
	"neurocoreg/pkg/transforms"
)

// AffineRegistrar optimises one non-SDR stage. The returned affine maps
// static world coordinates to moving world coordinates and already includes
// start.
type AffineRegistrar interface {
	RegisterAffine(ctx context.Context, moving, static *models.Volume, step Step, start transforms.Affine, niter []int) (transforms.Affine, error)
}

// Metric is the similarity an affine stage maximises.
type Metric int

const (
	// MetricMI is mutual information of the 32-bin joint histogram over the
	// overlapping voxels. It copes with unrelated contrasts such as CT and MRI.
	MetricMI Metric = iota
	// MetricNCC is the normalised cross-correlation, for same-modality pairs.
	MetricNCC
)

// ParseMetric maps "mi" and "ncc" to a Metric.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "mi", "MI":
		return MetricMI, nil
	case "ncc", "NCC":
		return MetricNCC, nil
	}
	return MetricMI, errors.Errorf("metric must be \"mi\" or \"ncc\", got %q", s)
}

func (m Metric) String() string {
	if m == MetricNCC {
		return "ncc"
	}
	return "mi"
}

// NelderMeadRegistrar maximises a similarity Metric between the volumes
// with a derivative-free simplex search over a Gaussian pyramid.
type NelderMeadRegistrar struct {
	// Metric defaults to MetricMI
	Metric Metric

	// Factors are the subsampling factors, coarsest first
	Factors []int

	// SigmasMM are the smoothing widths paired with Factors
	SigmasMM []float64

	// Tolerance stops a level once the cost improves by less than this
	Tolerance float64
}

// NewNelderMeadRegistrar returns a mutual information registrar with
// factors 4-2-1 and smoothing of 3, 1 and 0 mm.
func NewNelderMeadRegistrar() *NelderMeadRegistrar {
	return &NelderMeadRegistrar{
		Metric:    MetricMI,
		Factors:   []int{4, 2, 1},
		SigmasMM:  []float64{3, 1, 0},
		Tolerance: 1e-6,
	}
}

const (
	rotationUnit = 0.05 // rad per optimiser unit
	linearUnit   = 0.02
)

func numParams(step Step) int {
	switch step {
	case StepTranslation:
		return 3
	case StepRigid:
		return 6
	default:
		return 12
	}
}

// paramsToAffine builds the stage update acting in moving world space,
// rotating and shearing about center. unit converts translation parameters
// to millimetres.
func paramsToAffine(step Step, x []float64, unit float64, center [3]float64) transforms.Affine {
	var lin transforms.Affine
	var t [3]float64
	switch step {
	case StepTranslation:
		return transforms.Translation(x[0]*unit, x[1]*unit, x[2]*unit)
	case StepRigid:
		lin = transforms.Rotation(x[0]*rotationUnit, x[1]*rotationUnit, x[2]*rotationUnit)
		t = [3]float64{x[3] * unit, x[4] * unit, x[5] * unit}
	default:
		lin = transforms.Eye()
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				lin[i][j] += x[3*i+j] * linearUnit
			}
		}
		t = [3]float64{x[9] * unit, x[10] * unit, x[11] * unit}
	}
	c := center
	return transforms.Translation(c[0]+t[0], c[1]+t[1], c[2]+t[2]).
		Mul(lin).
		Mul(transforms.Translation(-c[0], -c[1], -c[2]))
}

func (r *NelderMeadRegistrar) levels(n int) ([]int, []float64, error) {
	if n < 1 || n > len(r.Factors) || len(r.SigmasMM) != len(r.Factors) {
		return nil, nil, errors.Errorf("cannot run %d levels with factors %v and sigmas %v", n, r.Factors, r.SigmasMM)
	}
	off := len(r.Factors) - n
	return r.Factors[off:], r.SigmasMM[off:], nil
}

// RegisterAffine implements AffineRegistrar.
func (r *NelderMeadRegistrar) RegisterAffine(ctx context.Context, moving, static *models.Volume, step Step, start transforms.Affine, niter []int) (transforms.Affine, error) {
	if step == StepSDR || !step.Valid() {
		return transforms.Affine{}, errors.Errorf("step %q is not an affine stage", step)
	}
	factors, sigmas, err := r.levels(len(niter))
	if err != nil {
		return transforms.Affine{}, err
	}

	current := start
	for li, iters := range niter {
		if err := ctx.Err(); err != nil {
			return transforms.Affine{}, err
		}
		s := pyramidLevel(static, factors[li], sigmas[li])
		m := pyramidLevel(moving, factors[li], sigmas[li])
		z := s.Zooms()
		unit := stat.Mean(z[:], nil)
		cw := transforms.ApplyPoint(current, gridCenter(s), true)
		center := [3]float64{cw.X, cw.Y, cw.Z}
		base := current
		rs, rm := valueRange(s.Data), valueRange(m.Data)

		cost := func(x []float64) float64 {
			a := paramsToAffine(step, x, unit, center).Mul(base)
			moved, err := resampleAffine(m, s.Shape, s.Affine, a, Linear)
			if err != nil {
				return math.Inf(1)
			}
			if r.Metric == MetricNCC {
				return negNCC(s.Data, moved.Data)
			}
			mask, err := overlapMask(m, s.Shape, s.Affine, a)
			if err != nil {
				return math.Inf(1)
			}
			return -mutualInformation(s.Data, moved.Data, mask, rs, rm, histogramBins)
		}

		x0 := make([]float64, numParams(step))
		settings := &optimize.Settings{
			MajorIterations: iters,
			Converger: &optimize.FunctionConverge{
				Absolute:   r.Tolerance,
				Iterations: 4 * len(x0),
			},
		}
		res, err := optimize.Minimize(optimize.Problem{Func: cost}, x0, settings, &optimize.NelderMead{SimplexSize: 1})
		if res == nil {
			return transforms.Affine{}, errors.Wrapf(err, "%s level %d", step, li)
		}
		if err != nil {
			log.Debug("optimiser stopped early", "step", string(step), "level", li, "err", err)
		}
		if res.F <= cost(x0) {
			current = paramsToAffine(step, res.X, unit, center).Mul(base)
		}
		log.Debug("level done", "step", string(step), "metric", r.Metric.String(), "factor", factors[li], "cost", res.F,
			"evaluations", res.Stats.FuncEvaluations, "status", res.Status.String())
	}
	return current, nil
}

// centerOfMassAffine aligns the intensity centroids of the volumes.
func centerOfMassAffine(moving, static *models.Volume) transforms.Affine {
	cm := centerOfMass(moving)
	cs := centerOfMass(static)
	return transforms.Translation(cm.X-cs.X, cm.Y-cs.Y, cm.Z-cs.Z)
}
