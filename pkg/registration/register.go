package registration

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"neurocoreg/internal/log"
	"neurocoreg/internal/models"
	"neurocoreg/pkg/transforms"
)

// Options configures ComputeVolumeRegistration. Zero values select the
// full pipeline, native resolution, DefaultNiter and the built-in
// optimisers.
type Options struct {
	Pipeline []Step
	Zooms    map[Step][]float64
	Niter    map[Step][]int

	// StartingAffine seeds the first stage. When nil and the pipeline
	// starts with a translation, the centres of mass are aligned first.
	StartingAffine *transforms.Affine

	AffineRegistrar AffineRegistrar
	DiffeoRegistrar DiffeoRegistrar
}

// StepReport records the outcome of one pipeline stage.
type StepReport struct {
	Step Step

	// Translation (mm) and Rotation (degrees) are only set for the
	// translation and rigid stages.
	Translation float64
	Rotation    float64

	Metrics Metrics
}

// Result is the output of ComputeVolumeRegistration.
type Result struct {
	// Affine maps static scanner RAS to moving scanner RAS
	Affine transforms.Affine

	// SDR is nil unless the pipeline ends with the sdr stage
	SDR *DiffeomorphicMap

	Reports []StepReport

	// grids the last stage ran on
	StaticShape  [3]int
	StaticAffine transforms.Affine
	MovingShape  [3]int
	MovingAffine transforms.Affine
}

// ComputeVolumeRegistration aligns moving to static. Pipeline, zooms and
// niter are validated before any numerical work. ctx is checked between
// stages and inside the optimisers; cancellation returns ctx.Err().
func ComputeVolumeRegistration(ctx context.Context, moving, static *models.Volume, opts Options) (*Result, error) {
	if moving == nil || static == nil {
		return nil, errors.New("moving and static volumes are required")
	}
	if err := moving.Validate(); err != nil {
		return nil, errors.Wrap(err, "moving")
	}
	if err := static.Validate(); err != nil {
		return nil, errors.Wrap(err, "static")
	}
	zooms, err := ValidateZooms(opts.Zooms)
	if err != nil {
		return nil, err
	}
	niter, err := ValidateNiter(opts.Niter)
	if err != nil {
		return nil, err
	}
	steps := opts.Pipeline
	if steps == nil {
		steps = OrderedSteps
	}
	if steps, err = ValidatePipeline(steps); err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, errors.New("pipeline must contain at least one step")
	}
	affReg := opts.AffineRegistrar
	if affReg == nil {
		affReg = NewNelderMeadRegistrar()
	}
	diffReg := opts.DiffeoRegistrar
	if diffReg == nil {
		diffReg = NewDemonsRegistrar()
	}

	log.Info("Computing registration...")
	res := &Result{Affine: transforms.Eye()}
	if opts.StartingAffine != nil {
		res.Affine = *opts.StartingAffine
	}

	var staticZ, movingZ *models.Volume
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i == 0 || !sameZoom(zooms[step], zooms[steps[i-1]]) {
			if z := zooms[step]; z != nil {
				log.Info("Reslicing", "step", string(step), "zooms", *z)
			} else {
				log.Info("Using original zooms", "step", string(step))
			}
			if staticZ, err = resliceNormalize(static, zooms[step]); err != nil {
				return nil, errors.Wrapf(err, "reslicing static for %s", step)
			}
			if movingZ, err = resliceNormalize(moving, zooms[step]); err != nil {
				return nil, errors.Wrapf(err, "reslicing moving for %s", step)
			}
		}

		log.Info("Optimizing", "step", string(step))
		report := StepReport{Step: step}
		var moved *models.Volume
		if step == StepSDR {
			onStatic, err := resampleAffine(movingZ, staticZ.Shape, staticZ.Affine, res.Affine, Linear)
			if err != nil {
				return nil, errors.Wrap(err, "applying affine before sdr")
			}
			if res.SDR, err = diffReg.RegisterDiffeo(ctx, onStatic, staticZ, niter[step]); err != nil {
				return nil, errors.Wrap(err, "sdr")
			}
			if moved, err = res.SDR.Transform(onStatic, Linear); err != nil {
				return nil, errors.Wrap(err, "sdr")
			}
		} else {
			start := res.Affine
			if i == 0 && step == StepTranslation && opts.StartingAffine == nil {
				start = centerOfMassAffine(movingZ, staticZ)
			}
			if res.Affine, err = affReg.RegisterAffine(ctx, movingZ, staticZ, step, start, niter[step]); err != nil {
				return nil, errors.Wrapf(err, "%s", step)
			}
			if moved, err = resampleAffine(movingZ, staticZ.Shape, staticZ.Affine, res.Affine, Linear); err != nil {
				return nil, errors.Wrapf(err, "%s", step)
			}
			if step == StepTranslation || step == StepRigid {
				angle, dist, err := transforms.AngleDistBetweenRigid(res.Affine, transforms.Eye())
				if err != nil {
					return nil, errors.Wrapf(err, "%s result", step)
				}
				report.Translation = dist
				report.Rotation = angle * 180 / math.Pi
				log.Info("    Translation", "mm", round1(dist))
				if step == StepRigid {
					log.Info("    Rotation", "deg", round1(report.Rotation))
				}
			}
		}
		if moved.Shape != staticZ.Shape {
			return nil, errors.Errorf("%s produced shape %v, want %v", step, moved.Shape, staticZ.Shape)
		}
		report.Metrics = ComputeMetrics(staticZ.Data, moved.Data)
		log.Info("    R²", "percent", round1(report.Metrics.R2))
		res.Reports = append(res.Reports, report)
	}

	res.StaticShape, res.StaticAffine = staticZ.Shape, staticZ.Affine
	res.MovingShape, res.MovingAffine = movingZ.Shape, movingZ.Affine
	return res, nil
}

func round1(x float64) float64 { return math.Round(10*x) / 10 }
