// Package registration aligns two volumes through an ordered pipeline of
// translation, rigid, affine and symmetric diffeomorphic (SDR) stages, and
// transports point coordinates through the same result.
package registration

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Step is one stage of the registration pipeline.
type Step string

const (
	StepTranslation Step = "translation"
	StepRigid       Step = "rigid"
	StepAffine      Step = "affine"
	StepSDR         Step = "sdr"
)

// OrderedSteps lists every step in the only order a pipeline may use.
var OrderedSteps = []Step{StepTranslation, StepRigid, StepAffine, StepSDR}

var (
	// ErrPipelineOrder marks a pipeline whose steps are not in canonical order.
	ErrPipelineOrder = errors.New("steps in pipeline are out of order")
	// ErrPipelineRepeat marks a pipeline that names a step twice.
	ErrPipelineRepeat = errors.New("steps in pipeline should not be repeated")
	// ErrUnknownStep marks a step name outside OrderedSteps.
	ErrUnknownStep = errors.New("unknown pipeline step")
)

// PipelineOrderError reports the expected ordering of an out-of-order pipeline.
type PipelineOrderError struct {
	Expected []Step
	Got      []Step
}

func (e *PipelineOrderError) Error() string {
	return fmt.Sprintf("%s, expected %s but got %s instead", ErrPipelineOrder, formatSteps(e.Expected), formatSteps(e.Got))
}

func (e *PipelineOrderError) Unwrap() error { return ErrPipelineOrder }

func formatSteps(steps []Step) string {
	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = fmt.Sprintf("'%s'", s)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (s Step) rank() int {
	for i, o := range OrderedSteps {
		if o == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of OrderedSteps.
func (s Step) Valid() bool { return s.rank() >= 0 }

// ParsePipeline expands one of the presets "all", "rigids" or "affines", or
// splits a comma separated list of step names, and validates the result.
func ParsePipeline(s string) ([]Step, error) {
	switch s {
	case "all":
		return append([]Step(nil), OrderedSteps...), nil
	case "rigids":
		return []Step{StepTranslation, StepRigid}, nil
	case "affines":
		return []Step{StepTranslation, StepRigid, StepAffine}, nil
	}
	if !strings.Contains(s, ",") && !Step(strings.TrimSpace(s)).Valid() {
		return nil, errors.Errorf("invalid pipeline %q when str, must be one of \"all\", \"rigids\", \"affines\" or a comma separated step list", s)
	}
	var steps []Step
	for _, part := range strings.Split(s, ",") {
		steps = append(steps, Step(strings.TrimSpace(part)))
	}
	return ValidatePipeline(steps)
}

// ValidatePipeline checks that every step is known, that the steps follow
// OrderedSteps and that none repeats. The returned slice is a copy.
func ValidatePipeline(steps []Step) ([]Step, error) {
	for i, s := range steps {
		if !s.Valid() {
			return nil, errors.Wrapf(ErrUnknownStep, "pipeline[%d] = %q, must be one of %s", i, s, formatSteps(OrderedSteps))
		}
	}
	ordered := append([]Step(nil), steps...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].rank() < ordered[j].rank() })
	for i := range steps {
		if steps[i] != ordered[i] {
			return nil, &PipelineOrderError{Expected: ordered, Got: append([]Step(nil), steps...)}
		}
	}
	seen := make(map[Step]bool, len(steps))
	for _, s := range steps {
		if seen[s] {
			return nil, ErrPipelineRepeat
		}
		seen[s] = true
	}
	return append([]Step(nil), steps...), nil
}

// Zooms holds the isotropic or per-axis voxel size (mm) each step reslices
// to. A nil entry keeps the native resolution.
type Zooms map[Step]*[3]float64

// DefaultNiter is the iteration count per resolution level of each step,
// coarsest level first.
func DefaultNiter() map[Step][]int {
	return map[Step][]int{
		StepTranslation: {10000, 1000, 100},
		StepRigid:       {10000, 1000, 100},
		StepAffine:      {10000, 1000, 100},
		StepSDR:         {10, 10, 5},
	}
}

// ValidateZooms normalises raw per-step zooms. Each value has one entry
// (applied to all axes) or three; every entry must exceed 1. Steps missing
// from raw keep their native resolution.
func ValidateZooms(raw map[Step][]float64) (Zooms, error) {
	out := make(Zooms, len(OrderedSteps))
	for _, s := range OrderedSteps {
		out[s] = nil
	}
	for key, val := range raw {
		if !key.Valid() {
			return nil, errors.Wrapf(ErrUnknownStep, "zooms key %q", key)
		}
		if val == nil {
			continue
		}
		var z [3]float64
		switch len(val) {
		case 1:
			z = [3]float64{val[0], val[0], val[0]}
		case 3:
			copy(z[:], val)
		default:
			return nil, errors.Errorf("len(zooms['%s']) must be 1 or 3, got %d", key, len(val))
		}
		for _, v := range z {
			if v <= 1 {
				return nil, errors.Errorf("zooms must be > 1, got %g", v)
			}
		}
		out[key] = &z
	}
	return out, nil
}

// ValidateNiter merges raw over DefaultNiter. Each step takes 1 to 3 levels.
func ValidateNiter(raw map[Step][]int) (map[Step][]int, error) {
	out := DefaultNiter()
	for key, val := range raw {
		if !key.Valid() {
			return nil, errors.Wrapf(ErrUnknownStep, "niter key %q", key)
		}
		if len(val) < 1 || len(val) > 3 {
			return nil, errors.Errorf("len(niter['%s']) must be 1, 2 or 3, got %d", key, len(val))
		}
		for _, n := range val {
			if n < 1 {
				return nil, errors.Errorf("niter['%s'] entries must be positive, got %d", key, n)
			}
		}
		out[key] = append([]int(nil), val...)
	}
	return out, nil
}

func sameZoom(a, b *[3]float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
