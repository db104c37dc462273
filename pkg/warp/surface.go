package warp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"neurocoreg/internal/linalg"
	"neurocoreg/internal/log"
	"neurocoreg/pkg/sphharm"
)

// SurfaceFitOptions controls SphericalSurfaceWarp.Fit.
type SurfaceFitOptions struct {
	// Order of the spherical harmonic expansion.
	Order int
	// Reg is the TPS diagonal regularisation.
	Reg float64
	// Center fits a sphere to the plausible head-shape points of each
	// surface and works relative to its centre.
	Center bool
	// Match names the template used to pair the two smoothed surfaces.
	Match string
	// MaxChunkBytes bounds the TPS kernel block, zero for the default.
	MaxChunkBytes float64
}

// DefaultSurfaceFitOptions returns order 4, reg 1e-5, centring on, oct5.
func DefaultSurfaceFitOptions() SurfaceFitOptions {
	return SurfaceFitOptions{Order: 4, Reg: 1e-5, Center: true, Match: "oct5"}
}

type surfaceFitParams struct {
	nSrc, nDest, nMatch int
	match               string
	order               int
	reg                 float64
}

// SphericalSurfaceWarp warps between two roughly spherical surfaces (for
// example digitised head shapes). Each surface is smoothed by a spherical
// harmonic fit of its radius, both are resampled at the same template
// directions, and a TPS warp is fitted between the resampled points.
type SphericalSurfaceWarp struct {
	templates TemplateSource
	warp      *TPSWarp
	params    surfaceFitParams
	srcCenter r3.Vec
	dstCenter r3.Vec
}

// NewSphericalSurfaceWarp uses templates to resolve match names. A nil
// source means DefaultTemplates.
func NewSphericalSurfaceWarp(templates TemplateSource) *SphericalSurfaceWarp {
	if templates == nil {
		templates = DefaultTemplates()
	}
	return &SphericalSurfaceWarp{templates: templates}
}

func (s *SphericalSurfaceWarp) String() string {
	if s.warp == nil {
		return "<SphericalSurfaceWarp : no fitting done >"
	}
	p := s.params
	return fmt.Sprintf("<SphericalSurfaceWarp : fit %d->%d pts using match=%s (%d pts), order=%d, reg=%g>",
		p.nSrc, p.nDest, p.match, p.nMatch, p.order, p.reg)
}

// Centers returns the source and destination centres used by the last fit.
func (s *SphericalSurfaceWarp) Centers() (src, dst r3.Vec) {
	return s.srcCenter, s.dstCenter
}

// Fit builds the warp from source to destination surface points.
func (s *SphericalSurfaceWarp) Fit(source, destination []r3.Vec, opts SurfaceFitOptions) error {
	if opts.Order < 0 {
		return fmt.Errorf("warp: order must be non-negative, got %d", opts.Order)
	}
	matchRR, err := s.templates.Template(opts.Match)
	if err != nil {
		return err
	}
	log.Info("Computing TPS warp")

	var srcCenter, dstCenter r3.Vec
	if opts.Center {
		log.Info("    Centering data")
		_, srcCenter, err = FitSphere(filterPoints(source, func(p r3.Vec) bool {
			return p.Z < -1e-6 && p.Y > 1e-6
		}))
		if err != nil {
			return fmt.Errorf("warp: centering source: %w", err)
		}
		_, dstCenter, err = FitSphere(filterPoints(destination, func(p r3.Vec) bool {
			return p.Z < 0 && p.Y > 0
		}))
		if err != nil {
			return fmt.Errorf("warp: centering destination: %w", err)
		}
		log.Info("    Using centers", "source", srcCenter, "destination", dstCenter)
	}
	src := shift(source, r3.Scale(-1, srcCenter))
	dst := shift(destination, r3.Scale(-1, dstCenter))

	log.Info("    Computing spherical harmonic approximation", "order", opts.Order)
	srcSph := sphharm.CartToSph(src)
	dstSph := sphharm.CartToSph(dst)
	matchSph := sphharm.CartToSph(matchRR)

	srcCoeffs, err := fitRadius(opts.Order, srcSph)
	if err != nil {
		return fmt.Errorf("warp: source harmonics: %w", err)
	}
	dstCoeffs, err := fitRadius(opts.Order, dstSph)
	if err != nil {
		return fmt.Errorf("warp: destination harmonics: %w", err)
	}

	log.Info("    Matching points on smoothed surfaces", "n", len(matchSph), "match", opts.Match)
	az, pol := angles(matchSph)
	basis := sphharm.ComputeSphHarm(opts.Order, az, pol)
	var srcRad, dstRad mat.Dense
	srcRad.Mul(basis, srcCoeffs)
	dstRad.Mul(basis, dstCoeffs)

	srcMatched := make([]r3.Vec, len(matchSph))
	dstMatched := make([]r3.Vec, len(matchSph))
	for i, m := range matchSph {
		m.R = math.Abs(srcRad.At(i, 0))
		srcMatched[i] = r3.Add(sphharm.SphToCartPoint(m), srcCenter)
		m.R = math.Abs(dstRad.At(i, 0))
		dstMatched[i] = r3.Add(sphharm.SphToCartPoint(m), dstCenter)
	}

	tps := &TPSWarp{MaxChunkBytes: opts.MaxChunkBytes}
	if err := tps.Fit(srcMatched, dstMatched, opts.Reg); err != nil {
		return err
	}
	s.warp = tps
	s.srcCenter, s.dstCenter = srcCenter, dstCenter
	s.params = surfaceFitParams{
		nSrc:   len(source),
		nDest:  len(destination),
		nMatch: len(matchRR),
		match:  opts.Match,
		order:  opts.Order,
		reg:    opts.Reg,
	}
	log.Info("[done]")
	return nil
}

// Transform warps source-space points into the destination space. Points
// do not need to be ones used in Fit, but should lie within the source surface.
func (s *SphericalSurfaceWarp) Transform(pts []r3.Vec) ([]r3.Vec, error) {
	if s.warp == nil {
		return nil, ErrNotFitted
	}
	return s.warp.Transform(pts)
}

// TPS exposes the underlying spline, nil before Fit.
func (s *SphericalSurfaceWarp) TPS() *TPSWarp {
	return s.warp
}

func fitRadius(order int, pts []sphharm.Sph) (*mat.Dense, error) {
	if len(pts) == 0 {
		return nil, errors.New("no points")
	}
	az, pol := angles(pts)
	basis := sphharm.ComputeSphHarm(order, az, pol)
	rad := mat.NewDense(len(pts), 1, nil)
	for i, p := range pts {
		rad.Set(i, 0, p.R)
	}
	return linalg.LstSq(basis, rad)
}

func angles(pts []sphharm.Sph) (az, pol []float64) {
	az = make([]float64, len(pts))
	pol = make([]float64, len(pts))
	for i, p := range pts {
		az[i], pol[i] = p.Az, p.Pol
	}
	return az, pol
}

// filterPoints drops the points for which exclude is true.
func filterPoints(pts []r3.Vec, exclude func(r3.Vec) bool) []r3.Vec {
	out := make([]r3.Vec, 0, len(pts))
	for _, p := range pts {
		if !exclude(p) {
			out = append(out, p)
		}
	}
	return out
}

func shift(pts []r3.Vec, by r3.Vec) []r3.Vec {
	out := make([]r3.Vec, len(pts))
	for i, p := range pts {
		out[i] = r3.Add(p, by)
	}
	return out
}
