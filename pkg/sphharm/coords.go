// Package sphharm converts between cartesian and spherical coordinates and
// evaluates real spherical harmonic bases.
package sphharm

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// Sph is a point in spherical coordinates. Az is measured in the xy plane
// from +x, Pol from +z.
type Sph struct {
	R, Az, Pol float64
}

// CartToSphPoint converts one point. The origin maps to the zero value.
func CartToSphPoint(p r3.Vec) Sph {
	r := r3.Norm(p)
	norm := r
	if norm <= 0 {
		norm = 1
	}
	s := Sph{
		R:   r,
		Az:  math.Atan2(p.Y, p.X),
		Pol: math.Acos(math.Max(-1, math.Min(1, p.Z/norm))),
	}
	if math.IsNaN(s.Az) {
		s.Az = 0
	}
	if math.IsNaN(s.Pol) {
		s.Pol = 0
	}
	return s
}

// CartToSph converts every point.
func CartToSph(pts []r3.Vec) []Sph {
	out := make([]Sph, len(pts))
	for i, p := range pts {
		out[i] = CartToSphPoint(p)
	}
	return out
}

// SphToCartPoint converts one point back to cartesian.
func SphToCartPoint(s Sph) r3.Vec {
	xy := s.R * math.Sin(s.Pol)
	return r3.Vec{
		X: xy * math.Cos(s.Az),
		Y: xy * math.Sin(s.Az),
		Z: s.R * math.Cos(s.Pol),
	}
}

// SphToCart converts every point.
func SphToCart(pts []Sph) []r3.Vec {
	out := make([]r3.Vec, len(pts))
	for i, s := range pts {
		out[i] = SphToCartPoint(s)
	}
	return out
}

// PolToCart projects spherical points onto the xy plane.
func PolToCart(pts []Sph) []r2.Vec {
	out := make([]r2.Vec, len(pts))
	for i, s := range pts {
		d := s.R * math.Sin(s.Pol)
		out[i] = r2.Vec{X: d * math.Cos(s.Az), Y: d * math.Sin(s.Az)}
	}
	return out
}

// Pol2ToCart converts a plane polar coordinate (r, theta) to cartesian.
func Pol2ToCart(r, theta float64) r2.Vec {
	return r2.Vec{X: r * math.Cos(theta), Y: r * math.Sin(theta)}
}

// TopoToSph maps 2D topographic coordinates (angle in degrees, normalised
// radius) onto the unit sphere.
func TopoToSph(topo []r2.Vec) []Sph {
	out := make([]Sph, len(topo))
	for i, t := range topo {
		out[i] = Sph{R: 1, Az: -t.X * math.Pi / 180, Pol: math.Pi * t.Y}
	}
	return out
}

// SphToCartPartials converts a gradient given as partial derivatives along
// (radius, azimuth, polar) at (az, pol) into cartesian components.
func SphToCartPartials(az, pol float64, grad Sph) r3.Vec {
	ca, sa := math.Cos(az), math.Sin(az)
	cp, sp := math.Cos(pol), math.Sin(pol)
	return r3.Vec{
		X: ca*sp*grad.R - sa*grad.Az + ca*cp*grad.Pol,
		Y: sa*sp*grad.R + ca*grad.Az + cp*sa*grad.Pol,
		Z: cp*grad.R - sp*grad.Pol,
	}
}
