package warp

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"
)

// TemplateSource supplies uniformly spaced unit-sphere point sets by name.
type TemplateSource interface {
	Template(name string) ([]r3.Vec, error)
}

// SphereTemplates builds "oct<n>" and "ico<n>" subdivided spheres on first
// use and caches them. It is safe for concurrent use; returned slices are
// shared and must not be modified.
type SphereTemplates struct {
	mu    sync.Mutex
	cache map[string][]r3.Vec
}

// NewSphereTemplates returns an empty registry.
func NewSphereTemplates() *SphereTemplates {
	return &SphereTemplates{cache: make(map[string][]r3.Vec)}
}

var defaultTemplates = NewSphereTemplates()

// DefaultTemplates is the process-wide registry used when none is supplied.
func DefaultTemplates() *SphereTemplates { return defaultTemplates }

// Template returns the vertices of the named subdivided sphere. "octN"
// subdivides an octahedron N-1 times (oct5 has 1026 vertices), "icoN" an
// icosahedron N times (ico4 has 2562).
func (s *SphereTemplates) Template(name string) ([]r3.Vec, error) {
	kind, n, err := parseTemplate(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		s.cache = make(map[string][]r3.Vec)
	}
	if v, ok := s.cache[name]; ok {
		return v, nil
	}

	var verts []r3.Vec
	var faces [][3]int
	var steps int
	switch kind {
	case "oct":
		verts, faces = octahedron()
		steps = n - 1
	case "ico":
		verts, faces = icosahedron()
		steps = n
	}
	for i := 0; i < steps; i++ {
		verts, faces = subdivide(verts, faces)
	}
	s.cache[name] = verts
	return verts, nil
}

func parseTemplate(name string) (string, int, error) {
	for _, kind := range []string{"oct", "ico"} {
		if !strings.HasPrefix(name, kind) {
			continue
		}
		n, err := strconv.Atoi(name[len(kind):])
		if err != nil {
			break
		}
		if kind == "oct" && (n < 1 || n > 7) || kind == "ico" && (n < 0 || n > 6) {
			return "", 0, fmt.Errorf("warp: template %q subdivision out of range", name)
		}
		return kind, n, nil
	}
	return "", 0, fmt.Errorf(`warp: template must be "oct<n>" or "ico<n>", got %q`, name)
}

func octahedron() ([]r3.Vec, [][3]int) {
	verts := []r3.Vec{
		{X: 1}, {X: -1}, {Y: 1}, {Y: -1}, {Z: 1}, {Z: -1},
	}
	faces := [][3]int{
		{4, 0, 2}, {4, 2, 1}, {4, 1, 3}, {4, 3, 0},
		{5, 2, 0}, {5, 1, 2}, {5, 3, 1}, {5, 0, 3},
	}
	return verts, faces
}

func icosahedron() ([]r3.Vec, [][3]int) {
	t := (1 + math.Sqrt(5)) / 2
	raw := []r3.Vec{
		{X: -1, Y: t}, {X: 1, Y: t}, {X: -1, Y: -t}, {X: 1, Y: -t},
		{Y: -1, Z: t}, {Y: 1, Z: t}, {Y: -1, Z: -t}, {Y: 1, Z: -t},
		{X: t, Z: -1}, {X: t, Z: 1}, {X: -t, Z: -1}, {X: -t, Z: 1},
	}
	verts := make([]r3.Vec, len(raw))
	for i, v := range raw {
		verts[i] = r3.Unit(v)
	}
	faces := [][3]int{
		{0, 11, 5}, {0, 5, 1}, {0, 1, 7}, {0, 7, 10}, {0, 10, 11},
		{1, 5, 9}, {5, 11, 4}, {11, 10, 2}, {10, 7, 6}, {7, 1, 8},
		{3, 9, 4}, {3, 4, 2}, {3, 2, 6}, {3, 6, 8}, {3, 8, 9},
		{4, 9, 5}, {2, 4, 11}, {6, 2, 10}, {8, 6, 7}, {9, 8, 1},
	}
	return verts, faces
}

// subdivide splits every triangle into four, pushing new edge midpoints
// out onto the unit sphere. Shared edges reuse one midpoint.
func subdivide(verts []r3.Vec, faces [][3]int) ([]r3.Vec, [][3]int) {
	mid := make(map[[2]int]int, len(faces)*3/2)
	midpoint := func(a, b int) int {
		key := [2]int{min(a, b), max(a, b)}
		if idx, ok := mid[key]; ok {
			return idx
		}
		verts = append(verts, r3.Unit(r3.Add(verts[a], verts[b])))
		mid[key] = len(verts) - 1
		return len(verts) - 1
	}
	out := make([][3]int, 0, len(faces)*4)
	for _, f := range faces {
		ab := midpoint(f[0], f[1])
		bc := midpoint(f[1], f[2])
		ca := midpoint(f[2], f[0])
		out = append(out,
			[3]int{f[0], ab, ca},
			[3]int{f[1], bc, ab},
			[3]int{f[2], ca, bc},
			[3]int{ab, bc, ca},
		)
	}
	return verts, out
}
