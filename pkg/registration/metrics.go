package registration

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Metrics summarises how well a registered volume matches its target.
type Metrics struct {
	// R2 is the uncentred correlation in percent, see ComputeR2
	R2 float64

	// NCC is the Pearson correlation of the voxel intensities
	NCC float64

	// RMSE is the root mean square intensity difference
	RMSE float64

	// MI is the mutual information (nats) of the 32-bin joint histogram
	MI float64
}

// ComputeR2 returns 100·(a·b)/(|a||b|) over the flattened volumes.
func ComputeR2(a, b []float64) float64 {
	den := floats.Norm(a, 2) * floats.Norm(b, 2)
	if den == 0 {
		return 0
	}
	return 100 * floats.Dot(a, b) / den
}

// ComputeMetrics compares two equally sized intensity arrays.
func ComputeMetrics(static, moved []float64) Metrics {
	if len(static) != len(moved) || len(static) == 0 {
		return Metrics{}
	}
	m := Metrics{
		R2:   ComputeR2(static, moved),
		RMSE: rmse(static, moved),
	}
	if ncc := stat.Correlation(static, moved, nil); !math.IsNaN(ncc) {
		m.NCC = ncc
	}
	m.MI = mutualInformation(static, moved, nil, valueRange(static), valueRange(moved), histogramBins)
	return m
}

func rmse(a, b []float64) float64 {
	var mse float64
	for i := range a {
		d := a[i] - b[i]
		mse += d * d
	}
	return math.Sqrt(mse / float64(len(a)))
}

// negNCC is the cost minimised by the affine optimiser. Flat inputs cost 0.
func negNCC(a, b []float64) float64 {
	c := stat.Correlation(a, b, nil)
	if math.IsNaN(c) {
		return 0
	}
	return -c
}

// histogramBins is the joint histogram size per axis used for mutual information.
const histogramBins = 32

// valueRange returns the smallest and largest entries of data.
func valueRange(data []float64) [2]float64 {
	if len(data) == 0 {
		return [2]float64{}
	}
	return [2]float64{floats.Min(data), floats.Max(data)}
}

// binWeight places v in [0, bins-1] and returns the lower bin with the
// weight carried by the bin above it.
func binWeight(v float64, r [2]float64, bins int) (int, float64) {
	if r[1] <= r[0] {
		return 0, 0
	}
	t := (v - r[0]) / (r[1] - r[0]) * float64(bins-1)
	t = math.Max(0, math.Min(t, float64(bins-1)))
	b := min(int(t), bins-2)
	return b, t - float64(b)
}

// jointHistogram accumulates the normalised joint distribution of a and b
// over the voxels where mask is true (all voxels for a nil mask). Each value
// is shared linearly between its two nearest bins so the histogram varies
// continuously with the intensities. ra and rb fix the binned ranges.
func jointHistogram(a, b []float64, mask []bool, ra, rb [2]float64, bins int) []float64 {
	joint := make([]float64, bins*bins)
	var n float64
	for i := range a {
		if mask != nil && !mask[i] {
			continue
		}
		ba, fa := binWeight(a[i], ra, bins)
		bb, fb := binWeight(b[i], rb, bins)
		joint[ba*bins+bb] += (1 - fa) * (1 - fb)
		joint[(ba+1)*bins+bb] += fa * (1 - fb)
		joint[ba*bins+bb+1] += (1 - fa) * fb
		joint[(ba+1)*bins+bb+1] += fa * fb
		n++
	}
	if n > 0 {
		floats.Scale(1/n, joint)
	}
	return joint
}

// entropy is -Σ p·log p over the non-zero entries of p.
func entropy(p []float64) float64 {
	var h float64
	for _, x := range p {
		if x > 0 {
			h -= x * math.Log(x)
		}
	}
	return h
}

// mutualInformation is H(a) + H(b) - H(a, b) from the soft joint histogram.
func mutualInformation(a, b []float64, mask []bool, ra, rb [2]float64, bins int) float64 {
	joint := jointHistogram(a, b, mask, ra, rb, bins)
	pa := make([]float64, bins)
	pb := make([]float64, bins)
	for i := 0; i < bins; i++ {
		for j := 0; j < bins; j++ {
			pa[i] += joint[i*bins+j]
			pb[j] += joint[i*bins+j]
		}
	}
	return entropy(pa) + entropy(pb) - entropy(joint)
}
