// Package metrics compares a deconvolved volume with a reference volume.
package metrics

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"libdeconv/pkg/cube"
)

var ErrShape = errors.New("metrics: volumes differ in shape")

// entropyBins is the histogram resolution of the entropy estimate
const entropyBins = 256

// Report gathers the quality figures of an estimate against a reference
type Report struct {
	// RMSE is the root mean square voxel difference. Lower is better.
	RMSE float64

	// SSIM is the global structural similarity in [-1, 1], computed with
	// the dynamic range of the reference. Higher is better.
	SSIM float64

	// MI approximates the mutual information in nats assuming jointly
	// Gaussian intensities
	MI float64

	// EntropyDiff is the absolute difference of the Shannon entropies
	// (bits) of the two intensity histograms
	EntropyDiff float64

	// RelativeResidual is ‖estimate − reference‖ / ‖reference‖
	RelativeResidual float64
}

// Compare evaluates estimate against truth
func Compare(truth, estimate cube.Volume) (Report, error) {
	if truth.Dims() != estimate.Dims() {
		return Report{}, fmt.Errorf("%w: %s and %s", ErrShape, truth.Dims(), estimate.Dims())
	}
	a, b := truth.Float64s(), estimate.Float64s()
	return Report{
		RMSE:             RMSE(a, b),
		SSIM:             SSIM(a, b),
		MI:               MutualInformation(a, b),
		EntropyDiff:      EntropyDifference(a, b),
		RelativeResidual: RelativeResidual(b, a),
	}, nil
}

// Write prints the report as "value -> description" lines
func (r Report) Write(w io.Writer) {
	fmt.Fprintf(w, "%12.6e -> Root mean square error.\n", r.RMSE)
	fmt.Fprintf(w, "%12.6f -> Structural similarity.\n", r.SSIM)
	fmt.Fprintf(w, "%12.6f -> Mutual information (nats).\n", r.MI)
	fmt.Fprintf(w, "%12.6f -> Entropy difference (bits).\n", r.EntropyDiff)
	fmt.Fprintf(w, "%12.6e -> Relative residual.\n", r.RelativeResidual)
}

// RMSE returns the root mean square difference, or 0 for mismatched inputs
func RMSE(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	d := floats.Distance(a, b, 2)
	return d / math.Sqrt(float64(len(a)))
}

// SSIM computes the global structural similarity index. The dynamic range
// is taken from a.
func SSIM(a, b []float64) float64 {
	const k1, k2 = 0.01, 0.03
	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	L := floats.Max(a) - floats.Min(a)
	if L == 0 {
		L = 1
	}
	c1 := (k1 * L) * (k1 * L)
	c2 := (k2 * L) * (k2 * L)

	muA, varA := stat.MeanVariance(a, nil)
	muB, varB := stat.MeanVariance(b, nil)
	cov := stat.Covariance(a, b, nil)

	num := (2*muA*muB + c1) * (2*cov + c2)
	den := (muA*muA + muB*muB + c1) * (varA + varB + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// MutualInformation returns −½·log(1 − ρ²), the mutual information of two
// Gaussian variables with correlation ρ. Constant inputs give 0.
func MutualInformation(a, b []float64) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	if floats.Max(a) == floats.Min(a) || floats.Max(b) == floats.Min(b) {
		return 0
	}
	rho := stat.Correlation(a, b, nil)
	if r2 := rho * rho; r2 < 1 {
		return -0.5 * math.Log(1-r2)
	}
	return math.Inf(1)
}

// EntropyDifference returns |H(a) − H(b)| of the 256-bin histograms
func EntropyDifference(a, b []float64) float64 {
	return math.Abs(Entropy(a) - Entropy(b))
}

// Entropy is the Shannon entropy in bits of a 256-bin intensity histogram
func Entropy(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	lo, hi := floats.Min(data), floats.Max(data)
	if hi <= lo {
		return 0
	}
	dividers := make([]float64, entropyBins+1)
	floats.Span(dividers, lo, hi)
	dividers[entropyBins] = math.Nextafter(hi, math.Inf(1))

	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	counts := stat.Histogram(nil, dividers, sorted, nil)

	var h float64
	n := float64(len(data))
	for _, c := range counts {
		if c > 0 {
			p := c / n
			h -= p * math.Log2(p)
		}
	}
	return h
}

// RelativeResidual returns ‖a − b‖ / ‖b‖, or ‖a‖ when b is zero
func RelativeResidual(a, b []float64) float64 {
	nb := floats.Norm(b, 2)
	if nb == 0 {
		return floats.Norm(a, 2)
	}
	return floats.Distance(a, b, 2) / nb
}
