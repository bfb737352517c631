package deconv

import (
	"bufio"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/floats"

	"libdeconv/internal/models"
	"libdeconv/pkg/cube"
	"libdeconv/pkg/fft"
	"libdeconv/pkg/psf"
)

var testDims = models.Dims{X: 16, Y: 16, Z: 8}

// gaussianPSF returns a normalized Gaussian kernel in wrapped layout
func gaussianPSF(t *testing.T, d models.Dims, sigma float64, prec models.Precision) *psf.Fluo3D {
	t.Helper()
	c, _ := cube.New[float64](d)
	for z := 0; z < d.Z; z++ {
		for y := 0; y < d.Y; y++ {
			for x := 0; x < d.X; x++ {
				dx, dy, dz := float64(x-d.X/2), float64(y-d.Y/2), float64(z-d.Z/2)
				c.Set(x, y, z, math.Exp(-(dx*dx+dy*dy+dz*dz)/(2*sigma*sigma)))
			}
		}
	}
	p, err := psf.FromMeasured(c, prec, true)
	if err != nil {
		t.Fatalf("Failed to build PSF: %v", err)
	}
	return p
}

// blurredScene convolves two bright ellipsoids on a dim background with p
func blurredScene(t *testing.T, p psf.Model) *cube.Cube[float64] {
	t.Helper()
	truth, _ := cube.New[float64](testDims)
	truth.Fill(1)
	if err := truth.DrawEllipse(5, 6, 4, 2, 3, 2, 50); err != nil {
		t.Fatal(err)
	}
	if err := truth.DrawEllipse(11, 10, 3, 2, 2, 1, 80); err != nil {
		t.Fatal(err)
	}
	blurred, err := fft.Convolve(truth, p.Kernel(), fft.Circular)
	if err != nil {
		t.Fatalf("Failed to blur scene: %v", err)
	}
	blurred.ClampNegative()
	return blurred
}

// TestValidation checks that invalid inputs are rejected before any work
func TestValidation(t *testing.T) {
	double := gaussianPSF(t, testDims, 1.2, models.Double)
	img := blurredScene(t, double)

	t.Run("PrecisionMismatch", func(t *testing.T) {
		single := cube.Convert[float32](img)
		for _, name := range []string{"lw", "cg", "em"} {
			if _, err := New(name, single, double); !errors.Is(err, ErrPrecisionMismatch) {
				t.Errorf("%s: expected ErrPrecisionMismatch, got %v", name, err)
			}
		}
	})

	t.Run("ShapeMismatch", func(t *testing.T) {
		other := gaussianPSF(t, models.Dims{X: 8, Y: 16, Z: 8}, 1.2, models.Double)
		if _, err := NewLW(img, other); !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
	})

	t.Run("Dimensions", func(t *testing.T) {
		d := models.Dims{X: 12, Y: 16, Z: 8}
		odd, _ := cube.New[float64](d)
		if _, err := NewEM(odd, gaussianPSF(t, d, 1.2, models.Double)); !errors.Is(err, ErrDimensions) {
			t.Errorf("Expected ErrDimensions, got %v", err)
		}
	})

	t.Run("Options", func(t *testing.T) {
		cases := map[string]Option{
			"NegativeIterations": WithMaxIterations(-1),
			"ZeroCriterion":      WithCriterion(0),
			"SupportSize":        WithSpatialSupport(make([]bool, 5)),
			"Conditioning":       WithConditioning(51, 0.1, 1e-8),
			"Divergence":         WithDivergenceFactor(0.5),
		}
		for name, opt := range cases {
			if _, err := NewCG(img, double, opt); !errors.Is(err, ErrOption) {
				t.Errorf("%s: expected ErrOption, got %v", name, err)
			}
		}
		if _, err := New("mem", img, double); !errors.Is(err, ErrOption) {
			t.Errorf("Expected ErrOption for unknown engine, got %v", err)
		}
	})
}

// TestZeroIterations verifies that a zero iteration limit leaves the
// initial estimate untouched
func TestZeroIterations(t *testing.T) {
	p := gaussianPSF(t, testDims, 1.2, models.Double)
	img := blurredScene(t, p)

	for _, name := range []string{"lw", "cg", "em"} {
		t.Run(name, func(t *testing.T) {
			e, err := New(name, img, p, WithMaxIterations(0))
			if err != nil {
				t.Fatalf("Failed to create engine: %v", err)
			}
			state, err := e.Run()
			if err != nil || state != MaxIterationsReached {
				t.Fatalf("Run returned %s, %v", state, err)
			}
			if e.Iterations() != 0 {
				t.Errorf("Expected 0 iterations, got %d", e.Iterations())
			}
			for i, v := range e.Estimate().Data() {
				if v != img.Data()[i] {
					t.Fatalf("Estimate modified at voxel %d", i)
				}
			}
			if err := e.Iterate(); !errors.Is(err, ErrTerminal) {
				t.Errorf("Expected ErrTerminal, got %v", err)
			}
		})
	}

	guess, _ := cube.New[float64](testDims)
	for i, v := range img.Data() {
		guess.Data()[i] = 0.37 * v
	}
	for _, name := range []string{"lw", "cg", "em"} {
		for _, initial := range []*cube.Cube[float64]{nil, guess} {
			want := img
			opts := []Option{WithMaxIterations(0), WithNormalize(true)}
			label := name + "/Normalized"
			if initial != nil {
				want = initial
				opts = append(opts, WithInitialEstimate(initial))
				label += "Estimate"
			}
			t.Run(label, func(t *testing.T) {
				e, err := New(name, img, p, opts...)
				if err != nil {
					t.Fatalf("Failed to create engine: %v", err)
				}
				if _, err := e.Run(); err != nil {
					t.Fatalf("Run failed: %v", err)
				}
				for i, v := range e.Estimate().Data() {
					if v != want.Data()[i] {
						t.Fatalf("Estimate voxel %d is %g, want %g", i, v, want.Data()[i])
					}
				}
			})
		}
	}
}

// TestLWResidual checks that both LW update rules reduce the data residual
func TestLWResidual(t *testing.T) {
	p := gaussianPSF(t, testDims, 1.2, models.Double)
	img := blurredScene(t, p)

	for _, mode := range []LWMode{LWRichardsonLucy, LWLandweber} {
		t.Run(mode.String(), func(t *testing.T) {
			e, err := NewLW(img, p, WithMode(mode), WithMaxIterations(20), WithCriterion(1e-30))
			if err != nil {
				t.Fatalf("Failed to create engine: %v", err)
			}
			state, err := e.Run()
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if state != MaxIterationsReached || e.Iterations() != 20 {
				t.Errorf("Expected 20 iterations, got %d (%s)", e.Iterations(), state)
			}
			res := e.History().Residual
			if len(res) != 20 {
				t.Fatalf("Expected 20 residuals, got %d", len(res))
			}
			if res[len(res)-1] >= res[0] {
				t.Errorf("Residual did not decrease: first %g, last %g", res[0], res[len(res)-1])
			}
			if mode == LWRichardsonLucy {
				for i := 1; i < len(res); i++ {
					if res[i] > res[i-1] {
						t.Errorf("Residual rose at iteration %d: %g > %g", i+1, res[i], res[i-1])
					}
				}
			}
			if mode == LWLandweber && e.Conditioning() < MinConditioningValue {
				t.Errorf("Conditioning value %g below limit", e.Conditioning())
			}
			if e.Estimate().Min() < 0 {
				t.Error("Estimate has negative voxels")
			}
		})
	}
}

// TestConvergence runs RL on a flat image, where every update vanishes
func TestConvergence(t *testing.T) {
	p := gaussianPSF(t, testDims, 1.2, models.Double)
	flat, _ := cube.New[float64](testDims)
	flat.Fill(3)

	e, err := NewLW(flat, p, WithWindow(4))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	state, err := e.Run()
	if err != nil || state != Converged {
		t.Fatalf("Run returned %s, %v", state, err)
	}
	if e.Iterations() != 4 {
		t.Errorf("Expected convergence after the window of 4, got %d", e.Iterations())
	}
}

// TestCG covers the zero observation, residual reduction and intensity
// regularization
func TestCG(t *testing.T) {
	p := gaussianPSF(t, testDims, 1.2, models.Double)

	t.Run("ZeroObserved", func(t *testing.T) {
		zero, _ := cube.New[float64](testDims)
		e, err := NewCG(zero, p)
		if err != nil {
			t.Fatalf("Failed to create engine: %v", err)
		}
		state, err := e.Run()
		if err != nil || state == Failed {
			t.Fatalf("Run returned %s, %v", state, err)
		}
		if state != Converged {
			t.Errorf("Expected Converged, got %s", state)
		}
		if e.Estimate().Max() != 0 || e.Estimate().Min() != 0 {
			t.Error("Estimate of a zero image is not zero")
		}
	})

	t.Run("Residual", func(t *testing.T) {
		img := blurredScene(t, p)
		e, err := NewCG(img, p, WithMaxIterations(10), WithCriterion(1e-30), WithTrackLikelihood(true))
		if err != nil {
			t.Fatalf("Failed to create engine: %v", err)
		}
		state, err := e.Run()
		if err != nil || state == Failed {
			t.Fatalf("Run returned %s, %v", state, err)
		}
		h := e.History()
		if len(h.Likelihood) != e.Iterations() {
			t.Errorf("Expected %d likelihood values, got %d", e.Iterations(), len(h.Likelihood))
		}
		if last := h.Residual[len(h.Residual)-1]; last >= e.initial {
			t.Errorf("Residual %g did not improve on the initial %g", last, e.initial)
		}
		if e.Estimate().Min() < 0 {
			t.Error("Estimate has negative voxels")
		}
	})

	t.Run("Stalled", func(t *testing.T) {
		img := blurredScene(t, p)
		e, err := NewCG(img, p, WithMaxIterations(300), WithCriterion(1e-30), WithStallPatience(2))
		if err != nil {
			t.Fatalf("Failed to create engine: %v", err)
		}
		state, err := e.Run()
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if state != Stalled {
			t.Fatalf("Expected Stalled, got %s after %d iterations", state, e.Iterations())
		}
		res := e.History().Residual
		n := len(res)
		if n != e.Iterations() || n < 3 || n >= 300 {
			t.Fatalf("Unexpected residual history of %d values", n)
		}
		best := min(e.initial, floats.Min(res[:n-2]))
		for _, r := range res[n-2:] {
			if r < best {
				t.Errorf("Residual %g improved on %g before the stall", r, best)
			}
		}
	})

	t.Run("Diverged", func(t *testing.T) {
		img := blurredScene(t, p)
		e, err := NewCG(img, p, WithMaxIterations(10), WithCriterion(1e-30))
		if err != nil {
			t.Fatalf("Failed to create engine: %v", err)
		}
		for range 2 {
			if err := e.Iterate(); err != nil {
				t.Fatalf("Iterate failed: %v", err)
			}
		}
		kept := append([]float64(nil), e.Estimate().Data()...)

		// any finite residual now exceeds DivergenceFactor times the reference
		e.initial = 1e-300
		err = e.Iterate()
		if !errors.Is(err, ErrDiverged) {
			t.Fatalf("Expected ErrDiverged, got %v", err)
		}
		if e.State() != Failed || !errors.Is(e.Err(), ErrDiverged) {
			t.Errorf("Expected Failed with ErrDiverged, got %s, %v", e.State(), e.Err())
		}
		if e.Iterations() != 2 {
			t.Errorf("Expected 2 completed iterations, got %d", e.Iterations())
		}
		for i, v := range e.Estimate().Data() {
			if v != kept[i] {
				t.Fatalf("Estimate voxel %d not restored: %g, want %g", i, v, kept[i])
			}
		}
		if err := e.Iterate(); !errors.Is(err, ErrTerminal) {
			t.Errorf("Expected ErrTerminal, got %v", err)
		}
	})

	t.Run("IntensityRegularization", func(t *testing.T) {
		img := blurredScene(t, p)
		e, err := NewCG(img, p, WithMaxIterations(3), WithIntensityRegularization(true))
		if err != nil {
			t.Fatalf("Failed to create engine: %v", err)
		}
		if e.Penalty() < MinConditioningValue {
			t.Errorf("Penalty %g below limit", e.Penalty())
		}
		if _, err := e.Run(); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	})
}

// TestEMNonNegative checks the estimate after every EM iteration
func TestEMNonNegative(t *testing.T) {
	p := gaussianPSF(t, testDims, 1.2, models.Double)
	img := blurredScene(t, p)

	cases := []struct {
		name string
		opts []Option
	}{
		{"Plain", nil},
		{"Accelerated", []Option{WithAcceleration(true)}},
		{"Regularized", []Option{WithAcceleration(true), WithIREvery(3)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := append([]Option{WithMaxIterations(12), WithCriterion(1e-30), WithTrackLikelihood(true)}, tc.opts...)
			e, err := NewEM(img, p, opts...)
			if err != nil {
				t.Fatalf("Failed to create engine: %v", err)
			}
			for !e.State().Terminal() {
				if err := e.Iterate(); err != nil {
					t.Fatalf("Iteration %d failed: %v", e.Iterations()+1, err)
				}
				if m := e.Estimate().Min(); m < 0 {
					t.Fatalf("Negative voxel %g after iteration %d", m, e.Iterations())
				}
			}
			ll := e.History().Likelihood
			if tc.opts == nil && ll[len(ll)-1] < ll[0] {
				t.Errorf("Likelihood decreased from %g to %g", ll[0], ll[len(ll)-1])
			}
			if tc.name == "Regularized" && e.Penalty() <= 0 {
				t.Error("Expected a positive default penalty")
			}
			for _, a := range e.Alphas() {
				if a < 1 {
					t.Errorf("Acceleration step %g below 1", a)
				}
			}
		})
	}
}

// TestSinglePrecision runs every engine on float32 data
func TestSinglePrecision(t *testing.T) {
	p := gaussianPSF(t, testDims, 1.2, models.Single)
	img := cube.Convert[float32](blurredScene(t, gaussianPSF(t, testDims, 1.2, models.Double)))

	for _, name := range []string{"lw", "cg", "em"} {
		t.Run(name, func(t *testing.T) {
			e, err := New(name, img, p, WithMaxIterations(4))
			if err != nil {
				t.Fatalf("Failed to create engine: %v", err)
			}
			if _, err := e.Run(); err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			est := e.Estimate()
			if est.Precision() != models.Single || est.Min() < 0 {
				t.Errorf("Unexpected estimate: precision %s, min %g", est.Precision(), est.Min())
			}
		})
	}
}

// TestNormalize verifies that normalization tracks maxima and restores units
func TestNormalize(t *testing.T) {
	p := gaussianPSF(t, testDims, 1.2, models.Double)
	img := blurredScene(t, p)

	e, err := NewEM(img, p, WithNormalize(true), WithMaxIterations(3))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if !e.Options().TrackMax {
		t.Error("Normalize should force TrackMax")
	}
	if _, err := e.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	h := e.History()
	if len(h.ObjectMax) != 3 {
		t.Fatalf("Expected 3 maxima, got %d", len(h.ObjectMax))
	}
	if h.ObjectMax[0] > 10 {
		t.Errorf("Tracked maximum %g is not normalized", h.ObjectMax[0])
	}
	if got := e.Estimate().Max(); math.Abs(got-h.ObjectMax[2]*img.Max()) > 1e-9*got {
		t.Errorf("Estimate maximum %g not rescaled to image units", got)
	}
}

// TestSpatialSupport checks that voxels outside the support stay zero
func TestSpatialSupport(t *testing.T) {
	p := gaussianPSF(t, testDims, 1.2, models.Double)
	img := blurredScene(t, p)
	support := make([]bool, testDims.Len())
	for i := range support {
		support[i] = i%testDims.X < testDims.X/2
	}

	e, err := NewLW(img, p, WithSpatialSupport(support), WithMaxIterations(5))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if _, err := e.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i, v := range e.Estimate().Data() {
		if !support[i] && v != 0 {
			t.Fatalf("Voxel %d outside the support is %g", i, v)
		}
	}
}

// TestNonFinite verifies that a failing step restores the last good estimate
func TestNonFinite(t *testing.T) {
	p := gaussianPSF(t, testDims, 1.2, models.Double)
	img := blurredScene(t, p)
	initial := img.Clone()
	img.Set(3, 3, 3, math.NaN())

	e, err := NewLW(img, p, WithInitialEstimate(initial))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	state, err := e.Run()
	if !errors.Is(err, ErrNonFinite) || state != Failed {
		t.Fatalf("Expected ErrNonFinite and Failed, got %s, %v", state, err)
	}
	if !errors.Is(e.Err(), ErrNonFinite) {
		t.Errorf("Err() returned %v", e.Err())
	}
	for i, v := range e.Estimate().Data() {
		if v != initial.Data()[i] {
			t.Fatalf("Estimate not restored at voxel %d", i)
		}
	}
	if err := e.Iterate(); !errors.Is(err, ErrTerminal) {
		t.Errorf("Expected ErrTerminal, got %v", err)
	}
}

// TestTracksAndProfile writes the track files and the run profile
func TestTracksAndProfile(t *testing.T) {
	p := gaussianPSF(t, testDims, 1.2, models.Double)
	img := blurredScene(t, p)

	e, err := NewLW(img, p, WithMaxIterations(3), WithTrackLikelihood(true), WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if _, err := e.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	head := filepath.Join(t.TempDir(), "out", "run")
	if err := WriteTracks(head, e.History()); err != nil {
		t.Fatalf("WriteTracks failed: %v", err)
	}
	for _, suffix := range []string{SuffixUpdate, SuffixLikelihood} {
		f, err := os.Open(head + suffix)
		if err != nil {
			t.Fatalf("Missing track file: %v", err)
		}
		var lines []string
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		f.Close()
		if len(lines) != 3 || !strings.HasPrefix(lines[0], "   1 ") {
			t.Errorf("%s: unexpected content %q", suffix, lines)
		}
	}
	if _, err := os.Stat(head + SuffixMax); !os.IsNotExist(err) {
		t.Error("Untracked maximum series was written")
	}

	var sb strings.Builder
	e.Profile(&sb)
	for _, want := range []string{"-> Iterations performed.", "max-iterations -> State.", "rl -> Update rule."} {
		if !strings.Contains(sb.String(), want) {
			t.Errorf("Profile lacks %q", want)
		}
	}
}

// TestGoldenSection minimises a parabola inside a bracket
func TestGoldenSection(t *testing.T) {
	f := func(x float64) (float64, error) { return (x - 0.3) * (x - 0.3), nil }
	x, err := goldenSection(f, 0, 0.5, 1, 1e-8)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(x-0.3) > 1e-6 {
		t.Errorf("Minimum at %g, want 0.3", x)
	}

	a, b, c, err := bracketDown(func(x float64) (float64, error) { return math.Abs(math.Log10(x) + 3), nil }, 1e-10)
	if err != nil {
		t.Fatal(err)
	}
	if a >= b || b >= c || math.Abs(b-1e-3) > 1e-12 {
		t.Errorf("Unexpected bracket (%g, %g, %g)", a, b, c)
	}
}
