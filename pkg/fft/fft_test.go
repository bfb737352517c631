package fft

import (
	"errors"
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"libdeconv/internal/models"
	"libdeconv/pkg/cube"
)

// naiveDFT computes the 3D DFT directly
func naiveDFT(data []complex128, d models.Dims) []complex128 {
	out := make([]complex128, len(data))
	for w := 0; w < d.Z; w++ {
		for v := 0; v < d.Y; v++ {
			for u := 0; u < d.X; u++ {
				var sum complex128
				for z := 0; z < d.Z; z++ {
					for y := 0; y < d.Y; y++ {
						for x := 0; x < d.X; x++ {
							phase := -2 * math.Pi * (float64(u*x)/float64(d.X) + float64(v*y)/float64(d.Y) + float64(w*z)/float64(d.Z))
							sum += data[x+y*d.X+z*d.X*d.Y] * cmplx.Exp(complex(0, phase))
						}
					}
				}
				out[u+v*d.X+w*d.X*d.Y] = sum
			}
		}
	}
	return out
}

func randomData(n int, seed int64) []float64 {
	r := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := range out {
		out[i] = r.Float64()
	}
	return out
}

// TestPlanMatchesDFT compares both line engines against a direct DFT and
// checks the inverse restores the input
func TestPlanMatchesDFT(t *testing.T) {
	d := models.Dims{X: 4, Y: 2, Z: 8}
	src := randomData(d.Len(), 1)
	in := make([]complex128, len(src))
	for i, v := range src {
		in[i] = complex(v, 0)
	}
	want := naiveDFT(in, d)

	for _, e := range []Engine{EngineGonum, EngineAlgo} {
		t.Run(e.String(), func(t *testing.T) {
			p, err := NewPlan(d, WithEngine(e), WithWorkers(3))
			if err != nil {
				t.Fatalf("NewPlan failed: %v", err)
			}
			spec, err := p.Forward(src)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			for i := range spec {
				if cmplx.Abs(spec[i]-want[i]) > 1e-9 {
					t.Fatalf("Coefficient %d: got %v want %v", i, spec[i], want[i])
				}
			}
			back, err := p.Inverse(spec)
			if err != nil {
				t.Fatalf("Inverse failed: %v", err)
			}
			for i := range back {
				if math.Abs(back[i]-src[i]) > 1e-12 {
					t.Fatalf("Round trip differs at %d: %v vs %v", i, back[i], src[i])
				}
			}
		})
	}
}

// TestPlanValidation rejects dimensions that are not powers of two
func TestPlanValidation(t *testing.T) {
	if _, err := NewPlan(models.Dims{X: 6, Y: 4, Z: 4}); !errors.Is(err, ErrNotPowerOfTwo) {
		t.Errorf("Expected ErrNotPowerOfTwo, got %v", err)
	}
	p, _ := NewPlan(models.Dims{X: 4, Y: 4, Z: 1})
	if err := p.Transform(make([]complex128, 8), false); !errors.Is(err, ErrLength) {
		t.Errorf("Expected ErrLength, got %v", err)
	}
}

// TestCircularConvolution checks the identity kernel and a one voxel shift
func TestCircularConvolution(t *testing.T) {
	d := models.Dims{X: 8, Y: 8, Z: 4}
	img, _ := cube.FromBuffer(d, randomData(d.Len(), 2))

	delta, _ := cube.New[float64](d)
	delta.Set(0, 0, 0, 1)
	out, err := Convolve(img, delta, Circular)
	if err != nil {
		t.Fatalf("Convolve failed: %v", err)
	}
	for i, v := range img.Data() {
		if math.Abs(out.Data()[i]-v) > 1e-12 {
			t.Fatalf("Identity convolution differs at %d", i)
		}
	}

	shift, _ := cube.New[float64](d)
	shift.Set(1, 0, 0, 1)
	out, _ = Convolve(img, shift, Circular)
	if math.Abs(out.At(0, 3, 2)-img.At(7, 3, 2)) > 1e-12 {
		t.Error("Shift kernel did not wrap around the x edge")
	}

	corr, _ := Correlate(out, shift, Circular)
	if math.Abs(corr.At(5, 5, 1)-img.At(5, 5, 1)) > 1e-12 {
		t.Error("Correlation did not undo the shift")
	}
}

// TestLinearConvolution compares the padded convolution against a direct sum
func TestLinearConvolution(t *testing.T) {
	d := models.Dims{X: 5, Y: 3, Z: 4}
	kd := models.Dims{X: 3, Y: 3, Z: 3}
	img, _ := cube.FromBuffer(d, randomData(d.Len(), 3))
	k, _ := cube.FromBuffer(kd, randomData(kd.Len(), 4))

	out, err := Convolve(img, k, Linear, WithEngine(EngineAlgo))
	if err != nil {
		t.Fatalf("Convolve failed: %v", err)
	}
	for z := 0; z < d.Z; z++ {
		for y := 0; y < d.Y; y++ {
			for x := 0; x < d.X; x++ {
				var want float64
				for kz := 0; kz < kd.Z; kz++ {
					for ky := 0; ky < kd.Y; ky++ {
						for kx := 0; kx < kd.X; kx++ {
							sx, sy, sz := x-(kx-kd.X/2), y-(ky-kd.Y/2), z-(kz-kd.Z/2)
							if img.Contains(sx, sy, sz) {
								want += img.At(sx, sy, sz) * k.At(kx, ky, kz)
							}
						}
					}
				}
				if got := out.At(x, y, z); math.Abs(got-want) > 1e-9 {
					t.Fatalf("Voxel (%d,%d,%d): got %v want %v", x, y, z, got, want)
				}
			}
		}
	}
	if got := LinearSize(d, kd); got != (models.Dims{X: 8, Y: 8, Z: 8}) {
		t.Errorf("Unexpected linear size %v", got)
	}
}

// TestConvolvePrecision rejects mixed precision operands before computing
func TestConvolvePrecision(t *testing.T) {
	d := models.Dims{X: 4, Y: 4, Z: 4}
	img, _ := cube.New[float32](d)
	k, _ := cube.New[float64](d)
	if _, err := Convolve(img, k, Circular); !errors.Is(err, ErrPrecisionMismatch) {
		t.Errorf("Expected ErrPrecisionMismatch, got %v", err)
	}

	k32, _ := cube.New[float32](models.Dims{X: 4, Y: 4, Z: 2})
	if _, err := Convolve(img, k32, Circular); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
}

// TestPower checks the squared magnitude helper
func TestPower(t *testing.T) {
	spec := []complex128{3 + 4i, -1, 2i}
	dst := make([]float64, 3)
	Power(dst, spec)
	want := []float64{25, 1, 4}
	for i := range want {
		if math.Abs(dst[i]-want[i]) > 1e-12 {
			t.Errorf("Power[%d] = %v, want %v", i, dst[i], want[i])
		}
	}
}
