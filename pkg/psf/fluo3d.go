package psf

import (
	"fmt"
	"math"
	"runtime"

	"libdeconv/internal/models"
	"libdeconv/pkg/cube"
)

// ProgressCallback reports progress during kernel generation
type ProgressCallback func(completed, total int, message string)

// Option configures PSF generation
type Option func(*genConfig)

type genConfig struct {
	nodes    int
	workers  int
	progress ProgressCallback
}

func defaultGenConfig() genConfig {
	return genConfig{nodes: DefaultNodes, workers: runtime.NumCPU()}
}

// WithNodes sets the Gauss-Legendre order of the pupil integral
func WithNodes(n int) Option {
	return func(c *genConfig) { c.nodes = n }
}

// WithWorkers sets the number of goroutines computing planes or sections
func WithWorkers(n int) Option {
	return func(c *genConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithProgress installs a progress callback
func WithProgress(cb ProgressCallback) Option {
	return func(c *genConfig) { c.progress = cb }
}

// Fluo3D is a full 3D fluorescence PSF in wrapped layout: voxel (0,0,0) is
// the focus and distances wrap around each axis. It is immutable once built.
type Fluo3D struct {
	optics    Optics
	spacing   models.Spacing
	precision models.Precision
	kernel    *cube.Cube[float64]

	// measured is set for kernels imported from data rather than computed
	measured bool
}

// NewFluo3D validates the parameters and computes the kernel. Every axis
// must be even and hold at least MinSamples voxels.
func NewFluo3D(optics Optics, spacing models.Spacing, dims models.Dims, precision models.Precision, opts ...Option) (*Fluo3D, error) {
	if err := optics.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSpacing(spacing); err != nil {
		return nil, err
	}
	if !dims.Even() || dims.X < MinSamples || dims.Y < MinSamples || dims.Z < MinSamples {
		return nil, fmt.Errorf("%w: %s must be even and at least %d per axis", ErrDims, dims, MinSamples)
	}
	cfg := defaultGenConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	kernel := make([]float64, dims.Len())
	area := dims.X * dims.Y
	in := NewIntegrator(optics, cfg.nodes)

	planes := dims.Z/2 + 1
	err := parallelFor(planes, cfg.workers, cfg.progress, "computing PSF planes", func(k int) error {
		defocus := float64(k) * spacing.Z
		plane := wrappedPlane(dims, spacing.X == spacing.Y, func(di, dj int) float64 {
			return in.Intensity(math.Hypot(float64(di)*spacing.X, float64(dj)*spacing.Y), defocus)
		})
		copy(kernel[k*area:], plane)
		if k > 0 && k < dims.Z/2 {
			copy(kernel[(dims.Z-k)*area:], plane)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newComputed(optics, spacing, dims, precision, kernel)
}

// newComputed wraps a generated kernel buffer
func newComputed(optics Optics, spacing models.Spacing, dims models.Dims, precision models.Precision, data []float64) (*Fluo3D, error) {
	kernel, err := cube.FromBuffer(dims, data)
	if err != nil {
		return nil, err
	}
	kernel.SetSpacing(spacing)
	p := &Fluo3D{optics: optics, spacing: spacing, precision: precision, kernel: kernel}
	if err := p.finish(); err != nil {
		return nil, err
	}
	return p, nil
}

// wrappedPlane evaluates an XY plane whose value depends only on the wrapped
// offsets (|dx|, |dy|) from the origin. Each distinct pair is evaluated once;
// with square pixels the transposed pair is shared.
func wrappedPlane(dims models.Dims, square bool, value func(di, dj int) float64) []float64 {
	hx, hy := dims.X/2+1, dims.Y/2+1
	table := make([]float64, hx*hy)
	for dj := 0; dj < hy; dj++ {
		for di := 0; di < hx; di++ {
			if square && di < dj && dj < hx {
				table[di+dj*hx] = table[dj+di*hx]
				continue
			}
			table[di+dj*hx] = value(di, dj)
		}
	}

	plane := make([]float64, dims.X*dims.Y)
	for j := 0; j < dims.Y; j++ {
		dj := min(j, dims.Y-j)
		for i := 0; i < dims.X; i++ {
			di := min(i, dims.X-i)
			plane[i+j*dims.X] = table[di+dj*hx]
		}
	}
	return plane
}

// finish normalizes the kernel to unit sum and applies the precision
func (p *Fluo3D) finish() error {
	data := p.kernel.Data()
	for i, v := range data {
		if v < 0 || math.IsNaN(v) {
			data[i] = 0
		}
	}
	sum := p.kernel.Sum()
	if sum <= 0 || math.IsInf(sum, 0) {
		return ErrEmptyKernel
	}
	p.kernel.Scale(1 / sum)
	if p.precision == models.Single {
		for i, v := range data {
			data[i] = float64(float32(v))
		}
	}
	return nil
}

// FromMeasured imports a measured kernel. Negative samples are dropped, a
// centred kernel is moved to wrapped layout and the result is normalized.
func FromMeasured(kernel cube.Volume, precision models.Precision, centred bool) (*Fluo3D, error) {
	k, err := cube.FromFloat64s[float64](kernel.Dims(), kernel.Float64s())
	if err != nil {
		return nil, err
	}
	if centred {
		if k, err = k.Shift(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDims, err)
		}
	}
	p := &Fluo3D{precision: precision, kernel: k, measured: true, spacing: k.Spacing()}
	if err := p.finish(); err != nil {
		return nil, err
	}
	return p, nil
}

// Resize embeds or crops the kernel around its origin to dims and
// renormalizes. Both the current and the target dims must be even.
func (p *Fluo3D) Resize(dims models.Dims) (*Fluo3D, error) {
	if !dims.Valid() || !dims.Even() {
		return nil, fmt.Errorf("%w: %s", ErrDims, dims)
	}
	centred, err := p.kernel.Shift()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDims, err)
	}
	cur := p.kernel.Dims()
	inner := models.Dims{X: min(cur.X, dims.X), Y: min(cur.Y, dims.Y), Z: min(cur.Z, dims.Z)}
	if centred, err = centred.CropTo(inner); err != nil {
		return nil, err
	}
	if centred, err = centred.PadTo(dims, 0); err != nil {
		return nil, err
	}
	wrapped, _ := centred.Shift()
	out := &Fluo3D{optics: p.optics, spacing: p.spacing, precision: p.precision, kernel: wrapped, measured: p.measured}
	if err := out.finish(); err != nil {
		return nil, err
	}
	return out, nil
}

// Kernel returns a copy of the wrapped, unit-sum kernel
func (p *Fluo3D) Kernel() *cube.Cube[float64] { return p.kernel.Clone() }

func (p *Fluo3D) Dims() models.Dims           { return p.kernel.Dims() }
func (p *Fluo3D) Precision() models.Precision { return p.precision }
func (p *Fluo3D) Spacing() models.Spacing     { return p.spacing }
func (p *Fluo3D) Optics() Optics              { return p.optics }
func (p *Fluo3D) Measured() bool              { return p.measured }

// Centred returns the kernel with its focus moved to the centre voxel,
// the layout used for viewing and for linear convolution
func (p *Fluo3D) Centred() *cube.Cube[float64] {
	c, _ := p.kernel.Shift()
	return c
}
