package psf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"

	"libdeconv/internal/models"
)

// FluoRZ is a radially symmetric PSF tabulated over lateral distance r and
// defocus z. Table[i + s*Radial] holds the intensity at r = i*DR and
// defocus = s*DZ. 3D kernels of any compatible geometry are derived from it.
type FluoRZ struct {
	optics    Optics
	dr, dz    float64
	radial    int
	sections  int
	precision models.Precision
	table     []float64
}

// NewFluoRZ validates the parameters and computes the table
func NewFluoRZ(optics Optics, radial, sections int, dr, dz float64, precision models.Precision, opts ...Option) (*FluoRZ, error) {
	p, err := newFluoRZ(optics, radial, sections, dr, dz, precision)
	if err != nil {
		return nil, err
	}
	cfg := defaultGenConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	in := NewIntegrator(optics, cfg.nodes)
	err = parallelFor(sections, cfg.workers, cfg.progress, "computing r-z sections", func(s int) error {
		row := p.table[s*radial : (s+1)*radial]
		for i := range row {
			row[i] = in.Intensity(float64(i)*dr, float64(s)*dz)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newFluoRZ(optics Optics, radial, sections int, dr, dz float64, precision models.Precision) (*FluoRZ, error) {
	if err := optics.Validate(); err != nil {
		return nil, err
	}
	if radial < MinSamples || sections < MinSamples {
		return nil, fmt.Errorf("%w: table %dx%d needs at least %d samples per axis", ErrDims, radial, sections, MinSamples)
	}
	if err := LimitCalibration.check("radial calibration", dr); err != nil {
		return nil, err
	}
	if err := LimitSectioning.check("sectioning", dz); err != nil {
		return nil, err
	}
	return &FluoRZ{
		optics:    optics,
		dr:        dr,
		dz:        dz,
		radial:    radial,
		sections:  sections,
		precision: precision,
		table:     make([]float64, radial*sections),
	}, nil
}

func (p *FluoRZ) Optics() Optics              { return p.optics }
func (p *FluoRZ) DR() float64                 { return p.dr }
func (p *FluoRZ) DZ() float64                 { return p.dz }
func (p *FluoRZ) Radial() int                 { return p.radial }
func (p *FluoRZ) Sections() int               { return p.sections }
func (p *FluoRZ) Precision() models.Precision { return p.precision }

// Value returns the tabulated intensity at radial index i and section s
func (p *FluoRZ) Value(i, s int) float64 { return p.table[i+s*p.radial] }

// MaxDimension is the largest lateral size a 3D kernel sampled at d may
// have while its corners stay inside the table
func (p *FluoRZ) MaxDimension(d float64) int {
	return 2 * (int(math.Floor(float64(p.radial)*p.dr/d/1.5)) - 1)
}

// MaxSections is the largest axial size a 3D kernel sectioned at dz may have
func (p *FluoRZ) MaxSections(dz float64) int {
	return 2 * (int(math.Floor(float64(p.sections)*p.dz/dz)) - 1)
}

// MinCalibration is the finest lateral sampling usable with points² supersampling
func (p *FluoRZ) MinCalibration(points int) float64 {
	return p.dr * float64(points)
}

// To3D builds a 3D kernel in wrapped layout. Each voxel integrates a
// points x points supersampled neighbourhood of the interpolated profile.
func (p *FluoRZ) To3D(dims models.Dims, spacing models.Spacing, points int, opts ...Option) (*Fluo3D, error) {
	if err := ValidateSpacing(spacing); err != nil {
		return nil, err
	}
	if !dims.Even() || dims.X < MinSamples || dims.Y < MinSamples || dims.Z < MinSamples {
		return nil, fmt.Errorf("%w: %s must be even and at least %d per axis", ErrDims, dims, MinSamples)
	}
	if mx := p.MaxDimension(spacing.X); dims.X > mx {
		return nil, fmt.Errorf("%w: x size %d exceeds %d for calibration %g", ErrDims, dims.X, mx, spacing.X)
	}
	if my := p.MaxDimension(spacing.Y); dims.Y > my {
		return nil, fmt.Errorf("%w: y size %d exceeds %d for calibration %g", ErrDims, dims.Y, my, spacing.Y)
	}
	if mz := p.MaxSections(spacing.Z); dims.Z > mz {
		return nil, fmt.Errorf("%w: z size %d exceeds %d for sectioning %g", ErrDims, dims.Z, mz, spacing.Z)
	}
	if points < 1 || points%2 == 0 {
		return nil, fmt.Errorf("%w: %d", ErrPoints, points)
	}
	if minCal := p.MinCalibration(points); spacing.X < minCal || spacing.Y < minCal {
		return nil, fmt.Errorf("%w: %gx%g below %g", ErrCalibration, spacing.X, spacing.Y, minCal)
	}
	ndz := int(math.Round(spacing.Z / p.dz))
	if ndz < 1 || math.Abs(float64(ndz)*p.dz-spacing.Z) > 1e-6*spacing.Z {
		return nil, fmt.Errorf("%w: %g is not a multiple of %g", ErrSectioning, spacing.Z, p.dz)
	}

	cfg := defaultGenConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	xs := make([]float64, p.radial)
	for i := range xs {
		xs[i] = float64(i) * p.dr
	}

	kernel := make([]float64, dims.Len())
	area := dims.X * dims.Y
	planes := dims.Z/2 + 1
	err := parallelFor(planes, cfg.workers, cfg.progress, "interpolating PSF planes", func(k int) error {
		s := k * ndz
		var spline interp.NaturalCubic
		if err := spline.Fit(xs, p.table[s*p.radial:(s+1)*p.radial]); err != nil {
			return fmt.Errorf("error fitting section %d: %w", s, err)
		}
		plane := wrappedPlane(dims, spacing.X == spacing.Y, func(di, dj int) float64 {
			return blockSum(&spline, dims, spacing, points, di, dj)
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

	return newComputed(p.optics, spacing, dims, p.precision, kernel)
}

// blockSum averages the profile over the points x points sub-grid centred on
// voxel (di, dj). Sub-grid coordinates wrap around the supersampled plane.
func blockSum(spline *interp.NaturalCubic, dims models.Dims, spacing models.Spacing, points, di, dj int) float64 {
	half := points / 2
	nx, ny := dims.X*points, dims.Y*points
	sdx, sdy := spacing.X/float64(points), spacing.Y/float64(points)

	var sum float64
	for v := -half; v <= half; v++ {
		b := wrapIndex(points*dj+v, ny)
		y := float64(min(b, ny-b)) * sdy
		for u := -half; u <= half; u++ {
			a := wrapIndex(points*di+u, nx)
			x := float64(min(a, nx-a)) * sdx
			sum += spline.Predict(math.Hypot(x, y))
		}
	}
	return sum / float64(points*points)
}

func wrapIndex(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}
