// Package psf computes widefield fluorescence point spread functions from
// the optical parameters of a microscope, either as full 3D kernels or as
// radially symmetric r-z tables, and imports measured kernels.
package psf

import (
	"errors"
	"fmt"
	"math"

	"libdeconv/internal/models"
	"libdeconv/pkg/cube"
)

var (
	ErrParameter          = errors.New("psf: parameter out of range")
	ErrInconsistentOptics = errors.New("psf: inconsistent optical parameters")
	ErrDims               = errors.New("psf: invalid kernel dimensions")
	ErrPoints             = errors.New("psf: points to sum must be odd and positive")
	ErrCalibration        = errors.New("psf: calibration finer than the table resolution")
	ErrSectioning         = errors.New("psf: sectioning must be an integer multiple of the table sectioning")
	ErrHeaderMismatch     = errors.New("psf: table header does not match its optics")
	ErrEmptyKernel        = errors.New("psf: kernel has no positive energy")
	ErrNoBeads            = errors.New("psf: no isolated beads found")
)

// Parameter limits in micrometres where dimensional
var (
	LimitNA          = Range{0.2, 2.0}
	LimitWavelength  = Range{0.1, 1.0}
	LimitRI          = Range{0.5, 2.0}
	LimitWD          = Range{10, 15000}
	LimitCover       = Range{10, 10000}
	LimitCalibration = Range{0.001, 10}
	LimitSectioning  = Range{0.01, 100}
)

// MinSamples is the smallest sample count accepted along any axis
const MinSamples = 8

// mismatchEpsilon decides whether a required and an actual value differ
const mismatchEpsilon = 1e-6

// Range is a closed interval
type Range struct{ Min, Max float64 }

func (r Range) check(name string, v float64) error {
	if math.IsNaN(v) || v < r.Min || v > r.Max {
		return &ParamError{Name: name, Value: v, Min: r.Min, Max: r.Max}
	}
	return nil
}

// ParamError reports a parameter outside its accepted range
type ParamError struct {
	Name     string
	Value    float64
	Min, Max float64
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("psf: %s = %g outside [%g, %g]", e.Name, e.Value, e.Min, e.Max)
}

func (e *ParamError) Unwrap() error { return ErrParameter }

// ImmersionMismatch describes an immersion medium that differs from the one
// the objective was designed for. The actual medium is Optics.RI.
type ImmersionMismatch struct {
	// RequiredRI is the design refractive index of the immersion medium
	RequiredRI float64 `yaml:"requiredRI"`

	// WorkingDistance of the objective in micrometres
	WorkingDistance float64 `yaml:"workingDistance"`
}

// CoverSlipMismatch describes a cover slip differing from the design one
type CoverSlipMismatch struct {
	RequiredThickness float64 `yaml:"requiredThickness"`
	ActualThickness   float64 `yaml:"actualThickness"`
	RequiredRI        float64 `yaml:"requiredRI"`
	ActualRI          float64 `yaml:"actualRI"`
}

// Optics holds the parameters of a widefield fluorescence microscope
type Optics struct {
	// NA is the numerical aperture of the objective
	NA float64 `yaml:"na"`

	// Wavelength is the emission wavelength in micrometres
	Wavelength float64 `yaml:"wavelength"`

	// RI is the refractive index of the immersion medium in use
	RI float64 `yaml:"ri"`

	// Immersion is set when the immersion medium differs from the design
	Immersion *ImmersionMismatch `yaml:"immersion,omitempty"`

	// CoverSlip is set when the cover slip differs from the design
	CoverSlip *CoverSlipMismatch `yaml:"coverSlip,omitempty"`
}

// Validate checks every parameter against its limits
func (o Optics) Validate() error {
	if err := LimitNA.check("NA", o.NA); err != nil {
		return err
	}
	if err := LimitWavelength.check("wavelength", o.Wavelength); err != nil {
		return err
	}
	if err := LimitRI.check("RI", o.RI); err != nil {
		return err
	}
	if o.NA >= o.RI {
		return fmt.Errorf("%w: NA %g must be below the immersion RI %g", ErrInconsistentOptics, o.NA, o.RI)
	}
	if m := o.Immersion; m != nil {
		if err := LimitRI.check("required immersion RI", m.RequiredRI); err != nil {
			return err
		}
		if err := LimitWD.check("working distance", m.WorkingDistance); err != nil {
			return err
		}
	}
	if m := o.CoverSlip; m != nil {
		if err := LimitCover.check("required cover slip thickness", m.RequiredThickness); err != nil {
			return err
		}
		if err := LimitCover.check("actual cover slip thickness", m.ActualThickness); err != nil {
			return err
		}
		if err := LimitRI.check("required cover slip RI", m.RequiredRI); err != nil {
			return err
		}
		if err := LimitRI.check("actual cover slip RI", m.ActualRI); err != nil {
			return err
		}
	}
	return nil
}

// immersionActive reports whether the immersion mismatch term contributes
func (o Optics) immersionActive() bool {
	return o.Immersion != nil && math.Abs(o.Immersion.RequiredRI-o.RI) > mismatchEpsilon
}

// coverActive reports whether the cover slip mismatch term contributes
func (o Optics) coverActive() bool {
	c := o.CoverSlip
	return c != nil && (math.Abs(c.RequiredThickness-c.ActualThickness) > mismatchEpsilon ||
		math.Abs(c.RequiredRI-c.ActualRI) > mismatchEpsilon)
}

// WaveNumber is 2π/λ
func (o Optics) WaveNumber() float64 { return 2 * math.Pi / o.Wavelength }

// NyquistXY is the lateral Nyquist sampling distance λ/(4·NA)
func (o Optics) NyquistXY() float64 { return o.Wavelength / (4 * o.NA) }

// NyquistZ is the axial Nyquist sampling distance λ/NA²
func (o Optics) NyquistZ() float64 { return o.Wavelength / (o.NA * o.NA) }

// ValidateSpacing checks a voxel size against the calibration limits
func ValidateSpacing(s models.Spacing) error {
	if err := LimitCalibration.check("x calibration", s.X); err != nil {
		return err
	}
	if err := LimitCalibration.check("y calibration", s.Y); err != nil {
		return err
	}
	return LimitSectioning.check("sectioning", s.Z)
}

// Model is a PSF usable by the deconvolution engines. The kernel is in
// wrapped layout (origin at index 0) and sums to one.
type Model interface {
	Kernel() *cube.Cube[float64]
	Precision() models.Precision
}
