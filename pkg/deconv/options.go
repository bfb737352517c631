package deconv

import (
	"fmt"

	"go.uber.org/zap"

	"libdeconv/pkg/cube"
	"libdeconv/pkg/fft"
)

// LWMode selects the update rule of the LW engine
type LWMode int

const (
	// LWRichardsonLucy is the multiplicative Poisson update
	LWRichardsonLucy LWMode = iota
	// LWLandweber is the preconditioned additive least-squares update
	LWLandweber
)

func (m LWMode) String() string {
	if m == LWLandweber {
		return "landweber"
	}
	return "rl"
}

// ParseLWMode accepts "rl" and "landweber"
func ParseLWMode(s string) (LWMode, error) {
	switch s {
	case "rl", "richardson-lucy", "":
		return LWRichardsonLucy, nil
	case "landweber":
		return LWLandweber, nil
	default:
		return 0, fmt.Errorf("%w: unknown LW mode %q", ErrOption, s)
	}
}

// Limits of the conditioning search
const (
	MaxConditioningIterations = 50
	MinConditioningTolerance  = 1e-6
	MinConditioningValue      = 1e-10
)

// Options holds the settings shared by all engines. Fields that do not apply
// to an engine are ignored by it.
type Options struct {
	// Stopping policy
	MaxIterations int
	Criterion     float64
	Window        int

	// Normalize divides observed and estimate by the observed maximum and forces TrackMax
	Normalize       bool
	TrackMax        bool
	TrackLikelihood bool

	// InitialEstimate defaults to a copy of the observed cube
	InitialEstimate cube.Volume

	// SpatialSupport zeroes the estimate where false after every update
	SpatialSupport []bool
	// FrequencySupport zeroes the PSF spectrum where false
	FrequencySupport []bool

	FFTEngine fft.Engine
	Workers   int
	Logger    *zap.Logger

	// LW
	Mode LWMode

	// Conditioning search for Landweber and CG; a fixed ConditioningValue
	// is used when ConditioningIterations is 0
	ConditioningIterations int
	ConditioningTolerance  float64
	ConditioningValue      float64

	// CG
	IntensityRegularization bool
	StallPatience           int
	DivergenceFactor        float64

	// EM
	Accelerate bool
	IREvery    int
	// IRPenalty overrides the default penalty derived from the kernel when > 0
	IRPenalty float64
}

// DefaultOptions returns the engine defaults. EM intensity regularization
// is off (IREvery 0); the configuration file defaults enable it every 50
// iterations.
func DefaultOptions() Options {
	return Options{
		MaxIterations:          1000,
		Criterion:              1e-7,
		Window:                 10,
		FFTEngine:              fft.EngineGonum,
		Mode:                   LWRichardsonLucy,
		ConditioningIterations: 5,
		ConditioningTolerance:  0.1,
		ConditioningValue:      1e-8,
		StallPatience:          5,
		DivergenceFactor:       1e3,
	}
}

// Option modifies Options
type Option func(*Options)

// WithOptions replaces all settings at once
func WithOptions(o Options) Option { return func(dst *Options) { *dst = o } }

func WithMaxIterations(n int) Option           { return func(o *Options) { o.MaxIterations = n } }
func WithCriterion(c float64) Option           { return func(o *Options) { o.Criterion = c } }
func WithWindow(n int) Option                  { return func(o *Options) { o.Window = n } }
func WithNormalize(b bool) Option              { return func(o *Options) { o.Normalize = b } }
func WithTrackMax(b bool) Option               { return func(o *Options) { o.TrackMax = b } }
func WithTrackLikelihood(b bool) Option        { return func(o *Options) { o.TrackLikelihood = b } }
func WithInitialEstimate(v cube.Volume) Option { return func(o *Options) { o.InitialEstimate = v } }
func WithSpatialSupport(m []bool) Option       { return func(o *Options) { o.SpatialSupport = m } }
func WithFrequencySupport(m []bool) Option     { return func(o *Options) { o.FrequencySupport = m } }
func WithFFTEngine(e fft.Engine) Option        { return func(o *Options) { o.FFTEngine = e } }
func WithWorkers(n int) Option                 { return func(o *Options) { o.Workers = n } }
func WithLogger(l *zap.Logger) Option          { return func(o *Options) { o.Logger = l } }
func WithMode(m LWMode) Option                 { return func(o *Options) { o.Mode = m } }
func WithIntensityRegularization(b bool) Option {
	return func(o *Options) { o.IntensityRegularization = b }
}
func WithStallPatience(n int) Option        { return func(o *Options) { o.StallPatience = n } }
func WithDivergenceFactor(f float64) Option { return func(o *Options) { o.DivergenceFactor = f } }
func WithAcceleration(b bool) Option        { return func(o *Options) { o.Accelerate = b } }
func WithIREvery(n int) Option              { return func(o *Options) { o.IREvery = n } }
func WithIRPenalty(p float64) Option        { return func(o *Options) { o.IRPenalty = p } }

// WithConditioning sets the search length, its tolerance and the fixed value
// used without a search
func WithConditioning(iterations int, tolerance, value float64) Option {
	return func(o *Options) {
		o.ConditioningIterations = iterations
		o.ConditioningTolerance = tolerance
		o.ConditioningValue = value
	}
}

// validate checks the settings against a volume of n voxels
func (o *Options) validate(n int) error {
	switch {
	case o.MaxIterations < 0:
		return fmt.Errorf("%w: negative iteration limit %d", ErrOption, o.MaxIterations)
	case o.Criterion <= 0:
		return fmt.Errorf("%w: criterion %g must be positive", ErrOption, o.Criterion)
	case o.Window < 1:
		return fmt.Errorf("%w: convergence window %d", ErrOption, o.Window)
	case o.SpatialSupport != nil && len(o.SpatialSupport) != n:
		return fmt.Errorf("%w: spatial support has %d entries, want %d", ErrOption, len(o.SpatialSupport), n)
	case o.FrequencySupport != nil && len(o.FrequencySupport) != n:
		return fmt.Errorf("%w: frequency support has %d entries, want %d", ErrOption, len(o.FrequencySupport), n)
	case o.ConditioningIterations < 0 || o.ConditioningIterations > MaxConditioningIterations:
		return fmt.Errorf("%w: conditioning iterations %d outside [0,%d]", ErrOption, o.ConditioningIterations, MaxConditioningIterations)
	case o.ConditioningTolerance < MinConditioningTolerance:
		return fmt.Errorf("%w: conditioning tolerance %g below %g", ErrOption, o.ConditioningTolerance, MinConditioningTolerance)
	case o.ConditioningValue < MinConditioningValue:
		return fmt.Errorf("%w: conditioning value %g below %g", ErrOption, o.ConditioningValue, MinConditioningValue)
	case o.StallPatience < 0:
		return fmt.Errorf("%w: negative stall patience %d", ErrOption, o.StallPatience)
	case o.DivergenceFactor <= 1:
		return fmt.Errorf("%w: divergence factor %g must exceed 1", ErrOption, o.DivergenceFactor)
	case o.IREvery < 0 || o.IRPenalty < 0:
		return fmt.Errorf("%w: intensity regularization every %d with penalty %g", ErrOption, o.IREvery, o.IRPenalty)
	}
	if o.Normalize {
		o.TrackMax = true
	}
	return nil
}
