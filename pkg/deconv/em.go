package deconv

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"libdeconv/pkg/cube"
	"libdeconv/pkg/psf"
)

// Newton line search limits
const (
	newtonTolerance = 0.1
	newtonMaxSteps  = 20
	alphaGrowth     = 1.5
	alphaMaxSteps   = 50
)

// EM is the EM-ML engine under a Poisson noise model with optional Newton
// acceleration and intensity regularization
type EM[T cube.Element] struct {
	base[T]
	ratio   []float64
	dir     []float64
	hdir    []float64
	penalty float64
	alphas  []float64
}

// NewEM validates the inputs and prepares an engine
func NewEM[T cube.Element](observed *cube.Cube[T], model psf.Model, opts ...Option) (*EM[T], error) {
	c, err := newCore("EM", observed, observed.Spacing(), model, opts)
	if err != nil {
		return nil, err
	}
	n := len(c.o)
	e := &EM[T]{base: base[T]{c}, ratio: make([]float64, n)}
	if c.opts.Accelerate {
		e.dir = make([]float64, n)
		e.hdir = make([]float64, n)
	}
	if c.opts.IREvery > 0 {
		e.penalty = c.opts.IRPenalty
		if e.penalty == 0 {
			if m := floats.Max(c.y); m > 0 {
				e.penalty = c.k0 / m
			}
		}
		c.log.Info("Intensity regularization enabled",
			zap.Int("every", c.opts.IREvery),
			zap.Float64("penalty", e.penalty))
	}
	return e, nil
}

// Penalty returns the intensity regularization penalty, 0 when disabled
func (e *EM[T]) Penalty() float64 { return e.penalty }

// Alphas returns the accepted acceleration step lengths
func (e *EM[T]) Alphas() []float64 { return append([]float64(nil), e.alphas...) }

// Iterate performs one update
func (e *EM[T]) Iterate() error { return e.iterate(e.step) }

// Run iterates until convergence, the iteration limit or a failure
func (e *EM[T]) Run() (State, error) { return e.run(e.step) }

func (e *EM[T]) step() error {
	if e.opts.Accelerate {
		if err := e.accelerated(); err != nil {
			return err
		}
	} else if err := e.richardsonLucy(e.ratio); err != nil {
		return err
	}
	if e.opts.IREvery > 0 && e.penalty > 0 && (e.iterations+1)%e.opts.IREvery == 0 {
		e.regularize()
	}
	return nil
}

// accelerated moves along d = o·(Hᵀ(y/Ho) − 1). The plain EM update is the
// step α = 1; Newton iterations on the likelihood pick a longer one.
func (e *EM[T]) accelerated() error {
	if err := e.correction(e.ratio); err != nil {
		return err
	}
	for i, o := range e.o {
		e.dir[i] = o * (e.ratio[i] - 1)
	}
	if err := e.filter(e.hdir, e.dir, false); err != nil {
		return err
	}

	alpha := e.newton()
	if !e.nonNegative(alpha) {
		alpha = e.growAlpha()
	}
	e.alphas = append(e.alphas, alpha)
	floats.AddScaled(e.o, alpha, e.dir)
	clampNegative(e.o)
	return nil
}

// newton solves d/dα Σ y·log(Ho+αHd) − (Ho+αHd) = 0 starting from α = 1.
// work holds Ho clamped at eps.
func (e *EM[T]) newton() float64 {
	alpha := 1.0
	for step := 0; step < newtonMaxSteps; step++ {
		var num, den float64
		for i, hd := range e.hdir {
			t := math.Max(e.work[i]+alpha*hd, e.eps)
			num += e.y[i]*hd/t - hd
			den += e.y[i] * hd * hd / (t * t)
		}
		if den == 0 {
			break
		}
		delta := num / den
		alpha += delta
		if math.IsNaN(alpha) || math.IsInf(alpha, 0) || alpha < 1 {
			return 1
		}
		if math.Abs(delta) <= newtonTolerance*alpha {
			break
		}
	}
	return alpha
}

// growAlpha returns the longest step 1·1.5ᵏ keeping every voxel non-negative
func (e *EM[T]) growAlpha() float64 {
	alpha := 1.0
	for k := 0; k < alphaMaxSteps; k++ {
		next := alpha * alphaGrowth
		if !e.nonNegative(next) {
			break
		}
		alpha = next
	}
	return alpha
}

func (e *EM[T]) nonNegative(alpha float64) bool {
	for i, o := range e.o {
		if o+alpha*e.dir[i] < 0 {
			return false
		}
	}
	return true
}

// regularize applies o ← (−1 + √(1 + 2p·o))/p
func (e *EM[T]) regularize() {
	p := e.penalty
	for i, o := range e.o {
		e.o[i] = (math.Sqrt(1+2*p*o) - 1) / p
	}
	e.log.Debug("Intensity regularization applied", zap.Int("iteration", e.iterations+1))
}
