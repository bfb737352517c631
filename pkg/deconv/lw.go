package deconv

import (
	vecmath "github.com/cwbudde/algo-vecmath"
	"gonum.org/v1/gonum/floats"

	"libdeconv/pkg/cube"
	"libdeconv/pkg/psf"
)

// LW deconvolves with the Richardson-Lucy update, or with preconditioned
// Landweber iterations in LWLandweber mode
type LW[T cube.Element] struct {
	base[T]
	yspec []complex128
	cv    float64
	ratio []float64
}

// NewLW validates the inputs and prepares an engine. In Landweber mode the
// conditioning search runs here.
func NewLW[T cube.Element](observed *cube.Cube[T], model psf.Model, opts ...Option) (*LW[T], error) {
	c, err := newCore("LW", observed, observed.Spacing(), model, opts)
	if err != nil {
		return nil, err
	}
	e := &LW[T]{base: base[T]{c}, ratio: make([]float64, len(c.o))}
	if c.opts.Mode == LWLandweber {
		if e.yspec, err = c.plan.Forward(c.y); err != nil {
			return nil, err
		}
		if e.cv, err = c.condition(e.yspec); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Mode reports the update rule
func (e *LW[T]) Mode() LWMode { return e.opts.Mode }

// Conditioning returns the conditioning value of Landweber mode
func (e *LW[T]) Conditioning() float64 { return e.cv }

// Iterate performs one update
func (e *LW[T]) Iterate() error { return e.iterate(e.step) }

// Run iterates until convergence, the iteration limit or a failure
func (e *LW[T]) Run() (State, error) { return e.run(e.step) }

func (e *LW[T]) step() error {
	if e.opts.Mode == LWLandweber {
		return e.landweberStep()
	}
	return e.richardsonLucy(e.ratio)
}

func (e *LW[T]) landweberStep() error {
	// misfit and residual describe the estimate entering the step
	if err := e.filter(e.work, e.o, false); err != nil {
		return err
	}
	e.residual = e.residualNorm(e.work)
	misfit := floats.Distance(e.y, e.work, 2)
	e.likelihood = misfit * misfit
	_, err := e.landweber(e.o, e.yspec, e.cv)
	return err
}

// richardsonLucy applies o ← max(0, o·Hᵀ(y / max(Ho, eps))) and records the
// residual and Poisson likelihood of Ho. ratio ends up holding Hᵀ(y/Ho).
func (c *core) richardsonLucy(ratio []float64) error {
	if err := c.correction(ratio); err != nil {
		return err
	}
	vecmath.MulBlockInPlace(c.o, ratio)
	clampNegative(c.o)
	return nil
}

// correction computes Ho into work and Hᵀ(y/max(Ho, eps)) into ratio
func (c *core) correction(ratio []float64) error {
	if err := c.filter(c.work, c.o, false); err != nil {
		return err
	}
	c.residual = c.residualNorm(c.work)
	c.likelihood = c.poisson(c.work)
	for i, v := range c.work {
		if v < c.eps {
			v = c.eps
			c.work[i] = v
		}
		ratio[i] = c.y[i] / v
	}
	return c.filter(ratio, ratio, true)
}
