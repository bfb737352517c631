package deconv

import (
	"fmt"
	"math"
	"math/cmplx"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"libdeconv/pkg/cube"
	"libdeconv/pkg/psf"
)

// CG minimises the preconditioned least-squares misfit with a
// non-negativity constrained Fletcher-Reeves conjugate gradient
type CG[T cube.Element] struct {
	base[T]
	yspec []complex128
	cv    float64
	ir    float64

	r, p, hp []float64
	mask     []float64
	gamma    float64
	first    bool

	initial float64
	best    float64
	since   int
}

// NewCG validates the inputs, selects the conditioning value and, with
// intensity regularization, the penalty
func NewCG[T cube.Element](observed *cube.Cube[T], model psf.Model, opts ...Option) (*CG[T], error) {
	c, err := newCore("CG", observed, observed.Spacing(), model, opts)
	if err != nil {
		return nil, err
	}
	n := len(c.o)
	e := &CG[T]{
		base:  base[T]{c},
		r:     make([]float64, n),
		p:     make([]float64, n),
		hp:    make([]float64, n),
		mask:  make([]float64, n),
		first: true,
	}
	if e.yspec, err = c.plan.Forward(c.y); err != nil {
		return nil, err
	}
	if c.opts.IntensityRegularization {
		if e.ir, err = c.gcvPenalty(e.yspec); err != nil {
			return nil, err
		}
	}
	if e.cv, err = c.condition(e.yspec); err != nil {
		return nil, err
	}

	if err := c.filter(c.work, c.o, false); err != nil {
		return nil, err
	}
	e.initial = c.residualNorm(c.work)
	e.best = e.initial
	return e, nil
}

// Conditioning returns the selected conditioning value
func (e *CG[T]) Conditioning() float64 { return e.cv }

// Penalty returns the intensity regularization penalty, 0 when disabled
func (e *CG[T]) Penalty() float64 { return e.ir }

// Iterate performs one update
func (e *CG[T]) Iterate() error { return e.iterate(e.step) }

// Run iterates until convergence, stall, the iteration limit or a failure
func (e *CG[T]) Run() (State, error) { return e.run(e.step) }

func (e *CG[T]) step() error {
	if err := e.gradient(); err != nil {
		return err
	}
	gamma := floats.Dot(e.r, e.r)
	if gamma == 0 {
		e.vanish()
		return nil
	}
	if e.first {
		copy(e.p, e.r)
		for i := range e.mask {
			e.mask[i] = 1
		}
		e.first = false
	} else {
		beta := gamma / e.gamma
		for i, r := range e.r {
			e.p[i] = r + beta*e.p[i]
		}
	}
	e.gamma = gamma

	if err := e.preconditioned(e.hp, e.p); err != nil {
		return err
	}
	var num, hpp, pp float64
	for i, s := range e.mask {
		num += e.r[i] * e.p[i] * s
		hpp += s * e.hp[i] * e.hp[i]
		pp += s * e.p[i] * e.p[i]
	}
	den := hpp + e.ir*pp
	if den == 0 {
		e.vanish()
		return nil
	}
	alpha := num / den
	if math.IsNaN(alpha) || math.IsInf(alpha, 0) {
		return fmt.Errorf("%w: step length at iteration %d", ErrNonFinite, e.iterations+1)
	}

	for i, p := range e.p {
		v := e.o[i] + alpha*p
		if v < 0 {
			e.o[i], e.mask[i] = 0, 0
			continue
		}
		e.o[i], e.mask[i] = v, 1
	}

	if err := e.filter(e.work, e.o, false); err != nil {
		return err
	}
	e.residual = e.residualNorm(e.work)
	misfit := floats.Distance(e.y, e.work, 2)
	e.likelihood = misfit * misfit
	if e.initial > 0 && e.residual > e.opts.DivergenceFactor*e.initial {
		return fmt.Errorf("%w: residual %g exceeds %g times the initial %g",
			ErrDiverged, e.residual, e.opts.DivergenceFactor, e.initial)
	}
	if e.residual < e.best {
		e.best, e.since = e.residual, 0
	} else if e.since++; e.opts.StallPatience > 0 && e.since >= e.opts.StallPatience {
		e.stalled = true
		e.log.Info("Residual stopped improving",
			zap.Int("iteration", e.iterations+1),
			zap.Float64("best", e.best))
	}
	return nil
}

// vanish ends the run on a zero gradient without touching the estimate
func (e *CG[T]) vanish() {
	e.residual = e.best
	e.likelihood = 0
	e.vanished = true
}

// gradient sets r = F⁻¹[H̄Y/(|H|²+c) − (|H|²/(|H|²+c) + p)·O]
func (e *CG[T]) gradient() error {
	if err := e.plan.ForwardInto(e.spec, e.o); err != nil {
		return err
	}
	for i, O := range e.spec {
		d := e.otf[i] + e.cv
		e.spec[i] = cmplx.Conj(e.h[i])*e.yspec[i]/complex(d, 0) - complex(e.otf[i]/d+e.ir, 0)*O
	}
	return e.plan.InverseInto(e.r, e.spec)
}

// preconditioned writes F⁻¹[F(src)·H/√(|H|²+c)] into dst
func (e *CG[T]) preconditioned(dst, src []float64) error {
	if err := e.plan.ForwardInto(e.spec, src); err != nil {
		return err
	}
	for i, v := range e.spec {
		e.spec[i] = v * e.h[i] / complex(math.Sqrt(e.otf[i]+e.cv), 0)
	}
	return e.plan.InverseInto(dst, e.spec)
}
