package deconv

import (
	"math"
	"math/cmplx"

	vecmath "github.com/cwbudde/algo-vecmath"
	"go.uber.org/zap"
)

// golden ratio constants of the section search
const (
	goldenR = 0.61803399
	goldenC = 1 - goldenR
)

// gcvTolerance is the relative bracket width ending the penalty search
const gcvTolerance = 1e-10

// maxGoldenSteps bounds a section search whose tolerance cannot be met in
// floating point
const maxGoldenSteps = 200

// goldenSection minimises f inside the bracket (a, b, c), where f(b) is
// below f(a) and f(c), and returns the abscissa of the smallest value seen
func goldenSection(f func(float64) (float64, error), a, b, c, tol float64) (float64, error) {
	x0, x3 := a, c
	var x1, x2 float64
	if math.Abs(c-b) > math.Abs(b-a) {
		x1, x2 = b, b+goldenC*(c-b)
	} else {
		x1, x2 = b-goldenC*(b-a), b
	}
	f1, err := f(x1)
	if err != nil {
		return 0, err
	}
	f2, err := f(x2)
	if err != nil {
		return 0, err
	}
	for i := 0; i < maxGoldenSteps && math.Abs(x3-x0) > tol*(math.Abs(x1)+math.Abs(x2)); i++ {
		if f2 < f1 {
			x0, x1, x2 = x1, x2, goldenR*x2+goldenC*x3
			f1 = f2
			if f2, err = f(x2); err != nil {
				return 0, err
			}
		} else {
			x3, x2, x1 = x2, x1, goldenR*x1+goldenC*x0
			f2 = f1
			if f1, err = f(x1); err != nil {
				return 0, err
			}
		}
	}
	if f1 < f2 {
		return x1, nil
	}
	return x2, nil
}

// bracketDown starts at 1 and divides by 10 while f decreases, stopping at
// floor. It returns a bracket around the best decade.
func bracketDown(f func(float64) (float64, error), floor float64) (a, b, c float64, err error) {
	best := 1.0
	fbest, err := f(best)
	if err != nil {
		return 0, 0, 0, err
	}
	for best/10 >= floor {
		fx, err := f(best / 10)
		if err != nil {
			return 0, 0, 0, err
		}
		if fx >= fbest {
			break
		}
		best, fbest = best/10, fx
	}
	return math.Max(best/10, floor), best, best * 10, nil
}

// landweber advances o by one preconditioned step with conditioning cv:
// o ← max(0, o + F⁻¹[H̄Y/(|H|²+cv) − |H|²/(|H|²+cv)·O]). It returns the
// least-squares misfit Σ|Y − H·O|² of the new estimate in the frequency
// domain.
func (c *core) landweber(o []float64, Y []complex128, cv float64) (float64, error) {
	if err := c.plan.ForwardInto(c.spec, o); err != nil {
		return 0, err
	}
	for i, O := range c.spec {
		den := complex(c.otf[i]+cv, 0)
		c.spec[i] = (cmplx.Conj(c.h[i])*Y[i] - complex(c.otf[i], 0)*O) / den
	}
	if err := c.plan.InverseInto(c.work, c.spec); err != nil {
		return 0, err
	}
	vecmath.AddBlockInPlace(o, c.work)
	clampNegative(o)
	for i, keep := range c.opts.SpatialSupport {
		if !keep {
			o[i] = 0
		}
	}

	if err := c.plan.ForwardInto(c.spec, o); err != nil {
		return 0, err
	}
	var misfit float64
	for i, O := range c.spec {
		r := Y[i] - c.h[i]*O
		misfit += real(r)*real(r) + imag(r)*imag(r)
	}
	return misfit, nil
}

// condition returns the conditioning value: the fixed option when no
// search is configured, otherwise the minimiser of the summed misfit of
// ConditioningIterations trial steps from the current estimate
func (c *core) condition(Y []complex128) (float64, error) {
	if c.opts.ConditioningIterations == 0 {
		return c.opts.ConditioningValue, nil
	}
	trial := make([]float64, len(c.o))
	misfit := func(cv float64) (float64, error) {
		copy(trial, c.o)
		var sum float64
		for i := 0; i < c.opts.ConditioningIterations; i++ {
			m, err := c.landweber(trial, Y, cv)
			if err != nil {
				return 0, err
			}
			sum += m
		}
		return sum, nil
	}
	a, b, cc, err := bracketDown(misfit, MinConditioningValue)
	if err != nil {
		return 0, err
	}
	cv := b
	if a < b {
		if cv, err = goldenSection(misfit, a, b, cc, c.opts.ConditioningTolerance); err != nil {
			return 0, err
		}
	}
	cv = math.Max(cv, MinConditioningValue)
	c.log.Info("Conditioning value selected",
		zap.String("engine", c.name),
		zap.Float64("value", cv),
		zap.Float64s("bracket", []float64{a, b, cc}))
	return cv, nil
}

// gcvPenalty picks the intensity penalty minimising the generalized
// cross-validation score Σ x²|Y|²/(|H|²+x)² / (Σ x/(|H|²+x))²
func (c *core) gcvPenalty(Y []complex128) (float64, error) {
	power := make([]float64, len(Y))
	for i, v := range Y {
		power[i] = real(v)*real(v) + imag(v)*imag(v)
	}
	gcv := func(x float64) (float64, error) {
		var num, den float64
		for i, p := range power {
			d := c.otf[i] + x
			num += x * x * p / (d * d)
			den += x / d
		}
		if den == 0 {
			return math.Inf(1), nil
		}
		return num / (den * den), nil
	}
	a, b, cc, err := bracketDown(gcv, MinConditioningValue)
	if err != nil {
		return 0, err
	}
	x := b
	if a < b {
		if x, err = goldenSection(gcv, a, b, cc, gcvTolerance); err != nil {
			return 0, err
		}
	}
	c.log.Info("Intensity penalty selected", zap.String("engine", c.name), zap.Float64("penalty", x))
	return x, nil
}
