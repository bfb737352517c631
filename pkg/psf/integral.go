package psf

import (
	"math"

	"gonum.org/v1/gonum/integrate/quad"
)

// DefaultNodes is the Gauss-Legendre order used for the pupil integral
const DefaultNodes = 256

// Integrator evaluates the Gibson-Lanni intensity of a point source. The
// Legendre nodes over the pupil [0, NA²] are computed once.
type Integrator struct {
	optics  Optics
	wn      float64
	nodes   []float64
	weights []float64
}

// NewIntegrator prepares the quadrature for optics with n Legendre nodes
// (DefaultNodes when n <= 0)
func NewIntegrator(optics Optics, n int) *Integrator {
	if n <= 0 {
		n = DefaultNodes
	}
	in := &Integrator{
		optics:  optics,
		wn:      optics.WaveNumber(),
		nodes:   make([]float64, n),
		weights: make([]float64, n),
	}
	quad.Legendre{}.FixedLocations(in.nodes, in.weights, 0, optics.NA*optics.NA)
	return in
}

// opd is the optical path difference at pupil coordinate rho = (n·sinθ)²
func (in *Integrator) opd(rho, defocus float64) (float64, bool) {
	o := in.optics
	n2 := o.RI * o.RI
	if rho >= n2 {
		return 0, false
	}
	temp := math.Sqrt(n2 - rho)
	opd := defocus * (temp - o.RI)

	if o.immersionActive() {
		m := o.Immersion
		req2 := m.RequiredRI * m.RequiredRI
		if rho >= req2 {
			return 0, false
		}
		opd += m.WorkingDistance * (math.Sqrt(req2-rho) - o.RI/m.RequiredRI*temp -
			m.RequiredRI + n2/m.RequiredRI)
	}

	if o.coverActive() {
		c := o.CoverSlip
		req2, act2 := c.RequiredRI*c.RequiredRI, c.ActualRI*c.ActualRI
		if rho < req2 && rho < act2 {
			thxRI := c.RequiredThickness*c.RequiredRI - c.ActualThickness*c.ActualRI
			thDivRI := c.RequiredThickness/c.RequiredRI - c.ActualThickness/c.ActualRI
			opd += c.RequiredThickness*(math.Sqrt(req2-rho)-o.RI/c.RequiredRI*temp) -
				c.ActualThickness*(math.Sqrt(act2-rho)-o.RI/c.ActualRI*temp) -
				thxRI + n2*thDivRI
		}
	}
	return opd, true
}

// Intensity returns the PSF intensity at lateral distance r and defocus,
// both in micrometres. It is (∫J0·cos)² + (∫J0·sin)² over the pupil.
func (in *Integrator) Intensity(r, defocus float64) float64 {
	var re, im float64
	for i, rho := range in.nodes {
		opd, ok := in.opd(rho, defocus)
		if !ok {
			continue
		}
		j := math.J0(in.wn*r*math.Sqrt(rho)) * in.weights[i]
		s, c := math.Sincos(in.wn * opd)
		re += j * c
		im += j * s
	}
	return re*re + im*im
}
